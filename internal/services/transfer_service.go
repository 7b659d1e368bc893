package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type TransferService interface {
	CreateTransfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error)
	GetTransfer(ctx context.Context, identity models.Identity, id int64) (*models.Transfer, error)
	ListTransfers(ctx context.Context, identity models.Identity, filter models.TransferFilter) ([]models.Transfer, error)
	GetAccount(ctx context.Context, identity models.Identity, id int64) (*models.Account, error)
}

// Idempotency remembers executed requests keyed by sender and client key.
type Idempotency interface {
	Reserve(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error)
	Complete(ctx context.Context, req models.TransferRequest, result *models.TransferResult) error
	Release(ctx context.Context, req models.TransferRequest) error
}

// AccountCache holds read-side account snapshots.
type AccountCache interface {
	Get(ctx context.Context, id int64) (*models.Account, error)
	Set(ctx context.Context, a *models.Account) error
	Invalidate(ctx context.Context, ids ...int64) error
}

type transferService struct {
	accounts    repository.AccountRepository
	transfers   repository.TransferRepository
	validator   *Validator
	executor    *Executor
	audit       *AuditLogger
	idempotency Idempotency
	cache       AccountCache
	now         func() time.Time
}

type Option func(*transferService)

func WithIdempotency(i Idempotency) Option {
	return func(s *transferService) { s.idempotency = i }
}

func WithAccountCache(c AccountCache) Option {
	return func(s *transferService) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *transferService) {
		s.now = now
		s.executor.now = now
	}
}

func NewTransferService(
	accounts repository.AccountRepository,
	transfers repository.TransferRepository,
	validator *Validator,
	executor *Executor,
	audit *AuditLogger,
	opts ...Option,
) *transferService {
	s := &transferService{
		accounts:  accounts,
		transfers: transfers,
		validator: validator,
		executor:  executor,
		audit:     audit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *transferService) CreateTransfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	tracer := otel.Tracer("transfer-service")
	ctx, span := tracer.Start(ctx, "CreateTransfer")
	defer span.End()
	span.SetAttributes(attribute.Int64("sender.id", req.SenderID))
	ctx = observability.WithContext(ctx, "sender_id", req.SenderID)

	useKey := req.IdempotencyKey != "" && s.idempotency != nil
	if useKey {
		replay, err := s.idempotency.Reserve(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, "idempotency reservation failed")
			if stderrors.Is(err, pkgerrors.ErrIdempotencyConflict) || stderrors.Is(err, pkgerrors.ErrRequestInProgress) {
				return nil, err
			}
			span.RecordError(err)
			observability.Logger(ctx).Error("idempotency store unavailable", "error", err)
			return nil, fmt.Errorf("%w: %w", pkgerrors.ErrDurability, err)
		}
		if replay != nil {
			span.SetAttributes(attribute.Bool("transfer.replayed", true))
			return replay, errorForResult(replay)
		}
	}

	res, err := s.createTransfer(ctx, req)

	if useKey {
		kctx := context.WithoutCancel(ctx)
		// cancelled transfers moved no money, the client may retry with the same key
		if res == nil || res.TransferID == 0 || res.Status == models.StatusCancelled {
			if rerr := s.idempotency.Release(kctx, req); rerr != nil {
				observability.Logger(ctx).Error("failed to release idempotency key", "error", rerr)
			}
		} else if cerr := s.idempotency.Complete(kctx, req, res); cerr != nil {
			observability.Logger(ctx).Error("failed to store idempotent result", "transfer_id", res.TransferID, "error", cerr)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, pkgerrors.ReasonOf(err, "transfer_failed"))
	}
	return res, err
}

func (s *transferService) createTransfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	log := observability.Logger(ctx)

	if err := s.validator.ValidateShape(req); err != nil {
		return s.reject(ctx, err)
	}

	ids := []int64{req.SenderID}
	ids = append(ids, req.RecipientIDs...)
	for _, p := range req.Recipients {
		ids = append(ids, p.AccountID)
	}
	accounts, err := s.accounts.GetByIDs(ctx, ids)
	if err != nil {
		log.Error("failed to load accounts", "error", err)
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	sender, ok := accounts[req.SenderID]
	if !ok {
		return s.reject(ctx, pkgerrors.NewValidationError("sender_id", pkgerrors.ReasonSenderNotFound).Wrap(pkgerrors.ErrAccountNotFound))
	}
	split, err := SplitRecipients(req, accounts)
	if err != nil {
		return s.reject(ctx, err)
	}
	if err := s.validator.ValidateSender(sender, split.Total); err != nil {
		return s.reject(ctx, err)
	}

	used, err := s.transfers.SumCompletedSince(ctx, req.SenderID, s.validator.StartOfDay(s.now()))
	if err != nil {
		log.Error("failed to read daily usage", "error", err)
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	if err := s.validator.ValidateDailyLimit(used, split.Total); err != nil {
		return s.reject(ctx, err)
	}

	transfer, execErr := s.executor.Execute(ctx, split.Transfer(req.SenderID, req.Description, req.IdempotencyKey))
	if transfer == nil {
		observability.TransfersTotal.WithLabelValues(string(split.Type), "error").Inc()
		return nil, execErr
	}
	observability.TransfersTotal.WithLabelValues(string(transfer.Type), string(transfer.Status)).Inc()

	if transfer.Status == models.StatusCompleted && s.cache != nil {
		if err := s.cache.Invalidate(context.WithoutCancel(ctx), transfer.AccountIDs()...); err != nil {
			log.Warn("failed to invalidate cached accounts", "transfer_id", transfer.ID, "error", err)
		}
	}

	names := make(map[int64]string, len(accounts))
	for id, a := range accounts {
		names[id] = a.Name
	}
	s.audit.Record(ctx, transfer, names)

	return models.ResultFromTransfer(transfer), execErr
}

func (s *transferService) reject(ctx context.Context, err error) (*models.TransferResult, error) {
	observability.TransfersTotal.WithLabelValues("none", "rejected").Inc()
	observability.Logger(ctx).Warn("transfer rejected", "reason", pkgerrors.ReasonOf(err, "invalid_request"), "error", err)
	return nil, err
}

// errorForResult restores the error of a replayed non-completed outcome.
func errorForResult(res *models.TransferResult) error {
	if res.Status == models.StatusCompleted {
		return nil
	}
	var cause error
	switch res.Reason {
	case pkgerrors.ReasonInsufficientFunds:
		cause = pkgerrors.ErrInsufficientFunds
	case pkgerrors.ReasonSenderInactive:
		cause = pkgerrors.ErrAccountInactive
	case pkgerrors.ReasonRecipientInactive:
		cause = pkgerrors.ErrRecipientInactive
	case pkgerrors.ReasonAccountNotFound:
		cause = pkgerrors.ErrAccountNotFound
	case pkgerrors.ReasonDailyLimitExceeded:
		cause = pkgerrors.ErrDailyLimitExceeded
	case pkgerrors.ReasonLockTimeout:
		cause = pkgerrors.ErrConcurrencyTimeout
	case pkgerrors.ReasonRequestCancelled, pkgerrors.ReasonStalePending:
		cause = context.Canceled
	default:
		cause = pkgerrors.ErrDurability
	}
	return fmt.Errorf("transfer %d: %w", res.TransferID, cause)
}

func (s *transferService) GetTransfer(ctx context.Context, identity models.Identity, id int64) (*models.Transfer, error) {
	tracer := otel.Tracer("transfer-service")
	ctx, span := tracer.Start(ctx, "GetTransfer")
	defer span.End()

	t, err := s.transfers.GetByID(ctx, id)
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrTransferNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get transfer failed")
		}
		return nil, err
	}
	if !identity.IsAdmin() && !t.Involves(identity.UserID) {
		slog.Warn("transfer access denied", "transfer_id", id, "user_id", identity.UserID)
		return nil, pkgerrors.ErrForbidden
	}
	return t, nil
}

func (s *transferService) ListTransfers(ctx context.Context, identity models.Identity, filter models.TransferFilter) ([]models.Transfer, error) {
	tracer := otel.Tracer("transfer-service")
	ctx, span := tracer.Start(ctx, "ListTransfers")
	defer span.End()

	if !identity.IsAdmin() {
		if filter.AccountID != 0 && filter.AccountID != identity.UserID {
			return nil, pkgerrors.ErrForbidden
		}
		filter.AccountID = identity.UserID
	}
	if filter.Direction == "" {
		filter.Direction = models.DirectionAll
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	out, err := s.transfers.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list transfers failed")
		return nil, err
	}
	return out, nil
}

func (s *transferService) GetAccount(ctx context.Context, identity models.Identity, id int64) (*models.Account, error) {
	tracer := otel.Tracer("transfer-service")
	ctx, span := tracer.Start(ctx, "GetAccount")
	defer span.End()

	if !identity.IsAdmin() && identity.UserID != id {
		return nil, pkgerrors.ErrForbidden
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err == nil {
			return cached, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrKeyNotFound) {
			slog.Warn("account cache read failed", "account_id", id, "error", err)
		}
	}

	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get account failed")
		}
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, acc); err != nil {
			slog.Warn("account cache write failed", "account_id", id, "error", err)
		}
	}
	return acc, nil
}
