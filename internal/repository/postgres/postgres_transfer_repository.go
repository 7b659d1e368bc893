package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transferColumns = `id, from_account_id, to_account_id, amount, description, type, status, error_message, idempotency_key, created_at, completed_at`

type PostgresTransferRepository struct {
	db *sql.DB
}

func NewPostgresTransferRepository(db *sql.DB) *PostgresTransferRepository {
	return &PostgresTransferRepository{db: db}
}

// instrument is the span/metrics bookkeeping shared by every method.
func instrument(ctx context.Context, tracerName, method string) (context.Context, trace.Span, func(*error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method)
	start := time.Now()
	return ctx, span, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = "error"
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func (r *PostgresTransferRepository) CreatePending(ctx context.Context, t *models.Transfer) (err error) {
	ctx, span, done := instrument(ctx, "transfer-repository", "CreatePendingTransfer")
	defer done(&err)

	if t == nil {
		err = pkgerrors.ErrNilTransfer
		slog.Error("failed to create transfer", "method", "CreatePending", "error", err)
		return err
	}
	if !t.Type.Valid() {
		err = pkgerrors.ErrInvalidTransferType
		slog.Error("invalid transfer type", "method", "CreatePending", "type", t.Type, "error", err)
		return err
	}
	if !t.Amount.IsPositive() {
		err = fmt.Errorf("amount must be positive")
		slog.Error("amount must be positive", "method", "CreatePending", "amount", t.Amount.String(), "error", err)
		return err
	}

	span.SetAttributes(
		attribute.Int64("from_account_id", t.FromAccountID),
		attribute.String("amount", t.Amount.String()),
		attribute.String("type", string(t.Type)),
		attribute.Int("recipients", len(t.Recipients)),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CreatePending", "error", err)
		err = classify("begin transaction", err)
		return err
	}

	rollback := func(cause error) error {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "CreatePending", "error", rbErr)
			return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, cause)
		}
		return cause
	}

	query := `INSERT INTO transfers (from_account_id, to_account_id, amount, description, type, status, idempotency_key) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`
	var toAccount sql.NullInt64
	if t.ToAccountID != nil {
		toAccount = sql.NullInt64{Int64: *t.ToAccountID, Valid: true}
	}
	var idemKey sql.NullString
	if t.IdempotencyKey != nil {
		idemKey = sql.NullString{String: *t.IdempotencyKey, Valid: true}
	}
	var id int64
	var createdAt time.Time
	err = dbTx.QueryRowContext(ctx, query, t.FromAccountID, toAccount, t.Amount, t.Description, t.Type, models.StatusPending, idemKey).Scan(&id, &createdAt)
	if err != nil {
		slog.Error("failed to insert transfer", "method", "CreatePending", "from_account_id", t.FromAccountID, "error", err)
		err = rollback(classify("insert transfer", err))
		return err
	}

	recipientQuery := `INSERT INTO transfer_recipients (transfer_id, user_id, amount, status) VALUES ($1, $2, $3, $4) RETURNING id`
	recipientIDs := make([]int64, len(t.Recipients))
	for i, rec := range t.Recipients {
		if err = dbTx.QueryRowContext(ctx, recipientQuery, id, rec.UserID, rec.Amount, models.RecipientPending).Scan(&recipientIDs[i]); err != nil {
			slog.Error("failed to insert transfer recipient", "method", "CreatePending", "transfer_id", id, "user_id", rec.UserID, "error", err)
			err = rollback(classify("insert transfer recipient", err))
			return err
		}
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "CreatePending", "error", err)
		err = classify("commit transfer", err)
		return err
	}

	t.ID = id
	t.Status = models.StatusPending
	t.CreatedAt = createdAt
	for i := range t.Recipients {
		t.Recipients[i].ID = recipientIDs[i]
		t.Recipients[i].TransferID = id
		t.Recipients[i].Status = models.RecipientPending
	}
	slog.Info("transfer created", "method", "CreatePending", "transfer_id", id, "from_account_id", t.FromAccountID, "type", t.Type, "amount", t.Amount.String())
	return nil
}

// finishQuery flips a pending transfer and its recipient rows in one statement.
const finishQuery = `
	WITH t AS (
		UPDATE transfers SET status = $1, error_message = $2
		WHERE id = $3 AND status = 'pending'
		RETURNING id
	), r AS (
		UPDATE transfer_recipients SET status = 'failed'
		WHERE transfer_id IN (SELECT id FROM t)
	)
	SELECT COUNT(*) FROM t`

func (r *PostgresTransferRepository) finish(ctx context.Context, method string, id int64, status models.TransferStatus, reason string) (err error) {
	ctx, span, done := instrument(ctx, "transfer-repository", method)
	defer done(&err)
	span.SetAttributes(attribute.Int64("transfer_id", id), attribute.String("reason", reason))

	var n int64
	if err = r.db.QueryRowContext(ctx, finishQuery, status, reason, id).Scan(&n); err != nil {
		slog.Error("failed to update transfer status", "method", method, "transfer_id", id, "status", status, "error", err)
		err = classify("update transfer status", err)
		return err
	}
	if n == 1 {
		slog.Info("transfer finished", "method", method, "transfer_id", id, "status", status, "reason", reason)
		return nil
	}

	var exists bool
	if err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
		err = classify("check transfer", err)
		return err
	}
	if !exists {
		err = pkgerrors.ErrTransferNotFound
		return err
	}
	err = pkgerrors.ErrInvalidTransition
	slog.Warn("transfer already terminal", "method", method, "transfer_id", id, "status", status)
	return err
}

func (r *PostgresTransferRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, "MarkTransferFailed", id, models.StatusFailed, reason)
}

func (r *PostgresTransferRepository) Cancel(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, "CancelTransfer", id, models.StatusCancelled, reason)
}

func (r *PostgresTransferRepository) CancelStale(ctx context.Context, olderThan time.Time) (n int64, err error) {
	ctx, _, done := instrument(ctx, "transfer-repository", "CancelStaleTransfers")
	defer done(&err)

	query := `
	WITH t AS (
		UPDATE transfers SET status = 'cancelled', error_message = $1
		WHERE status = 'pending' AND created_at < $2
		RETURNING id
	), r AS (
		UPDATE transfer_recipients SET status = 'failed'
		WHERE transfer_id IN (SELECT id FROM t)
	)
	SELECT COUNT(*) FROM t`
	if err = r.db.QueryRowContext(ctx, query, pkgerrors.ReasonStalePending, olderThan).Scan(&n); err != nil {
		slog.Error("failed to cancel stale transfers", "method", "CancelStale", "older_than", olderThan, "error", err)
		err = classify("cancel stale transfers", err)
		return 0, err
	}
	if n > 0 {
		slog.Warn("stale pending transfers cancelled", "method", "CancelStale", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		t           models.Transfer
		toAccount   sql.NullInt64
		errMsg      sql.NullString
		idemKey     sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.FromAccountID, &toAccount, &t.Amount, &t.Description, &t.Type, &t.Status, &errMsg, &idemKey, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if toAccount.Valid {
		t.ToAccountID = &toAccount.Int64
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if idemKey.Valid {
		t.IdempotencyKey = &idemKey.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (r *PostgresTransferRepository) GetByID(ctx context.Context, id int64) (t *models.Transfer, err error) {
	ctx, span, done := instrument(ctx, "transfer-repository", "GetTransferByID")
	defer done(&err)
	span.SetAttributes(attribute.Int64("transfer_id", id))

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	t, err = scanTransfer(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("transfer not found", "method", "GetByID", "transfer_id", id)
		return nil, pkgerrors.ErrTransferNotFound
	}
	if err != nil {
		slog.Error("failed to get transfer by id", "method", "GetByID", "transfer_id", id, "error", err)
		err = classify("get transfer", err)
		return nil, err
	}

	if t.Type == models.TypeMultiple {
		byTransfer, rerr := r.loadRecipients(ctx, []int64{t.ID})
		if rerr != nil {
			err = rerr
			return nil, err
		}
		t.Recipients = byTransfer[t.ID]
	}
	return t, nil
}

func (r *PostgresTransferRepository) loadRecipients(ctx context.Context, ids []int64) (map[int64][]models.TransferRecipient, error) {
	query := `SELECT id, transfer_id, user_id, amount, status FROM transfer_recipients WHERE transfer_id = ANY($1) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		slog.Error("failed to load transfer recipients", "transfer_ids", ids, "error", err)
		return nil, classify("load transfer recipients", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.TransferRecipient, len(ids))
	for rows.Next() {
		var rec models.TransferRecipient
		if err := rows.Scan(&rec.ID, &rec.TransferID, &rec.UserID, &rec.Amount, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan transfer recipient: %w", err)
		}
		out[rec.TransferID] = append(out[rec.TransferID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate transfer recipients", err)
	}
	return out, nil
}

// buildListQuery renders the history filter into SQL and its arguments.
func buildListQuery(f models.TransferFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AccountID != 0 {
		p := arg(f.AccountID)
		sent := "t.from_account_id = " + p
		received := fmt.Sprintf("(t.from_account_id <> %[1]s AND (t.to_account_id = %[1]s OR EXISTS (SELECT 1 FROM transfer_recipients r WHERE r.transfer_id = t.id AND r.user_id = %[1]s)))", p)
		switch f.Direction {
		case models.DirectionSent:
			where = append(where, sent)
		case models.DirectionReceived:
			where = append(where, received)
		default:
			where = append(where, "("+sent+" OR "+received+")")
		}
	}
	if f.Status != "" {
		where = append(where, "t.status = "+arg(f.Status))
	}
	if f.From != nil {
		where = append(where, "t.created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "t.created_at < "+arg(*f.To))
	}

	var b strings.Builder
	b.WriteString("SELECT t.")
	b.WriteString(strings.ReplaceAll(transferColumns, ", ", ", t."))
	b.WriteString(" FROM transfers t")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY t.created_at DESC, t.id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	if f.Offset > 0 {
		b.WriteString(" OFFSET " + arg(f.Offset))
	}
	return b.String(), args
}

func (r *PostgresTransferRepository) List(ctx context.Context, f models.TransferFilter) (out []models.Transfer, err error) {
	ctx, span, done := instrument(ctx, "transfer-repository", "ListTransfers")
	defer done(&err)
	span.SetAttributes(
		attribute.Int64("account_id", f.AccountID),
		attribute.String("direction", string(f.Direction)),
		attribute.Int("limit", f.Limit),
		attribute.Int("offset", f.Offset),
	)

	query, args := buildListQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list transfers", "method", "List", "account_id", f.AccountID, "error", err)
		err = classify("list transfers", err)
		return nil, err
	}
	defer rows.Close()

	out = []models.Transfer{}
	var multi []int64
	for rows.Next() {
		t, serr := scanTransfer(rows)
		if serr != nil {
			err = fmt.Errorf("failed to scan transfer: %w", serr)
			return nil, err
		}
		if t.Type == models.TypeMultiple {
			multi = append(multi, t.ID)
		}
		out = append(out, *t)
	}
	if err = rows.Err(); err != nil {
		err = classify("iterate transfers", err)
		return nil, err
	}

	if len(multi) > 0 {
		byTransfer, rerr := r.loadRecipients(ctx, multi)
		if rerr != nil {
			err = rerr
			return nil, err
		}
		for i := range out {
			out[i].Recipients = byTransfer[out[i].ID]
		}
	}

	slog.Info("transfers listed", "method", "List", "account_id", f.AccountID, "count", len(out))
	return out, nil
}

func (r *PostgresTransferRepository) SumCompletedSince(ctx context.Context, senderID int64, since time.Time) (sum decimal.Decimal, err error) {
	ctx, span, done := instrument(ctx, "transfer-repository", "SumCompletedSince")
	defer done(&err)
	span.SetAttributes(attribute.Int64("sender_id", senderID))

	query := `SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE from_account_id = $1 AND status = 'completed' AND created_at >= $2`
	if err = r.db.QueryRowContext(ctx, query, senderID, since).Scan(&sum); err != nil {
		slog.Error("failed to sum completed transfers", "method", "SumCompletedSince", "sender_id", senderID, "error", err)
		err = classify("sum completed transfers", err)
		return decimal.Zero, err
	}
	return sum, nil
}
