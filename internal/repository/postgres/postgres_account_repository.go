package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const accountColumns = `id, name, balance, overdraft_limit, is_active, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, a *models.Account) error {
	return row.Scan(&a.ID, &a.Name, &a.Balance, &a.OverdraftLimit, &a.IsActive, &a.UpdatedAt)
}

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	var err error
	tracer := otel.Tracer("account-repository")
	ctx, span := tracer.Start(ctx, "GetAccountByID")
	span.SetAttributes(attribute.Int64("account_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil && !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetAccountByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetAccountByID").Observe(time.Since(start).Seconds())
	}()

	var a models.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	err = scanAccount(r.db.QueryRowContext(ctx, query, id), &a)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrAccountNotFound
		slog.Warn("account not found", "method", "GetByID", "account_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get account", "method", "GetByID", "account_id", id, "error", err)
		err = classify("get account", err)
		return nil, err
	}
	return &a, nil
}

func (r *PostgresAccountRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error) {
	var err error
	tracer := otel.Tracer("account-repository")
	ctx, span := tracer.Start(ctx, "GetAccountsByIDs")
	span.SetAttributes(attribute.Int("count", len(ids)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetAccountsByIDs", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetAccountsByIDs").Observe(time.Since(start).Seconds())
	}()

	out := make(map[int64]models.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		slog.Error("failed to query accounts", "method", "GetByIDs", "ids", ids, "error", err)
		err = classify("get accounts", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Account
		if err = scanAccount(rows, &a); err != nil {
			slog.Error("failed to scan account", "method", "GetByIDs", "error", err)
			err = fmt.Errorf("failed to scan account: %w", err)
			return nil, err
		}
		out[a.ID] = a
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate accounts", "method", "GetByIDs", "error", err)
		err = classify("iterate accounts", err)
		return nil, err
	}
	return out, nil
}
