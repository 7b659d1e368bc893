package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresActivityRepository struct {
	db *sql.DB
}

func NewPostgresActivityRepository(db *sql.DB) *PostgresActivityRepository {
	return &PostgresActivityRepository{db: db}
}

func (r *PostgresActivityRepository) Append(ctx context.Context, entries []models.ActivityLogEntry) (err error) {
	ctx, span, done := instrument(ctx, "activity-repository", "AppendActivity")
	defer done(&err)
	span.SetAttributes(attribute.Int("entries", len(entries)))

	if len(entries) == 0 {
		return nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Append", "error", err)
		err = classify("begin transaction", err)
		return err
	}

	query := `INSERT INTO activity_logs (user_id, action, metadata) VALUES ($1, $2, $3)`
	for _, e := range entries {
		meta, merr := json.Marshal(e.Metadata)
		if merr == nil {
			_, merr = dbTx.ExecContext(ctx, query, e.UserID, e.Action, meta)
		}
		if merr != nil {
			err = fmt.Errorf("failed to append activity: %w", merr)
			if rbErr := dbTx.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
				slog.Error("rollback failed", "method", "Append", "error", rbErr)
			} else {
				slog.Error("failed to append activity", "method", "Append", "user_id", e.UserID, "action", e.Action, "error", merr)
			}
			return err
		}
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Append", "error", err)
		err = classify("commit activity", err)
		return err
	}
	return nil
}

func (r *PostgresActivityRepository) ListByUser(ctx context.Context, userID int64, limit int) (out []models.ActivityLogEntry, err error) {
	ctx, span, done := instrument(ctx, "activity-repository", "ListActivity")
	defer done(&err)
	span.SetAttributes(attribute.Int64("user_id", userID))

	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, action, metadata, created_at FROM activity_logs WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		slog.Error("failed to list activity", "method", "ListByUser", "user_id", userID, "error", err)
		err = classify("list activity", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    models.ActivityLogEntry
			meta []byte
		)
		if err = rows.Scan(&e.ID, &e.UserID, &e.Action, &meta, &e.CreatedAt); err != nil {
			err = fmt.Errorf("failed to scan activity: %w", err)
			return nil, err
		}
		if err = json.Unmarshal(meta, &e.Metadata); err != nil {
			err = fmt.Errorf("failed to decode activity metadata: %w", err)
			return nil, err
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		err = classify("iterate activity", err)
		return nil, err
	}
	return out, nil
}

var (
	_ repository.AccountRepository  = (*PostgresAccountRepository)(nil)
	_ repository.TransferRepository = (*PostgresTransferRepository)(nil)
	_ repository.LockManager        = (*PostgresLedgerStore)(nil)
	_ repository.ActivityRepository = (*PostgresActivityRepository)(nil)
)
