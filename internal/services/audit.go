package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
)

const auditTimeout = 3 * time.Second

// EventPublisher ships terminal transfer events to the reporting side.
type EventPublisher interface {
	PublishTransferEvent(ctx context.Context, t *models.Transfer, reason string) error
}

// AuditLogger writes the activity trail after a transfer has been decided.
// Failures are logged and counted but never change the outcome.
type AuditLogger struct {
	activity repository.ActivityRepository
	events   EventPublisher
}

func NewAuditLogger(activity repository.ActivityRepository, events EventPublisher) *AuditLogger {
	return &AuditLogger{activity: activity, events: events}
}

// Record appends activity entries for t and publishes its event. names maps
// account ids to display names for the metadata.
func (a *AuditLogger) Record(ctx context.Context, t *models.Transfer, names map[int64]string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	reason := ""
	if t.ErrorMessage != nil {
		reason = *t.ErrorMessage
	}

	if entries := ActivityEntries(t, names); len(entries) > 0 {
		if err := a.activity.Append(ctx, entries); err != nil {
			observability.AuditFailures.WithLabelValues("activity").Inc()
			slog.Error("failed to write activity log",
				"transfer_id", t.ID,
				"entries", len(entries),
				"error", err)
		}
	}

	if a.events == nil {
		return
	}
	if err := a.events.PublishTransferEvent(ctx, t, reason); err != nil {
		observability.AuditFailures.WithLabelValues("event").Inc()
		slog.Error("failed to publish transfer event",
			"transfer_id", t.ID,
			"status", t.Status,
			"error", err)
	}
}

// ActivityEntries builds one entry for the sender and, when the transfer
// completed, one per recipient. Cancelled transfers touched no account and
// produce none.
func ActivityEntries(t *models.Transfer, names map[int64]string) []models.ActivityLogEntry {
	if t.Status != models.StatusCompleted && t.Status != models.StatusFailed {
		return nil
	}
	reason := ""
	if t.ErrorMessage != nil {
		reason = *t.ErrorMessage
	}

	pairs := t.Pairs()
	counterparties := make([]models.Counterparty, len(pairs))
	for i, p := range pairs {
		counterparties[i] = models.Counterparty{ID: p.AccountID, Name: names[p.AccountID]}
	}

	senderAction := models.ActionTransferSent
	if t.Status == models.StatusFailed {
		senderAction = models.ActionTransferFailed
	}
	entries := []models.ActivityLogEntry{{
		UserID: t.FromAccountID,
		Action: senderAction,
		Metadata: models.ActivityMetadata{
			TransferID:     t.ID,
			Amount:         t.Amount,
			Counterparties: counterparties,
			Description:    t.Description,
			Status:         t.Status,
			Reason:         reason,
		},
	}}
	if t.Status != models.StatusCompleted {
		return entries
	}

	sender := models.Counterparty{ID: t.FromAccountID, Name: names[t.FromAccountID]}
	for _, p := range pairs {
		entries = append(entries, models.ActivityLogEntry{
			UserID: p.AccountID,
			Action: models.ActionTransferReceived,
			Metadata: models.ActivityMetadata{
				TransferID:     t.ID,
				Amount:         p.Amount,
				Counterparties: []models.Counterparty{sender},
				Description:    t.Description,
				Status:         t.Status,
			},
		})
	}
	return entries
}
