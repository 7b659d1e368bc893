package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/EduBankTransfers/internal/infrastructure/auth"
	"github.com/honeynil/EduBankTransfers/internal/models"
	service "github.com/honeynil/EduBankTransfers/internal/services"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	service service.TransferService
}

func NewHandler(s service.TransferService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Field      string `json:"field,omitempty"`
	TransferID int64  `json:"transfer_id,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Status: "error", Reason: reason})
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	r.HandleFunc("/transfers", h.ListTransfers).Methods("GET")
	r.HandleFunc("/transfers/{id:[0-9]+}", h.GetTransfer).Methods("GET")
	r.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods("GET")
}

type createTransferRequest struct {
	RecipientIDs []int64         `json:"recipient_ids"`
	Recipients   []models.Pair   `json:"recipients"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
		return
	}

	var body createTransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Reason: "invalid_json", Field: "body"})
		return
	}

	req := models.TransferRequest{
		SenderID:       identity.UserID,
		RecipientIDs:   body.RecipientIDs,
		Recipients:     body.Recipients,
		Amount:         body.Amount,
		Description:    body.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}

	res, err := h.service.CreateTransfer(r.Context(), req)
	if err != nil {
		h.writeTransferError(w, err, res)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusCreated, res)
}

// writeTransferError maps a CreateTransfer failure onto the HTTP contract.
// transfer_id is only present when a row was written.
func (h *Handler) writeTransferError(w http.ResponseWriter, err error, res *models.TransferResult) {
	resp := errorResponse{Status: "error", Reason: pkgerrors.ReasonOf(err, pkgerrors.ReasonInternal)}
	if res != nil {
		resp.TransferID = res.TransferID
		if res.Reason != "" {
			resp.Reason = res.Reason
		}
	}

	var ve *pkgerrors.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Field = ve.Field
		resp.Reason = ve.Reason
		resp.TransferID = 0
	case errors.Is(err, pkgerrors.ErrIdempotencyConflict):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrRequestInProgress):
		status = http.StatusConflict
		resp.Retryable = true
	case errors.Is(err, pkgerrors.ErrInsufficientFunds),
		errors.Is(err, pkgerrors.ErrDailyLimitExceeded),
		errors.Is(err, pkgerrors.ErrAccountInactive),
		errors.Is(err, pkgerrors.ErrRecipientInactive),
		errors.Is(err, pkgerrors.ErrAccountNotFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrConcurrencyTimeout):
		status = http.StatusServiceUnavailable
		resp.Retryable = true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		resp.Reason = pkgerrors.ReasonRequestCancelled
		resp.Retryable = true
	case errors.Is(err, pkgerrors.ErrDurability):
		resp.Reason = pkgerrors.ReasonStorageUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("transfer request failed", "status", status, "transfer_id", resp.TransferID, "error", err)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	t, err := h.service.GetTransfer(r.Context(), identity, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
		return
	}

	filter, field, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Reason: "invalid_filter", Field: field})
		return
	}

	transfers, err := h.service.ListTransfers(r.Context(), identity, filter)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	acc, err := h.service.GetAccount(r.Context(), identity, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                acc.ID,
		"name":              acc.Name,
		"balance":           acc.Balance,
		"overdraft_limit":   acc.OverdraftLimit,
		"available_balance": acc.AvailableBalance(),
		"is_active":         acc.IsActive,
	})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, pkgerrors.ErrTransferNotFound):
		h.writeError(w, http.StatusNotFound, "transfer_not_found")
	case errors.Is(err, pkgerrors.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, pkgerrors.ReasonAccountNotFound)
	default:
		slog.Error("lookup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, pkgerrors.ReasonInternal)
	}
}

func parseFilter(r *http.Request) (models.TransferFilter, string, error) {
	q := r.URL.Query()
	var f models.TransferFilter

	if v := q.Get("direction"); v != "" {
		f.Direction = models.Direction(v)
		switch f.Direction {
		case models.DirectionAll, models.DirectionSent, models.DirectionReceived:
		default:
			return f, "direction", fmt.Errorf("unknown direction %q", v)
		}
	}
	if v := q.Get("status"); v != "" {
		f.Status = models.TransferStatus(v)
		if !f.Status.Valid() {
			return f, "status", fmt.Errorf("unknown status %q", v)
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := parseTime(v)
		if err != nil {
			return f, p.name, err
		}
		*p.dst = &ts
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, p.name, fmt.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = n
	}
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, "account_id", fmt.Errorf("invalid account_id %q", v)
		}
		f.AccountID = id
	}
	return f, "", nil
}

func parseTime(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, nil
	}
	return time.Parse(time.DateOnly, v)
}
