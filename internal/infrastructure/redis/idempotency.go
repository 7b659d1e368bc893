package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	stderrors "errors"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	stateInProgress = "in_progress"
	stateDone       = "done"
)

type idempotencyRecord struct {
	Fingerprint string                 `json:"fingerprint"`
	State       string                 `json:"state"`
	Result      *models.TransferResult `json:"result,omitempty"`
}

// IdempotencyStore remembers the outcome of a transfer request per
// (sender, Idempotency-Key) so network retries replay instead of re-executing.
type IdempotencyStore struct {
	client RedisClient
	ttl    time.Duration
}

func NewIdempotencyStore(client RedisClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(senderID int64, key string) string {
	return fmt.Sprintf("idempotency:%d:%s", senderID, key)
}

// Fingerprint hashes the normalized request so a reused key with a different
// body can be told apart from a retry.
func Fingerprint(req models.TransferRequest) string {
	pairs := make([]string, 0, len(req.RecipientIDs)+len(req.Recipients))
	for _, id := range req.RecipientIDs {
		pairs = append(pairs, fmt.Sprintf("%d=%s", id, req.Amount.String()))
	}
	for _, p := range req.Recipients {
		pairs = append(pairs, fmt.Sprintf("%d=%s", p.AccountID, p.Amount.String()))
	}
	sort.Strings(pairs)

	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "sender=%d\n", req.SenderID)
	fmt.Fprintf(h, "pairs=%s\n", strings.Join(pairs, ","))
	fmt.Fprintf(h, "description=%s\n", strings.TrimSpace(req.Description))
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims the request's key. It returns a non-nil result when the
// request was already executed and should be replayed.
func (s *IdempotencyStore) Reserve(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	rkey := idempotencyKey(req.SenderID, req.IdempotencyKey)
	fingerprint := Fingerprint(req)
	payload, err := json.Marshal(idempotencyRecord{Fingerprint: fingerprint, State: stateInProgress})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, rkey, string(payload), s.ttl)
	if err != nil {
		slog.Error("failed to reserve idempotency key", "key", rkey, "error", err)
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, rkey)
	if stderrors.Is(err, ErrKeyNotFound) {
		// expired between SETNX and GET
		return nil, pkgerrors.ErrRequestInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}

	var rec idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.Fingerprint != fingerprint {
		slog.Warn("idempotency key reused with a different request", "key", rkey)
		return nil, pkgerrors.ErrIdempotencyConflict
	}
	if rec.State != stateDone || rec.Result == nil {
		return nil, pkgerrors.ErrRequestInProgress
	}
	res := *rec.Result
	res.Replayed = true
	slog.Info("idempotent replay", "key", rkey, "transfer_id", res.TransferID)
	return &res, nil
}

// Complete stores the outcome of an executed request for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, req models.TransferRequest, result *models.TransferResult) error {
	payload, err := json.Marshal(idempotencyRecord{Fingerprint: Fingerprint(req), State: stateDone, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	return s.client.Set(ctx, idempotencyKey(req.SenderID, req.IdempotencyKey), string(payload), s.ttl)
}

// Release frees the key of a request that was rejected before execution.
func (s *IdempotencyStore) Release(ctx context.Context, req models.TransferRequest) error {
	return s.client.Del(ctx, idempotencyKey(req.SenderID, req.IdempotencyKey))
}
