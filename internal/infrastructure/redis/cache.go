package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
)

// AccountCache keeps read-side account snapshots. It is never consulted by the
// transfer path.
type AccountCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewAccountCache(client RedisClient, ttl time.Duration) *AccountCache {
	return &AccountCache{client: client, ttl: ttl}
}

func accountKey(id int64) string {
	return fmt.Sprintf("account:%d", id)
}

func (c *AccountCache) Get(ctx context.Context, id int64) (*models.Account, error) {
	raw, err := c.client.Get(ctx, accountKey(id))
	if err != nil {
		return nil, err
	}
	var a models.Account
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode cached account: %w", err)
	}
	return &a, nil
}

func (c *AccountCache) Set(ctx context.Context, a *models.Account) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, accountKey(a.ID), string(payload), c.ttl)
}

func (c *AccountCache) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = accountKey(id)
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		slog.Error("failed to invalidate account cache", "account_ids", ids, "error", err)
		return err
	}
	return nil
}
