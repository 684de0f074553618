package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RedisClient is the minimal Redis surface the store needs. The ledger does
// not import a driver; cmd/server builds the concrete client and injects it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore persists invoices so payments in flight survive a restart.
// Keys carry a retention TTL well past invoice expiry for audit reads.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	retention time.Duration
}

func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "bitagent:invoice:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		retention: 24 * time.Hour,
	}
}

func (s *RedisStore) Save(ctx context.Context, inv *Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+inv.ID, data, s.retention); err != nil {
		return fmt.Errorf("redis SET invoice: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), inv.ID); err != nil {
		return fmt.Errorf("redis SADD invoice index: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]*Invoice, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS invoice index: %w", err)
	}

	invoices := make([]*Invoice, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.keyPrefix+id)
		if err != nil {
			// Key aged out of retention; drop it from the index.
			if rerr := s.client.SRem(ctx, s.indexKey(), id); rerr != nil {
				slog.Warn("Invoice index cleanup failed", "invoice_id", id, "error", rerr)
			}
			continue
		}
		var inv Invoice
		if err := json.Unmarshal(data, &inv); err != nil {
			slog.Warn("Skipping undecodable invoice", "invoice_id", id, "error", err)
			continue
		}
		invoices = append(invoices, &inv)
	}
	return invoices, nil
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "index"
}
