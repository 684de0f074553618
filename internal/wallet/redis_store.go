package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RedisClient is the minimal Redis surface the wallet store needs; the
// concrete adapter lives in internal/infra and is injected by cmd/server.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore snapshots wallet accounts so balances survive a restart.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
}

func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "bitagent:wallet:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Save(ctx context.Context, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	// No TTL: balances are not cache entries.
	if err := s.client.Set(ctx, s.keyPrefix+acct.CallerID, data, 0); err != nil {
		return fmt.Errorf("redis SET account: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), acct.CallerID); err != nil {
		return fmt.Errorf("redis SADD account index: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]*Account, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS account index: %w", err)
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.keyPrefix+id)
		if err != nil {
			slog.Warn("Wallet account missing from store", "caller_id", id, "error", err)
			continue
		}
		var acct Account
		if err := json.Unmarshal(data, &acct); err != nil {
			slog.Warn("Skipping undecodable wallet account", "caller_id", id, "error", err)
			continue
		}
		accounts = append(accounts, &acct)
	}
	return accounts, nil
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "index"
}
