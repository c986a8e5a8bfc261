package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared prior-artifact store for multi-node deployments.
// Artifacts are stored as JSON under a namespaced key with an optional TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store over an existing client. A zero ttl keeps
// artifacts until Redis evicts them.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "aegis:prior"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(query string) string {
	return fmt.Sprintf("%s:%s", s.prefix, query)
}

func (s *RedisStore) ReadPrior(ctx context.Context, query string) (*Artifact, error) {
	raw, err := s.client.Get(ctx, s.key(query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prior %q: %w", query, err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode prior %q: %w", query, err)
	}
	return &a, nil
}

func (s *RedisStore) WritePrior(ctx context.Context, query string, a *Artifact) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode prior %q: %w", query, err)
	}
	if err := s.client.Set(ctx, s.key(query), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write prior %q: %w", query, err)
	}
	return nil
}
