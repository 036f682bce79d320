package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tokenpool:session"

// RedisStore keeps sessions as JSON values with a native TTL. An index set
// tracks live tokens so InvalidateAll can revoke them together.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	options options
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

func NewRedisStore(rdb redis.UniversalClient, redisOpts []RedisOption, opts ...Option) *RedisStore {
	store := &RedisStore{
		rdb:     rdb,
		prefix:  defaultRedisPrefix,
		options: resolveOptions(opts),
	}
	for _, opt := range redisOpts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *RedisStore) Create(ctx context.Context, subject string) (Session, error) {
	created, err := newSession(s.options, subject)
	if err != nil {
		return Session{}, err
	}
	payload, err := json.Marshal(created)
	if err != nil {
		return Session{}, fmt.Errorf("session: encode: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.tokenKey(created.Token), payload, s.options.ttl)
	pipe.SAdd(ctx, s.indexKey(), created.Token)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("session: store: %w", err)
	}
	return created, nil
}

func (s *RedisStore) Validate(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrSessionNotFound
	}
	raw, err := s.rdb.Get(ctx, s.tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = s.rdb.SRem(ctx, s.indexKey(), token).Err()
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: load: %w", err)
	}
	var current Session
	if err := json.Unmarshal(raw, &current); err != nil {
		return Session{}, fmt.Errorf("session: decode: %w", err)
	}
	if current.Expired(s.options.now().UTC()) {
		_ = s.Invalidate(ctx, token)
		return Session{}, ErrSessionExpired
	}
	return current, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.tokenKey(token))
	pipe.SRem(ctx, s.indexKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: invalidate: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidateAll(ctx context.Context) error {
	tokens, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("session: list: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, s.tokenKey(token))
	}
	keys = append(keys, s.indexKey())
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("session: invalidate all: %w", err)
	}
	return nil
}

func (s *RedisStore) tokenKey(token string) string {
	return s.prefix + ":token:" + token
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

var _ Store = (*RedisStore)(nil)
