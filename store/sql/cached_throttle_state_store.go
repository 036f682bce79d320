package sqlstore

import (
	"context"
	"fmt"
	"net/url"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tokenpool/ratelimit"
)

const throttleStateCacheKeyPrefix = "go-tokenpool::throttle_state::v1"

// CachedThrottleStateStore fronts a throttle state store with a read cache.
// The throttle consults state before every upstream call.
type CachedThrottleStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedThrottleStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedThrottleStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base throttle state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: throttle state cache service is required")
	}
	return &CachedThrottleStateStore{base: base, cache: cacheService}, nil
}

// ThrottleStateCacheKey returns go-tokenpool::throttle_state::v1::<bucket> with
// the normalized bucket URL-path escaped.
func ThrottleStateCacheKey(bucket string) (string, error) {
	normalized := normalizeBucket(bucket)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: throttle bucket is required")
	}
	return throttleStateCacheKeyPrefix + "::" + url.PathEscape(normalized), nil
}

func (s *CachedThrottleStateStore) Get(ctx context.Context, bucket string) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	cacheKey, err := ThrottleStateCacheKey(bucket)
	if err != nil {
		return ratelimit.State{}, err
	}
	normalized := normalizeBucket(bucket)
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		return s.base.Get(ctx, normalized)
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	return cloneThrottleState(state), nil
}

func (s *CachedThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	cacheKey, err := ThrottleStateCacheKey(state.Bucket)
	if err != nil {
		return err
	}
	state.Bucket = normalizeBucket(state.Bucket)
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneThrottleState(state ratelimit.State) ratelimit.State {
	cloned := state
	cloned.ResetAt = utcPointer(state.ResetAt)
	cloned.ThrottledUntil = utcPointer(state.ThrottledUntil)
	return cloned
}

var _ ratelimit.StateStore = (*CachedThrottleStateStore)(nil)
