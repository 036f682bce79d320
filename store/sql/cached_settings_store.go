package sqlstore

import (
	"context"
	"fmt"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tokenpool/core"
)

const poolSettingsCacheKeyPrefix = "go-tokenpool::pool_settings::v1"

// CachedPoolSettingsStore serves settings reads from a cache. The threshold is
// read on every recorded error, so the read path stays off the database.
// Writes go to the base store first and then drop the cached entry.
type CachedPoolSettingsStore struct {
	base  core.PoolSettingsStore
	cache repositorycache.CacheService
}

func NewCachedPoolSettingsStore(
	base core.PoolSettingsStore,
	cacheService repositorycache.CacheService,
) (*CachedPoolSettingsStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base pool settings store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: pool settings cache service is required")
	}
	return &CachedPoolSettingsStore{base: base, cache: cacheService}, nil
}

// PoolSettingCacheKey returns go-tokenpool::pool_settings::v1::<setting>.
func PoolSettingCacheKey(setting string) string {
	return poolSettingsCacheKeyPrefix + "::" + setting
}

func (s *CachedPoolSettingsStore) ErrorBanThreshold(ctx context.Context) (int, error) {
	return repositorycache.GetOrFetch(ctx, s.cache, PoolSettingCacheKey(settingErrorBanThreshold), s.base.ErrorBanThreshold)
}

func (s *CachedPoolSettingsStore) SetErrorBanThreshold(ctx context.Context, threshold int) error {
	if err := s.base.SetErrorBanThreshold(ctx, threshold); err != nil {
		return err
	}
	return s.cache.Delete(ctx, PoolSettingCacheKey(settingErrorBanThreshold))
}

func (s *CachedPoolSettingsStore) AutoRefreshEnabled(ctx context.Context) (bool, error) {
	return repositorycache.GetOrFetch(ctx, s.cache, PoolSettingCacheKey(settingAutoRefresh), s.base.AutoRefreshEnabled)
}

func (s *CachedPoolSettingsStore) SetAutoRefreshEnabled(ctx context.Context, enabled bool) error {
	if err := s.base.SetAutoRefreshEnabled(ctx, enabled); err != nil {
		return err
	}
	return s.cache.Delete(ctx, PoolSettingCacheKey(settingAutoRefresh))
}
