package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/ratelimit"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the durable pool stores over one bun database.
type RepositoryFactory struct {
	db      *bun.DB
	options []StoreOption
	cache   repositorycache.CacheService

	credentialStore *CredentialStore
	projectStore    *ProjectStore
	settingsStore   core.PoolSettingsStore
	throttleStore   ratelimit.StateStore
}

type FactoryOption func(*RepositoryFactory)

// WithStoreOptions forwards options to every store the factory builds.
func WithStoreOptions(opts ...StoreOption) FactoryOption {
	return func(f *RepositoryFactory) {
		f.options = append(f.options, opts...)
	}
}

// WithCacheService fronts the settings and throttle state stores with a read cache.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.credentialStore != nil && f.projectStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil || f.credentialStore == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) ProjectStore() core.ProjectStore {
	if f == nil || f.projectStore == nil {
		return nil
	}
	return f.projectStore
}

func (f *RepositoryFactory) PoolSettingsStore() core.PoolSettingsStore {
	if f == nil {
		return nil
	}
	return f.settingsStore
}

// ThrottleStateStore backs the exchange client's upstream throttle.
func (f *RepositoryFactory) ThrottleStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.throttleStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	credentialStore, err := NewCredentialStore(f.db, f.options...)
	if err != nil {
		return err
	}
	projectStore, err := NewProjectStore(f.db, f.options...)
	if err != nil {
		return err
	}
	settingsStore, err := NewPoolSettingsStore(f.db, f.options...)
	if err != nil {
		return err
	}
	throttleStore, err := NewThrottleStateStore(f.db)
	if err != nil {
		return err
	}

	f.credentialStore = credentialStore
	f.projectStore = projectStore
	f.settingsStore = settingsStore
	f.throttleStore = throttleStore
	if f.cache == nil {
		return nil
	}

	cachedSettings, err := NewCachedPoolSettingsStore(settingsStore, f.cache)
	if err != nil {
		return err
	}
	cachedThrottle, err := NewCachedThrottleStateStore(throttleStore, f.cache)
	if err != nil {
		return err
	}
	f.settingsStore = cachedSettings
	f.throttleStore = cachedThrottle
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
