package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	tokenpool "github.com/goliatone/go-tokenpool"
	"github.com/goliatone/go-tokenpool/adapters/gologger"
	poolprometheus "github.com/goliatone/go-tokenpool/adapters/prometheus"
	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/exchange"
	"github.com/goliatone/go-tokenpool/migrations"
	"github.com/goliatone/go-tokenpool/security"
	"github.com/goliatone/go-tokenpool/session"
	sqlstore "github.com/goliatone/go-tokenpool/store/sql"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// app is one wired pool process: database, stores, exchange client, service
// and the operator surfaces around it.
type app struct {
	cfg      fileConfig
	loggers  gologger.Loggers
	db       *persistence.Client
	stores   *sqlstore.RepositoryFactory
	service  *tokenpool.Service
	facade   *tokenpool.Facade
	registry *prom.Registry
	sessions session.Store
	redis    redis.UniversalClient
}

func newApp(ctx context.Context, cfg fileConfig, logOut io.Writer) (_ *app, err error) {
	provider := gologger.NewProvider(cfg.Log.Level, gologger.Format(cfg.Log.Format), logOut)
	a := &app{
		cfg:     cfg,
		loggers: gologger.ResolveLoggers(provider, nil),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	dbConfig := sqlstore.ConnectionConfig{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	}
	if a.db, err = sqlstore.Open(dbConfig); err != nil {
		return nil, err
	}
	if err = migrations.Apply(ctx, a.db, dbConfig.Dialect()); err != nil {
		return nil, err
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = seconds(cfg.Database.CacheTTLSeconds, 30*time.Second)
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("new cache service: %w", err)
	}

	storeOptions := []sqlstore.StoreOption{}
	if key := strings.TrimSpace(cfg.Security.AppKey); key != "" {
		secrets, keyErr := security.NewAppKeySecretProviderFromString(key)
		if keyErr != nil {
			return nil, fmt.Errorf("app key: %w", keyErr)
		}
		storeOptions = append(storeOptions, sqlstore.WithSecretProvider(secrets))
	}
	a.stores, err = sqlstore.NewRepositoryFactoryFromPersistence(a.db,
		sqlstore.WithStoreOptions(storeOptions...),
		sqlstore.WithCacheService(cacheService),
	)
	if err != nil {
		return nil, err
	}

	authClient, err := tokenpool.ThrottledExchangeClient(exchange.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		SessionCookieName: cfg.Exchange.SessionCookie,
		ToolName:          cfg.Exchange.ToolName,
		UserAgent:         cfg.Exchange.UserAgent,
		RequestTimeout:    seconds(cfg.Exchange.TimeoutSeconds, 30*time.Second),
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	}, a.stores.ThrottleStateStore())
	if err != nil {
		return nil, fmt.Errorf("exchange client: %w", err)
	}

	a.registry = prom.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.service, err = tokenpool.NewService(tokenpool.Config{},
		tokenpool.WithStoreProvider(a.stores),
		tokenpool.WithExternalAuthClient(authClient),
		tokenpool.WithLoggerProvider(a.loggers.Provider),
		tokenpool.WithMetricsRecorder(poolprometheus.NewRecorder(a.registry)),
		tokenpool.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticConfigLoader(cfg.Pool))),
	)
	if err != nil {
		return nil, err
	}
	a.registry.MustRegister(poolprometheus.NewPoolCollector(a.service, 5*time.Second))

	if a.facade, err = tokenpool.NewFacade(a.service); err != nil {
		return nil, err
	}
	a.sessions = a.newSessionStore()
	return a, nil
}

func (a *app) newSessionStore() session.Store {
	ttl := time.Duration(a.cfg.Security.SessionTTLMinutes) * time.Minute
	opts := []session.Option{session.WithTTL(ttl)}
	if addr := strings.TrimSpace(a.cfg.Redis.Addr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		return session.NewRedisStore(a.redis, []session.RedisOption{session.WithRedisPrefix(a.cfg.Redis.Prefix)}, opts...)
	}
	return session.NewMemoryStore(opts...)
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
