package tokenpool

import (
	"github.com/goliatone/go-tokenpool/exchange"
	"github.com/goliatone/go-tokenpool/ratelimit"
	"github.com/goliatone/go-tokenpool/session"
	memorystore "github.com/goliatone/go-tokenpool/store/memory"
	"github.com/redis/go-redis/v9"
)

// ExchangeClient builds the HTTP client for the external auth service.
func ExchangeClient(cfg exchange.Config) (ExternalAuthClient, error) {
	client, err := exchange.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ThrottledExchangeClient builds an exchange client that backs off per
// upstream bucket, keeping throttle state in store.
func ThrottledExchangeClient(cfg exchange.Config, store ratelimit.StateStore) (ExternalAuthClient, error) {
	cfg.Throttle = ratelimit.NewThrottle(store)
	return ExchangeClient(cfg)
}

// MemoryStores returns in-process stores for embedded deployments and tests.
func MemoryStores(opts ...memorystore.Option) StoreProvider {
	return memorystore.NewProvider(opts...)
}

func MemorySessions(opts ...session.Option) session.Store {
	return session.NewMemoryStore(opts...)
}

func RedisSessions(rdb redis.UniversalClient, opts ...session.Option) session.Store {
	return session.NewRedisStore(rdb, nil, opts...)
}
