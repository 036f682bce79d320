package sqlstore

import (
	"time"

	"github.com/goliatone/go-tokenpool/core"
)

type storeOptions struct {
	secrets core.SecretProvider
	clock   core.Clock
}

type StoreOption func(*storeOptions)

// WithSecretProvider seals session secrets and access tokens at rest.
func WithSecretProvider(provider core.SecretProvider) StoreOption {
	return func(o *storeOptions) {
		o.secrets = provider
	}
}

func WithClock(clock core.Clock) StoreOption {
	return func(o *storeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func resolveStoreOptions(opts []StoreOption) storeOptions {
	resolved := storeOptions{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}
