package memorystore

import (
	"time"

	"github.com/goliatone/go-tokenpool/core"
)

type options struct {
	clock core.Clock
}

type Option func(*options)

// WithClock overrides the time source used for timestamps and day rollover.
func WithClock(clock core.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func resolveOptions(opts []Option) options {
	resolved := options{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}
