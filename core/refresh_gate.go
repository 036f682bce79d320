package core

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CredentialRefreshGate coalesces concurrent refreshes of the same credential
// into one call while letting unrelated credentials refresh in parallel.
type CredentialRefreshGate struct {
	flights sharedFlights
}

func NewCredentialRefreshGate() *CredentialRefreshGate {
	return &CredentialRefreshGate{}
}

func (g *CredentialRefreshGate) Do(
	ctx context.Context,
	credentialID int64,
	fn func(context.Context) (RefreshOutcome, error),
) (RefreshOutcome, error) {
	return g.flights.do(ctx, credentialID, fn)
}

// PoolRefreshGate admits a single refresh for the whole pool at any instant.
// Callers for a credential already refreshing share that call's outcome.
type PoolRefreshGate struct {
	flights sharedFlights
	sem     chan struct{}
}

func NewPoolRefreshGate() *PoolRefreshGate {
	return &PoolRefreshGate{sem: make(chan struct{}, 1)}
}

func (g *PoolRefreshGate) Do(
	ctx context.Context,
	credentialID int64,
	fn func(context.Context) (RefreshOutcome, error),
) (RefreshOutcome, error) {
	return g.flights.do(ctx, credentialID, func(ctx context.Context) (RefreshOutcome, error) {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return canceledOutcome(credentialID), ctx.Err()
		}
		defer func() { <-g.sem }()
		return fn(ctx)
	})
}

// NewRefreshGate returns the gate matching the configured serialization mode.
func NewRefreshGate(mode string) RefreshGate {
	if mode == RefreshSerializationPool {
		return NewPoolRefreshGate()
	}
	return NewCredentialRefreshGate()
}

// sharedFlights runs one call per credential on a context detached from any
// single caller. The call is canceled only once every caller waiting on it has
// gone, so one caller's cancellation never fails the others.
type sharedFlights struct {
	group singleflight.Group
	mu    sync.Mutex
	live  map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (f *sharedFlights) join(ctx context.Context, key string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		f.live = map[string]*flight{}
	}
	current, ok := f.live[key]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		current = &flight{ctx: flightCtx, cancel: cancel}
		f.live[key] = current
	}
	current.waiters++
	return current
}

// leave reports whether the caller was the last one waiting on current.
func (f *sharedFlights) leave(key string, current *flight) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	current.waiters--
	if current.waiters > 0 {
		return false
	}
	current.cancel()
	if f.live[key] == current {
		delete(f.live, key)
	}
	return true
}

func (f *sharedFlights) do(
	ctx context.Context,
	credentialID int64,
	fn func(context.Context) (RefreshOutcome, error),
) (RefreshOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	outcome, err := f.await(ctx, credentialID, fn)
	// A call canceled by callers that already left is retried once for a
	// caller that is still waiting.
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		outcome, err = f.await(ctx, credentialID, fn)
	}
	return outcome, err
}

func (f *sharedFlights) await(
	ctx context.Context,
	credentialID int64,
	fn func(context.Context) (RefreshOutcome, error),
) (RefreshOutcome, error) {
	key := strconv.FormatInt(credentialID, 10)
	current := f.join(ctx, key)
	ch := f.group.DoChan(key, func() (any, error) {
		return fn(current.ctx)
	})
	select {
	case result := <-ch:
		f.leave(key, current)
		return sharedOutcome(result), result.Err
	case <-ctx.Done():
		// The last caller to leave waits for the canceled call so no refresh
		// outlives everyone who asked for it.
		if f.leave(key, current) {
			<-ch
		}
		return canceledOutcome(credentialID), ctx.Err()
	}
}

func sharedOutcome(result singleflight.Result) RefreshOutcome {
	outcome, _ := result.Val.(RefreshOutcome)
	if result.Shared {
		outcome.Shared = true
	}
	return outcome
}

func canceledOutcome(credentialID int64) RefreshOutcome {
	return RefreshOutcome{CredentialID: credentialID, Status: RefreshStatusCanceled}
}

var (
	_ RefreshGate = (*CredentialRefreshGate)(nil)
	_ RefreshGate = (*PoolRefreshGate)(nil)
)
