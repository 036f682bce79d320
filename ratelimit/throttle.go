package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// TextCodeUpstreamThrottled marks calls refused because the upstream asked
// the pool to back off.
const TextCodeUpstreamThrottled = "POOL_UPSTREAM_THROTTLED"

var (
	ErrStateNotFound = errors.New("ratelimit: state not found")
	ErrThrottled     = errors.New("ratelimit: upstream throttled")
)

// State is the last known upstream rate limit posture of one bucket.
type State struct {
	Bucket         string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, bucket string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// Response is the part of an upstream reply the throttle learns from.
type Response struct {
	StatusCode int
	Header     http.Header
}

type ThrottledError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: bucket %q throttled for %s", e.Bucket, e.RetryAfter)
}

func (e ThrottledError) Unwrap() error {
	return ErrThrottled
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"bucket": e.Bucket}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(TextCodeUpstreamThrottled).
		WithMetadata(metadata)
}

// Throttle refuses calls to a bucket while the upstream has asked for a pause,
// learning the pause from 429 replies, Retry-After and X-RateLimit headers.
// Without a hint it backs off exponentially from InitialBackoff to MaxBackoff.
type Throttle struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewThrottle(store StateStore) *Throttle {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &Throttle{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

// Before returns a ThrottledError while the bucket is paused.
func (t *Throttle) Before(ctx context.Context, bucket string) error {
	if t == nil || t.Store == nil {
		return nil
	}
	bucket = normalizeBucket(bucket)
	state, err := t.Store.Get(ctx, bucket)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := t.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Bucket: bucket, RetryAfter: until.Sub(now)}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Bucket: bucket, RetryAfter: state.ResetAt.Sub(now)}
	}
	return nil
}

// Observe records the outcome of a call to bucket.
func (t *Throttle) Observe(ctx context.Context, bucket string, res Response) error {
	if t == nil || t.Store == nil {
		return nil
	}
	bucket = normalizeBucket(bucket)
	now := t.now()
	state, err := t.Store.Get(ctx, bucket)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Bucket: bucket, Remaining: -1}
	case err != nil:
		return err
	}
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	if limit, ok := headerInt(res.Header, "X-RateLimit-Limit"); ok {
		state.Limit = limit
	}
	hasRemaining := false
	if remaining, ok := headerInt(res.Header, "X-RateLimit-Remaining"); ok {
		state.Remaining = remaining
		hasRemaining = true
	}
	if reset, ok := headerInt(res.Header, "X-RateLimit-Reset"); ok && reset > 0 {
		resetAt := time.Unix(int64(reset), 0).UTC()
		state.ResetAt = &resetAt
	}

	throttled := res.StatusCode == http.StatusTooManyRequests ||
		(res.StatusCode < 500 && hasRemaining && state.Remaining == 0)
	if !throttled {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return t.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay, ok := retryAfter(res.Header, now)
	if !ok {
		delay = t.backoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return t.Store.Upsert(ctx, state)
}

func (t *Throttle) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Throttle) backoff(attempt int) time.Duration {
	delay := t.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	maximum := t.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return min(delay, maximum)
}

func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}

func headerInt(header http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(header.Get(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func normalizeBucket(bucket string) string {
	return strings.ToLower(strings.TrimSpace(bucket))
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, bucket string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeBucket(bucket)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	state.Bucket = normalizeBucket(state.Bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Bucket] = state
	return nil
}
