package gojob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-tokenpool/core"
)

const (
	JobIDRefreshCredential = "tokenpool.credential.refresh"
	ParamCredentialID      = "credential_id"
	dedupDrop              = "drop"
	defaultDedupWindow     = time.Minute
	defaultRetryDelay      = 30 * time.Second
)

// RetryPolicy bounds how often a failed refresh delivery is requeued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// NewRefreshMessage builds the queue message for one credential refresh. The
// idempotency key is scoped to a time window so a slow queue never stacks
// duplicate refreshes of the same credential.
func NewRefreshMessage(credentialID int64, at time.Time, window time.Duration) *job.ExecutionMessage {
	if window <= 0 {
		window = defaultDedupWindow
	}
	bucket := at.UTC().Truncate(window).Unix()
	return &job.ExecutionMessage{
		JobID:          JobIDRefreshCredential,
		ScriptPath:     JobIDRefreshCredential,
		Parameters:     map[string]any{ParamCredentialID: credentialID},
		IdempotencyKey: fmt.Sprintf("%s:%d:%d", JobIDRefreshCredential, credentialID, bucket),
		DedupPolicy:    job.DeduplicationPolicy(dedupDrop),
	}
}

// CredentialIDFromMessage reads the credential id back from a refresh message,
// tolerating the numeric shapes a queue backend may hand back.
func CredentialIDFromMessage(msg *job.ExecutionMessage) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRefreshCredential {
		return 0, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	var id int64
	switch typed := msg.Parameters[ParamCredentialID].(type) {
	case int64:
		id = typed
	case int:
		id = int64(typed)
	case float64:
		id = int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, fmt.Errorf("gojob: invalid credential id: %w", err)
		}
		id = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("gojob: invalid credential id: %w", err)
		}
		id = parsed
	default:
		return 0, fmt.Errorf("gojob: credential id missing from message")
	}
	if id <= 0 {
		return 0, fmt.Errorf("gojob: credential id must be positive")
	}
	return id, nil
}

// RefreshDispatcher hands scheduler refresh work to a go-job queue.
type RefreshDispatcher struct {
	enqueuer queue.Enqueuer
	window   time.Duration
	now      func() time.Time
}

type DispatcherOption func(*RefreshDispatcher)

func WithDedupWindow(window time.Duration) DispatcherOption {
	return func(d *RefreshDispatcher) {
		if window > 0 {
			d.window = window
		}
	}
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *RefreshDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewRefreshDispatcher(enqueuer queue.Enqueuer, opts ...DispatcherOption) *RefreshDispatcher {
	dispatcher := &RefreshDispatcher{
		enqueuer: enqueuer,
		window:   defaultDedupWindow,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher
}

func (d *RefreshDispatcher) DispatchRefresh(ctx context.Context, credentialID int64) error {
	if d == nil || d.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if credentialID <= 0 {
		return fmt.Errorf("gojob: credential id must be positive")
	}
	return d.enqueuer.Enqueue(ctx, NewRefreshMessage(credentialID, d.now(), d.window))
}

// Refresher runs one credential refresh through the shared refresh gate.
type Refresher interface {
	RefreshCredential(ctx context.Context, id int64) (core.RefreshOutcome, error)
}

// RefreshWorker drains refresh messages and runs them against the pool.
// Exchange failures are terminal: the credential is already quarantined, so
// the delivery is acked. Store and transport failures are retried.
type RefreshWorker struct {
	dequeuer   queue.Dequeuer
	refresher  Refresher
	policy     RetryPolicy
	retryDelay time.Duration
	hook       worker.Hook
	logger     glog.Logger
	now        func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

type WorkerOption func(*RefreshWorker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *RefreshWorker) { w.policy = policy }
}

func WithRetryDelay(delay time.Duration) WorkerOption {
	return func(w *RefreshWorker) {
		if delay >= 0 {
			w.retryDelay = delay
		}
	}
}

func WithHook(hook worker.Hook) WorkerOption {
	return func(w *RefreshWorker) { w.hook = hook }
}

func WithLogger(logger glog.Logger) WorkerOption {
	return func(w *RefreshWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewRefreshWorker(dequeuer queue.Dequeuer, refresher Refresher, opts ...WorkerOption) *RefreshWorker {
	w := &RefreshWorker{
		dequeuer:   dequeuer,
		refresher:  refresher,
		policy:     RetryPolicy{MaxAttempts: 5, MaxDelay: 5 * time.Minute, DeadLetterOnMax: true},
		retryDelay: defaultRetryDelay,
		logger:     glog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
		attempts:   map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run processes deliveries until ctx is canceled or the dequeuer fails.
func (w *RefreshWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := w.ProcessNext(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// ProcessNext handles a single delivery. The returned error reports queue
// failures only; refresh failures are settled through ack or nack.
func (w *RefreshWorker) ProcessNext(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.refresher == nil {
		return fmt.Errorf("gojob: refresh worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	key := deliveryKey(msg)
	attempt := w.nextAttempt(key)
	event := worker.Event{
		Message:   msg,
		Delivery:  delivery,
		Attempt:   attempt,
		StartedAt: w.now(),
	}
	w.emit(ctx, w.hookStart, event)

	credentialID, err := CredentialIDFromMessage(msg)
	if err != nil {
		w.logger.Error("refresh delivery malformed", "error", err)
		event.Err = err
		event.Duration = w.now().Sub(event.StartedAt)
		w.emit(ctx, w.hookFailure, event)
		w.forget(key)
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}

	outcome, refreshErr := w.refresher.RefreshCredential(ctx, credentialID)
	event.Duration = w.now().Sub(event.StartedAt)
	if refreshErr == nil || refreshSettled(refreshErr) {
		if refreshErr != nil {
			w.logger.Warn("queued refresh settled without token",
				"credential_id", credentialID,
				"status", string(outcome.Status),
				"error", refreshErr,
			)
		}
		w.forget(key)
		w.emit(ctx, w.hookSuccess, event)
		return delivery.Ack(ctx)
	}

	event.Err = refreshErr
	nack := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   w.retryDelay,
		Requeue: true,
		Reason:  refreshErr.Error(),
	}, attempt)
	if nack.Requeue {
		event.Delay = nack.Delay
		w.emit(ctx, w.hookRetry, event)
	} else {
		w.forget(key)
		w.emit(ctx, w.hookFailure, event)
	}
	w.logger.Warn("queued refresh failed",
		"credential_id", credentialID,
		"attempt", attempt,
		"requeue", nack.Requeue,
		"error", refreshErr,
	)
	return delivery.Nack(ctx, nack)
}

// refreshSettled reports failures a retry cannot fix: a rejected session
// secret quarantines the credential and a deleted credential has nothing to
// refresh.
func refreshSettled(err error) bool {
	return errors.Is(err, core.ErrExchangeFailed) ||
		errors.Is(err, core.ErrCredentialNotFound) ||
		core.HasTextCode(err, core.PoolErrorExchangeFailed) ||
		core.HasTextCode(err, core.PoolErrorCredentialNotFound)
}

func (w *RefreshWorker) nextAttempt(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *RefreshWorker) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, key)
}

func (w *RefreshWorker) emit(ctx context.Context, fn func(context.Context, worker.Event), event worker.Event) {
	if w.hook == nil {
		return
	}
	fn(ctx, event)
}

func (w *RefreshWorker) hookStart(ctx context.Context, e worker.Event)   { w.hook.OnStart(ctx, e) }
func (w *RefreshWorker) hookSuccess(ctx context.Context, e worker.Event) { w.hook.OnSuccess(ctx, e) }
func (w *RefreshWorker) hookFailure(ctx context.Context, e worker.Event) { w.hook.OnFailure(ctx, e) }
func (w *RefreshWorker) hookRetry(ctx context.Context, e worker.Event)   { w.hook.OnRetry(ctx, e) }

func deliveryKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return fmt.Sprintf("%s:%v", msg.JobID, msg.Parameters[ParamCredentialID])
}

// LoggingHook reports worker events through a glog logger.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.logger.Debug("refresh job started", eventFields(event)...)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.logger.Info("refresh job completed", eventFields(event)...)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.logger.Error("refresh job failed", eventFields(event)...)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.logger.Warn("refresh job retrying", eventFields(event)...)
}

func eventFields(event worker.Event) []any {
	fields := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if event.Message != nil {
		fields = append(fields, "job_id", event.Message.JobID, "idempotency_key", event.Message.IdempotencyKey)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

var (
	_ core.RefreshDispatcher = (*RefreshDispatcher)(nil)
	_ worker.Hook            = (*LoggingHook)(nil)
	_ Refresher              = (*core.Service)(nil)
)
