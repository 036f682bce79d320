package gojob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-tokenpool/core"
)

func TestNewRefreshMessage_DedupesWithinWindow(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 10, 0, time.UTC)
	first := NewRefreshMessage(12, at, time.Minute)
	second := NewRefreshMessage(12, at.Add(30*time.Second), time.Minute)
	third := NewRefreshMessage(12, at.Add(2*time.Minute), time.Minute)

	if first.JobID != JobIDRefreshCredential {
		t.Fatalf("unexpected job id %q", first.JobID)
	}
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatalf("expected same window to share idempotency key")
	}
	if first.IdempotencyKey == third.IdempotencyKey {
		t.Fatalf("expected next window to get a new idempotency key")
	}
	if first.DedupPolicy != job.DeduplicationPolicy(dedupDrop) {
		t.Fatalf("unexpected dedup policy %q", first.DedupPolicy)
	}
}

func TestCredentialIDFromMessage_AcceptsQueueShapes(t *testing.T) {
	cases := map[string]any{
		"int64":       int64(5),
		"int":         5,
		"float64":     float64(5),
		"json number": json.Number("5"),
		"string":      " 5 ",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			id, err := CredentialIDFromMessage(&job.ExecutionMessage{
				JobID:      JobIDRefreshCredential,
				Parameters: map[string]any{ParamCredentialID: raw},
			})
			if err != nil || id != 5 {
				t.Fatalf("expected id 5, got %d %v", id, err)
			}
		})
	}

	if _, err := CredentialIDFromMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job id rejected")
	}
	if _, err := CredentialIDFromMessage(&job.ExecutionMessage{JobID: JobIDRefreshCredential, Parameters: map[string]any{ParamCredentialID: 0}}); err == nil {
		t.Fatalf("expected zero id rejected")
	}
}

func TestRefreshDispatcher_Enqueues(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	dispatcher := NewRefreshDispatcher(enqueuer, WithDispatcherClock(func() time.Time { return at }))

	if err := dispatcher.DispatchRefresh(context.Background(), 9); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.Parameters[ParamCredentialID] != int64(9) {
		t.Fatalf("expected refresh message enqueued, got %#v", enqueuer.last)
	}
	if err := dispatcher.DispatchRefresh(context.Background(), 0); err == nil {
		t.Fatalf("expected invalid id rejected")
	}
	if err := NewRefreshDispatcher(nil).DispatchRefresh(context.Background(), 1); err == nil {
		t.Fatalf("expected missing enqueuer error")
	}
}

func TestRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	first := policy.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Requeue: true}, 1)
	if first.Delay != 10*time.Second || !first.Requeue {
		t.Fatalf("expected bounded delay and requeue, got %#v", first)
	}
	last := policy.NormalizeAttempt(queue.NackOptions{Delay: time.Second, Requeue: true}, 3)
	if last.Requeue || !last.DeadLetter {
		t.Fatalf("expected dead letter on max attempts, got %#v", last)
	}
}

func TestRefreshWorker_AcksSuccessAndExchangeFailure(t *testing.T) {
	for name, refreshErr := range map[string]error{
		"success":          nil,
		"exchange failure": core.ErrExchangeFailed,
		"deleted":          core.ErrCredentialNotFound,
	} {
		t.Run(name, func(t *testing.T) {
			delivery := &stubQueueDelivery{msg: NewRefreshMessage(3, time.Now(), time.Minute)}
			refresher := &stubRefresher{err: refreshErr}
			hook := &capturingHook{}
			w := NewRefreshWorker(&stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, refresher, WithHook(hook))

			if err := w.ProcessNext(context.Background()); err != nil {
				t.Fatalf("process: %v", err)
			}
			if !delivery.acked || delivery.nacked {
				t.Fatalf("expected ack, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
			}
			if len(refresher.ids) != 1 || refresher.ids[0] != 3 {
				t.Fatalf("unexpected refresh ids %v", refresher.ids)
			}
			if hook.started != 1 || hook.succeeded != 1 {
				t.Fatalf("unexpected hook calls %+v", hook)
			}
		})
	}
}

func TestRefreshWorker_RetriesTransientFailureThenDeadLetters(t *testing.T) {
	msg := NewRefreshMessage(4, time.Now(), time.Minute)
	deliveries := []queue.Delivery{
		&stubQueueDelivery{msg: msg},
		&stubQueueDelivery{msg: msg},
	}
	refresher := &stubRefresher{err: errors.New("database locked")}
	hook := &capturingHook{}
	w := NewRefreshWorker(&stubQueueDequeuer{deliveries: deliveries}, refresher,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, DeadLetterOnMax: true}),
		WithRetryDelay(time.Second),
		WithHook(hook),
	)

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process first: %v", err)
	}
	first := deliveries[0].(*stubQueueDelivery)
	if !first.nacked || !first.nackOpts.Requeue || first.nackOpts.Delay != time.Second {
		t.Fatalf("expected requeue on first failure, got %#v", first.nackOpts)
	}
	if hook.retried != 1 {
		t.Fatalf("expected retry hook, got %+v", hook)
	}

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process second: %v", err)
	}
	second := deliveries[1].(*stubQueueDelivery)
	if second.nackOpts.Requeue || !second.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter after max attempts, got %#v", second.nackOpts)
	}
	if hook.failed != 1 || hook.lastAttempt != 2 {
		t.Fatalf("expected failure hook on attempt 2, got %+v", hook)
	}
}

func TestRefreshWorker_DeadLettersMalformedMessage(t *testing.T) {
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDRefreshCredential}}
	refresher := &stubRefresher{}
	w := NewRefreshWorker(&stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, refresher)

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected malformed message dead-lettered")
	}
	if len(refresher.ids) != 0 {
		t.Fatalf("expected no refresh for malformed message")
	}
}

func TestRefreshWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dequeuer := &stubQueueDequeuer{onEmpty: func() { cancel() }}
	w := NewRefreshWorker(dequeuer, &stubRefresher{})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

type stubRefresher struct {
	err error
	ids []int64
}

func (s *stubRefresher) RefreshCredential(_ context.Context, id int64) (core.RefreshOutcome, error) {
	s.ids = append(s.ids, id)
	if s.err != nil {
		return core.RefreshOutcome{CredentialID: id, Status: core.RefreshStatusQuarantined}, s.err
	}
	return core.RefreshOutcome{CredentialID: id, Status: core.RefreshStatusRefreshed}, nil
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
	onEmpty    func()
}

func (s *stubQueueDequeuer) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		if s.onEmpty != nil {
			s.onEmpty()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	started     int
	succeeded   int
	failed      int
	retried     int
	lastAttempt int
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   { h.started++ }
func (h *capturingHook) OnSuccess(context.Context, worker.Event) { h.succeeded++ }
func (h *capturingHook) OnFailure(_ context.Context, e worker.Event) {
	h.failed++
	h.lastAttempt = e.Attempt
}
func (h *capturingHook) OnRetry(_ context.Context, e worker.Event) {
	h.retried++
	h.lastAttempt = e.Attempt
}
