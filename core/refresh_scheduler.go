package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/time/rate"
)

// CredentialRefresher is the refresh entry point shared by the request path
// and the scheduler.
type CredentialRefresher interface {
	ListActiveCredentials(ctx context.Context) ([]Credential, error)
	Refresh(ctx context.Context, id int64) (RefreshOutcome, error)
}

type RefreshSchedulerOptions struct {
	Interval           time.Duration
	SleepSegments      int
	RetryBackoff       time.Duration
	ExchangesPerSecond float64
	Dispatcher         RefreshDispatcher
	Logger             Logger
	OnCycle            func(CycleReport)
}

func RefreshSchedulerOptionsFromConfig(cfg Config) RefreshSchedulerOptions {
	return RefreshSchedulerOptions{
		Interval:           cfg.SchedulerInterval(),
		SleepSegments:      cfg.Scheduler.SleepSegments,
		RetryBackoff:       cfg.SchedulerRetryBackoff(),
		ExchangesPerSecond: cfg.Scheduler.ExchangesPerSecond,
	}
}

// CycleReport summarizes one pass over the active credentials.
type CycleReport struct {
	StartedAt   time.Time
	Duration    time.Duration
	Total       int
	Refreshed   int
	Quarantined int
	Skipped     int
	Failed      int
	Dispatched  int
}

// RefreshScheduler periodically refreshes every active credential's access
// token, independent of request traffic.
type RefreshScheduler struct {
	refresher CredentialRefresher
	opts      RefreshSchedulerOptions
	limiter   *rate.Limiter
	logger    Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefreshScheduler(refresher CredentialRefresher, opts RefreshSchedulerOptions) (*RefreshScheduler, error) {
	if refresher == nil {
		return nil, fmt.Errorf("core: credential refresher is required")
	}
	defaults := RefreshSchedulerOptionsFromConfig(DefaultConfig())
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.SleepSegments < 1 {
		opts.SleepSegments = defaults.SleepSegments
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaults.RetryBackoff
	}
	s := &RefreshScheduler{
		refresher: refresher,
		opts:      opts,
		logger:    glog.Ensure(opts.Logger),
	}
	if opts.ExchangesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.ExchangesPerSecond), 1)
	}
	return s, nil
}

// Start launches the background loop and reports whether it did. Calling
// Start while the loop is running is a no-op.
func (s *RefreshScheduler) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(loopCtx, done)
	return true
}

// Stop cancels the loop and returns once it has exited. No refresh starts
// after Stop returns.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *RefreshScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *RefreshScheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *RefreshScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.Info("refresh scheduler started", "interval", s.opts.Interval.String())
	defer s.logger.Info("refresh scheduler stopped")

	for {
		report, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := s.opts.Interval
		if err != nil {
			s.logger.Error("refresh cycle failed", "error", err, "retry_in", s.opts.RetryBackoff.String())
			wait = s.opts.RetryBackoff
		} else {
			s.logger.Info("refresh cycle completed",
				"total", report.Total,
				"refreshed", report.Refreshed,
				"quarantined", report.Quarantined,
				"failed", report.Failed,
				"dispatched", report.Dispatched,
				"duration_ms", report.Duration.Milliseconds(),
			)
		}
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// RunCycle refreshes every active credential once. A failing credential does
// not abort the cycle; a panic is recovered and returned as an error.
func (s *RefreshScheduler) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report.StartedAt = time.Now().UTC()
	defer func() {
		if recovered := recover(); recovered != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("refresh cycle panic", "panic", fmt.Sprint(recovered), "stack", string(buf[:n]))
			err = fmt.Errorf("core: refresh cycle panic: %v", recovered)
		}
		report.Duration = time.Since(report.StartedAt)
		if s.opts.OnCycle != nil {
			s.opts.OnCycle(report)
		}
	}()

	credentials, err := s.refresher.ListActiveCredentials(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(credentials)
	for _, credential := range credentials {
		if ctx.Err() != nil {
			return report, nil
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return report, nil
			}
		}
		if s.opts.Dispatcher != nil {
			if err := s.opts.Dispatcher.DispatchRefresh(ctx, credential.ID); err != nil {
				report.Failed++
				s.logger.Warn("refresh dispatch failed", "credential_id", credential.ID, "error", err)
				continue
			}
			report.Dispatched++
			continue
		}
		outcome, err := s.refresher.Refresh(ctx, credential.ID)
		switch {
		case outcome.Status == RefreshStatusRefreshed:
			report.Refreshed++
		case outcome.Status == RefreshStatusQuarantined:
			report.Quarantined++
		case ctx.Err() != nil:
			return report, nil
		case err != nil:
			report.Failed++
			s.logger.Warn("credential refresh errored", "credential_id", credential.ID, "error", err)
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// sleep waits for d split into segments and returns false once ctx is done.
func (s *RefreshScheduler) sleep(ctx context.Context, d time.Duration) bool {
	segments := s.opts.SleepSegments
	segment := d / time.Duration(segments)
	if segment <= 0 {
		segment = d
		segments = 1
	}
	for i := 0; i < segments; i++ {
		if err := waitWithContext(ctx, segment); err != nil {
			return false
		}
	}
	return ctx.Err() == nil
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
