package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCredentialRefreshGate_CoalescesSameCredential(t *testing.T) {
	gate := NewCredentialRefreshGate()
	release := make(chan struct{})
	var calls atomic.Int64

	fn := func(context.Context) (RefreshOutcome, error) {
		calls.Add(1)
		<-release
		return RefreshOutcome{CredentialID: 7, Status: RefreshStatusRefreshed}, nil
	}

	var wg sync.WaitGroup
	outcomes := make([]RefreshOutcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = gate.Do(context.Background(), 7, fn)
		}(i)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one underlying refresh, got %d", got)
	}
	for i, outcome := range outcomes {
		if outcome.Status != RefreshStatusRefreshed {
			t.Fatalf("caller %d got status %q", i, outcome.Status)
		}
	}
}

func TestCredentialRefreshGate_AllowsDifferentCredentialsInParallel(t *testing.T) {
	gate := NewCredentialRefreshGate()
	var inFlight, peak atomic.Int64
	barrier := make(chan struct{})

	fn := func(context.Context) (RefreshOutcome, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		select {
		case <-barrier:
		case <-time.After(time.Second):
		}
		return RefreshOutcome{Status: RefreshStatusRefreshed}, nil
	}

	var wg sync.WaitGroup
	for _, id := range []int64{1, 2} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _ = gate.Do(context.Background(), id, fn)
		}(id)
	}
	waitFor(t, func() bool { return peak.Load() == 2 })
	close(barrier)
	wg.Wait()
}

func TestPoolRefreshGate_SerializesAcrossCredentials(t *testing.T) {
	gate := NewPoolRefreshGate()
	var inFlight, peak atomic.Int64

	fn := func(context.Context) (RefreshOutcome, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return RefreshOutcome{Status: RefreshStatusRefreshed}, nil
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= 6; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _ = gate.Do(context.Background(), id, fn)
		}(id)
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("expected one refresh at a time, got %d", got)
	}
}

func TestRefreshGate_WaiterCancellationLeavesLeaderRunning(t *testing.T) {
	gate := NewCredentialRefreshGate()
	release := make(chan struct{})
	leaderDone := make(chan RefreshOutcome, 1)

	go func() {
		outcome, _ := gate.Do(context.Background(), 3, func(context.Context) (RefreshOutcome, error) {
			<-release
			return RefreshOutcome{CredentialID: 3, Status: RefreshStatusRefreshed}, nil
		})
		leaderDone <- outcome
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := gate.Do(ctx, 3, func(context.Context) (RefreshOutcome, error) {
		t.Errorf("waiter must not start its own refresh")
		return RefreshOutcome{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) || outcome.Status != RefreshStatusCanceled {
		t.Fatalf("expected canceled waiter, got %q %v", outcome.Status, err)
	}

	close(release)
	select {
	case outcome := <-leaderDone:
		if outcome.Status != RefreshStatusRefreshed {
			t.Fatalf("expected leader to finish, got %q", outcome.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("leader did not finish")
	}
}

func TestNewRefreshGateSelectsMode(t *testing.T) {
	if _, ok := NewRefreshGate(RefreshSerializationPool).(*PoolRefreshGate); !ok {
		t.Fatalf("expected pool gate")
	}
	if _, ok := NewRefreshGate(RefreshSerializationCredential).(*CredentialRefreshGate); !ok {
		t.Fatalf("expected credential gate")
	}
}

func TestRefreshGate_CanceledCallerDoesNotFailOtherWaiters(t *testing.T) {
	gate := NewCredentialRefreshGate()
	release := make(chan struct{})
	var calls atomic.Int64

	fn := func(ctx context.Context) (RefreshOutcome, error) {
		calls.Add(1)
		select {
		case <-release:
			return RefreshOutcome{CredentialID: 5, Status: RefreshStatusRefreshed}, nil
		case <-ctx.Done():
			return canceledOutcome(5), ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := gate.Do(firstCtx, 5, fn)
		firstDone <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 })

	secondDone := make(chan RefreshOutcome, 1)
	go func() {
		outcome, err := gate.Do(context.Background(), 5, fn)
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		secondDone <- outcome
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected first caller canceled, got %v", err)
	}
	close(release)

	select {
	case outcome := <-secondDone:
		if outcome.Status != RefreshStatusRefreshed {
			t.Fatalf("expected remaining caller to see the refresh, got %q", outcome.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("second caller did not finish")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one shared refresh, got %d", got)
	}
}

func TestRefreshGate_LastCallerLeavingCancelsRefresh(t *testing.T) {
	gate := NewPoolRefreshGate()
	var observedCancel atomic.Bool

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gate.Do(ctx, 9, func(ctx context.Context) (RefreshOutcome, error) {
		<-ctx.Done()
		observedCancel.Store(true)
		return canceledOutcome(9), ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if !observedCancel.Load() {
		t.Fatalf("expected refresh to stop before the caller returned")
	}

	outcome, err := gate.Do(context.Background(), 9, func(context.Context) (RefreshOutcome, error) {
		return RefreshOutcome{CredentialID: 9, Status: RefreshStatusRefreshed}, nil
	})
	if err != nil || outcome.Status != RefreshStatusRefreshed {
		t.Fatalf("expected a fresh call after cancellation, got %q %v", outcome.Status, err)
	}
}
