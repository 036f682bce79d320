package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	poolcommand "github.com/goliatone/go-tokenpool/command"
	"github.com/goliatone/go-tokenpool/core"
	poolquery "github.com/goliatone/go-tokenpool/query"
)

type blankTypeMessage struct{}

func (blankTypeMessage) Type() string { return "" }

type queueMessage struct{}

func (queueMessage) Type() string { return "tokenpool.command.queue_probe" }

type fakePool struct {
	enabled   []int64
	threshold int
	stats     core.PoolStats
}

func (f *fakePool) AddCredential(context.Context, core.AddCredentialRequest) (core.Credential, error) {
	return core.Credential{ID: 1}, nil
}
func (f *fakePool) UpdateCredential(context.Context, int64, core.UpdateCredentialRequest) (core.Credential, error) {
	return core.Credential{}, nil
}
func (f *fakePool) DeleteCredential(context.Context, int64) error { return nil }
func (f *fakePool) EnableCredential(_ context.Context, id int64) error {
	f.enabled = append(f.enabled, id)
	return nil
}
func (f *fakePool) DisableCredential(context.Context, int64) error { return nil }
func (f *fakePool) RefreshCredential(context.Context, int64) (core.RefreshOutcome, error) {
	return core.RefreshOutcome{}, nil
}
func (f *fakePool) RefreshBalance(context.Context, int64) (core.BalanceOutcome, error) {
	return core.BalanceOutcome{}, nil
}
func (f *fakePool) RecordError(context.Context, int64) (core.ErrorRecord, error) {
	return core.ErrorRecord{}, nil
}
func (f *fakePool) ImportCredentials(context.Context, []core.ImportEntry) (core.ImportReport, error) {
	return core.ImportReport{}, nil
}
func (f *fakePool) SetErrorBanThreshold(_ context.Context, threshold int) error {
	f.threshold = threshold
	return nil
}
func (f *fakePool) SetAutoRefresh(context.Context, bool) error { return nil }
func (f *fakePool) GetCredential(_ context.Context, id int64) (core.Credential, error) {
	return core.Credential{ID: id}, nil
}
func (f *fakePool) ListCredentials(context.Context) ([]core.Credential, error) { return nil, nil }
func (f *fakePool) GetCredentialStats(context.Context, int64) (core.CredentialStats, error) {
	return core.CredentialStats{}, nil
}
func (f *fakePool) Stats(context.Context) (core.PoolStats, error) { return f.stats, nil }
func (f *fakePool) SelectCredential(context.Context, core.Capability) (core.Credential, error) {
	return core.Credential{}, core.ErrNoAvailableCredential
}

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(poolcommand.EnableCredentialMessage{CredentialID: 1}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(blankTypeMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(poolcommand.EnableCredentialMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegisterPoolHandlers_DispatchesCommandsAndQueries(t *testing.T) {
	pool := &fakePool{stats: core.PoolStats{TotalCredentials: 3}}
	adapter := NewRegistryAdapter(command.NewRegistry())
	subs, err := RegisterPoolHandlers(adapter, pool)
	if err != nil {
		t.Fatalf("register pool handlers: %v", err)
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	ctx := context.Background()
	if err := Dispatch(ctx, poolcommand.EnableCredentialMessage{CredentialID: 7}); err != nil {
		t.Fatalf("dispatch enable: %v", err)
	}
	if err := Dispatch(ctx, poolcommand.SetErrorBanThresholdMessage{Threshold: 4}); err != nil {
		t.Fatalf("dispatch threshold: %v", err)
	}
	if len(pool.enabled) != 1 || pool.enabled[0] != 7 || pool.threshold != 4 {
		t.Fatalf("expected commands delegated, got %v %d", pool.enabled, pool.threshold)
	}

	stats, err := Query[poolquery.GetPoolStatsMessage, core.PoolStats](ctx, poolquery.GetPoolStatsMessage{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.TotalCredentials != 3 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	_, err = Query[poolquery.SelectCredentialMessage, core.Credential](ctx, poolquery.SelectCredentialMessage{Capability: core.CapabilityImage})
	if !errors.Is(err, core.ErrNoAvailableCredential) {
		t.Fatalf("expected backpressure error, got %v", err)
	}
}

func TestDispatch_RejectsInvalidMessageBeforeHandler(t *testing.T) {
	pool := &fakePool{}
	adapter := NewRegistryAdapter(command.NewRegistry())
	subs, err := RegisterPoolHandlers(adapter, pool)
	if err != nil {
		t.Fatalf("register pool handlers: %v", err)
	}
	defer subs.Unsubscribe()

	if err := Dispatch(context.Background(), poolcommand.SetErrorBanThresholdMessage{Threshold: 0}); err == nil {
		t.Fatalf("expected validation failure")
	}
	if pool.threshold != 0 {
		t.Fatalf("expected handler not to run")
	}
}

func TestRegisterPoolHandlers_RequiresService(t *testing.T) {
	if _, err := RegisterPoolHandlers(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected missing service error")
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("tokenpool.command.queue_probe"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}
