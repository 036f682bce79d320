package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	poolcommand "github.com/goliatone/go-tokenpool/command"
	"github.com/goliatone/go-tokenpool/core"
	poolquery "github.com/goliatone/go-tokenpool/query"
)

type stubAuthClient struct {
	mu       sync.Mutex
	projects int
}

func (c *stubAuthClient) Exchange(_ context.Context, sessionSecret string) (core.TokenExchange, error) {
	if sessionSecret == "rejected" {
		return core.TokenExchange{}, errors.New("session rejected")
	}
	expires := time.Now().UTC().Add(2 * time.Hour)
	return core.TokenExchange{
		AccessToken: "at-" + sessionSecret,
		ExpiresAt:   &expires,
		Email:       sessionSecret + "@example.test",
		Name:        sessionSecret,
	}, nil
}

func (c *stubAuthClient) FetchBalance(context.Context, string) (core.Balance, error) {
	return core.Balance{Credits: 100, PaygateTier: "PAYGATE_TIER_ONE"}, nil
}

func (c *stubAuthClient) CreateProject(context.Context, string, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects++
	return fmt.Sprintf("proj-%d", c.projects), nil
}

func newTestFacade(t *testing.T) (*Facade, *Service) {
	t.Helper()
	svc, err := NewService(Config{},
		WithStoreProvider(MemoryStores()),
		WithExternalAuthClient(&stubAuthClient{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return facade, svc
}

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, _ := newTestFacade(t)

	commands := facade.Commands()
	if commands.AddCredential == nil || commands.RefreshCredential == nil || commands.SetAutoRefresh == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.GetPoolStats == nil || queries.SelectCredential == nil {
		t.Fatalf("expected query handlers to be wired")
	}
	if facade.Service() == nil {
		t.Fatalf("expected wrapped service")
	}
}

func TestFacade_AddSelectAndLeaseCredential(t *testing.T) {
	facade, svc := newTestFacade(t)
	ctx := context.Background()

	collector := gocmd.NewResult[core.Credential]()
	if err := facade.Commands().AddCredential.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.AddCredentialMessage{
		Request: AddCredentialRequest{SessionSecret: "alice", Remark: "primary"},
	}); err != nil {
		t.Fatalf("add credential: %v", err)
	}
	added, ok := collector.Load()
	if !ok || added.ID == 0 {
		t.Fatalf("expected added credential in result collector")
	}
	if added.AccessToken != "at-alice" || added.ProjectID == "" {
		t.Fatalf("expected exchanged token and project binding, got %+v", added)
	}

	listed, err := facade.Queries().ListCredentials.Query(ctx, poolquery.ListCredentialsMessage{ActiveOnly: true})
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != added.ID {
		t.Fatalf("unexpected credential list %+v", listed)
	}

	selected, err := facade.Queries().SelectCredential.Query(ctx, poolquery.SelectCredentialMessage{Capability: CapabilityImage})
	if err != nil {
		t.Fatalf("select credential: %v", err)
	}
	if selected.ID != added.ID {
		t.Fatalf("expected added credential selected, got %d", selected.ID)
	}

	lease, err := svc.Acquire(ctx, CapabilityImage)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stats, err := facade.Queries().GetPoolStats.Query(ctx, poolquery.GetPoolStatsMessage{})
	if err != nil {
		t.Fatalf("pool stats: %v", err)
	}
	if stats.InFlight[CapabilityImage] != 1 {
		t.Fatalf("expected one image lease in flight, got %v", stats.InFlight)
	}
	if err := lease.Complete(ctx, nil); err != nil {
		t.Fatalf("complete lease: %v", err)
	}

	credentialStats, err := facade.Queries().GetCredentialStats.Query(ctx, poolquery.GetCredentialStatsMessage{CredentialID: added.ID})
	if err != nil {
		t.Fatalf("credential stats: %v", err)
	}
	if credentialStats.ImageCount != 1 {
		t.Fatalf("expected one recorded image use, got %d", credentialStats.ImageCount)
	}
}

func TestFacade_DisabledCredentialIsNotSelected(t *testing.T) {
	facade, _ := newTestFacade(t)
	ctx := context.Background()

	collector := gocmd.NewResult[core.Credential]()
	if err := facade.Commands().AddCredential.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.AddCredentialMessage{
		Request: AddCredentialRequest{SessionSecret: "bob"},
	}); err != nil {
		t.Fatalf("add credential: %v", err)
	}
	added, _ := collector.Load()

	if err := facade.Commands().DisableCredential.Execute(ctx, poolcommand.DisableCredentialMessage{CredentialID: added.ID}); err != nil {
		t.Fatalf("disable credential: %v", err)
	}
	_, err := facade.Queries().SelectCredential.Query(ctx, poolquery.SelectCredentialMessage{Capability: CapabilityVideo})
	if !core.IsNoAvailableCredential(err) {
		t.Fatalf("expected no available credential, got %v", err)
	}
}

func TestFacade_RejectedSecretIsNotAdded(t *testing.T) {
	facade, svc := newTestFacade(t)
	ctx := context.Background()

	err := facade.Commands().AddCredential.Execute(ctx, poolcommand.AddCredentialMessage{
		Request: AddCredentialRequest{SessionSecret: "rejected"},
	})
	if !core.HasTextCode(err, core.PoolErrorExchangeFailed) {
		t.Fatalf("expected exchange failure, got %v", err)
	}
	all, err := svc.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no credential stored, got %d", len(all))
	}
}

func TestNewService_DefaultsAdmissionLedger(t *testing.T) {
	svc, err := NewService(Config{},
		WithStoreProvider(MemoryStores()),
		WithExternalAuthClient(&stubAuthClient{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Dependencies().AdmissionLedger == nil {
		t.Fatalf("expected default admission ledger")
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}
