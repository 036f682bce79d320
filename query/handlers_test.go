package query

import (
	"context"
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-tokenpool/core"
)

type stubReader struct {
	credentials []core.Credential
	stats       map[int64]core.CredentialStats
	pool        core.PoolStats
	selected    core.Credential
	selectErr   error
}

func (s stubReader) GetCredential(_ context.Context, id int64) (core.Credential, error) {
	for _, credential := range s.credentials {
		if credential.ID == id {
			return credential, nil
		}
	}
	return core.Credential{}, core.ErrCredentialNotFound
}

func (s stubReader) ListCredentials(context.Context) ([]core.Credential, error) {
	return append([]core.Credential(nil), s.credentials...), nil
}

func (s stubReader) GetCredentialStats(_ context.Context, id int64) (core.CredentialStats, error) {
	stats, ok := s.stats[id]
	if !ok {
		return core.CredentialStats{}, core.ErrCredentialNotFound
	}
	return stats, nil
}

func (s stubReader) Stats(context.Context) (core.PoolStats, error) {
	return s.pool, nil
}

func (s stubReader) SelectCredential(context.Context, core.Capability) (core.Credential, error) {
	return s.selected, s.selectErr
}

func TestGetCredentialQuery_Delegates(t *testing.T) {
	reader := stubReader{credentials: []core.Credential{{ID: 1, Email: "a@example.test"}}}
	credential, err := NewGetCredentialQuery(reader).Query(context.Background(), GetCredentialMessage{CredentialID: 1})
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if credential.Email != "a@example.test" {
		t.Fatalf("unexpected credential %#v", credential)
	}
	if _, err := NewGetCredentialQuery(reader).Query(context.Background(), GetCredentialMessage{CredentialID: 2}); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListCredentialsQuery_FiltersActive(t *testing.T) {
	reader := stubReader{credentials: []core.Credential{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: false},
		{ID: 3, IsActive: true},
	}}
	all, err := NewListCredentialsQuery(reader).Query(context.Background(), ListCredentialsMessage{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all credentials, got %d", len(all))
	}
	active, err := NewListCredentialsQuery(reader).Query(context.Background(), ListCredentialsMessage{ActiveOnly: true})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != 1 || active[1].ID != 3 {
		t.Fatalf("unexpected active credentials %#v", active)
	}
}

func TestStatsQueries_Delegate(t *testing.T) {
	reader := stubReader{
		stats: map[int64]core.CredentialStats{5: {CredentialID: 5, TodayImageCount: 3}},
		pool:  core.PoolStats{TotalCredentials: 4, ActiveCredentials: 2},
	}
	stats, err := NewGetCredentialStatsQuery(reader).Query(context.Background(), GetCredentialStatsMessage{CredentialID: 5})
	if err != nil {
		t.Fatalf("credential stats: %v", err)
	}
	if stats.TodayImageCount != 3 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	pool, err := NewGetPoolStatsQuery(reader).Query(context.Background(), GetPoolStatsMessage{})
	if err != nil {
		t.Fatalf("pool stats: %v", err)
	}
	if pool.TotalCredentials != 4 || pool.ActiveCredentials != 2 {
		t.Fatalf("unexpected pool stats %#v", pool)
	}
}

func TestSelectCredentialQuery_PropagatesBackpressure(t *testing.T) {
	reader := stubReader{selectErr: core.ErrNoAvailableCredential}
	if _, err := NewSelectCredentialQuery(reader).Query(context.Background(), SelectCredentialMessage{Capability: core.CapabilityVideo}); !errors.Is(err, core.ErrNoAvailableCredential) {
		t.Fatalf("expected no available credential, got %v", err)
	}
}

func TestSelectCredentialMessage_ValidateReturnsRichError(t *testing.T) {
	err := (SelectCredentialMessage{Capability: "audio"}).Validate()
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.PoolErrorBadInput {
		t.Fatalf("unexpected envelope %q %q", rich.Category, rich.TextCode)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected %d code, got %d", http.StatusBadRequest, rich.Code)
	}
	validation := rich.AllValidationErrors()
	if len(validation) == 0 || validation[0].Field != "capability" {
		t.Fatalf("expected capability validation field, got %#v", validation)
	}
}

func TestGetCredentialQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *GetCredentialQuery
	_, err := q.Query(context.Background(), GetCredentialMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.PoolErrorInternal {
		t.Fatalf("unexpected envelope %q %q", rich.Category, rich.TextCode)
	}
}
