package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	tokenpool "github.com/goliatone/go-tokenpool"
	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/session"
	prom "github.com/prometheus/client_golang/prometheus"
)

type stubAuthClient struct{}

func (stubAuthClient) Exchange(_ context.Context, sessionSecret string) (core.TokenExchange, error) {
	expires := time.Now().UTC().Add(time.Hour)
	return core.TokenExchange{
		AccessToken: "at-" + sessionSecret,
		ExpiresAt:   &expires,
		Email:       sessionSecret + "@example.test",
	}, nil
}

func (stubAuthClient) FetchBalance(context.Context, string) (core.Balance, error) {
	return core.Balance{Credits: 5, PaygateTier: core.UnknownPaygateTier}, nil
}

func (stubAuthClient) CreateProject(context.Context, string, string) (string, error) {
	return "proj-1", nil
}

func newTestOpsServer(t *testing.T) (*opsServer, *tokenpool.Service) {
	t.Helper()
	svc, err := tokenpool.NewService(tokenpool.Config{},
		tokenpool.WithStoreProvider(tokenpool.MemoryStores()),
		tokenpool.WithExternalAuthClient(stubAuthClient{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	facade, err := tokenpool.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return &opsServer{
		facade:        facade,
		sessions:      session.NewMemoryStore(),
		gatherer:      prom.NewRegistry(),
		adminPassword: "s3cret",
		logger:        glog.Nop(),
	}, svc
}

func do(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := do(t, handler, http.MethodPost, "/v1/sessions", "", `{"password":"s3cret"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if !strings.HasPrefix(out.Token, "admin-") {
		t.Fatalf("unexpected token %q", out.Token)
	}
	return out.Token
}

func TestOpsServer_HealthAndMetricsArePublic(t *testing.T) {
	server, _ := newTestOpsServer(t)
	handler := server.routes()

	if rec := do(t, handler, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
}

func TestOpsServer_RejectsWrongPasswordAndMissingSession(t *testing.T) {
	server, _ := newTestOpsServer(t)
	handler := server.routes()

	if rec := do(t, handler, http.MethodPost, "/v1/sessions", "", `{"password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/v1/pool/stats", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/v1/pool/stats", "admin-forged", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
}

func TestOpsServer_LoginDisabledWithoutPassword(t *testing.T) {
	server, _ := newTestOpsServer(t)
	server.adminPassword = ""
	if rec := do(t, server.routes(), http.MethodPost, "/v1/sessions", "", `{"password":""}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when login is not configured, got %d", rec.Code)
	}
}

func TestOpsServer_SessionLifecycleAndCredentialViews(t *testing.T) {
	server, svc := newTestOpsServer(t)
	handler := server.routes()
	added, err := svc.AddCredential(context.Background(), core.AddCredentialRequest{SessionSecret: "dave-session-secret"})
	if err != nil {
		t.Fatalf("add credential: %v", err)
	}
	token := login(t, handler)

	rec := do(t, handler, http.MethodGet, "/v1/credentials", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "dave-session-secret") || strings.Contains(rec.Body.String(), "at-dave") {
		t.Fatalf("credential view leaked a secret: %s", rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, fmt.Sprintf("/v1/credentials/%d", added.ID), token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	rec = do(t, handler, http.MethodPost, fmt.Sprintf("/v1/credentials/%d/refresh", added.ID), token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("refresh: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, "/v1/pool/stats", token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ActiveCredentials":1`) {
		t.Fatalf("stats: status %d body %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, handler, http.MethodDelete, "/v1/sessions", token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}
	if rec = do(t, handler, http.MethodGet, "/v1/pool/stats", token, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected invalidated token rejected, got %d", rec.Code)
	}
}

func TestOpsServer_MapsServiceErrors(t *testing.T) {
	server, _ := newTestOpsServer(t)
	handler := server.routes()
	token := login(t, handler)

	if rec := do(t, handler, http.MethodGet, "/v1/credentials/999", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown credential, got %d body %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, handler, http.MethodGet, "/v1/credentials/abc", token, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}
