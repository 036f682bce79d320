package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	tokenpool "github.com/goliatone/go-tokenpool"
	poolcommand "github.com/goliatone/go-tokenpool/command"
	"github.com/goliatone/go-tokenpool/core"
	poolquery "github.com/goliatone/go-tokenpool/query"
	"github.com/goliatone/go-tokenpool/session"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const operatorSubject = "admin"

// opsServer serves health, metrics and the authenticated operator API.
type opsServer struct {
	facade        *tokenpool.Facade
	sessions      session.Store
	gatherer      prom.Gatherer
	adminPassword string
	logger        glog.Logger
}

func (s *opsServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Delete("/sessions", s.handleLogout)
			r.Delete("/sessions/all", s.handleLogoutAll)
			r.Get("/pool/stats", s.handlePoolStats)
			r.Get("/credentials", s.handleListCredentials)
			r.Get("/credentials/{id}", s.handleGetCredential)
			r.Post("/credentials/{id}/refresh", s.handleRefreshCredential)
		})
	})
	return r
}

func (s *opsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.facade.Queries().GetPoolStats.Query(r.Context(), poolquery.GetPoolStatsMessage{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_credentials": stats.ActiveCredentials,
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *opsServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminPassword == "" {
		writeJSON(w, http.StatusForbidden, errorBody("POOL_LOGIN_DISABLED", "operator login is not configured"))
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(core.PoolErrorBadInput, "invalid login body"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminPassword)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody("POOL_UNAUTHORIZED", "invalid credentials"))
		return
	}
	created, err := s.sessions.Create(r.Context(), operatorSubject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      created.Token,
		"expires_at": created.ExpiresAt,
	})
}

func (s *opsServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Invalidate(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *opsServer) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.InvalidateAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *opsServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("POOL_UNAUTHORIZED", "missing bearer token"))
			return
		}
		if _, err := s.sessions.Validate(r.Context(), token); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
				writeJSON(w, http.StatusUnauthorized, errorBody("POOL_UNAUTHORIZED", "session is not valid"))
				return
			}
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *opsServer) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.facade.Queries().GetPoolStats.Query(r.Context(), poolquery.GetPoolStatsMessage{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *opsServer) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	credentials, err := s.facade.Queries().ListCredentials.Query(r.Context(), poolquery.ListCredentialsMessage{ActiveOnly: activeOnly})
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]credentialView, 0, len(credentials))
	for _, credential := range credentials {
		views = append(views, newCredentialView(credential))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *opsServer) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.credentialID(w, r)
	if !ok {
		return
	}
	credential, err := s.facade.Queries().GetCredential.Query(r.Context(), poolquery.GetCredentialMessage{CredentialID: id})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialView(credential))
}

func (s *opsServer) handleRefreshCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.credentialID(w, r)
	if !ok {
		return
	}
	collector := gocmd.NewResult[core.RefreshOutcome]()
	err := s.facade.Commands().RefreshCredential.Execute(gocmd.ContextWithResult(r.Context(), collector), poolcommand.RefreshCredentialMessage{CredentialID: id})
	outcome, _ := collector.Load()
	if err != nil && outcome.Status == "" {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credential_id": id,
		"status":        outcome.Status,
		"valid":         outcome.Valid(),
		"expires_at":    outcome.ExpiresAt,
	})
}

func (s *opsServer) credentialID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(core.PoolErrorBadInput, "credential id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (s *opsServer) writeError(w http.ResponseWriter, err error) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		glog.Ensure(s.logger).Error("operator request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(core.PoolErrorInternal, "internal error"))
		return
	}
	status := rich.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		glog.Ensure(s.logger).Error("operator request failed", "error", err, "text_code", rich.TextCode)
	}
	writeJSON(w, status, errorBody(rich.TextCode, rich.Message))
}

// credentialView is the operator projection of a credential. The session
// secret is masked and the access token is omitted.
type credentialView struct {
	ID                   int64      `json:"id"`
	Email                string     `json:"email"`
	Name                 string     `json:"name"`
	Remark               string     `json:"remark,omitempty"`
	IsActive             bool       `json:"is_active"`
	Credits              int        `json:"credits"`
	PaygateTier          string     `json:"paygate_tier"`
	ProjectID            string     `json:"project_id"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
	UseCount             int        `json:"use_count"`
	SessionSecret        string     `json:"session_secret"`
}

func newCredentialView(credential core.Credential) credentialView {
	return credentialView{
		ID:                   credential.ID,
		Email:                credential.Email,
		Name:                 credential.Name,
		Remark:               credential.Remark,
		IsActive:             credential.IsActive,
		Credits:              credential.Credits,
		PaygateTier:          credential.PaygateTier,
		ProjectID:            credential.ProjectID,
		AccessTokenExpiresAt: credential.AccessTokenExpiresAt,
		LastUsedAt:           credential.LastUsedAt,
		UseCount:             credential.UseCount,
		SessionSecret:        core.MaskSecret(credential.SessionSecret),
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func errorBody(code string, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
