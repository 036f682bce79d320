package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/singleflight"
)

type RefreshStatus string

const (
	RefreshStatusRefreshed   RefreshStatus = "refreshed"
	RefreshStatusFresh       RefreshStatus = "fresh"
	RefreshStatusQuarantined RefreshStatus = "quarantined"
	RefreshStatusInactive    RefreshStatus = "inactive"
	RefreshStatusNotFound    RefreshStatus = "not_found"
	RefreshStatusCanceled    RefreshStatus = "canceled"
)

// RefreshOutcome reports what a refresh attempt did to a credential.
type RefreshOutcome struct {
	CredentialID int64
	Status       RefreshStatus
	ExpiresAt    *time.Time
	Balance      BalanceOutcome
	Shared       bool
}

// Valid reports whether the credential holds a usable access token after the attempt.
func (o RefreshOutcome) Valid() bool {
	return o.Status == RefreshStatusRefreshed || o.Status == RefreshStatusFresh
}

type refreshMode int

const (
	refreshIfStale refreshMode = iota
	refreshForce
)

type AddCredentialRequest struct {
	SessionSecret    string
	ProjectID        string
	ProjectName      string
	Remark           string
	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int
}

type UpdateCredentialRequest struct {
	SessionSecret    *string
	ProjectID        *string
	ProjectName      *string
	Remark           *string
	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int
}

// ErrorRecord is the health state left behind by RecordError.
type ErrorRecord struct {
	Stats       CredentialStats
	Threshold   int
	Quarantined bool
}

type TokenManagerDeps struct {
	Store    CredentialStore
	Projects ProjectStore
	Settings PoolSettingsStore
	Client   ExternalAuthClient
	Ledger   AdmissionLedger
	Gate     RefreshGate
	Logger   Logger
	Config   func() Config
	Now      Clock
}

// TokenManager owns credential lifecycle: creation, the access token refresh
// protocol, failure-driven quarantine and balance refresh.
type TokenManager struct {
	store    CredentialStore
	projects ProjectStore
	settings PoolSettingsStore
	client   ExternalAuthClient
	ledger   AdmissionLedger
	gate     RefreshGate
	logger   Logger
	config   func() Config
	now      Clock

	projectGroup singleflight.Group
}

func NewTokenManager(deps TokenManagerDeps) (*TokenManager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("core: external auth client is required")
	}
	m := &TokenManager{
		store:    deps.Store,
		projects: deps.Projects,
		settings: deps.Settings,
		client:   deps.Client,
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		logger:   glog.Ensure(deps.Logger),
		config:   deps.Config,
		now:      deps.Now,
	}
	if m.config == nil {
		cfg := DefaultConfig()
		m.config = func() Config { return cfg }
	}
	if m.gate == nil {
		m.gate = NewRefreshGate(m.config().RefreshSerialization)
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// AddCredential registers a new session secret. Project creation is attempted
// before anything is persisted, so a failed project step leaves no record.
func (m *TokenManager) AddCredential(ctx context.Context, req AddCredentialRequest) (Credential, error) {
	secret := strings.TrimSpace(req.SessionSecret)
	if secret == "" {
		return Credential{}, fmt.Errorf("core: session secret is required")
	}
	if err := m.ensureSecretAvailable(ctx, secret, 0); err != nil {
		return Credential{}, err
	}

	exchanged, err := m.client.Exchange(ctx, secret)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credential{}, ctxErr
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	balance, err := m.fetchBalance(ctx, exchanged.AccessToken)
	if err != nil {
		return Credential{}, err
	}
	if balance.SoftErr != nil {
		m.logger.Warn("balance fetch failed during credential add", "error", balance.SoftErr, "email", exchanged.Email)
	}

	cfg := m.config()
	projectID := strings.TrimSpace(req.ProjectID)
	projectName := strings.TrimSpace(req.ProjectName)
	if projectID == "" {
		if projectName == "" {
			projectName = m.now().Format(cfg.ProjectNameLayout)
		}
		projectID, err = m.client.CreateProject(ctx, secret, projectName)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Credential{}, ctxErr
			}
			return Credential{}, fmt.Errorf("%w: %v", ErrProjectCreationFailed, err)
		}
		projectID = strings.TrimSpace(projectID)
		if projectID == "" {
			return Credential{}, fmt.Errorf("%w: empty project id", ErrProjectCreationFailed)
		}
	}

	policy := cfg.Defaults.Policy()
	applyPolicyOverrides(&policy, req.ImageEnabled, req.VideoEnabled, req.ImageConcurrency, req.VideoConcurrency)
	if err := policy.Validate(); err != nil {
		return Credential{}, err
	}

	credential := Credential{
		SessionSecret:        secret,
		AccessToken:          exchanged.AccessToken,
		AccessTokenExpiresAt: cloneTime(exchanged.ExpiresAt),
		Email:                exchanged.Email,
		Name:                 exchanged.Name,
		Remark:               strings.TrimSpace(req.Remark),
		Credits:              balance.Balance.Credits,
		PaygateTier:          balance.Balance.PaygateTier,
		ProjectID:            projectID,
		ProjectName:          projectName,
		Policy:               policy,
		IsActive:             true,
		CreatedAt:            m.now(),
	}
	id, err := m.store.Insert(ctx, credential)
	if err != nil {
		return Credential{}, err
	}
	credential.ID = id

	m.recordProject(ctx, credential)
	if m.ledger != nil {
		m.ledger.Register(credential)
	}
	m.logger.Info("credential added", "credential_id", id, "email", credential.Email, "project_id", projectID)
	return credential, nil
}

// UpdateCredential applies operator edits. A changed session secret is
// re-exchanged before anything is written.
func (m *TokenManager) UpdateCredential(ctx context.Context, id int64, req UpdateCredentialRequest) (Credential, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return Credential{}, err
	}

	patch := CredentialPatch{}
	if req.SessionSecret != nil {
		secret := strings.TrimSpace(*req.SessionSecret)
		if secret == "" {
			return Credential{}, fmt.Errorf("core: session secret is required")
		}
		if secret != current.SessionSecret {
			if err := m.ensureSecretAvailable(ctx, secret, id); err != nil {
				return Credential{}, err
			}
			exchanged, err := m.client.Exchange(ctx, secret)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Credential{}, ctxErr
				}
				return Credential{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
			}
			patch.SessionSecret = stringPtr(secret)
			patch.AccessToken = stringPtr(exchanged.AccessToken)
			patch.AccessTokenExpiresAt = timePtrPtr(exchanged.ExpiresAt)
			if exchanged.Email != "" {
				patch.Email = stringPtr(exchanged.Email)
			}
			if exchanged.Name != "" {
				patch.Name = stringPtr(exchanged.Name)
			}
			balance, err := m.fetchBalance(ctx, exchanged.AccessToken)
			if err != nil {
				return Credential{}, err
			}
			if balance.Fetched {
				patch.Credits = intPtr(balance.Balance.Credits)
				patch.PaygateTier = stringPtr(balance.Balance.PaygateTier)
			}
		}
	}
	if req.Remark != nil {
		patch.Remark = stringPtr(strings.TrimSpace(*req.Remark))
	}
	if req.ProjectID != nil {
		patch.ProjectID = stringPtr(strings.TrimSpace(*req.ProjectID))
	}
	if req.ProjectName != nil {
		patch.ProjectName = stringPtr(strings.TrimSpace(*req.ProjectName))
	}
	patch.ImageEnabled = req.ImageEnabled
	patch.VideoEnabled = req.VideoEnabled
	patch.ImageConcurrency = req.ImageConcurrency
	patch.VideoConcurrency = req.VideoConcurrency

	updated := current
	patch.Apply(&updated)
	if err := updated.Policy.Validate(); err != nil {
		return Credential{}, err
	}
	if patch.Empty() {
		return current, nil
	}
	if err := m.store.Update(ctx, id, patch); err != nil {
		return Credential{}, err
	}
	if updated.ProjectID != "" && updated.ProjectID != current.ProjectID {
		m.recordProject(ctx, updated)
	}
	if m.ledger != nil {
		m.ledger.Register(updated)
	}
	m.logger.Info("credential updated", "credential_id", id)
	return m.store.Get(ctx, id)
}

func (m *TokenManager) DeleteCredential(ctx context.Context, id int64) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if m.ledger != nil {
		m.ledger.Remove(id)
	}
	m.logger.Info("credential deleted", "credential_id", id)
	return nil
}

// EnableCredential lifts quarantine and clears the consecutive error streak.
// Historical counters are kept.
func (m *TokenManager) EnableCredential(ctx context.Context, id int64) error {
	if err := m.store.Update(ctx, id, CredentialPatch{IsActive: boolPtr(true)}); err != nil {
		return err
	}
	if err := m.store.ResetConsecutiveErrors(ctx, id); err != nil {
		return err
	}
	m.logger.Info("credential enabled", "credential_id", id)
	return nil
}

func (m *TokenManager) DisableCredential(ctx context.Context, id int64) error {
	if err := m.store.Update(ctx, id, CredentialPatch{IsActive: boolPtr(false)}); err != nil {
		return err
	}
	m.logger.Info("credential disabled", "credential_id", id)
	return nil
}

func (m *TokenManager) GetCredential(ctx context.Context, id int64) (Credential, error) {
	return m.store.Get(ctx, id)
}

func (m *TokenManager) ListCredentials(ctx context.Context) ([]Credential, error) {
	return m.store.ListAll(ctx)
}

func (m *TokenManager) ListActiveCredentials(ctx context.Context) ([]Credential, error) {
	return m.store.ListActive(ctx)
}

// IsAccessTokenValid returns true when the credential is active and its token
// is fresh, refreshing it first when it is not. Inactive or missing
// credentials return false without an exchange.
func (m *TokenManager) IsAccessTokenValid(ctx context.Context, id int64) bool {
	credential, err := m.store.Get(ctx, id)
	if err != nil || !credential.IsActive {
		return false
	}
	if !NeedsRefresh(m.now(), credential, m.config().RefreshLeadTime()) {
		return true
	}
	outcome, err := m.refresh(ctx, id, refreshIfStale)
	return err == nil && outcome.Valid()
}

// RefreshAccessToken re-exchanges the session secret and reports success.
// Failures are absorbed into the credential's health state.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, id int64) bool {
	outcome, err := m.Refresh(ctx, id)
	return err == nil && outcome.Status == RefreshStatusRefreshed
}

// Refresh forces a re-exchange and returns the typed outcome. Exchange
// failures quarantine the credential and wrap ErrExchangeFailed.
func (m *TokenManager) Refresh(ctx context.Context, id int64) (RefreshOutcome, error) {
	return m.refresh(ctx, id, refreshForce)
}

func (m *TokenManager) refresh(ctx context.Context, id int64, mode refreshMode) (RefreshOutcome, error) {
	run := func(ctx context.Context) (RefreshOutcome, error) {
		return m.refreshLocked(ctx, id, mode)
	}
	outcome, err := m.gate.Do(ctx, id, run)
	// A forced refresh that joined a lazy one which found the token fresh
	// still owes its caller an exchange.
	if mode == refreshForce && err == nil && outcome.Status == RefreshStatusFresh {
		outcome, err = m.gate.Do(ctx, id, run)
	}
	return outcome, err
}

func (m *TokenManager) refreshLocked(ctx context.Context, id int64, mode refreshMode) (RefreshOutcome, error) {
	outcome := RefreshOutcome{CredentialID: id}
	if err := ctx.Err(); err != nil {
		outcome.Status = RefreshStatusCanceled
		return outcome, err
	}
	credential, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			outcome.Status = RefreshStatusNotFound
		}
		return outcome, err
	}
	if !credential.IsActive {
		outcome.Status = RefreshStatusInactive
		return outcome, nil
	}
	if mode == refreshIfStale && !NeedsRefresh(m.now(), credential, m.config().RefreshLeadTime()) {
		outcome.Status = RefreshStatusFresh
		outcome.ExpiresAt = cloneTime(credential.AccessTokenExpiresAt)
		return outcome, nil
	}

	exchanged, err := m.client.Exchange(ctx, credential.SessionSecret)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcome.Status = RefreshStatusCanceled
			return outcome, ctxErr
		}
		if quarantineErr := m.quarantine(ctx, id, "refresh exchange failed"); quarantineErr != nil {
			m.logger.Error("credential quarantine failed", "credential_id", id, "error", quarantineErr)
		}
		m.logger.Warn("credential refresh failed", "credential_id", id, "error", err)
		outcome.Status = RefreshStatusQuarantined
		return outcome, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if err := ctx.Err(); err != nil {
		outcome.Status = RefreshStatusCanceled
		return outcome, err
	}

	patch := CredentialPatch{
		AccessToken:          stringPtr(exchanged.AccessToken),
		AccessTokenExpiresAt: timePtrPtr(exchanged.ExpiresAt),
	}
	if exchanged.Email != "" {
		patch.Email = stringPtr(exchanged.Email)
	}
	if exchanged.Name != "" {
		patch.Name = stringPtr(exchanged.Name)
	}
	if err := m.store.Update(ctx, id, patch); err != nil {
		return outcome, err
	}
	outcome.Status = RefreshStatusRefreshed
	outcome.ExpiresAt = cloneTime(exchanged.ExpiresAt)
	m.logger.Debug("credential access token refreshed", "credential_id", id, "expires_at", formatExpiry(exchanged.ExpiresAt))

	balance, err := m.storeBalance(ctx, id, exchanged.AccessToken)
	outcome.Balance = balance
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// RefreshBalance makes sure the access token is usable, then fetches and
// persists the credit balance. A failed fetch is reported as a soft failure.
func (m *TokenManager) RefreshBalance(ctx context.Context, id int64) (BalanceOutcome, error) {
	if !m.IsAccessTokenValid(ctx, id) {
		if err := ctx.Err(); err != nil {
			return BalanceOutcome{}, err
		}
		return BalanceOutcome{}, fmt.Errorf("%w: access token unavailable for credential %d", ErrExchangeFailed, id)
	}
	credential, err := m.store.Get(ctx, id)
	if err != nil {
		return BalanceOutcome{}, err
	}
	return m.storeBalance(ctx, id, credential.AccessToken)
}

func (m *TokenManager) storeBalance(ctx context.Context, id int64, accessToken string) (BalanceOutcome, error) {
	balance, err := m.fetchBalance(ctx, accessToken)
	if err != nil {
		return balance, err
	}
	if balance.SoftErr != nil {
		m.logger.Debug("credential balance refresh skipped", "credential_id", id, "error", balance.SoftErr)
		return balance, nil
	}
	if err := m.store.Update(ctx, id, CredentialPatch{
		Credits:     intPtr(balance.Balance.Credits),
		PaygateTier: stringPtr(balance.Balance.PaygateTier),
	}); err != nil {
		return balance, err
	}
	return balance, nil
}

// RecordSuccess clears the consecutive error streak.
func (m *TokenManager) RecordSuccess(ctx context.Context, id int64) error {
	return m.store.ResetConsecutiveErrors(ctx, id)
}

// RecordUsage bumps the usage counters for a completed unit of work.
func (m *TokenManager) RecordUsage(ctx context.Context, id int64, capability Capability) (CredentialStats, error) {
	kind, err := SuccessStatFor(capability)
	if err != nil {
		return CredentialStats{}, fmt.Errorf("%w: %q", ErrInvalidCapability, capability)
	}
	return m.store.IncrementStat(ctx, id, kind)
}

// RecordError extends the consecutive error streak and quarantines the
// credential once the streak reaches the error ban threshold.
func (m *TokenManager) RecordError(ctx context.Context, id int64) (ErrorRecord, error) {
	stats, err := m.store.IncrementStat(ctx, id, StatError)
	if err != nil {
		return ErrorRecord{}, err
	}
	record := ErrorRecord{Stats: stats, Threshold: m.ErrorBanThreshold(ctx)}
	if stats.ConsecutiveErrorCount < record.Threshold {
		return record, nil
	}
	if err := m.quarantine(ctx, id, "consecutive error threshold reached"); err != nil {
		return record, err
	}
	record.Quarantined = true
	m.logger.Warn("credential quarantined",
		"credential_id", id,
		"consecutive_errors", stats.ConsecutiveErrorCount,
		"threshold", record.Threshold,
	)
	return record, nil
}

// ErrorBanThreshold returns the live threshold, preferring the operator
// setting over static configuration.
func (m *TokenManager) ErrorBanThreshold(ctx context.Context) int {
	if m.settings != nil {
		threshold, err := m.settings.ErrorBanThreshold(ctx)
		if err == nil && threshold >= 1 {
			return threshold
		}
		if err != nil {
			m.logger.Debug("error ban threshold lookup failed", "error", err)
		}
	}
	threshold := m.config().ErrorBanThreshold
	if threshold < 1 {
		threshold = DefaultConfig().ErrorBanThreshold
	}
	return threshold
}

// EnsureProjectBinding returns the bound project id, creating one on first need.
func (m *TokenManager) EnsureProjectBinding(ctx context.Context, id int64) (string, error) {
	credential, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if projectID := strings.TrimSpace(credential.ProjectID); projectID != "" {
		return projectID, nil
	}
	value, err, _ := m.projectGroup.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return m.createProjectBinding(ctx, id)
	})
	if err != nil {
		return "", err
	}
	projectID, _ := value.(string)
	return projectID, nil
}

func (m *TokenManager) createProjectBinding(ctx context.Context, id int64) (string, error) {
	credential, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if projectID := strings.TrimSpace(credential.ProjectID); projectID != "" {
		return projectID, nil
	}
	name := m.now().Format(m.config().ProjectNameLayout)
	projectID, err := m.client.CreateProject(ctx, credential.SessionSecret, name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrProjectCreationFailed, err)
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("%w: empty project id", ErrProjectCreationFailed)
	}
	if err := m.store.Update(ctx, id, CredentialPatch{
		ProjectID:   stringPtr(projectID),
		ProjectName: stringPtr(name),
	}); err != nil {
		return "", err
	}
	credential.ProjectID = projectID
	credential.ProjectName = name
	m.recordProject(ctx, credential)
	m.logger.Info("credential project created", "credential_id", id, "project_id", projectID)
	return projectID, nil
}

func (m *TokenManager) quarantine(ctx context.Context, id int64, reason string) error {
	if err := m.store.Update(ctx, id, CredentialPatch{IsActive: boolPtr(false)}); err != nil {
		return err
	}
	m.logger.Warn("credential deactivated", "credential_id", id, "reason", reason)
	return nil
}

func (m *TokenManager) ensureSecretAvailable(ctx context.Context, secret string, ownerID int64) error {
	existing, err := m.store.GetBySecret(ctx, secret)
	if err == nil {
		if existing.ID == ownerID {
			return nil
		}
		return ErrDuplicateCredential
	}
	if errors.Is(err, ErrCredentialNotFound) {
		return nil
	}
	return err
}

func (m *TokenManager) recordProject(ctx context.Context, credential Credential) {
	if m.projects == nil || strings.TrimSpace(credential.ProjectID) == "" {
		return
	}
	if _, err := m.projects.AddProject(ctx, Project{
		ProjectID:    credential.ProjectID,
		CredentialID: credential.ID,
		ProjectName:  credential.ProjectName,
		ToolName:     DefaultProjectToolName,
		IsActive:     true,
		CreatedAt:    m.now(),
	}); err != nil {
		m.logger.Warn("project record not stored", "credential_id", credential.ID, "project_id", credential.ProjectID, "error", err)
	}
}

func applyPolicyOverrides(policy *CapabilityPolicy, imageEnabled, videoEnabled *bool, imageConcurrency, videoConcurrency *int) {
	if imageEnabled != nil {
		policy.ImageEnabled = *imageEnabled
	}
	if videoEnabled != nil {
		policy.VideoEnabled = *videoEnabled
	}
	if imageConcurrency != nil {
		policy.ImageConcurrency = *imageConcurrency
	}
	if videoConcurrency != nil {
		policy.VideoConcurrency = *videoConcurrency
	}
}

func formatExpiry(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
