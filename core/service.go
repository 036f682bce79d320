package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service is the credential pool: token lifecycle, admission control,
// selection and background refresh wired over one set of stores.
type Service struct {
	config        atomic.Pointer[Config]
	runtimeConfig Config
	// thresholdOverride is the operator-set error ban threshold; zero when
	// unset. It survives ReloadConfig.
	thresholdOverride atomic.Int64
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	credentialStore   CredentialStore
	projectStore      ProjectStore
	settingsStore     PoolSettingsStore
	authClient        ExternalAuthClient
	ledger            AdmissionLedger
	dispatcher        RefreshDispatcher
	now               Clock

	tokens   *TokenManager
	balancer *LoadBalancer

	schedulerMu sync.Mutex
	scheduler   *RefreshScheduler
	lifecycle   context.Context
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorFactory    ErrorFactory
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	CredentialStore CredentialStore
	ProjectStore    ProjectStore
	SettingsStore   PoolSettingsStore
	AuthClient      ExternalAuthClient
	AdmissionLedger AdmissionLedger
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("tokenpool", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("tokenpool"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}
	if builder.storeProvider != nil {
		if builder.credentialStore == nil {
			builder.credentialStore = builder.storeProvider.CredentialStore()
		}
		if builder.projectStore == nil {
			builder.projectStore = builder.storeProvider.ProjectStore()
		}
		if builder.settingsStore == nil {
			builder.settingsStore = builder.storeProvider.PoolSettingsStore()
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.credentialStore == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: credential store is required"))
	}
	if builder.authClient == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: external auth client is required"))
	}
	if builder.admissionLedger == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: admission ledger is required"))
	}
	if builder.refreshGate == nil {
		builder.refreshGate = NewRefreshGate(finalConfig.RefreshSerialization)
	}

	s := &Service{
		runtimeConfig:  builder.runtimeConfig,
		logger:         logger,
		loggerProvider: provider,
		metricsRecorder: TaggedMetricsRecorder{
			Next: builder.metricsRecorder,
			Tags: map[string]string{"service": finalConfig.ServiceName},
		},
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		credentialStore: builder.credentialStore,
		projectStore:    builder.projectStore,
		settingsStore:   builder.settingsStore,
		authClient:      builder.authClient,
		ledger:          builder.admissionLedger,
		dispatcher:      builder.refreshDispatcher,
		now:             builder.clock,
	}
	s.config.Store(&finalConfig)

	s.tokens, err = NewTokenManager(TokenManagerDeps{
		Store:    s.credentialStore,
		Projects: s.projectStore,
		Settings: s.settingsStore,
		Client:   s.authClient,
		Ledger:   s.ledger,
		Gate:     builder.refreshGate,
		Logger:   s.namedLogger("tokenpool.tokens"),
		Config:   s.Config,
		Now:      s.now,
	})
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	s.balancer, err = NewLoadBalancer(s.credentialStore, s.tokens, s.ledger, s.namedLogger("tokenpool.balancer"))
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	s.scheduler, err = s.newScheduler(finalConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	return s, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	cfg := DefaultConfig()
	if loaded := s.config.Load(); loaded != nil {
		cfg = *loaded
	}
	if override := s.thresholdOverride.Load(); override > 0 {
		cfg.ErrorBanThreshold = int(override)
	}
	return cfg
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorFactory:    s.errorFactory,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		CredentialStore: s.credentialStore,
		ProjectStore:    s.projectStore,
		SettingsStore:   s.settingsStore,
		AuthClient:      s.authClient,
		AdmissionLedger: s.ledger,
	}
}

func (s *Service) TokenManager() *TokenManager { return s.tokens }

func (s *Service) LoadBalancer() *LoadBalancer { return s.balancer }

func (s *Service) Scheduler() *RefreshScheduler {
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	return s.scheduler
}

// Start seeds the admission ledger from the store and launches the refresh
// scheduler unless it is disabled by configuration or pool settings.
func (s *Service) Start(ctx context.Context) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "start", err, nil)
	}()

	credentials, err := s.credentialStore.ListAll(ctx)
	if err != nil {
		err = s.mapError(err)
		return err
	}
	s.ledger.Initialize(credentials)

	s.schedulerMu.Lock()
	s.lifecycle = context.WithoutCancel(ctx)
	s.schedulerMu.Unlock()

	enabled, err := s.autoRefreshEnabled(ctx)
	if err != nil {
		err = s.mapError(err)
		return err
	}
	if enabled {
		s.startScheduler()
	}
	s.logInfo(ctx, "credential pool started", map[string]any{
		"credentials":  len(credentials),
		"auto_refresh": enabled,
	})
	return nil
}

// Close stops the refresh scheduler and waits for it to exit.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.schedulerMu.Lock()
	scheduler := s.scheduler
	s.schedulerMu.Unlock()
	if scheduler != nil {
		scheduler.Stop()
	}
	return nil
}

// ReloadConfig re-runs the configuration provider and resolver and swaps the
// live configuration. A running scheduler is restarted when its settings changed.
func (s *Service) ReloadConfig(ctx context.Context) (cfg Config, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "reload_config", err, nil)
	}()

	defaults := DefaultConfig()
	loaded, err := s.configProvider.Load(ctx, defaults)
	if err != nil {
		return Config{}, s.mapError(err)
	}
	resolved, err := s.optionsResolver.Resolve(defaults, loaded, s.runtimeConfig)
	if err != nil {
		return Config{}, s.mapError(err)
	}
	previous := s.Config()
	s.config.Store(&resolved)

	if previous.Scheduler != resolved.Scheduler {
		if err = s.rebuildScheduler(ctx, resolved); err != nil {
			return Config{}, s.mapError(err)
		}
	}
	return s.Config(), nil
}

func (s *Service) AddCredential(ctx context.Context, req AddCredentialRequest) (credential Credential, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "add_credential", err, map[string]any{"credential_id": credential.ID})
	}()
	credential, err = s.tokens.AddCredential(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return Credential{}, err
	}
	return credential, nil
}

func (s *Service) UpdateCredential(ctx context.Context, id int64, req UpdateCredentialRequest) (credential Credential, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "update_credential", err, map[string]any{"credential_id": id})
	}()
	credential, err = s.tokens.UpdateCredential(ctx, id, req)
	if err != nil {
		err = s.mapError(err)
		return Credential{}, err
	}
	return credential, nil
}

func (s *Service) DeleteCredential(ctx context.Context, id int64) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "delete_credential", err, map[string]any{"credential_id": id})
	}()
	err = s.mapError(s.tokens.DeleteCredential(ctx, id))
	return err
}

func (s *Service) EnableCredential(ctx context.Context, id int64) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "enable_credential", err, map[string]any{"credential_id": id})
	}()
	err = s.mapError(s.tokens.EnableCredential(ctx, id))
	return err
}

func (s *Service) DisableCredential(ctx context.Context, id int64) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "disable_credential", err, map[string]any{"credential_id": id})
	}()
	err = s.mapError(s.tokens.DisableCredential(ctx, id))
	return err
}

func (s *Service) GetCredential(ctx context.Context, id int64) (Credential, error) {
	credential, err := s.tokens.GetCredential(ctx, id)
	if err != nil {
		return Credential{}, s.mapError(err)
	}
	return credential, nil
}

func (s *Service) ListCredentials(ctx context.Context) ([]Credential, error) {
	credentials, err := s.tokens.ListCredentials(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}
	return credentials, nil
}

func (s *Service) GetCredentialStats(ctx context.Context, id int64) (CredentialStats, error) {
	stats, err := s.credentialStore.GetStats(ctx, id)
	if err != nil {
		return CredentialStats{}, s.mapError(err)
	}
	return stats, nil
}

// RefreshCredential forces a token refresh. An exchange failure quarantines
// the credential and is returned as POOL_EXCHANGE_FAILED.
func (s *Service) RefreshCredential(ctx context.Context, id int64) (outcome RefreshOutcome, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh_credential", err, map[string]any{
			"credential_id": id,
			"outcome":       string(outcome.Status),
		})
	}()
	outcome, err = s.tokens.Refresh(ctx, id)
	if err != nil {
		err = s.mapError(err)
		return outcome, err
	}
	return outcome, nil
}

func (s *Service) RefreshBalance(ctx context.Context, id int64) (outcome BalanceOutcome, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh_balance", err, map[string]any{"credential_id": id})
	}()
	outcome, err = s.tokens.RefreshBalance(ctx, id)
	if err != nil {
		err = s.mapError(err)
		return BalanceOutcome{}, err
	}
	return outcome, nil
}

func (s *Service) EnsureProjectBinding(ctx context.Context, id int64) (string, error) {
	projectID, err := s.tokens.EnsureProjectBinding(ctx, id)
	if err != nil {
		return "", s.mapError(err)
	}
	return projectID, nil
}

// Acquire selects a credential for capability and reserves a slot on it.
// POOL_NO_AVAILABLE_CREDENTIAL is backpressure, not a failure of the pool.
func (s *Service) Acquire(ctx context.Context, capability Capability) (lease *Lease, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		fields := map[string]any{"capability": string(capability)}
		if lease != nil {
			fields["credential_id"] = lease.Credential.ID
		}
		if errors.Is(err, ErrNoAvailableCredential) || IsNoAvailableCredential(err) {
			s.recordCounter(ctx, metricsPrefix+"acquire.backpressure", 1, map[string]string{"capability": string(capability)})
		}
		s.observeOperation(ctx, startedAt, "acquire", err, fields)
	}()
	lease, err = s.balancer.Acquire(ctx, capability)
	if err != nil {
		err = s.mapError(err)
		return nil, err
	}
	return lease, nil
}

func (s *Service) SelectCredential(ctx context.Context, capability Capability) (Credential, error) {
	credential, err := s.balancer.Select(ctx, capability)
	if err != nil {
		return Credential{}, s.mapError(err)
	}
	return credential, nil
}

func (s *Service) RecordSuccess(ctx context.Context, id int64) error {
	return s.mapError(s.tokens.RecordSuccess(ctx, id))
}

func (s *Service) RecordError(ctx context.Context, id int64) (ErrorRecord, error) {
	record, err := s.tokens.RecordError(ctx, id)
	if err != nil {
		return record, s.mapError(err)
	}
	return record, nil
}

func (s *Service) ErrorBanThreshold(ctx context.Context) int {
	return s.tokens.ErrorBanThreshold(ctx)
}

// SetErrorBanThreshold updates the live threshold. It is persisted in pool
// settings when a settings store is configured and takes precedence over
// reloaded configuration for the life of the service.
func (s *Service) SetErrorBanThreshold(ctx context.Context, threshold int) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "set_error_ban_threshold", err, map[string]any{"threshold": threshold})
	}()
	if threshold < 1 {
		err = s.mapError(fmt.Errorf("core: error_ban_threshold must be at least 1"))
		return err
	}
	if s.settingsStore != nil {
		if err = s.settingsStore.SetErrorBanThreshold(ctx, threshold); err != nil {
			err = s.mapError(err)
			return err
		}
	}
	s.thresholdOverride.Store(int64(threshold))
	return nil
}

// SetAutoRefresh starts or stops the refresh scheduler and persists the choice.
func (s *Service) SetAutoRefresh(ctx context.Context, enabled bool) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "set_auto_refresh", err, map[string]any{"enabled": enabled})
	}()
	if s.settingsStore != nil {
		if err = s.settingsStore.SetAutoRefreshEnabled(ctx, enabled); err != nil {
			err = s.mapError(err)
			return err
		}
	}
	if enabled {
		s.startScheduler()
		return nil
	}
	s.Scheduler().Stop()
	return nil
}

func (s *Service) SchedulerRunning() bool {
	return s.Scheduler().Running()
}

type ImportEntry struct {
	SessionSecret    string
	ProjectID        string
	ProjectName      string
	Remark           string
	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int
	IsActive         *bool
}

type ImportAction string

const (
	ImportActionAdded   ImportAction = "added"
	ImportActionUpdated ImportAction = "updated"
	ImportActionFailed  ImportAction = "failed"
)

type ImportResult struct {
	Secret       string
	CredentialID int64
	Action       ImportAction
	Error        string
}

type ImportReport struct {
	Added   int
	Updated int
	Failed  int
	Results []ImportResult
}

// ImportCredentials adds unknown session secrets and updates known ones. One
// entry failing does not stop the import.
func (s *Service) ImportCredentials(ctx context.Context, entries []ImportEntry) (report ImportReport, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "import_credentials", err, map[string]any{
			"added":   report.Added,
			"updated": report.Updated,
			"failed":  report.Failed,
		})
	}()

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			err = s.mapError(err)
			return report, err
		}
		result := s.importEntry(ctx, entry)
		switch result.Action {
		case ImportActionAdded:
			report.Added++
		case ImportActionUpdated:
			report.Updated++
		default:
			report.Failed++
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func (s *Service) importEntry(ctx context.Context, entry ImportEntry) ImportResult {
	secret := strings.TrimSpace(entry.SessionSecret)
	result := ImportResult{Secret: MaskSecret(secret), Action: ImportActionFailed}
	fail := func(err error) ImportResult {
		result.Error = s.mapError(err).Error()
		return result
	}
	if secret == "" {
		return fail(fmt.Errorf("core: session secret is required"))
	}

	existing, err := s.credentialStore.GetBySecret(ctx, secret)
	switch {
	case err == nil:
		req := UpdateCredentialRequest{
			ImageEnabled:     entry.ImageEnabled,
			VideoEnabled:     entry.VideoEnabled,
			ImageConcurrency: entry.ImageConcurrency,
			VideoConcurrency: entry.VideoConcurrency,
		}
		if entry.Remark != "" {
			req.Remark = stringPtr(entry.Remark)
		}
		if entry.ProjectID != "" {
			req.ProjectID = stringPtr(entry.ProjectID)
		}
		if entry.ProjectName != "" {
			req.ProjectName = stringPtr(entry.ProjectName)
		}
		if _, err := s.tokens.UpdateCredential(ctx, existing.ID, req); err != nil {
			return fail(err)
		}
		result.CredentialID = existing.ID
		result.Action = ImportActionUpdated
	case errors.Is(err, ErrCredentialNotFound):
		added, err := s.tokens.AddCredential(ctx, AddCredentialRequest{
			SessionSecret:    secret,
			ProjectID:        entry.ProjectID,
			ProjectName:      entry.ProjectName,
			Remark:           entry.Remark,
			ImageEnabled:     entry.ImageEnabled,
			VideoEnabled:     entry.VideoEnabled,
			ImageConcurrency: entry.ImageConcurrency,
			VideoConcurrency: entry.VideoConcurrency,
		})
		if err != nil {
			return fail(err)
		}
		result.CredentialID = added.ID
		result.Action = ImportActionAdded
	default:
		return fail(err)
	}

	if entry.IsActive != nil && !*entry.IsActive {
		if err := s.tokens.DisableCredential(ctx, result.CredentialID); err != nil {
			return fail(err)
		}
	}
	return result
}

// Stats summarizes the pool. Daily counters only count toward today when
// their date matches the current UTC day.
func (s *Service) Stats(ctx context.Context) (PoolStats, error) {
	credentials, err := s.credentialStore.ListAll(ctx)
	if err != nil {
		return PoolStats{}, s.mapError(err)
	}
	today := s.now().UTC().Format(time.DateOnly)
	stats := PoolStats{
		TotalCredentials: len(credentials),
		InFlight:         map[Capability]int{},
	}
	for _, credential := range credentials {
		if credential.IsActive {
			stats.ActiveCredentials++
		}
		counters, err := s.credentialStore.GetStats(ctx, credential.ID)
		if err != nil {
			if errors.Is(err, ErrCredentialNotFound) {
				continue
			}
			return PoolStats{}, s.mapError(err)
		}
		stats.TotalImageCount += counters.ImageCount
		stats.TotalVideoCount += counters.VideoCount
		stats.TotalErrorCount += counters.ErrorCount
		if counters.TodayDate == today {
			stats.TodayImageCount += counters.TodayImageCount
			stats.TodayVideoCount += counters.TodayVideoCount
			stats.TodayErrorCount += counters.TodayErrorCount
		}
	}
	for _, capability := range Capabilities() {
		if reporter, ok := s.ledger.(InFlightReporter); ok {
			stats.InFlight[capability] = reporter.InFlight(capability)
			continue
		}
		for _, credential := range credentials {
			stats.InFlight[capability] += s.ledger.CurrentLoad(credential.ID, capability)
		}
	}
	return stats, nil
}

func (s *Service) autoRefreshEnabled(ctx context.Context) (bool, error) {
	if s.Config().Scheduler.Disabled {
		return false, nil
	}
	if s.settingsStore == nil {
		return true, nil
	}
	return s.settingsStore.AutoRefreshEnabled(ctx)
}

func (s *Service) newScheduler(cfg Config) (*RefreshScheduler, error) {
	opts := RefreshSchedulerOptionsFromConfig(cfg)
	opts.Dispatcher = s.dispatcher
	opts.Logger = s.namedLogger("tokenpool.scheduler")
	opts.OnCycle = s.observeCycle
	return NewRefreshScheduler(s.tokens, opts)
}

func (s *Service) startScheduler() {
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	ctx := s.lifecycle
	if ctx == nil {
		ctx = context.Background()
	}
	s.scheduler.Start(ctx)
}

func (s *Service) rebuildScheduler(ctx context.Context, cfg Config) error {
	next, err := s.newScheduler(cfg)
	if err != nil {
		return err
	}
	s.schedulerMu.Lock()
	previous := s.scheduler
	wasRunning := previous.Running()
	previous.Stop()
	s.scheduler = next
	s.schedulerMu.Unlock()

	if !wasRunning {
		return nil
	}
	enabled, err := s.autoRefreshEnabled(ctx)
	if err != nil {
		return err
	}
	if enabled {
		s.startScheduler()
	}
	return nil
}

func (s *Service) namedLogger(name string) Logger {
	if s.loggerProvider != nil {
		if named := s.loggerProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return s.logger
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
