package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StoreProvider bundles the stores backing a pool.
type StoreProvider interface {
	CredentialStore() CredentialStore
	ProjectStore() ProjectStore
	PoolSettingsStore() PoolSettingsStore
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	storeProvider     StoreProvider
	credentialStore   CredentialStore
	projectStore      ProjectStore
	settingsStore     PoolSettingsStore
	authClient        ExternalAuthClient
	admissionLedger   AdmissionLedger
	refreshGate       RefreshGate
	refreshDispatcher RefreshDispatcher
	clock             Clock
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

// WithStoreProvider supplies every store at once. Stores passed individually win.
func WithStoreProvider(provider StoreProvider) Option {
	return func(b *serviceBuilder) {
		b.storeProvider = provider
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithProjectStore(store ProjectStore) Option {
	return func(b *serviceBuilder) {
		b.projectStore = store
	}
}

func WithPoolSettingsStore(store PoolSettingsStore) Option {
	return func(b *serviceBuilder) {
		b.settingsStore = store
	}
}

func WithExternalAuthClient(client ExternalAuthClient) Option {
	return func(b *serviceBuilder) {
		b.authClient = client
	}
}

func WithAdmissionLedger(ledger AdmissionLedger) Option {
	return func(b *serviceBuilder) {
		b.admissionLedger = ledger
	}
}

func WithRefreshGate(gate RefreshGate) Option {
	return func(b *serviceBuilder) {
		b.refreshGate = gate
	}
}

func WithRefreshDispatcher(dispatcher RefreshDispatcher) Option {
	return func(b *serviceBuilder) {
		b.refreshDispatcher = dispatcher
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("tokenpool", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw configuration map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults, loaded configuration and runtime
// overrides, later layers winning. Loaded configuration is complete (it is
// built over the defaults); only non-zero runtime values take part.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, loaded != (Config{}))
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(target map[string]any, key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			target[key] = value
		}
	}
	setInt := func(target map[string]any, key string, value int) {
		if includeZero || value != 0 {
			target[key] = value
		}
	}
	setBool := func(target map[string]any, key string, value bool) {
		if includeZero || value {
			target[key] = value
		}
	}

	setString(layer, "service_name", cfg.ServiceName)
	setInt(layer, "error_ban_threshold", cfg.ErrorBanThreshold)
	setInt(layer, "refresh_lead_time_seconds", cfg.RefreshLeadTimeSeconds)
	setString(layer, "refresh_serialization", cfg.RefreshSerialization)
	setString(layer, "project_name_layout", cfg.ProjectNameLayout)

	scheduler := map[string]any{}
	setInt(scheduler, "interval_seconds", cfg.Scheduler.IntervalSeconds)
	setInt(scheduler, "sleep_segments", cfg.Scheduler.SleepSegments)
	setInt(scheduler, "retry_backoff_seconds", cfg.Scheduler.RetryBackoffSeconds)
	setBool(scheduler, "disabled", cfg.Scheduler.Disabled)
	if includeZero || cfg.Scheduler.ExchangesPerSecond != 0 {
		scheduler["exchanges_per_second"] = cfg.Scheduler.ExchangesPerSecond
	}
	if len(scheduler) > 0 {
		layer["scheduler"] = scheduler
	}

	defaults := map[string]any{}
	setBool(defaults, "image_enabled", cfg.Defaults.ImageEnabled)
	setBool(defaults, "video_enabled", cfg.Defaults.VideoEnabled)
	setInt(defaults, "image_concurrency", cfg.Defaults.ImageConcurrency)
	setInt(defaults, "video_concurrency", cfg.Defaults.VideoConcurrency)
	if len(defaults) > 0 {
		layer["defaults"] = defaults
	}
	return layer
}
