// Package tokenpool is the embedding surface of the credential pool: type
// aliases over core, a service constructor with in-process defaults and a
// command/query facade.
package tokenpool

import (
	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/ratelimit"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Capability = core.Capability
type Credential = core.Credential
type CredentialStats = core.CredentialStats
type Lease = core.Lease
type PoolStats = core.PoolStats

type AddCredentialRequest = core.AddCredentialRequest
type UpdateCredentialRequest = core.UpdateCredentialRequest
type ImportEntry = core.ImportEntry
type ImportReport = core.ImportReport

type ExternalAuthClient = core.ExternalAuthClient
type StoreProvider = core.StoreProvider
type MetricsRecorder = core.MetricsRecorder
type RefreshDispatcher = core.RefreshDispatcher

const (
	CapabilityImage = core.CapabilityImage
	CapabilityVideo = core.CapabilityVideo
)

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithErrorFactory       = core.WithErrorFactory
	WithErrorMapper        = core.WithErrorMapper
	WithConfigProvider     = core.WithConfigProvider
	WithOptionsResolver    = core.WithOptionsResolver
	WithStoreProvider      = core.WithStoreProvider
	WithCredentialStore    = core.WithCredentialStore
	WithProjectStore       = core.WithProjectStore
	WithPoolSettingsStore  = core.WithPoolSettingsStore
	WithExternalAuthClient = core.WithExternalAuthClient
	WithAdmissionLedger    = core.WithAdmissionLedger
	WithRefreshGate        = core.WithRefreshGate
	WithRefreshDispatcher  = core.WithRefreshDispatcher
	WithClock              = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewService builds a pool service. Without WithAdmissionLedger it admits
// work through an in-process ratelimit.ConcurrencyLedger.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	withDefaults := make([]Option, 0, len(opts)+1)
	withDefaults = append(withDefaults, core.WithAdmissionLedger(ratelimit.NewConcurrencyLedger()))
	withDefaults = append(withDefaults, opts...)
	return core.NewService(cfg, withDefaults...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}
