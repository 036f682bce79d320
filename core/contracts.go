package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CredentialStore is the durable record of truth for credentials and their
// usage statistics. Every operation is atomic at the single-record level.
// IncrementStat with a success kind also bumps the credential's use count and
// last used time; daily counters restart on a new UTC date.
type CredentialStore interface {
	Get(ctx context.Context, id int64) (Credential, error)
	GetBySecret(ctx context.Context, sessionSecret string) (Credential, error)
	ListAll(ctx context.Context) ([]Credential, error)
	ListActive(ctx context.Context) ([]Credential, error)
	Insert(ctx context.Context, credential Credential) (int64, error)
	Update(ctx context.Context, id int64, patch CredentialPatch) error
	Delete(ctx context.Context, id int64) error
	IncrementStat(ctx context.Context, id int64, kind StatKind) (CredentialStats, error)
	ResetConsecutiveErrors(ctx context.Context, id int64) error
	GetStats(ctx context.Context, id int64) (CredentialStats, error)
}

type ProjectStore interface {
	AddProject(ctx context.Context, project Project) (Project, error)
	ListProjects(ctx context.Context, credentialID int64) ([]Project, error)
}

// PoolSettingsStore holds the hot-reloadable pool settings edited by operators.
type PoolSettingsStore interface {
	ErrorBanThreshold(ctx context.Context) (int, error)
	SetErrorBanThreshold(ctx context.Context, threshold int) error
	AutoRefreshEnabled(ctx context.Context) (bool, error)
	SetAutoRefreshEnabled(ctx context.Context, enabled bool) error
}

// ExternalAuthClient talks to the external service on behalf of a credential.
type ExternalAuthClient interface {
	Exchange(ctx context.Context, sessionSecret string) (TokenExchange, error)
	FetchBalance(ctx context.Context, accessToken string) (Balance, error)
	CreateProject(ctx context.Context, sessionSecret string, name string) (string, error)
}

// AdmissionLedger bounds in-flight work per credential and capability.
type AdmissionLedger interface {
	Initialize(credentials []Credential)
	Register(credential Credential)
	Remove(credentialID int64)
	TryAcquire(credentialID int64, capability Capability) bool
	Release(credentialID int64, capability Capability) error
	CurrentLoad(credentialID int64, capability Capability) int
	Limit(credentialID int64, capability Capability) (int, bool)
}

// InFlightReporter is implemented by ledgers able to total in-flight work.
type InFlightReporter interface {
	InFlight(capability Capability) int
}

// RefreshGate admits at most one refresh per key at a time. Callers arriving
// while a refresh is running share its outcome.
type RefreshGate interface {
	Do(ctx context.Context, credentialID int64, fn func(context.Context) (RefreshOutcome, error)) (RefreshOutcome, error)
}

// RefreshDispatcher hands a refresh cycle's per-credential work to an
// execution backend instead of running it inline.
type RefreshDispatcher interface {
	DispatchRefresh(ctx context.Context, credentialID int64) error
}

// SecretProvider encrypts credential secrets at rest.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// SecretFingerprinter derives a stable lookup key for a session secret so
// uniqueness checks keep working when the stored secret is encrypted.
type SecretFingerprinter interface {
	Fingerprint(secret string) string
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

type PoolService interface {
	AddCredential(ctx context.Context, req AddCredentialRequest) (Credential, error)
	UpdateCredential(ctx context.Context, id int64, req UpdateCredentialRequest) (Credential, error)
	DeleteCredential(ctx context.Context, id int64) error
	EnableCredential(ctx context.Context, id int64) error
	DisableCredential(ctx context.Context, id int64) error
	GetCredential(ctx context.Context, id int64) (Credential, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
	RefreshCredential(ctx context.Context, id int64) (RefreshOutcome, error)
	RefreshBalance(ctx context.Context, id int64) (BalanceOutcome, error)
	Acquire(ctx context.Context, capability Capability) (*Lease, error)
	SelectCredential(ctx context.Context, capability Capability) (Credential, error)
	SetErrorBanThreshold(ctx context.Context, threshold int) error
	SetAutoRefresh(ctx context.Context, enabled bool) error
	ImportCredentials(ctx context.Context, entries []ImportEntry) (ImportReport, error)
	Stats(ctx context.Context) (PoolStats, error)
}
