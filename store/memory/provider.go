package memorystore

import "github.com/goliatone/go-tokenpool/core"

// Provider bundles in-process stores for embedded deployments and tests.
type Provider struct {
	credentials *CredentialStore
	projects    *ProjectStore
	settings    *PoolSettingsStore
}

func NewProvider(opts ...Option) *Provider {
	return &Provider{
		credentials: NewCredentialStore(opts...),
		projects:    NewProjectStore(opts...),
		settings:    NewPoolSettingsStore(),
	}
}

func (p *Provider) CredentialStore() core.CredentialStore     { return p.credentials }
func (p *Provider) ProjectStore() core.ProjectStore           { return p.projects }
func (p *Provider) PoolSettingsStore() core.PoolSettingsStore { return p.settings }

var (
	_ core.CredentialStore   = (*CredentialStore)(nil)
	_ core.ProjectStore      = (*ProjectStore)(nil)
	_ core.PoolSettingsStore = (*PoolSettingsStore)(nil)
	_ core.StoreProvider     = (*Provider)(nil)
)
