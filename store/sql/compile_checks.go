package sqlstore

import "github.com/goliatone/go-tokenpool/core"

var (
	_ core.CredentialStore   = (*CredentialStore)(nil)
	_ core.ProjectStore      = (*ProjectStore)(nil)
	_ core.PoolSettingsStore = (*PoolSettingsStore)(nil)
	_ core.PoolSettingsStore = (*CachedPoolSettingsStore)(nil)
	_ core.StoreProvider     = (*RepositoryFactory)(nil)
)
