package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tokenpool/core"
)

var (
	_ gocmd.Querier[GetCredentialMessage, core.Credential]           = (*GetCredentialQuery)(nil)
	_ gocmd.Querier[ListCredentialsMessage, []core.Credential]       = (*ListCredentialsQuery)(nil)
	_ gocmd.Querier[GetCredentialStatsMessage, core.CredentialStats] = (*GetCredentialStatsQuery)(nil)
	_ gocmd.Querier[GetPoolStatsMessage, core.PoolStats]             = (*GetPoolStatsQuery)(nil)
	_ gocmd.Querier[SelectCredentialMessage, core.Credential]        = (*SelectCredentialQuery)(nil)

	_ CredentialReader = (*core.Service)(nil)
	_ PoolReader       = (*core.Service)(nil)
)
