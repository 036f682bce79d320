package query

import "github.com/goliatone/go-tokenpool/core"

const (
	TypeGetCredential      = "tokenpool.query.credential.get"
	TypeListCredentials    = "tokenpool.query.credential.list"
	TypeGetCredentialStats = "tokenpool.query.credential.stats"
	TypeGetPoolStats       = "tokenpool.query.pool.stats"
	TypeSelectCredential   = "tokenpool.query.pool.select"
)

type GetCredentialMessage struct {
	CredentialID int64
}

func (GetCredentialMessage) Type() string { return TypeGetCredential }

func (m GetCredentialMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type ListCredentialsMessage struct {
	ActiveOnly bool
}

func (ListCredentialsMessage) Type() string { return TypeListCredentials }

func (ListCredentialsMessage) Validate() error { return nil }

type GetCredentialStatsMessage struct {
	CredentialID int64
}

func (GetCredentialStatsMessage) Type() string { return TypeGetCredentialStats }

func (m GetCredentialStatsMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type GetPoolStatsMessage struct{}

func (GetPoolStatsMessage) Type() string { return TypeGetPoolStats }

func (GetPoolStatsMessage) Validate() error { return nil }

// SelectCredentialMessage previews which credential the balancer would pick
// without reserving a slot.
type SelectCredentialMessage struct {
	Capability core.Capability
}

func (SelectCredentialMessage) Type() string { return TypeSelectCredential }

func (m SelectCredentialMessage) Validate() error {
	if !m.Capability.Valid() {
		return queryValidationError("capability", "capability must be image or video")
	}
	return nil
}

func validateCredentialID(id int64) error {
	if id <= 0 {
		return queryValidationError("credential_id", "credential id must be positive")
	}
	return nil
}
