package core

import (
	"strings"
	"time"
)

// DefaultRefreshLeadTime is how far ahead of expiry an access token is
// considered stale.
const DefaultRefreshLeadTime = time.Hour

// AccessTokenState captures the refresh-relevant facts about a credential's access token.
type AccessTokenState struct {
	ExpiresAt      *time.Time
	HasAccessToken bool
	IsExpired      bool
	IsStale        bool
}

// ResolveAccessTokenState evaluates an access token against the refresh lead time.
// A token without expiry metadata is always stale.
func ResolveAccessTokenState(now time.Time, credential Credential, leadTime time.Duration) AccessTokenState {
	now = normalizeNow(now)
	if leadTime < 0 {
		leadTime = 0
	}
	state := AccessTokenState{
		HasAccessToken: strings.TrimSpace(credential.AccessToken) != "",
	}
	if credential.AccessTokenExpiresAt == nil {
		state.IsStale = true
		return state
	}
	expiresAt := credential.AccessTokenExpiresAt.UTC()
	state.ExpiresAt = &expiresAt
	state.IsExpired = !expiresAt.After(now)
	state.IsStale = !state.HasAccessToken || expiresAt.Sub(now) < leadTime
	return state
}

// NeedsRefresh reports whether the credential's access token is absent, has no
// expiry, or expires within leadTime of now.
func NeedsRefresh(now time.Time, credential Credential, leadTime time.Duration) bool {
	return ResolveAccessTokenState(now, credential, leadTime).IsStale
}

func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}
