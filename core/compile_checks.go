package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ CredentialRefresher = (*TokenManager)(nil)
	_ CredentialHealth    = (*TokenManager)(nil)
	_ PoolService         = (*Service)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
