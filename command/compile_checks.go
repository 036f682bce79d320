package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tokenpool/core"
)

var (
	_ gocmd.Commander[AddCredentialMessage]        = (*AddCredentialCommand)(nil)
	_ gocmd.Commander[UpdateCredentialMessage]     = (*UpdateCredentialCommand)(nil)
	_ gocmd.Commander[DeleteCredentialMessage]     = (*DeleteCredentialCommand)(nil)
	_ gocmd.Commander[EnableCredentialMessage]     = (*EnableCredentialCommand)(nil)
	_ gocmd.Commander[DisableCredentialMessage]    = (*DisableCredentialCommand)(nil)
	_ gocmd.Commander[RefreshCredentialMessage]    = (*RefreshCredentialCommand)(nil)
	_ gocmd.Commander[RefreshBalanceMessage]       = (*RefreshBalanceCommand)(nil)
	_ gocmd.Commander[RecordErrorMessage]          = (*RecordErrorCommand)(nil)
	_ gocmd.Commander[ImportCredentialsMessage]    = (*ImportCredentialsCommand)(nil)
	_ gocmd.Commander[SetErrorBanThresholdMessage] = (*SetErrorBanThresholdCommand)(nil)
	_ gocmd.Commander[SetAutoRefreshMessage]       = (*SetAutoRefreshCommand)(nil)

	_ MutatingService = (*core.Service)(nil)
)
