package command

import (
	"strings"

	"github.com/goliatone/go-tokenpool/core"
)

const (
	TypeAddCredential        = "tokenpool.command.credential.add"
	TypeUpdateCredential     = "tokenpool.command.credential.update"
	TypeDeleteCredential     = "tokenpool.command.credential.delete"
	TypeEnableCredential     = "tokenpool.command.credential.enable"
	TypeDisableCredential    = "tokenpool.command.credential.disable"
	TypeRefreshCredential    = "tokenpool.command.credential.refresh"
	TypeRefreshBalance       = "tokenpool.command.credential.refresh_balance"
	TypeRecordError          = "tokenpool.command.credential.record_error"
	TypeImportCredentials    = "tokenpool.command.credential.import"
	TypeSetErrorBanThreshold = "tokenpool.command.settings.error_ban_threshold"
	TypeSetAutoRefresh       = "tokenpool.command.settings.auto_refresh"
)

type AddCredentialMessage struct {
	Request core.AddCredentialRequest
}

func (AddCredentialMessage) Type() string { return TypeAddCredential }

func (m AddCredentialMessage) Validate() error {
	if strings.TrimSpace(m.Request.SessionSecret) == "" {
		return commandValidationError("session_secret", "session secret is required")
	}
	return validateCaps("image_concurrency", m.Request.ImageConcurrency, "video_concurrency", m.Request.VideoConcurrency)
}

type UpdateCredentialMessage struct {
	CredentialID int64
	Request      core.UpdateCredentialRequest
}

func (UpdateCredentialMessage) Type() string { return TypeUpdateCredential }

func (m UpdateCredentialMessage) Validate() error {
	if err := validateCredentialID(m.CredentialID); err != nil {
		return err
	}
	if m.Request.SessionSecret != nil && strings.TrimSpace(*m.Request.SessionSecret) == "" {
		return commandValidationError("session_secret", "session secret must not be blank")
	}
	return validateCaps("image_concurrency", m.Request.ImageConcurrency, "video_concurrency", m.Request.VideoConcurrency)
}

type DeleteCredentialMessage struct {
	CredentialID int64
}

func (DeleteCredentialMessage) Type() string { return TypeDeleteCredential }

func (m DeleteCredentialMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type EnableCredentialMessage struct {
	CredentialID int64
}

func (EnableCredentialMessage) Type() string { return TypeEnableCredential }

func (m EnableCredentialMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type DisableCredentialMessage struct {
	CredentialID int64
}

func (DisableCredentialMessage) Type() string { return TypeDisableCredential }

func (m DisableCredentialMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type RefreshCredentialMessage struct {
	CredentialID int64
}

func (RefreshCredentialMessage) Type() string { return TypeRefreshCredential }

func (m RefreshCredentialMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type RefreshBalanceMessage struct {
	CredentialID int64
}

func (RefreshBalanceMessage) Type() string { return TypeRefreshBalance }

func (m RefreshBalanceMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type RecordErrorMessage struct {
	CredentialID int64
}

func (RecordErrorMessage) Type() string { return TypeRecordError }

func (m RecordErrorMessage) Validate() error { return validateCredentialID(m.CredentialID) }

type ImportCredentialsMessage struct {
	Entries []core.ImportEntry
}

func (ImportCredentialsMessage) Type() string { return TypeImportCredentials }

func (m ImportCredentialsMessage) Validate() error {
	if len(m.Entries) == 0 {
		return commandValidationError("entries", "at least one entry is required")
	}
	return nil
}

type SetErrorBanThresholdMessage struct {
	Threshold int
}

func (SetErrorBanThresholdMessage) Type() string { return TypeSetErrorBanThreshold }

func (m SetErrorBanThresholdMessage) Validate() error {
	if m.Threshold < 1 {
		return commandValidationError("error_ban_threshold", "threshold must be at least 1")
	}
	return nil
}

type SetAutoRefreshMessage struct {
	Enabled bool
}

func (SetAutoRefreshMessage) Type() string { return TypeSetAutoRefresh }

func (SetAutoRefreshMessage) Validate() error { return nil }

func validateCredentialID(id int64) error {
	if id <= 0 {
		return commandValidationError("credential_id", "credential id must be positive")
	}
	return nil
}

func validateCaps(imageField string, image *int, videoField string, video *int) error {
	if image != nil && *image < core.UnlimitedConcurrency {
		return commandValidationError(imageField, "concurrency must be -1 or non-negative")
	}
	if video != nil && *video < core.UnlimitedConcurrency {
		return commandValidationError(videoField, "concurrency must be -1 or non-negative")
	}
	return nil
}
