package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-tokenpool/core"
)

// MutatingService is the slice of the pool service operators mutate through.
type MutatingService interface {
	AddCredential(ctx context.Context, req core.AddCredentialRequest) (core.Credential, error)
	UpdateCredential(ctx context.Context, id int64, req core.UpdateCredentialRequest) (core.Credential, error)
	DeleteCredential(ctx context.Context, id int64) error
	EnableCredential(ctx context.Context, id int64) error
	DisableCredential(ctx context.Context, id int64) error
	RefreshCredential(ctx context.Context, id int64) (core.RefreshOutcome, error)
	RefreshBalance(ctx context.Context, id int64) (core.BalanceOutcome, error)
	RecordError(ctx context.Context, id int64) (core.ErrorRecord, error)
	ImportCredentials(ctx context.Context, entries []core.ImportEntry) (core.ImportReport, error)
	SetErrorBanThreshold(ctx context.Context, threshold int) error
	SetAutoRefresh(ctx context.Context, enabled bool) error
}

type AddCredentialCommand struct {
	service MutatingService
}

func NewAddCredentialCommand(service MutatingService) *AddCredentialCommand {
	return &AddCredentialCommand{service: service}
}

func (c *AddCredentialCommand) Execute(ctx context.Context, msg AddCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: add credential service is required")
	}
	out, err := c.service.AddCredential(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UpdateCredentialCommand struct {
	service MutatingService
}

func NewUpdateCredentialCommand(service MutatingService) *UpdateCredentialCommand {
	return &UpdateCredentialCommand{service: service}
}

func (c *UpdateCredentialCommand) Execute(ctx context.Context, msg UpdateCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: update credential service is required")
	}
	out, err := c.service.UpdateCredential(ctx, msg.CredentialID, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeleteCredentialCommand struct {
	service MutatingService
}

func NewDeleteCredentialCommand(service MutatingService) *DeleteCredentialCommand {
	return &DeleteCredentialCommand{service: service}
}

func (c *DeleteCredentialCommand) Execute(ctx context.Context, msg DeleteCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: delete credential service is required")
	}
	return c.service.DeleteCredential(ctx, msg.CredentialID)
}

type EnableCredentialCommand struct {
	service MutatingService
}

func NewEnableCredentialCommand(service MutatingService) *EnableCredentialCommand {
	return &EnableCredentialCommand{service: service}
}

func (c *EnableCredentialCommand) Execute(ctx context.Context, msg EnableCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: enable credential service is required")
	}
	return c.service.EnableCredential(ctx, msg.CredentialID)
}

type DisableCredentialCommand struct {
	service MutatingService
}

func NewDisableCredentialCommand(service MutatingService) *DisableCredentialCommand {
	return &DisableCredentialCommand{service: service}
}

func (c *DisableCredentialCommand) Execute(ctx context.Context, msg DisableCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: disable credential service is required")
	}
	return c.service.DisableCredential(ctx, msg.CredentialID)
}

// RefreshCredentialCommand stores the outcome even when the refresh failed so
// callers can see the quarantine status next to the error.
type RefreshCredentialCommand struct {
	service MutatingService
}

func NewRefreshCredentialCommand(service MutatingService) *RefreshCredentialCommand {
	return &RefreshCredentialCommand{service: service}
}

func (c *RefreshCredentialCommand) Execute(ctx context.Context, msg RefreshCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.RefreshCredential(ctx, msg.CredentialID)
	storeResult(ctx, out)
	return err
}

type RefreshBalanceCommand struct {
	service MutatingService
}

func NewRefreshBalanceCommand(service MutatingService) *RefreshBalanceCommand {
	return &RefreshBalanceCommand{service: service}
}

func (c *RefreshBalanceCommand) Execute(ctx context.Context, msg RefreshBalanceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: balance service is required")
	}
	out, err := c.service.RefreshBalance(ctx, msg.CredentialID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RecordErrorCommand struct {
	service MutatingService
}

func NewRecordErrorCommand(service MutatingService) *RecordErrorCommand {
	return &RecordErrorCommand{service: service}
}

func (c *RecordErrorCommand) Execute(ctx context.Context, msg RecordErrorMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: health service is required")
	}
	out, err := c.service.RecordError(ctx, msg.CredentialID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ImportCredentialsCommand struct {
	service MutatingService
}

func NewImportCredentialsCommand(service MutatingService) *ImportCredentialsCommand {
	return &ImportCredentialsCommand{service: service}
}

func (c *ImportCredentialsCommand) Execute(ctx context.Context, msg ImportCredentialsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: import service is required")
	}
	out, err := c.service.ImportCredentials(ctx, msg.Entries)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SetErrorBanThresholdCommand struct {
	service MutatingService
}

func NewSetErrorBanThresholdCommand(service MutatingService) *SetErrorBanThresholdCommand {
	return &SetErrorBanThresholdCommand{service: service}
}

func (c *SetErrorBanThresholdCommand) Execute(ctx context.Context, msg SetErrorBanThresholdMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: settings service is required")
	}
	return c.service.SetErrorBanThreshold(ctx, msg.Threshold)
}

type SetAutoRefreshCommand struct {
	service MutatingService
}

func NewSetAutoRefreshCommand(service MutatingService) *SetAutoRefreshCommand {
	return &SetAutoRefreshCommand{service: service}
}

func (c *SetAutoRefreshCommand) Execute(ctx context.Context, msg SetAutoRefreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: settings service is required")
	}
	return c.service.SetAutoRefresh(ctx, msg.Enabled)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
