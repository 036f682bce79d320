package tokenpool

import (
	"fmt"

	poolcommand "github.com/goliatone/go-tokenpool/command"
	poolquery "github.com/goliatone/go-tokenpool/query"
)

// CommandQueryService is the service surface the facade wraps. core.Service
// satisfies it.
type CommandQueryService interface {
	poolcommand.MutatingService
	poolquery.CredentialReader
	poolquery.PoolReader
}

type Commands struct {
	AddCredential        *poolcommand.AddCredentialCommand
	UpdateCredential     *poolcommand.UpdateCredentialCommand
	DeleteCredential     *poolcommand.DeleteCredentialCommand
	EnableCredential     *poolcommand.EnableCredentialCommand
	DisableCredential    *poolcommand.DisableCredentialCommand
	RefreshCredential    *poolcommand.RefreshCredentialCommand
	RefreshBalance       *poolcommand.RefreshBalanceCommand
	RecordError          *poolcommand.RecordErrorCommand
	ImportCredentials    *poolcommand.ImportCredentialsCommand
	SetErrorBanThreshold *poolcommand.SetErrorBanThresholdCommand
	SetAutoRefresh       *poolcommand.SetAutoRefreshCommand
}

type Queries struct {
	GetCredential      *poolquery.GetCredentialQuery
	ListCredentials    *poolquery.ListCredentialsQuery
	GetCredentialStats *poolquery.GetCredentialStatsQuery
	GetPoolStats       *poolquery.GetPoolStatsQuery
	SelectCredential   *poolquery.SelectCredentialQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("tokenpool: command/query service is required")
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		AddCredential:        poolcommand.NewAddCredentialCommand(service),
		UpdateCredential:     poolcommand.NewUpdateCredentialCommand(service),
		DeleteCredential:     poolcommand.NewDeleteCredentialCommand(service),
		EnableCredential:     poolcommand.NewEnableCredentialCommand(service),
		DisableCredential:    poolcommand.NewDisableCredentialCommand(service),
		RefreshCredential:    poolcommand.NewRefreshCredentialCommand(service),
		RefreshBalance:       poolcommand.NewRefreshBalanceCommand(service),
		RecordError:          poolcommand.NewRecordErrorCommand(service),
		ImportCredentials:    poolcommand.NewImportCredentialsCommand(service),
		SetErrorBanThreshold: poolcommand.NewSetErrorBanThresholdCommand(service),
		SetAutoRefresh:       poolcommand.NewSetAutoRefreshCommand(service),
	}
	facade.queries = Queries{
		GetCredential:      poolquery.NewGetCredentialQuery(service),
		ListCredentials:    poolquery.NewListCredentialsQuery(service),
		GetCredentialStats: poolquery.NewGetCredentialStatsQuery(service),
		GetPoolStats:       poolquery.NewGetPoolStatsQuery(service),
		SelectCredential:   poolquery.NewSelectCredentialQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Service)(nil)
