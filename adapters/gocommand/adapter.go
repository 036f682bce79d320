package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	poolcommand "github.com/goliatone/go-tokenpool/command"
	poolquery "github.com/goliatone/go-tokenpool/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so pool mutations can also run as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Dispatch validates msg before handing it to the global dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// PoolService is everything the pool command and query handlers need.
type PoolService interface {
	poolcommand.MutatingService
	poolquery.CredentialReader
	poolquery.PoolReader
}

// Subscriptions groups dispatcher subscriptions so they can be dropped together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterPoolHandlers subscribes every pool command and query to the global
// dispatcher and records them in the registry. On failure nothing stays
// subscribed.
func RegisterPoolHandlers(adapter *RegistryAdapter, svc PoolService, runnerOpts ...runner.Option) (Subscriptions, error) {
	if svc == nil {
		return nil, fmt.Errorf("gocommand: pool service is required")
	}
	subs := Subscriptions{}
	var errs []error
	track := func(sub commanddispatcher.Subscription, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		subs = append(subs, sub)
	}

	track(RegisterAndSubscribe(adapter, poolcommand.NewAddCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewUpdateCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewDeleteCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewEnableCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewDisableCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewRefreshCredentialCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewRefreshBalanceCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewRecordErrorCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewImportCredentialsCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewSetErrorBanThresholdCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, poolcommand.NewSetAutoRefreshCommand(svc), runnerOpts...))

	track(RegisterAndSubscribeQuery(adapter, poolquery.NewGetCredentialQuery(svc), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, poolquery.NewListCredentialsQuery(svc), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, poolquery.NewGetCredentialStatsQuery(svc), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, poolquery.NewGetPoolStatsQuery(svc), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, poolquery.NewSelectCredentialQuery(svc), runnerOpts...))

	if len(errs) > 0 {
		subs.Unsubscribe()
		return nil, errors.Join(errs...)
	}
	return subs, nil
}
