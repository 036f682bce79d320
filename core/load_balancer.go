package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
)

// CredentialHealth is the part of TokenManager the balancer depends on.
type CredentialHealth interface {
	IsAccessTokenValid(ctx context.Context, id int64) bool
	RecordUsage(ctx context.Context, id int64, capability Capability) (CredentialStats, error)
	RecordSuccess(ctx context.Context, id int64) error
	RecordError(ctx context.Context, id int64) (ErrorRecord, error)
}

// LoadBalancer picks the credential that serves a unit of work. Selection is
// advisory; the reservation taken by Acquire is authoritative.
type LoadBalancer struct {
	store  CredentialStore
	health CredentialHealth
	ledger AdmissionLedger
	logger Logger
}

func NewLoadBalancer(store CredentialStore, health CredentialHealth, ledger AdmissionLedger, logger Logger) (*LoadBalancer, error) {
	if store == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if health == nil {
		return nil, fmt.Errorf("core: credential health tracker is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("core: admission ledger is required")
	}
	return &LoadBalancer{
		store:  store,
		health: health,
		ledger: ledger,
		logger: glog.Ensure(logger),
	}, nil
}

type candidate struct {
	credential Credential
	load       int
}

// Select returns the least loaded eligible credential with a valid access
// token for capability, ties going to the smallest id. It does not reserve a
// slot. ErrNoAvailableCredential signals backpressure.
func (b *LoadBalancer) Select(ctx context.Context, capability Capability) (Credential, error) {
	return b.selectExcluding(ctx, capability, nil)
}

// Acquire selects a credential and reserves a slot on it, selecting again
// whenever the reservation loses a race against concurrent work.
func (b *LoadBalancer) Acquire(ctx context.Context, capability Capability) (*Lease, error) {
	excluded := map[int64]struct{}{}
	for {
		credential, err := b.selectExcluding(ctx, capability, excluded)
		if err != nil {
			return nil, err
		}
		if b.ledger.TryAcquire(credential.ID, capability) {
			return &Lease{
				Credential: credential,
				Capability: capability,
				balancer:   b,
			}, nil
		}
		b.logger.Debug("credential reservation lost, selecting again",
			"credential_id", credential.ID,
			"capability", capability.String(),
		)
		excluded[credential.ID] = struct{}{}
	}
}

func (b *LoadBalancer) selectExcluding(ctx context.Context, capability Capability, excluded map[int64]struct{}) (Credential, error) {
	if !capability.Valid() {
		return Credential{}, fmt.Errorf("%w: %q", ErrInvalidCapability, capability)
	}
	credentials, err := b.store.ListActive(ctx)
	if err != nil {
		return Credential{}, err
	}

	candidates := make([]candidate, 0, len(credentials))
	for _, credential := range credentials {
		if !credential.IsActive || !credential.Enabled(capability) {
			continue
		}
		if _, skip := excluded[credential.ID]; skip {
			continue
		}
		if _, tracked := b.ledger.Limit(credential.ID, capability); !tracked {
			b.ledger.Register(credential)
		}
		load := b.ledger.CurrentLoad(credential.ID, capability)
		if saturated(credential.ConcurrencyLimit(capability), load) {
			continue
		}
		candidates = append(candidates, candidate{credential: credential, load: load})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].credential.ID < candidates[j].credential.ID
	})

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Credential{}, err
		}
		if !b.health.IsAccessTokenValid(ctx, c.credential.ID) {
			continue
		}
		current, err := b.store.Get(ctx, c.credential.ID)
		if err != nil {
			if errors.Is(err, ErrCredentialNotFound) {
				continue
			}
			return Credential{}, err
		}
		if !current.IsActive || !current.Enabled(capability) {
			continue
		}
		return current, nil
	}
	return Credential{}, ErrNoAvailableCredential
}

func saturated(limit int, load int) bool {
	return limit != UnlimitedConcurrency && load >= limit
}

// Lease is a reserved slot on a credential for one unit of work.
type Lease struct {
	Credential Credential
	Capability Capability

	balancer  *LoadBalancer
	once      sync.Once
	err       error
	completed sync.Once
}

// Release returns the slot. Only the first call has an effect.
func (l *Lease) Release() error {
	if l == nil || l.balancer == nil {
		return nil
	}
	l.once.Do(func() {
		l.err = l.balancer.ledger.Release(l.Credential.ID, l.Capability)
		if l.err != nil {
			l.balancer.logger.Error("lease release failed", "credential_id", l.Credential.ID, "error", l.err)
		}
	})
	return l.err
}

// Complete reports the outcome of the work and releases the slot. A nil
// workErr records usage and clears the error streak; any other value extends
// it. Only the first call reports.
func (l *Lease) Complete(ctx context.Context, workErr error) error {
	if l == nil || l.balancer == nil {
		return nil
	}
	var result error
	l.completed.Do(func() {
		var errs []error
		health := l.balancer.health
		if workErr == nil {
			if _, err := health.RecordUsage(ctx, l.Credential.ID, l.Capability); err != nil {
				errs = append(errs, err)
			}
			if err := health.RecordSuccess(ctx, l.Credential.ID); err != nil {
				errs = append(errs, err)
			}
		} else if _, err := health.RecordError(ctx, l.Credential.ID); err != nil {
			errs = append(errs, err)
		}
		if err := l.Release(); err != nil {
			errs = append(errs, err)
		}
		result = errors.Join(errs...)
	})
	return result
}
