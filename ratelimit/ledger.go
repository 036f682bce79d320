package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-tokenpool/core"
)

var (
	ErrReleaseUnderflow = errors.New("ratelimit: release without matching acquire")
	ErrUnknownSlot      = errors.New("ratelimit: credential capability is not tracked")
)

type slotKey struct {
	credentialID int64
	capability   core.Capability
}

type slot struct {
	mu       sync.Mutex
	limit    int
	inFlight int
}

// SlotSnapshot is a point-in-time view of one ledger entry.
type SlotSnapshot struct {
	CredentialID int64
	Capability   core.Capability
	Limit        int
	InFlight     int
}

// ConcurrencyLedger tracks in-flight work per credential and capability.
// Each entry is guarded by its own mutex, so acquire and release on a key are
// linearized while unrelated keys never contend. The ledger is process local
// and starts from zero on every process start.
type ConcurrencyLedger struct {
	mu     sync.RWMutex
	slots  map[slotKey]*slot
	logger glog.Logger
}

type LedgerOption func(*ConcurrencyLedger)

func WithLedgerLogger(logger glog.Logger) LedgerOption {
	return func(l *ConcurrencyLedger) {
		l.logger = glog.Ensure(logger)
	}
}

func NewConcurrencyLedger(opts ...LedgerOption) *ConcurrencyLedger {
	ledger := &ConcurrencyLedger{
		slots:  map[slotKey]*slot{},
		logger: glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger
}

// Initialize replaces the ledger with a zero counter for every credential
// and capability pair in credentials.
func (l *ConcurrencyLedger) Initialize(credentials []core.Credential) {
	slots := make(map[slotKey]*slot, len(credentials)*len(core.Capabilities()))
	for _, credential := range credentials {
		for _, capability := range core.Capabilities() {
			slots[slotKey{credential.ID, capability}] = &slot{
				limit: credential.ConcurrencyLimit(capability),
			}
		}
	}
	l.mu.Lock()
	l.slots = slots
	l.mu.Unlock()
}

// Register adds a credential or refreshes its limits. In-flight counts of an
// already tracked credential are preserved.
func (l *ConcurrencyLedger) Register(credential core.Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, capability := range core.Capabilities() {
		key := slotKey{credential.ID, capability}
		limit := credential.ConcurrencyLimit(capability)
		if existing, ok := l.slots[key]; ok {
			existing.mu.Lock()
			existing.limit = limit
			existing.mu.Unlock()
			continue
		}
		l.slots[key] = &slot{limit: limit}
	}
}

func (l *ConcurrencyLedger) Remove(credentialID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, capability := range core.Capabilities() {
		delete(l.slots, slotKey{credentialID, capability})
	}
}

// TryAcquire reserves one slot when the in-flight count is below the limit.
// A limit of -1 always admits. Saturated or untracked keys return false and
// leave the ledger untouched.
func (l *ConcurrencyLedger) TryAcquire(credentialID int64, capability core.Capability) bool {
	entry := l.lookup(credentialID, capability)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.limit != core.UnlimitedConcurrency && entry.inFlight >= entry.limit {
		return false
	}
	entry.inFlight++
	return true
}

// Release returns one slot. The count never drops below zero; a release
// without a matching acquire is reported as ErrReleaseUnderflow.
func (l *ConcurrencyLedger) Release(credentialID int64, capability core.Capability) error {
	entry := l.lookup(credentialID, capability)
	if entry == nil {
		return fmt.Errorf("%w: credential %d capability %s", ErrUnknownSlot, credentialID, capability)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.inFlight == 0 {
		l.logger.Error("concurrency release underflow", "credential_id", credentialID, "capability", capability.String())
		return fmt.Errorf("%w: credential %d capability %s", ErrReleaseUnderflow, credentialID, capability)
	}
	entry.inFlight--
	return nil
}

func (l *ConcurrencyLedger) CurrentLoad(credentialID int64, capability core.Capability) int {
	entry := l.lookup(credentialID, capability)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.inFlight
}

// Limit returns the tracked cap and whether the key is tracked at all.
func (l *ConcurrencyLedger) Limit(credentialID int64, capability core.Capability) (int, bool) {
	entry := l.lookup(credentialID, capability)
	if entry == nil {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.limit, true
}

// Snapshot lists every tracked entry ordered by credential id then capability.
func (l *ConcurrencyLedger) Snapshot() []SlotSnapshot {
	l.mu.RLock()
	out := make([]SlotSnapshot, 0, len(l.slots))
	for key, entry := range l.slots {
		entry.mu.Lock()
		out = append(out, SlotSnapshot{
			CredentialID: key.credentialID,
			Capability:   key.capability,
			Limit:        entry.limit,
			InFlight:     entry.inFlight,
		})
		entry.mu.Unlock()
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CredentialID != out[j].CredentialID {
			return out[i].CredentialID < out[j].CredentialID
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}

// InFlight sums the in-flight counts of every credential for capability.
func (l *ConcurrencyLedger) InFlight(capability core.Capability) int {
	total := 0
	for _, entry := range l.Snapshot() {
		if entry.Capability == capability {
			total += entry.InFlight
		}
	}
	return total
}

func (l *ConcurrencyLedger) lookup(credentialID int64, capability core.Capability) *slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots[slotKey{credentialID, capability}]
}

var (
	_ core.AdmissionLedger  = (*ConcurrencyLedger)(nil)
	_ core.InFlightReporter = (*ConcurrencyLedger)(nil)
)
