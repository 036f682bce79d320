package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-tokenpool/core"
)

// CredentialStore keeps credentials and their usage statistics in process.
type CredentialStore struct {
	mu          sync.RWMutex
	nextID      int64
	credentials map[int64]core.Credential
	stats       map[int64]core.CredentialStats
	now         core.Clock
}

func NewCredentialStore(opts ...Option) *CredentialStore {
	settings := resolveOptions(opts)
	return &CredentialStore{
		credentials: map[int64]core.Credential{},
		stats:       map[int64]core.CredentialStats{},
		now:         settings.clock,
	}
}

func (s *CredentialStore) Get(_ context.Context, id int64) (core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[id]
	if !ok {
		return core.Credential{}, fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	return cloneCredential(credential), nil
}

func (s *CredentialStore) GetBySecret(_ context.Context, sessionSecret string) (core.Credential, error) {
	secret := strings.TrimSpace(sessionSecret)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, credential := range s.credentials {
		if credential.SessionSecret == secret {
			return cloneCredential(credential), nil
		}
	}
	return core.Credential{}, core.ErrCredentialNotFound
}

func (s *CredentialStore) ListAll(context.Context) ([]core.Credential, error) {
	return s.list(false), nil
}

func (s *CredentialStore) ListActive(context.Context) ([]core.Credential, error) {
	return s.list(true), nil
}

func (s *CredentialStore) list(activeOnly bool) []core.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Credential, 0, len(s.credentials))
	for _, credential := range s.credentials {
		if activeOnly && !credential.IsActive {
			continue
		}
		out = append(out, cloneCredential(credential))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *CredentialStore) Insert(_ context.Context, credential core.Credential) (int64, error) {
	credential.SessionSecret = strings.TrimSpace(credential.SessionSecret)
	if credential.SessionSecret == "" {
		return 0, fmt.Errorf("memorystore: session secret is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secretTakenLocked(credential.SessionSecret, 0) {
		return 0, core.ErrDuplicateCredential
	}
	s.nextID++
	credential.ID = s.nextID
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = s.now().UTC()
	}
	s.credentials[credential.ID] = cloneCredential(credential)
	s.stats[credential.ID] = core.CredentialStats{CredentialID: credential.ID}
	return credential.ID, nil
}

func (s *CredentialStore) Update(_ context.Context, id int64, patch core.CredentialPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	if patch.SessionSecret != nil {
		secret := strings.TrimSpace(*patch.SessionSecret)
		if s.secretTakenLocked(secret, id) {
			return core.ErrDuplicateCredential
		}
		patch.SessionSecret = &secret
	}
	patch.Apply(&credential)
	s.credentials[id] = cloneCredential(credential)
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	delete(s.credentials, id)
	delete(s.stats, id)
	return nil
}

// IncrementStat bumps one counter. Success kinds also bump the credential's
// use count and last used time. Daily counters restart when the UTC date
// differs from the one recorded on the row.
func (s *CredentialStore) IncrementStat(_ context.Context, id int64, kind core.StatKind) (core.CredentialStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return core.CredentialStats{}, fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	now := s.now().UTC()
	stats = rollDay(stats, now)
	switch kind {
	case core.StatImageSuccess:
		stats.ImageCount++
		stats.TodayImageCount++
		stats.LastSuccessAt = &now
	case core.StatVideoSuccess:
		stats.VideoCount++
		stats.TodayVideoCount++
		stats.LastSuccessAt = &now
	case core.StatError:
		stats.ErrorCount++
		stats.TodayErrorCount++
		stats.ConsecutiveErrorCount++
		stats.LastErrorAt = &now
	default:
		return core.CredentialStats{}, fmt.Errorf("memorystore: unknown stat kind %q", kind)
	}
	if kind != core.StatError {
		if credential, ok := s.credentials[id]; ok {
			credential.UseCount++
			credential.LastUsedAt = &now
			s.credentials[id] = credential
		}
	}
	s.stats[id] = stats
	return cloneStats(stats), nil
}

func (s *CredentialStore) ResetConsecutiveErrors(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	stats.ConsecutiveErrorCount = 0
	s.stats[id] = stats
	return nil
}

func (s *CredentialStore) GetStats(_ context.Context, id int64) (core.CredentialStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.stats[id]
	if !ok {
		return core.CredentialStats{}, fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	return cloneStats(stats), nil
}

func (s *CredentialStore) secretTakenLocked(secret string, exceptID int64) bool {
	for id, existing := range s.credentials {
		if id != exceptID && existing.SessionSecret == secret {
			return true
		}
	}
	return false
}

func rollDay(stats core.CredentialStats, now time.Time) core.CredentialStats {
	today := now.Format(time.DateOnly)
	if stats.TodayDate == today {
		return stats
	}
	stats.TodayDate = today
	stats.TodayImageCount = 0
	stats.TodayVideoCount = 0
	stats.TodayErrorCount = 0
	return stats
}

func cloneCredential(credential core.Credential) core.Credential {
	credential.AccessTokenExpiresAt = cloneTime(credential.AccessTokenExpiresAt)
	credential.LastUsedAt = cloneTime(credential.LastUsedAt)
	return credential
}

func cloneStats(stats core.CredentialStats) core.CredentialStats {
	stats.LastSuccessAt = cloneTime(stats.LastSuccessAt)
	stats.LastErrorAt = cloneTime(stats.LastErrorAt)
	return stats
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
