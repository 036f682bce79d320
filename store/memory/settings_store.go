package memorystore

import (
	"context"
	"fmt"
	"sync"
)

// PoolSettingsStore holds operator settings. An unset threshold reads as 0 so
// callers fall back to static configuration; auto refresh defaults to on.
type PoolSettingsStore struct {
	mu          sync.RWMutex
	threshold   int
	autoRefresh *bool
}

func NewPoolSettingsStore() *PoolSettingsStore {
	return &PoolSettingsStore{}
}

func (s *PoolSettingsStore) ErrorBanThreshold(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold, nil
}

func (s *PoolSettingsStore) SetErrorBanThreshold(_ context.Context, threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("memorystore: error ban threshold must be >= 1, got %d", threshold)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
	return nil
}

func (s *PoolSettingsStore) AutoRefreshEnabled(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.autoRefresh == nil {
		return true, nil
	}
	return *s.autoRefresh, nil
}

func (s *PoolSettingsStore) SetAutoRefreshEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRefresh = &enabled
	return nil
}
