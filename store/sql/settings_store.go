package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/goliatone/go-tokenpool/core"
	"github.com/uptrace/bun"
)

const (
	settingErrorBanThreshold = "error_ban_threshold"
	settingAutoRefresh       = "auto_refresh_enabled"
)

// PoolSettingsStore keeps operator settings as key/value rows. A missing
// threshold reads as 0 so callers fall back to configuration; auto refresh
// defaults to enabled.
type PoolSettingsStore struct {
	db  *bun.DB
	now core.Clock
}

func NewPoolSettingsStore(db *bun.DB, opts ...StoreOption) (*PoolSettingsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &PoolSettingsStore{db: db, now: resolveStoreOptions(opts).clock}, nil
}

func (s *PoolSettingsStore) ErrorBanThreshold(ctx context.Context) (int, error) {
	value, ok, err := s.read(ctx, settingErrorBanThreshold)
	if err != nil || !ok {
		return 0, err
	}
	threshold, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: invalid %s %q: %w", settingErrorBanThreshold, value, err)
	}
	return threshold, nil
}

func (s *PoolSettingsStore) SetErrorBanThreshold(ctx context.Context, threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("sqlstore: error ban threshold must be >= 1, got %d", threshold)
	}
	return s.write(ctx, settingErrorBanThreshold, strconv.Itoa(threshold))
}

func (s *PoolSettingsStore) AutoRefreshEnabled(ctx context.Context) (bool, error) {
	value, ok, err := s.read(ctx, settingAutoRefresh)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("sqlstore: invalid %s %q: %w", settingAutoRefresh, value, err)
	}
	return enabled, nil
}

func (s *PoolSettingsStore) SetAutoRefreshEnabled(ctx context.Context, enabled bool) error {
	return s.write(ctx, settingAutoRefresh, strconv.FormatBool(enabled))
}

func (s *PoolSettingsStore) read(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: pool settings store is not configured")
	}
	record := &poolSettingRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.setting_key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return record.Value, true, nil
}

func (s *PoolSettingsStore) write(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: pool settings store is not configured")
	}
	record := &poolSettingRecord{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (setting_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
