package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/security"
	"github.com/uptrace/bun"
)

// CredentialStore persists credentials and their statistics. When a secret
// provider is configured, session secrets and access tokens are sealed at rest
// and lookups by secret go through a fingerprint column.
type CredentialStore struct {
	db      *bun.DB
	secrets core.SecretProvider
	now     core.Clock
}

func NewCredentialStore(db *bun.DB, opts ...StoreOption) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	cfg := resolveStoreOptions(opts)
	return &CredentialStore{db: db, secrets: cfg.secrets, now: cfg.clock}, nil
}

func (s *CredentialStore) Get(ctx context.Context, id int64) (core.Credential, error) {
	if s == nil || s.db == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	record := &credentialRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Credential{}, fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
		}
		return core.Credential{}, err
	}
	return s.toDomain(ctx, record)
}

func (s *CredentialStore) GetBySecret(ctx context.Context, sessionSecret string) (core.Credential, error) {
	if s == nil || s.db == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	record, err := findByFingerprint(ctx, s.db, s.fingerprint(sessionSecret))
	if err != nil {
		return core.Credential{}, err
	}
	if record == nil {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	return s.toDomain(ctx, record)
}

func (s *CredentialStore) ListAll(ctx context.Context) ([]core.Credential, error) {
	return s.list(ctx, false)
}

func (s *CredentialStore) ListActive(ctx context.Context) ([]core.Credential, error) {
	return s.list(ctx, true)
}

func (s *CredentialStore) list(ctx context.Context, activeOnly bool) ([]core.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records := make([]*credentialRecord, 0)
	query := s.db.NewSelect().Model(&records).OrderExpr("?TableAlias.id ASC")
	if activeOnly {
		query = query.Where("?TableAlias.is_active = ?", true)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Credential, 0, len(records))
	for _, record := range records {
		credential, err := s.toDomain(ctx, record)
		if err != nil {
			return nil, err
		}
		out = append(out, credential)
	}
	return out, nil
}

func (s *CredentialStore) Insert(ctx context.Context, credential core.Credential) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: credential store is not configured")
	}
	credential.SessionSecret = strings.TrimSpace(credential.SessionSecret)
	if credential.SessionSecret == "" {
		return 0, fmt.Errorf("sqlstore: session secret is required")
	}
	now := s.now().UTC()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	record, err := s.newRecord(ctx, credential, now)
	if err != nil {
		return 0, err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findByFingerprint(ctx, tx, record.SecretFingerprint)
		if findErr != nil {
			return findErr
		}
		if existing != nil {
			return core.ErrDuplicateCredential
		}
		if _, insertErr := tx.NewInsert().Model(record).Returning("id").Exec(ctx); insertErr != nil {
			return insertErr
		}
		stats := &credentialStatsRecord{CredentialID: record.ID, UpdatedAt: now}
		_, statsErr := tx.NewInsert().Model(stats).Exec(ctx)
		return statsErr
	})
	if err != nil {
		return 0, err
	}
	return record.ID, nil
}

// Update writes only the columns the patch sets, so concurrent patches of
// different fields of one credential never overwrite each other.
func (s *CredentialStore) Update(ctx context.Context, id int64, patch core.CredentialPatch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		update := tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", id)

		if patch.SessionSecret != nil {
			secret := strings.TrimSpace(*patch.SessionSecret)
			fingerprint := s.fingerprint(secret)
			existing, err := findByFingerprint(ctx, tx, fingerprint)
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != id {
				return core.ErrDuplicateCredential
			}
			sealed, err := s.seal(ctx, secret)
			if err != nil {
				return err
			}
			update = update.Set("session_secret = ?", sealed).Set("secret_fingerprint = ?", fingerprint)
		}
		if patch.AccessToken != nil {
			sealed, err := s.seal(ctx, *patch.AccessToken)
			if err != nil {
				return err
			}
			update = update.Set("access_token = ?", sealed)
		}
		if patch.AccessTokenExpiresAt != nil {
			update = update.Set("access_token_expires_at = ?", utcPointer(*patch.AccessTokenExpiresAt))
		}
		update = setColumn(update, "email", patch.Email)
		update = setColumn(update, "name", patch.Name)
		update = setColumn(update, "remark", patch.Remark)
		update = setColumn(update, "credits", patch.Credits)
		update = setColumn(update, "paygate_tier", patch.PaygateTier)
		update = setColumn(update, "project_id", patch.ProjectID)
		update = setColumn(update, "project_name", patch.ProjectName)
		update = setColumn(update, "image_enabled", patch.ImageEnabled)
		update = setColumn(update, "video_enabled", patch.VideoEnabled)
		update = setColumn(update, "image_concurrency", patch.ImageConcurrency)
		update = setColumn(update, "video_concurrency", patch.VideoConcurrency)
		update = setColumn(update, "is_active", patch.IsActive)

		res, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		return requireAffected(res, id)
	})
}

func setColumn[T any](update *bun.UpdateQuery, column string, value *T) *bun.UpdateQuery {
	if value == nil {
		return update
	}
	return update.Set("? = ?", bun.Ident(column), *value)
}

func (s *CredentialStore) Delete(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*projectRecord)(nil)).Where("credential_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*credentialStatsRecord)(nil)).Where("credential_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*credentialRecord)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		return requireAffected(res, id)
	})
}

// IncrementStat applies one counter bump as a single UPDATE so concurrent
// callers never lose increments. Daily counters restart when the stored
// today_date differs from the current UTC date.
func (s *CredentialStore) IncrementStat(ctx context.Context, id int64, kind core.StatKind) (core.CredentialStats, error) {
	if s == nil || s.db == nil {
		return core.CredentialStats{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	now := s.now().UTC()
	today := now.Format(time.DateOnly)

	query := func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Model((*credentialStatsRecord)(nil)).
			Set(dailyCounter("today_image_count", kind == core.StatImageSuccess), today).
			Set(dailyCounter("today_video_count", kind == core.StatVideoSuccess), today).
			Set(dailyCounter("today_error_count", kind == core.StatError), today).
			Set("today_date = ?", today).
			Set("updated_at = ?", now).
			Where("credential_id = ?", id)
	}

	var stats core.CredentialStats
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		update := query(tx.NewUpdate())
		switch kind {
		case core.StatImageSuccess:
			update = update.Set("image_count = image_count + 1").Set("last_success_at = ?", now)
		case core.StatVideoSuccess:
			update = update.Set("video_count = video_count + 1").Set("last_success_at = ?", now)
		case core.StatError:
			update = update.
				Set("error_count = error_count + 1").
				Set("consecutive_error_count = consecutive_error_count + 1").
				Set("last_error_at = ?", now)
		default:
			return fmt.Errorf("sqlstore: unknown stat kind %q", kind)
		}
		res, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		if kind != core.StatError {
			if _, err := tx.NewUpdate().
				Model((*credentialRecord)(nil)).
				Set("use_count = use_count + 1").
				Set("last_used_at = ?", now).
				Where("id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
		}
		record := &credentialStatsRecord{}
		if err := tx.NewSelect().Model(record).Where("?TableAlias.credential_id = ?", id).Scan(ctx); err != nil {
			return err
		}
		stats = record.toDomain()
		return nil
	})
	if err != nil {
		return core.CredentialStats{}, err
	}
	return stats, nil
}

func (s *CredentialStore) ResetConsecutiveErrors(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*credentialStatsRecord)(nil)).
		Set("consecutive_error_count = 0").
		Set("updated_at = ?", s.now().UTC()).
		Where("credential_id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (s *CredentialStore) GetStats(ctx context.Context, id int64) (core.CredentialStats, error) {
	if s == nil || s.db == nil {
		return core.CredentialStats{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	record := &credentialStatsRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.credential_id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.CredentialStats{}, fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
		}
		return core.CredentialStats{}, err
	}
	return record.toDomain(), nil
}

func (s *CredentialStore) fingerprint(secret string) string {
	if fingerprinter, ok := s.secrets.(core.SecretFingerprinter); ok {
		return fingerprinter.Fingerprint(secret)
	}
	return security.PlainFingerprint(secret)
}

func (s *CredentialStore) seal(ctx context.Context, value string) (string, error) {
	if s.secrets == nil || value == "" {
		return value, nil
	}
	sealed, err := s.secrets.Encrypt(ctx, []byte(value))
	if err != nil {
		return "", fmt.Errorf("sqlstore: seal secret: %w", err)
	}
	return string(sealed), nil
}

// open returns value decrypted. Rows written before a provider was configured
// are stored in the clear and pass through unchanged.
func (s *CredentialStore) open(ctx context.Context, value string) (string, error) {
	if s.secrets == nil || !security.IsEnvelope([]byte(value)) {
		return value, nil
	}
	opened, err := s.secrets.Decrypt(ctx, []byte(value))
	if err != nil {
		return "", fmt.Errorf("sqlstore: open secret: %w", err)
	}
	return string(opened), nil
}

func (s *CredentialStore) newRecord(ctx context.Context, credential core.Credential, now time.Time) (*credentialRecord, error) {
	secret, err := s.seal(ctx, credential.SessionSecret)
	if err != nil {
		return nil, err
	}
	token, err := s.seal(ctx, credential.AccessToken)
	if err != nil {
		return nil, err
	}
	return &credentialRecord{
		ID:                   credential.ID,
		SessionSecret:        secret,
		SecretFingerprint:    s.fingerprint(credential.SessionSecret),
		AccessToken:          token,
		AccessTokenExpiresAt: utcPointer(credential.AccessTokenExpiresAt),
		Email:                credential.Email,
		Name:                 credential.Name,
		Remark:               credential.Remark,
		Credits:              credential.Credits,
		PaygateTier:          credential.PaygateTier,
		ProjectID:            credential.ProjectID,
		ProjectName:          credential.ProjectName,
		ImageEnabled:         credential.Policy.ImageEnabled,
		VideoEnabled:         credential.Policy.VideoEnabled,
		ImageConcurrency:     credential.Policy.ImageConcurrency,
		VideoConcurrency:     credential.Policy.VideoConcurrency,
		IsActive:             credential.IsActive,
		UseCount:             credential.UseCount,
		LastUsedAt:           utcPointer(credential.LastUsedAt),
		CreatedAt:            credential.CreatedAt.UTC(),
		UpdatedAt:            now,
	}, nil
}

func (s *CredentialStore) toDomain(ctx context.Context, record *credentialRecord) (core.Credential, error) {
	secret, err := s.open(ctx, record.SessionSecret)
	if err != nil {
		return core.Credential{}, err
	}
	token, err := s.open(ctx, record.AccessToken)
	if err != nil {
		return core.Credential{}, err
	}
	return core.Credential{
		ID:                   record.ID,
		SessionSecret:        secret,
		AccessToken:          token,
		AccessTokenExpiresAt: utcPointer(record.AccessTokenExpiresAt),
		Email:                record.Email,
		Name:                 record.Name,
		Remark:               record.Remark,
		Credits:              record.Credits,
		PaygateTier:          record.PaygateTier,
		ProjectID:            record.ProjectID,
		ProjectName:          record.ProjectName,
		Policy: core.CapabilityPolicy{
			ImageEnabled:     record.ImageEnabled,
			VideoEnabled:     record.VideoEnabled,
			ImageConcurrency: record.ImageConcurrency,
			VideoConcurrency: record.VideoConcurrency,
		},
		IsActive:   record.IsActive,
		CreatedAt:  record.CreatedAt.UTC(),
		LastUsedAt: utcPointer(record.LastUsedAt),
		UseCount:   record.UseCount,
	}, nil
}

func (r *credentialStatsRecord) toDomain() core.CredentialStats {
	return core.CredentialStats{
		CredentialID:          r.CredentialID,
		ImageCount:            r.ImageCount,
		VideoCount:            r.VideoCount,
		ErrorCount:            r.ErrorCount,
		ConsecutiveErrorCount: r.ConsecutiveErrorCount,
		TodayImageCount:       r.TodayImageCount,
		TodayVideoCount:       r.TodayVideoCount,
		TodayErrorCount:       r.TodayErrorCount,
		TodayDate:             r.TodayDate,
		LastSuccessAt:         utcPointer(r.LastSuccessAt),
		LastErrorAt:           utcPointer(r.LastErrorAt),
	}
}

func findByFingerprint(ctx context.Context, db bun.IDB, fingerprint string) (*credentialRecord, error) {
	record := &credentialRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.secret_fingerprint = ?", fingerprint).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func dailyCounter(column string, bump bool) string {
	if bump {
		return column + " = CASE WHEN today_date = ? THEN " + column + " + 1 ELSE 1 END"
	}
	return column + " = CASE WHEN today_date = ? THEN " + column + " ELSE 0 END"
}

func requireAffected(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", core.ErrCredentialNotFound, id)
	}
	return nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}
