package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-tokenpool/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ThrottleStateStore persists upstream throttle windows so a restarted pool
// keeps honoring a pause the external service asked for.
type ThrottleStateStore struct {
	db   *bun.DB
	repo repository.Repository[*throttleStateRecord]
}

func NewThrottleStateStore(db *bun.DB) (*ThrottleStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*throttleStateRecord](db, throttleStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid throttle state repository wiring: %w", err)
		}
	}
	return &ThrottleStateStore{db: db, repo: repo}, nil
}

func (s *ThrottleStateStore) Get(ctx context.Context, bucket string) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: throttle state store is not configured")
	}
	bucket = normalizeBucket(bucket)
	if bucket == "" {
		return ratelimit.State{}, fmt.Errorf("sqlstore: throttle bucket is required")
	}
	record, err := findThrottleState(ctx, s.db, bucket)
	if err != nil {
		return ratelimit.State{}, err
	}
	if record == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

func (s *ThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: throttle state store is not configured")
	}
	state.Bucket = normalizeBucket(state.Bucket)
	if state.Bucket == "" {
		return fmt.Errorf("sqlstore: throttle bucket is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findThrottleState(ctx, tx, state.Bucket)
		if err != nil {
			return err
		}
		if record == nil {
			record = &throttleStateRecord{
				ID:        uuid.NewString(),
				Bucket:    state.Bucket,
				CreatedAt: state.UpdatedAt.UTC(),
			}
			applyThrottleState(record, state)
			_, err = s.repo.CreateTx(ctx, tx, record)
			return err
		}
		applyThrottleState(record, state)
		_, err = tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return err
	})
}

func applyThrottleState(record *throttleStateRecord, state ratelimit.State) {
	record.Limit = state.Limit
	record.Remaining = state.Remaining
	record.ResetAt = utcPointer(state.ResetAt)
	record.ThrottledUntil = utcPointer(state.ThrottledUntil)
	record.LastStatus = state.LastStatus
	record.Attempts = state.Attempts
	record.UpdatedAt = state.UpdatedAt.UTC()
}

func (r *throttleStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	return ratelimit.State{
		Bucket:         r.Bucket,
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        utcPointer(r.ResetAt),
		ThrottledUntil: utcPointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func findThrottleState(ctx context.Context, db bun.IDB, bucket string) (*throttleStateRecord, error) {
	record := &throttleStateRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.bucket = ?", bucket).
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

func normalizeBucket(bucket string) string {
	return strings.ToLower(strings.TrimSpace(bucket))
}

var _ ratelimit.StateStore = (*ThrottleStateStore)(nil)
