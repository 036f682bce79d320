package sqlstore

import (
	"context"
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-tokenpool/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ProjectStore struct {
	db   *bun.DB
	repo repository.Repository[*projectRecord]
	now  core.Clock
}

func NewProjectStore(db *bun.DB, opts ...StoreOption) (*ProjectStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*projectRecord](db, projectHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid project repository wiring: %w", err)
		}
	}
	return &ProjectStore{db: db, repo: repo, now: resolveStoreOptions(opts).clock}, nil
}

func (s *ProjectStore) AddProject(ctx context.Context, project core.Project) (core.Project, error) {
	if s == nil || s.repo == nil {
		return core.Project{}, fmt.Errorf("sqlstore: project store is not configured")
	}
	project.ProjectID = strings.TrimSpace(project.ProjectID)
	if project.ProjectID == "" {
		return core.Project{}, fmt.Errorf("sqlstore: project id is required")
	}
	if project.CredentialID <= 0 {
		return core.Project{}, fmt.Errorf("sqlstore: credential id is required")
	}
	now := s.now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	record := &projectRecord{
		ID:           uuid.NewString(),
		ProjectID:    project.ProjectID,
		CredentialID: project.CredentialID,
		ProjectName:  project.ProjectName,
		ToolName:     project.ToolName,
		IsActive:     project.IsActive,
		CreatedAt:    project.CreatedAt.UTC(),
		UpdatedAt:    now,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Project{}, err
	}
	return created.toDomain(), nil
}

func (s *ProjectStore) ListProjects(ctx context.Context, credentialID int64) ([]core.Project, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: project store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.credential_id = ?", credentialID)
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Project, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *projectRecord) toDomain() core.Project {
	if r == nil {
		return core.Project{}
	}
	return core.Project{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		CredentialID: r.CredentialID,
		ProjectName:  r.ProjectName,
		ToolName:     r.ToolName,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}
