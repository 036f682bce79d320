package memorystore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-tokenpool/core"
	"github.com/google/uuid"
)

type ProjectStore struct {
	mu       sync.RWMutex
	projects []core.Project
	now      core.Clock
}

func NewProjectStore(opts ...Option) *ProjectStore {
	return &ProjectStore{now: resolveOptions(opts).clock}
}

func (s *ProjectStore) AddProject(_ context.Context, project core.Project) (core.Project, error) {
	project.ProjectID = strings.TrimSpace(project.ProjectID)
	if project.ProjectID == "" {
		return core.Project{}, fmt.Errorf("memorystore: project id is required")
	}
	if project.CredentialID <= 0 {
		return core.Project{}, fmt.Errorf("memorystore: credential id is required")
	}
	project.ID = uuid.NewString()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = append(s.projects, project)
	return project, nil
}

// ListProjects returns the projects bound to credentialID in creation order.
func (s *ProjectStore) ListProjects(_ context.Context, credentialID int64) ([]core.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Project, 0)
	for _, project := range s.projects {
		if project.CredentialID == credentialID {
			out = append(out, project)
		}
	}
	return out, nil
}
