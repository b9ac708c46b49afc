// Package resolver maps a repository and branch to the projects that should
// build.
package resolver

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"buildhook/shared/model"
	"buildhook/storage"
)

type Query struct {
	Provider     model.Provider
	RepositoryID string
	Kind         model.EventKind
	Branch       string
	// VerifiedSecret is the secret the delivery's signature was checked
	// against, empty when it was not verified.
	VerifiedSecret string
}

type Match struct {
	Project  *model.Project
	Settings *model.ProjectSettings
}

type Result struct {
	// Candidates are all projects backed by the repository.
	Candidates []*model.Project
	// Matches are the candidates that should build.
	Matches []Match
}

type Resolver struct {
	projects storage.ProjectStore
	log      *zap.Logger
}

// New creates a new Resolver
func New(projects storage.ProjectStore, log *zap.Logger) *Resolver {
	return &Resolver{projects: projects, log: log}
}

// Resolve never treats an empty result as an error.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Result, error) {
	candidates, err := r.projects.ListProjectsByRepository(ctx, q.Provider, q.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", q.RepositoryID, err)
	}

	res := &Result{Candidates: candidates}
	for _, p := range candidates {
		s, err := r.projects.GetSettings(ctx, p.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				r.log.Debug("project has no settings, skipping", zap.String("project_id", p.ID))
				continue
			}
			return nil, fmt.Errorf("settings for %s: %w", p.ID, err)
		}
		if reason := skip(p, s, q); reason != "" {
			r.log.Debug("project skipped", zap.String("project_id", p.ID), zap.String("reason", reason))
			continue
		}
		res.Matches = append(res.Matches, Match{Project: p, Settings: s})
	}
	return res, nil
}

func skip(p *model.Project, s *model.ProjectSettings, q Query) string {
	if !s.AutoDeployEnabled {
		return "auto deploy disabled"
	}
	if s.WebhookSecret != "" && !hmac.Equal([]byte(s.WebhookSecret), []byte(q.VerifiedSecret)) {
		return "delivery not signed with this project's secret"
	}
	if q.Kind == model.EventPush && q.Branch != p.DefaultBranch {
		return "branch " + q.Branch + " is not " + p.DefaultBranch
	}
	return ""
}
