// Package reporter publishes build state as commit statuses.
package reporter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"buildhook/identity"
	"buildhook/shared/model"
)

// GitHub reports to the commit a build was triggered by. Projects on other
// providers are ignored.
type GitHub struct {
	tokens    identity.TokenSource
	baseURL   *url.URL
	context   string
	publicURL string
	log       *zap.Logger
}

// NewGitHub creates a new GitHub reporter. An empty baseURL means
// api.github.com.
func NewGitHub(tokens identity.TokenSource, baseURL, statusContext, publicURL string, log *zap.Logger) (*GitHub, error) {
	g := &GitHub{tokens: tokens, context: statusContext, publicURL: strings.TrimRight(publicURL, "/"), log: log}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		g.baseURL = u
	}
	return g, nil
}

func State(s model.BuildStatus) string {
	switch s {
	case model.BuildSuccess:
		return "success"
	case model.BuildFailed:
		return "failure"
	case model.BuildCancelled:
		return "error"
	}
	return "pending"
}

func description(b *model.Build) string {
	switch b.Status {
	case model.BuildQueued:
		return "Build queued"
	case model.BuildRunning:
		return "Build running"
	case model.BuildSuccess:
		return fmt.Sprintf("Build succeeded in %ds", b.Duration)
	}
	d := "Build " + string(b.Status)
	if b.Reason != "" {
		d += ": " + b.Reason
	}
	// GitHub rejects descriptions over 140 characters
	if len(d) > 140 {
		d = d[:137] + "..."
	}
	return d
}

func (g *GitHub) client(ctx context.Context, p *model.Project) (*github.Client, error) {
	tok, err := g.tokens.AccessToken(ctx, p)
	if err != nil {
		return nil, err
	}
	var hc *http.Client
	if tok != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok}))
	}
	c := github.NewClient(hc)
	if g.baseURL != nil {
		c.BaseURL = g.baseURL
	}
	return c, nil
}

// Report sets the commit status for b.
func (g *GitHub) Report(ctx context.Context, p *model.Project, b *model.Build) error {
	if p.Provider != model.ProviderGitHub || b.Trigger.CommitSHA == "" {
		return nil
	}
	owner, repo, ok := strings.Cut(p.RepositoryID, "/")
	if !ok {
		return fmt.Errorf("repository id %q is not owner/name", p.RepositoryID)
	}

	c, err := g.client(ctx, p)
	if err != nil {
		return err
	}

	status := &github.RepoStatus{
		State:       github.String(State(b.Status)),
		Description: github.String(description(b)),
		Context:     github.String(g.context),
	}
	if g.publicURL != "" {
		status.TargetURL = github.String(g.publicURL + "/api/builds/" + b.ID)
	}

	if _, _, err := c.Repositories.CreateStatus(ctx, owner, repo, b.Trigger.CommitSHA, status); err != nil {
		return fmt.Errorf("create status for %s@%s: %w", p.RepositoryID, b.Trigger.CommitSHA, err)
	}
	g.log.Debug("commit status reported",
		zap.String("build_id", b.ID), zap.String("state", *status.State), zap.String("sha", b.Trigger.CommitSHA))
	return nil
}
