package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/auth"
	"buildhook/builder"
	"buildhook/orchestrator"
	"buildhook/shared/config"
	"buildhook/shared/model"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "buildhook dev\n", out)
}

func TestTokenIsAcceptedByTheAPI(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")

	out, err := run(t, "--config", cfgPath, "token", "--user", "alice")
	require.NoError(t, err)

	claims, err := auth.NewJWT("test-secret", "buildhook", time.Hour).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ID)

	_, err = run(t, "--config", cfgPath, "token")
	assert.Error(t, err)
}

func TestReplayRefusesInMemoryBackends(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "replay")
	assert.ErrorContains(t, err, "persistent storage")
}

func TestSyncProjects(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("APP_HOOK_SECRET", "from-env")

	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`projects:
  - id: p1
    repository_id: octo/app
    repository_url: https://github.com/octo/app.git
    owner_id: alice
    webhook_secret: ${APP_HOOK_SECRET}
    build_type: go
  - id: broken
    repository_id: octo/broken
`), 0644))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Projects.File = path

	ctx := context.Background()
	a, err := newApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.syncProjects(ctx))

	p, err := a.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderGitHub, p.Provider)
	assert.Equal(t, "main", p.DefaultBranch)

	s, err := a.store.GetSettings(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.WebhookSecret)
	assert.True(t, s.AutoDeployEnabled)

	_, err = a.store.GetProject(ctx, "broken")
	assert.Error(t, err)
}

func TestDrainWaitsForInterruptedBuilds(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Builds.ExecutionMode = config.ExecutionSimulated
	cfg.Builds.WorkDir = t.TempDir()
	cfg.Builds.ArtifactDir = ""

	log := zap.NewNop()
	a, err := newApp(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	orch, _, err := newOrchestrator(cfg, a, orchestrator.MultiSink{}, log)
	require.NoError(t, err)

	bg := context.Background()
	require.NoError(t, a.store.SaveProject(bg, &model.Project{
		ID: "p1", RepositoryID: "octo/app", RepositoryURL: "https://github.com/octo/app.git",
		Provider: model.ProviderGitHub, DefaultBranch: "main", OwnerID: "alice",
	}))
	b := &model.Build{
		ID:        "b1",
		ProjectID: "p1",
		OwnerID:   "alice",
		Status:    model.BuildQueued,
		BuildType: "node",
		Trigger:   model.Trigger{Type: model.TriggerWebhook, EventType: "push", Branch: "main", CommitSHA: "abc123"},
		QueuedAt:  time.Now().UTC(),
		Steps: builder.Plan(builder.Node, "", builder.Source{
			URL: "https://github.com/octo/app.git", Branch: "main", CommitSHA: "abc123",
		}),
	}
	for i := range b.Steps {
		b.Steps[i].ID = fmt.Sprintf("b1-step-%d", i)
	}
	require.NoError(t, a.store.CreateBuild(bg, b))

	ctx, cancel := context.WithCancel(bg)
	workers := make(chan error, 1)
	go func() { workers <- orch.Serve(ctx, a.queue) }()
	require.NoError(t, a.queue.Enqueue(bg, b.ID))

	require.Eventually(t, func() bool {
		got, err := a.store.GetBuild(bg, b.ID)
		return err == nil && got.Status == model.BuildRunning
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	drain(nil, workers, orch, log)

	got, err := a.store.GetBuild(bg, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildFailed, got.Status)
	assert.Equal(t, "interrupted: orchestrator shutting down", got.Reason)
	assert.NotNil(t, got.FinishedAt)
}
