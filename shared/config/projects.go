package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"buildhook/shared/model"
)

// ProjectEntry is one project in the registry seed file. Webhook secrets may
// reference environment variables as ${NAME}.
type ProjectEntry struct {
	ID                  string `yaml:"id"`
	RepositoryID        string `yaml:"repository_id"`
	RepositoryURL       string `yaml:"repository_url"`
	Provider            string `yaml:"provider"`
	DefaultBranch       string `yaml:"default_branch"`
	OwnerID             string `yaml:"owner_id"`
	AutoDeploy          *bool  `yaml:"auto_deploy"`
	BuildTimeoutMinutes int    `yaml:"build_timeout_minutes"`
	WebhookSecret       string `yaml:"webhook_secret"`
	BuildType           string `yaml:"build_type"`
	NotifyOnSuccess     *bool  `yaml:"notify_on_success"`
	NotifyOnFailure     *bool  `yaml:"notify_on_failure"`
}

type projectFile struct {
	Projects []ProjectEntry `yaml:"projects"`
}

func LoadProjects(path string) ([]ProjectEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f projectFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Projects, nil
}

// Model converts the entry into the registry types, applying defaults.
func (e ProjectEntry) Model() (*model.Project, *model.ProjectSettings, error) {
	if e.ID == "" || e.RepositoryID == "" || e.OwnerID == "" {
		return nil, nil, errors.New("project: id, repository_id and owner_id are required")
	}
	provider := model.Provider(e.Provider)
	switch provider {
	case "":
		provider = model.ProviderGitHub
	case model.ProviderGitHub, model.ProviderGitLab, model.ProviderBitbucket:
	default:
		return nil, nil, fmt.Errorf("project %s: unknown provider %q", e.ID, e.Provider)
	}
	branch := e.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	p := &model.Project{
		ID:            e.ID,
		RepositoryID:  e.RepositoryID,
		RepositoryURL: e.RepositoryURL,
		Provider:      provider,
		DefaultBranch: branch,
		OwnerID:       e.OwnerID,
	}
	s := &model.ProjectSettings{
		ProjectID:           e.ID,
		AutoDeployEnabled:   boolOr(e.AutoDeploy, true),
		BuildTimeoutMinutes: e.BuildTimeoutMinutes,
		WebhookSecret:       os.ExpandEnv(e.WebhookSecret),
		BuildType:           e.BuildType,
		NotifyOnSuccess:     boolOr(e.NotifyOnSuccess, true),
		NotifyOnFailure:     boolOr(e.NotifyOnFailure, true),
	}
	return p, s, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// WatchFile calls onChange after path is written, debounced by 300ms, until
// ctx is done.
func WatchFile(ctx context.Context, path string, log *zap.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir, base := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, onChange)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.String("path", path), zap.Error(err))
			}
		}
	}()
	return nil
}
