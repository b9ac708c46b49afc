package model

import "time"

type Project struct {
	ID            string   `json:"id"`
	RepositoryID  string   `json:"repository_id"`
	RepositoryURL string   `json:"repository_url"`
	Provider      Provider `json:"provider"`
	DefaultBranch string   `json:"default_branch"`
	OwnerID       string   `json:"owner_id"`
}

type ProjectSettings struct {
	ProjectID           string `json:"project_id"`
	AutoDeployEnabled   bool   `json:"auto_deploy_enabled"`
	BuildTimeoutMinutes int    `json:"build_timeout_minutes"`
	WebhookSecret       string `json:"webhook_secret,omitempty"`
	BuildType           string `json:"build_type,omitempty"`
	NotifyOnSuccess     bool   `json:"notify_on_success"`
	NotifyOnFailure     bool   `json:"notify_on_failure"`
}

// Timeout returns the configured build timeout, or fallback when unset.
func (s *ProjectSettings) Timeout(fallback time.Duration) time.Duration {
	if s == nil || s.BuildTimeoutMinutes <= 0 {
		return fallback
	}
	return time.Duration(s.BuildTimeoutMinutes) * time.Minute
}

// WantsNotification reports whether the owner asked to hear about a build
// that ended in status.
func (s *ProjectSettings) WantsNotification(status BuildStatus) bool {
	if s == nil {
		return true
	}
	if status == BuildSuccess {
		return s.NotifyOnSuccess
	}
	return s.NotifyOnFailure
}
