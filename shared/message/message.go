package message

import (
	"time"

	"buildhook/shared/model"
)

// Server -> client message types on the realtime channel.
const (
	TypeStatus       = "status"
	TypeLogs         = "logs"
	TypeNotification = "notification"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Client -> server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type BuildStatusMessage struct {
	Type       string    `json:"type"`
	BuildID    string    `json:"build_id"`
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"` // queued, running, success, failed, cancelled
	Progress   int       `json:"progress"`
	Step       string    `json:"step,omitempty"`
	StepStatus string    `json:"step_status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type BuildLogMessage struct {
	Type      string    `json:"type"`
	BuildID   string    `json:"build_id"`
	Step      string    `json:"step"`
	Lines     []string  `json:"lines"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationMessage struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	BuildID     string    `json:"build_id"`
	ProjectID   string    `json:"project_id"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	Duration    int64     `json:"duration"` // in seconds
	ArtifactURL string    `json:"artifact_url,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type ClientMessage struct {
	Action  string `json:"action"`
	BuildID string `json:"build_id"`
}

type AckMessage struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	BuildID string `json:"build_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BuildJobMessage is queued for the orchestrator when a build may start.
type BuildJobMessage struct {
	BuildID  string    `json:"build_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewStatusMessage snapshots b for the build channel.
func NewStatusMessage(b *model.Build, now time.Time) BuildStatusMessage {
	msg := BuildStatusMessage{
		Type:      TypeStatus,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		Status:    string(b.Status),
		Progress:  b.Progress(),
		Reason:    b.Reason,
		UpdatedAt: now,
	}
	if i := currentStep(b); i >= 0 {
		msg.Step = b.Steps[i].Name
		msg.StepStatus = string(b.Steps[i].Status)
	}
	return msg
}

// currentStep is the running step, else the last one that left queued.
func currentStep(b *model.Build) int {
	if i := b.RunningStep(); i >= 0 {
		return i
	}
	last := -1
	for i, s := range b.Steps {
		if s.Status != model.StepQueued && s.Status != model.StepSkipped {
			last = i
		}
	}
	return last
}

func NewLogMessage(buildID, step string, lines []string, now time.Time) BuildLogMessage {
	return BuildLogMessage{
		Type:      TypeLogs,
		BuildID:   buildID,
		Step:      step,
		Lines:     lines,
		Timestamp: now,
	}
}

func NewNotification(b *model.Build, summary, artifactURL string, now time.Time) NotificationMessage {
	return NotificationMessage{
		Type:        TypeNotification,
		UserID:      b.OwnerID,
		BuildID:     b.ID,
		ProjectID:   b.ProjectID,
		Status:      string(b.Status),
		Summary:     summary,
		Duration:    b.Duration,
		ArtifactURL: artifactURL,
		CompletedAt: now,
	}
}
