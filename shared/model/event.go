package model

import "time"

type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventPing        EventKind = "ping"
	EventUnknown     EventKind = "unknown"
)

// WebhookEvent is the durable record of one inbound delivery. It is written
// before anything acts on it and only ever flips to processed once.
type WebhookEvent struct {
	ID          string     `json:"id"`
	Provider    Provider   `json:"provider"`
	DeliveryID  string     `json:"delivery_id,omitempty"`
	EventType   string     `json:"event_type"`
	Kind        EventKind  `json:"kind"`
	Payload     []byte     `json:"payload"`
	Processed   bool       `json:"processed"`
	ProjectID   string     `json:"project_id,omitempty"`
	BuildIDs    []string   `json:"build_ids,omitempty"`
	Error       string     `json:"error,omitempty"`
	VerifiedFor string     `json:"verified_for,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func (e *WebhookEvent) Clone() *WebhookEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.BuildIDs = append([]string(nil), e.BuildIDs...)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	return &c
}

// EventOutcome is what processing decided for an event.
type EventOutcome struct {
	ProjectID string
	BuildIDs  []string
	Error     string
}
