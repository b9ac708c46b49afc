package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"buildhook/shared/message"
	"buildhook/shared/model"
)

// Sender is the part of Producer the relay needs.
type Sender interface {
	SendMessage(topic string, key string, value interface{}) error
}

// Relay mirrors build events onto Kafka topics for consumers outside the
// process. It implements the orchestrator's event sink.
type Relay struct {
	sender Sender
	log    *zap.Logger
	now    func() time.Time
}

// NewRelay creates a new Relay
func NewRelay(sender Sender, log *zap.Logger) *Relay {
	return &Relay{sender: sender, log: log, now: time.Now}
}

func (r *Relay) send(topic, key string, v interface{}) {
	if err := r.sender.SendMessage(topic, key, v); err != nil {
		r.log.Warn("⚠️ Failed to relay build event", zap.String("topic", topic), zap.String("build_id", key), zap.Error(err))
	}
}

func (r *Relay) BuildStatus(_ context.Context, b *model.Build) {
	r.send(TopicBuildStatus, b.ID, message.NewStatusMessage(b, r.now()))
	if b.Status.Terminal() {
		r.send(TopicBuildCompletions, b.ID, message.NewNotification(b, b.Reason, b.Artifact, r.now()))
	}
}

func (r *Relay) BuildLogs(_ context.Context, buildID, step string, lines []string) {
	r.send(TopicBuildLogs, buildID, message.NewLogMessage(buildID, step, lines, r.now()))
}

func (r *Relay) Notify(_ context.Context, n message.NotificationMessage) {
	r.send(TopicBuildNotifications, n.BuildID, n)
}
