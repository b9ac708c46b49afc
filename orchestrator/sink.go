package orchestrator

import (
	"context"

	"buildhook/shared/message"
	"buildhook/shared/model"
)

// EventSink receives everything a build publishes while it runs. Sinks must
// not block the build.
type EventSink interface {
	BuildStatus(ctx context.Context, b *model.Build)
	BuildLogs(ctx context.Context, buildID, step string, lines []string)
	Notify(ctx context.Context, n message.NotificationMessage)
}

// MultiSink fans out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) BuildStatus(ctx context.Context, b *model.Build) {
	for _, s := range m {
		s.BuildStatus(ctx, b)
	}
}

func (m MultiSink) BuildLogs(ctx context.Context, buildID, step string, lines []string) {
	for _, s := range m {
		s.BuildLogs(ctx, buildID, step, lines)
	}
}

func (m MultiSink) Notify(ctx context.Context, n message.NotificationMessage) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}
