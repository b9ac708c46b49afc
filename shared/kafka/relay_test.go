package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/shared/message"
	"buildhook/shared/model"
)

type sent struct {
	topic string
	key   string
	value []byte
}

type fakeSender struct {
	msgs []sent
	err  error
}

func (f *fakeSender) SendMessage(topic, key string, value interface{}) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, sent{topic, key, data})
	return nil
}

func TestRelayTopics(t *testing.T) {
	f := &fakeSender{}
	r := NewRelay(f, zap.NewNop())
	ctx := context.Background()

	b := &model.Build{ID: "b1", ProjectID: "p1", OwnerID: "u1", Status: model.BuildRunning}
	r.BuildStatus(ctx, b)
	r.BuildLogs(ctx, "b1", "Build", []string{"ok"})
	b.Status = model.BuildFailed
	b.Reason = "Run Tests exited with code 1"
	r.BuildStatus(ctx, b)
	r.Notify(ctx, message.NotificationMessage{BuildID: "b1", UserID: "u1"})

	require.Len(t, f.msgs, 5)
	var topics []string
	for _, m := range f.msgs {
		topics = append(topics, m.topic)
		assert.Equal(t, "b1", m.key)
	}
	assert.Equal(t, []string{TopicBuildStatus, TopicBuildLogs, TopicBuildStatus, TopicBuildCompletions, TopicBuildNotifications}, topics)

	var done message.NotificationMessage
	require.NoError(t, UnmarshalMessage(f.msgs[3].value, &done))
	assert.Equal(t, "failed", done.Status)
	assert.Equal(t, "Run Tests exited with code 1", done.Summary)
}

func TestRelaySwallowsSendErrors(t *testing.T) {
	r := NewRelay(&fakeSender{err: errors.New("queue full")}, zap.NewNop())
	assert.NotPanics(t, func() {
		r.BuildLogs(context.Background(), "b1", "Build", []string{"x"})
	})
}
