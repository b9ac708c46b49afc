package kafka

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/metrics"
	"buildhook/shared/message"
)

func header(m *kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewMessageLabelsPayload(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	msg, err := newMessage(TopicBuildJobs, "b1", message.BuildJobMessage{BuildID: "b1", QueuedAt: now}, now)
	require.NoError(t, err)
	assert.Equal(t, TopicBuildJobs, *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, []byte("b1"), msg.Key)
	assert.JSONEq(t, `{"build_id":"b1","queued_at":"2023-11-14T22:13:20Z"}`, string(msg.Value))
	assert.Equal(t, now, msg.Timestamp)
	assert.Equal(t, "application/json", header(msg, HeaderContentType))
	assert.Equal(t, "build_job", header(msg, HeaderMessageType))

	msg, err = newMessage(TopicBuildLogs, "b1", map[string]string{}, now)
	require.NoError(t, err)
	assert.Equal(t, "log", header(msg, HeaderMessageType))
}

func TestNewMessageRejectsUnknownTopicAndBadValue(t *testing.T) {
	_, err := newMessage("builds", "b1", 1, time.Now())
	assert.ErrorContains(t, err, "unknown topic")

	_, err = newMessage(TopicBuildStatus, "b1", make(chan int), time.Now())
	assert.ErrorContains(t, err, "encode status message")
}

func TestSendMessageToUnknownTopicProducesNothing(t *testing.T) {
	p, err := NewProducer("127.0.0.1:1", metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorContains(t, p.SendMessage("builds", "b1", 1), "unknown topic")
	assert.Zero(t, p.producer.Len())
}
