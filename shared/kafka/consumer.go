// Package kafka wraps confluent-kafka-go for the build-jobs queue and the
// build event relay.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	TopicBuildJobs          = "build-jobs"
	TopicBuildStatus        = "build-status"
	TopicBuildLogs          = "build-logs"
	TopicBuildCompletions   = "build-completions"
	TopicBuildNotifications = "build-notifications"
)

type MessageHandler func(key []byte, value []byte) error

type Consumer struct {
	consumer *kafka.Consumer
	log      *zap.Logger
}

func NewConsumer(bootstrapServers, groupID string, log *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "true",
	})
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, log: log}, nil
}

// Subscribe retries while the topics do not exist yet, which is normal
// right after the broker starts.
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Second
	eb.Multiplier = 1.5
	eb.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.consumer.SubscribeTopics(topics, nil)
		if err != nil {
			c.log.Warn("⚠️ Failed to subscribe to topics, retrying",
				zap.Strings("topics", topics), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, 15), ctx))
	if err != nil {
		return err
	}
	c.log.Info("✅ Subscribed to topics", zap.Strings("topics", topics))
	return nil
}

// Consume polls until ctx is done or every broker is down. Handler errors
// are logged and the message is skipped.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev := c.consumer.Poll(100)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(e.Key, e.Value); err != nil {
				c.log.Error("❌ Error processing message", zap.ByteString("key", e.Key), zap.Error(err))
			}
		case kafka.Error:
			if e.Code() == kafka.ErrAllBrokersDown {
				c.log.Error("❌ Fatal Kafka error", zap.Error(e))
				return e
			}
			// topic errors may resolve later
			c.log.Warn("⚠️ Kafka error", zap.Error(e))
		}
	}
}

// UnmarshalMessage unmarshals a Kafka message value into the provided struct
func UnmarshalMessage(value []byte, v interface{}) error {
	return json.Unmarshal(value, v)
}

func (c *Consumer) Close() {
	if err := c.consumer.Close(); err != nil {
		c.log.Warn("⚠️ Failed to close Kafka consumer", zap.Error(err))
	}
}
