package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"buildhook/metrics"
)

const (
	HeaderContentType = "content-type"
	HeaderMessageType = "message-type"

	flushTimeout = 5 * time.Second
)

// messageTypes names the payload carried on each topic, so consumers can
// decode without peeking into the JSON.
var messageTypes = map[string]string{
	TopicBuildJobs:          "build_job",
	TopicBuildStatus:        "status",
	TopicBuildLogs:          "log",
	TopicBuildCompletions:   "notification",
	TopicBuildNotifications: "notification",
}

// Producer publishes JSON messages keyed by build id. Messages of one build
// share a partition and keep their order.
type Producer struct {
	producer *kafka.Producer
	metrics  *metrics.Metrics
	log      *zap.Logger
	reports  chan struct{}
	now      func() time.Time
}

// NewProducer creates a new Producer
func NewProducer(bootstrapServers string, m *metrics.Metrics, log *zap.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"client.id":          "buildhook",
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "lz4",
	})
	if err != nil {
		return nil, err
	}

	pr := &Producer{producer: p, metrics: m, log: log, reports: make(chan struct{}), now: time.Now}
	go pr.deliveryReports()
	return pr, nil
}

func (p *Producer) deliveryReports() {
	defer close(p.reports)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			topic := ""
			if ev.TopicPartition.Topic != nil {
				topic = *ev.TopicPartition.Topic
			}
			if ev.TopicPartition.Error != nil {
				p.metrics.KafkaDeliveries.WithLabelValues(topic, "failed").Inc()
				p.log.Warn("⚠️ Failed to deliver message",
					zap.String("topic", topic), zap.ByteString("key", ev.Key), zap.Error(ev.TopicPartition.Error))
				continue
			}
			p.metrics.KafkaDeliveries.WithLabelValues(topic, "delivered").Inc()
		case kafka.Error:
			if ev.IsFatal() {
				p.log.Error("❌ Kafka producer failed", zap.Error(ev))
				continue
			}
			p.log.Warn("⚠️ Kafka producer error", zap.Error(ev))
		}
	}
}

// newMessage encodes value and labels it with the payload type of topic.
func newMessage(topic, key string, value interface{}, now time.Time) (*kafka.Message, error) {
	mt, ok := messageTypes[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", mt, err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
		Timestamp:      now,
		Headers: []kafka.Header{
			{Key: HeaderContentType, Value: []byte("application/json")},
			{Key: HeaderMessageType, Value: []byte(mt)},
		},
	}, nil
}

// SendMessage queues value for topic. A full local queue is drained briefly
// and retried before the message is given up.
func (p *Producer) SendMessage(topic string, key string, value interface{}) error {
	msg, err := newMessage(topic, key, value, p.now())
	if err != nil {
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	return backoff.Retry(func() error {
		err := p.producer.Produce(msg, nil)
		if err == nil {
			return nil
		}
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
			p.producer.Flush(50)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(eb, 5))
}

// Close flushes outstanding messages, closes the producer and waits for the
// last delivery reports.
func (p *Producer) Close() {
	if n := p.producer.Flush(int(flushTimeout / time.Millisecond)); n > 0 {
		p.log.Warn("⚠️ Kafka messages left unflushed", zap.Int("count", n))
	}
	p.producer.Close()
	<-p.reports
}
