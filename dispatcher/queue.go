package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"buildhook/shared/kafka"
	"buildhook/shared/message"
)

var ErrQueueFull = errors.New("dispatch queue is full")

// Handler receives build ids that may start now.
type Handler func(ctx context.Context, buildID string) error

// Queue carries build ids from the dispatcher to the orchestrator workers.
type Queue interface {
	// Enqueue never waits for a consumer.
	Enqueue(ctx context.Context, buildID string) error
	// Consume delivers ids to handle until ctx is done.
	Consume(ctx context.Context, handle Handler) error
}

// ChannelQueue is an in-process queue.
type ChannelQueue struct {
	ch  chan string
	log *zap.Logger
}

// NewChannelQueue creates a new ChannelQueue
func NewChannelQueue(buffer int, log *zap.Logger) *ChannelQueue {
	return &ChannelQueue{ch: make(chan string, buffer), log: log}
}

func (q *ChannelQueue) Enqueue(_ context.Context, buildID string) error {
	select {
	case q.ch <- buildID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ChannelQueue) Consume(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-q.ch:
			if err := handle(ctx, id); err != nil {
				q.log.Error("❌ Failed to handle build job", zap.String("build_id", id), zap.Error(err))
			}
		}
	}
}

// RedisQueue is a list used with RPUSH and BLPOP, so jobs survive a
// restart of the consumer.
type RedisQueue struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
	log     *zap.Logger
}

// NewRedisQueue creates a new RedisQueue
func NewRedisQueue(rdb *redis.Client, key string, log *zap.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key, timeout: time.Second, log: log}
}

func (q *RedisQueue) Enqueue(ctx context.Context, buildID string) error {
	return q.rdb.RPush(ctx, q.key, buildID).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, handle Handler) error {
	for ctx.Err() == nil {
		res, err := q.rdb.BLPop(ctx, q.timeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("⚠️ Failed to pop build job", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		// res is [key, value]
		id := res[1]
		if err := handle(ctx, id); err != nil {
			q.log.Error("❌ Failed to handle build job", zap.String("build_id", id), zap.Error(err))
		}
	}
	return nil
}

type jobSource interface {
	Subscribe(ctx context.Context, topics []string) error
	Consume(ctx context.Context, handler kafka.MessageHandler) error
}

// KafkaQueue publishes jobs on the build-jobs topic and consumes them in a
// consumer group.
type KafkaQueue struct {
	producer kafka.Sender
	consumer jobSource
	now      func() time.Time
}

// NewKafkaQueue creates a new KafkaQueue
func NewKafkaQueue(producer kafka.Sender, consumer jobSource) *KafkaQueue {
	return &KafkaQueue{producer: producer, consumer: consumer, now: time.Now}
}

func (q *KafkaQueue) Enqueue(_ context.Context, buildID string) error {
	return q.producer.SendMessage(kafka.TopicBuildJobs, buildID, message.BuildJobMessage{
		BuildID:  buildID,
		QueuedAt: q.now(),
	})
}

func (q *KafkaQueue) Consume(ctx context.Context, handle Handler) error {
	if err := q.consumer.Subscribe(ctx, []string{kafka.TopicBuildJobs}); err != nil {
		return err
	}
	return q.consumer.Consume(ctx, func(_, value []byte) error {
		var job message.BuildJobMessage
		if err := kafka.UnmarshalMessage(value, &job); err != nil {
			return err
		}
		if job.BuildID == "" {
			return errors.New("build job without build id")
		}
		return handle(ctx, job.BuildID)
	})
}
