package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/shared/kafka"
	"buildhook/shared/message"
)

func collect(t *testing.T, q Queue, want int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, id)
			if len(got) == want {
				cancel()
			}
			return nil
		})
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestChannelQueue(t *testing.T) {
	q := NewChannelQueue(2, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "b1"))
	require.NoError(t, q.Enqueue(ctx, "b2"))
	assert.ErrorIs(t, q.Enqueue(ctx, "b3"), ErrQueueFull)

	assert.Equal(t, []string{"b1", "b2"}, collect(t, q, 2))
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewRedisQueue(rdb, "build-jobs", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "b1"))
	require.NoError(t, q.Enqueue(ctx, "b2"))

	assert.Equal(t, []string{"b1", "b2"}, collect(t, q, 2))
	n, err := rdb.LLen(ctx, "build-jobs").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (b *fakeBus) SendMessage(topic, _ string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.values = append(b.values, data)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topics []string) error {
	if len(topics) != 1 || topics[0] != kafka.TopicBuildJobs {
		return assert.AnError
	}
	return nil
}

func (b *fakeBus) Consume(ctx context.Context, handler kafka.MessageHandler) error {
	b.mu.Lock()
	values := append([][]byte(nil), b.values...)
	b.mu.Unlock()
	for _, v := range values {
		if err := handler(nil, v); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func TestKafkaQueue(t *testing.T) {
	bus := &fakeBus{}
	q := NewKafkaQueue(bus, bus)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "b1"))
	require.NoError(t, q.Enqueue(ctx, "b2"))

	assert.Equal(t, []string{kafka.TopicBuildJobs, kafka.TopicBuildJobs}, bus.topics)
	var job message.BuildJobMessage
	require.NoError(t, json.Unmarshal(bus.values[0], &job))
	assert.Equal(t, "b1", job.BuildID)

	assert.Equal(t, []string{"b1", "b2"}, collect(t, q, 2))
}
