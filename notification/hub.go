// Package notification fans build status, logs and notifications out to
// websocket subscribers.
package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"buildhook/metrics"
	"buildhook/shared/message"
	"buildhook/shared/model"
)

const shardCount = 16

func BuildChannel(buildID string) string { return "build:" + buildID }
func UserChannel(userID string) string   { return "user:" + userID }

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[*Client]struct{}
}

// Hub is the channel registry. Channels are spread over shards so that
// publishing to one build never contends with subscriptions to another.
type Hub struct {
	shards  [shardCount]*shard
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, log *zap.Logger) *Hub {
	h := &Hub{metrics: m, log: log, now: time.Now}
	for i := range h.shards {
		h.shards[i] = &shard{subs: make(map[string]map[*Client]struct{})}
	}
	return h
}

func (h *Hub) shard(channel string) *shard {
	return h.shards[xxhash.Sum64String(channel)%shardCount]
}

// Subscribe adds c to channel. A client that was removed stays removed.
func (h *Hub) Subscribe(channel string, c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return
	}
	c.channels[channel] = struct{}{}

	s := h.shard(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[channel]
	if set == nil {
		set = make(map[*Client]struct{})
		s.subs[channel] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Unsubscribe(channel string, c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
	h.remove(channel, c)
}

func (h *Hub) remove(channel string, c *Client) {
	s := h.shard(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[channel]
	delete(set, c)
	if len(set) == 0 {
		delete(s.subs, channel)
	}
}

// Remove drops c from every channel it joined. Later subscriptions of c are
// ignored.
func (h *Hub) Remove(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	for ch := range c.channels {
		h.remove(ch, c)
	}
	c.channels = make(map[string]struct{})
}

// Subscribers reports how many clients listen on channel.
func (h *Hub) Subscribers(channel string) int {
	s := h.shard(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[channel])
}

// Publish encodes v once and offers it to every subscriber of channel
// without blocking. It returns the number of clients that accepted it.
func (h *Hub) Publish(channel string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("❌ Failed to marshal realtime message", zap.String("channel", channel), zap.Error(err))
		return 0
	}

	s := h.shard(channel)
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.subs[channel]))
	for c := range s.subs[channel] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		switch c.trySend(data) {
		case sendOK:
			delivered++
		case sendDropped:
			h.metrics.MessagesDropped.Inc()
		case sendClosed:
			h.Remove(c)
		}
	}
	return delivered
}

// BuildStatus publishes a status snapshot on the build channel.
func (h *Hub) BuildStatus(_ context.Context, b *model.Build) {
	h.Publish(BuildChannel(b.ID), message.NewStatusMessage(b, h.now()))
}

// BuildLogs publishes a chunk of log lines on the build channel.
func (h *Hub) BuildLogs(_ context.Context, buildID, step string, lines []string) {
	h.Publish(BuildChannel(buildID), message.NewLogMessage(buildID, step, lines, h.now()))
}

// Notify delivers a terminal-state notification to the owner's channel.
func (h *Hub) Notify(_ context.Context, n message.NotificationMessage) {
	h.Publish(UserChannel(n.UserID), n)
}
