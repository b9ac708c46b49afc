package notification

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SendBuffer is the per-client queue. A client that falls this far behind
// loses messages instead of slowing producers down.
const SendBuffer = 256

type sendResult int

const (
	sendOK sendResult = iota
	sendDropped
	sendClosed
)

// Client is one realtime connection. The hub writes into Send; the
// connection's writer drains it until Done is closed.
type Client struct {
	ID     string
	UserID string

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// mu guards channels and removed. The hub holds it while it changes the
	// client's shard entries, so both views move together.
	mu       sync.Mutex
	channels map[string]struct{}
	removed  bool
}

// NewClient creates a new Client
func NewClient(userID string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		send:     make(chan []byte, SendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

func (c *Client) Send() <-chan []byte   { return c.send }
func (c *Client) Done() <-chan struct{} { return c.done }
func (c *Client) Dropped() int64        { return c.dropped.Load() }
func (c *Client) Close()                { c.once.Do(func() { close(c.done) }) }

func (c *Client) trySend(data []byte) sendResult {
	select {
	case <-c.done:
		return sendClosed
	default:
	}

	select {
	case c.send <- data:
		return sendOK
	default:
		c.dropped.Add(1)
		return sendDropped
	}
}

// Channels lists the client's subscriptions, sorted.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
