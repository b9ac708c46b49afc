package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"buildhook/auth"
	"buildhook/metrics"
	"buildhook/shared/message"
	"buildhook/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var ErrForbidden = errors.New("not allowed to view this build")

// Access decides whether a user may follow a build.
type Access interface {
	CanView(ctx context.Context, userID, buildID string) error
}

// OwnerAccess lets users follow the builds they own.
type OwnerAccess struct {
	Builds storage.BuildStore
}

func (a OwnerAccess) CanView(ctx context.Context, userID, buildID string) error {
	b, err := a.Builds.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if b.OwnerID != userID {
		return ErrForbidden
	}
	return nil
}

// Server upgrades authenticated requests on /ws and pumps hub messages to
// the socket.
type Server struct {
	hub      *Hub
	jwt      *auth.JWT
	access   Access
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewServer creates a new Server
func NewServer(hub *Hub, jwt *auth.JWT, access Access, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{
		hub:    hub,
		jwt:    jwt,
		access: access,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the bearer token is the gate, not the origin
			},
		},
		metrics: m,
		log:     log,
	}
}

// HandleWebSocket authenticates before upgrading, so a bad credential gets a
// plain 401 instead of an open socket.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.jwt.Authenticate(r)
	if err != nil {
		http.Error(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("⚠️ Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(claims.ID)
	s.hub.Subscribe(UserChannel(claims.ID), client)
	s.metrics.Subscribers.Inc()
	s.log.Debug("🔌 Realtime client connected", zap.String("client_id", client.ID), zap.String("user_id", claims.ID))

	go s.writePump(conn, client)
	s.readPump(r.Context(), conn, client)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer func() {
		c.Close()
		s.hub.Remove(c)
		s.metrics.Subscribers.Dec()
		conn.Close()
		s.log.Debug("🔌 Realtime client disconnected", zap.String("client_id", c.ID), zap.Int64("dropped", c.Dropped()))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("⚠️ WebSocket error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var msg message.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(c, message.AckMessage{Type: message.TypeError, Error: "malformed message"})
			continue
		}
		s.reply(c, s.handle(ctx, c, msg))
	}
}

func (s *Server) handle(ctx context.Context, c *Client, msg message.ClientMessage) message.AckMessage {
	ack := message.AckMessage{Type: message.TypeAck, Action: msg.Action, BuildID: msg.BuildID}

	switch msg.Action {
	case message.ActionSubscribe:
		if msg.BuildID == "" {
			ack.Type, ack.Error = message.TypeError, "build_id is required"
			return ack
		}
		if err := s.access.CanView(ctx, c.UserID, msg.BuildID); err != nil {
			ack.Type = message.TypeError
			if errors.Is(err, ErrForbidden) || errors.Is(err, storage.ErrNotFound) {
				ack.Error = "build not found"
			} else {
				s.log.Error("❌ Failed to check build access", zap.String("build_id", msg.BuildID), zap.Error(err))
				ack.Error = "internal error"
			}
			return ack
		}
		s.hub.Subscribe(BuildChannel(msg.BuildID), c)
	case message.ActionUnsubscribe:
		s.hub.Unsubscribe(BuildChannel(msg.BuildID), c)
	default:
		ack.Type, ack.Error = message.TypeError, "unknown action"
	}
	return ack
}

func (s *Server) reply(c *Client, ack message.AckMessage) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if c.trySend(data) == sendDropped {
		s.metrics.MessagesDropped.Inc()
	}
}

func (s *Server) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-c.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
