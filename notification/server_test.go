package notification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/auth"
	"buildhook/metrics"
	"buildhook/shared/message"
	"buildhook/shared/model"
	"buildhook/storage"
)

type testServer struct {
	hub   *Hub
	jwt   *auth.JWT
	store *storage.MemoryStore
	url   string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	m := metrics.NewNop()
	hub := NewHub(m, zap.NewNop())
	jwt := auth.NewJWT("secret", "buildhook", time.Hour)
	store := storage.NewMemoryStore()

	r := mux.NewRouter()
	r.HandleFunc("/ws", NewServer(hub, jwt, OwnerAccess{Builds: store}, m, zap.NewNop()).HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{hub: hub, jwt: jwt, store: store, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	tok, err := s.jwt.GenerateToken(userID, "")
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(s.url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestRejectsMissingOrInvalidCredential(t *testing.T) {
	s := startServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeReceivesLiveStatus(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateBuild(ctx, &model.Build{ID: "b1", ProjectID: "p1", OwnerID: "u1", Status: model.BuildQueued, QueuedAt: time.Now()}))

	conn := s.dial(t, "u1")
	require.NoError(t, conn.WriteJSON(message.ClientMessage{Action: message.ActionSubscribe, BuildID: "b1"}))

	var ack message.AckMessage
	readJSON(t, conn, &ack)
	assert.Equal(t, message.TypeAck, ack.Type)
	assert.Equal(t, "b1", ack.BuildID)

	b, err := s.store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	b.Status = model.BuildRunning
	s.hub.BuildStatus(ctx, b)

	var st message.BuildStatusMessage
	readJSON(t, conn, &st)
	assert.Equal(t, message.TypeStatus, st.Type)
	assert.Equal(t, "running", st.Status)

	require.NoError(t, conn.WriteJSON(message.ClientMessage{Action: message.ActionUnsubscribe, BuildID: "b1"}))
	readJSON(t, conn, &ack)
	assert.Equal(t, message.ActionUnsubscribe, ack.Action)
	assert.Eventually(t, func() bool { return s.hub.Subscribers(BuildChannel("b1")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeToForeignBuildIsRefused(t *testing.T) {
	s := startServer(t)
	require.NoError(t, s.store.CreateBuild(context.Background(), &model.Build{ID: "b1", OwnerID: "someone-else", Status: model.BuildQueued, QueuedAt: time.Now()}))

	conn := s.dial(t, "u1")
	for _, id := range []string{"b1", "missing"} {
		require.NoError(t, conn.WriteJSON(message.ClientMessage{Action: message.ActionSubscribe, BuildID: id}))
		var ack message.AckMessage
		readJSON(t, conn, &ack)
		assert.Equal(t, message.TypeError, ack.Type)
		assert.Equal(t, "build not found", ack.Error)
	}
	assert.Equal(t, 0, s.hub.Subscribers(BuildChannel("b1")))
}

func TestUserChannelIsJoinedOnConnect(t *testing.T) {
	s := startServer(t)
	conn := s.dial(t, "u1")
	require.Eventually(t, func() bool { return s.hub.Subscribers(UserChannel("u1")) == 1 }, time.Second, 10*time.Millisecond)

	s.hub.Notify(context.Background(), message.NotificationMessage{Type: message.TypeNotification, UserID: "u1", BuildID: "b9", Status: "failed", Summary: "Build failed: Run Tests exited with code 1"})
	var n message.NotificationMessage
	readJSON(t, conn, &n)
	assert.Equal(t, "b9", n.BuildID)
	assert.Equal(t, "failed", n.Status)

	conn.Close()
	assert.Eventually(t, func() bool { return s.hub.Subscribers(UserChannel("u1")) == 0 }, 2*time.Second, 10*time.Millisecond)
}
