package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

// dial spins up an upgrade handler backed by hub and connects a client.
func dial(t *testing.T, hub *Hub, agentIDs []uint64) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, agentIDs, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == n
	}, time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) controller.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ev controller.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	hub := newTestHub(t)
	first := dial(t, hub, nil)
	second := dial(t, hub, nil)
	waitConnected(t, hub, 2)

	hub.Publish(controller.Event{
		Type:      "agent_started",
		AgentID:   7,
		AgentName: "crow",
		Timestamp: time.Now(),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, "agent_started", ev.Type)
		assert.Equal(t, uint64(7), ev.AgentID)
		assert.Equal(t, "crow", ev.AgentName)
	}
}

func TestHubFiltersByAgentID(t *testing.T) {
	hub := newTestHub(t)
	filtered := dial(t, hub, []uint64{42})
	waitConnected(t, hub, 1)

	hub.Publish(controller.Event{Type: "agent_started", AgentID: 7, AgentName: "other"})
	hub.Publish(controller.Event{Type: "agent_error", AgentID: 42, AgentName: "mine"})

	// Only the event for agent 42 arrives.
	ev := readEvent(t, filtered)
	assert.Equal(t, "agent_error", ev.Type)
	assert.Equal(t, uint64(42), ev.AgentID)
}

func TestHubDisconnectReapsClient(t *testing.T) {
	hub := newTestHub(t)
	conn := dial(t, hub, nil)
	waitConnected(t, hub, 1)

	conn.Close()
	waitConnected(t, hub, 0)
}

func TestHubPublishWithoutClientsIsNoop(t *testing.T) {
	hub := newTestHub(t)
	// Must not block or panic with nobody listening.
	hub.Publish(controller.Event{Type: "agent_created", AgentID: 1})
	assert.Equal(t, 0, hub.ConnectedCount())
}
