package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to
	// reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send close/pong
	// frames; the protocol is server-push only.
	maxMessageSize = 512

	// sendBufferSize is the capacity of the per-client event channel. When
	// it fills the client is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin
// enforcement happens in the CORS middleware before the handler runs.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected WebSocket peer. Each client runs two
// goroutines: readPump (detects disconnection, handles pong frames) and
// writePump (serialises outgoing events onto the wire).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the outbound event buffer. The hub writes here; writePump
	// forwards to the wire. Closed by the hub on unregister.
	send chan controller.Event

	// agentIDs restricts delivery to the given agents. Nil means the
	// client receives the whole fleet's events. Read-only after
	// initialisation.
	agentIDs map[uint64]struct{}

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it in a Client. agentIDs
// filters delivery to specific agents; pass nil for the full stream.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, agentIDs []uint64, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan controller.Event, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	if len(agentIDs) > 0 {
		c.agentIDs = make(map[uint64]struct{}, len(agentIDs))
		for _, id := range agentIDs {
			c.agentIDs[id] = struct{}{}
		}
	}
	return c, nil
}

// wants reports whether ev should be delivered to this client.
func (c *Client) wants(ev controller.Event) bool {
	if c.agentIDs == nil {
		return true
	}
	_, ok := c.agentIDs[ev.AgentID]
	return ok
}

// Run registers the client with the hub and starts the pumps. It blocks
// until the connection closes; the upgrade handler calls it directly.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump reads inbound frames. Its only job is detecting disconnection
// and resetting the read deadline on each pong; application messages from
// the client are not part of the protocol.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("setting read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events from the send channel to the wire and sends
// periodic pings. It is the only goroutine writing to conn —
// gorilla/websocket connections do not allow concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub closed the channel: send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
