package api

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/ws"
)

// WSHandler upgrades authenticated requests to the agent event stream.
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// Stream handles GET /api/ws. Auth runs in the middleware; browsers cannot
// set headers on WebSocket connects, so the Authenticate middleware also
// accepts the token as a query parameter. The optional "agents" parameter
// is a comma-separated list of agent IDs narrowing the stream.
func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var agentIDs []uint64
	if raw := r.URL.Query().Get("agents"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil || id == 0 {
				Fail(w, http.StatusBadRequest, "invalid agents filter: "+part)
				return
			}
			agentIDs = append(agentIDs, id)
		}
	}

	client, err := ws.NewClient(h.hub, w, r, agentIDs, h.logger)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
