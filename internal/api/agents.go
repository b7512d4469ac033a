package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

// AgentHandler groups the agent CRUD and lifecycle endpoints.
type AgentHandler struct {
	ctrl   *controller.Controller
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(ctrl *controller.Controller, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		ctrl:   ctrl,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent.
type agentResponse struct {
	ID            uint64          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Status        db.AgentStatus  `json:"status"`
	Config        json.RawMessage `json:"config"`
	TemplateID    *uint64         `json:"templateId"`
	ProcessID     *int            `json:"pid"`
	Port          *int            `json:"port"`
	LastHeartbeat *time.Time      `json:"lastHeartbeat"`
	ErrorMessage  *string         `json:"errorMessage"`
	RestartCount  int             `json:"restartCount"`
	CreatedBy     uint64          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func agentToResponse(a *db.Agent) agentResponse {
	return agentResponse{
		ID:            a.ID,
		Name:          a.Name,
		Description:   a.Description,
		Status:        a.Status,
		Config:        json.RawMessage(a.Config),
		TemplateID:    a.TemplateID,
		ProcessID:     a.ProcessID,
		Port:          a.Port,
		LastHeartbeat: a.LastHeartbeat,
		ErrorMessage:  a.ErrorMessage,
		RestartCount:  a.RestartCount,
		CreatedBy:     a.CreatedBy,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

type createAgentRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
	TemplateID  *uint64         `json:"templateId"`
}

// Create handles POST /api/agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.ctrl.Create(r.Context(), p, controller.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		TemplateID:  req.TemplateID,
	})
	if err != nil {
		h.logErr("creating agent", err)
		FailErr(w, err)
		return
	}
	Created(w, agentToResponse(agent))
}

// List handles GET /api/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	filter, bad := agentFilter(r)
	if bad != "" {
		Fail(w, http.StatusBadRequest, bad)
		return
	}
	opts := listOptions(r)

	rows, total, err := h.ctrl.List(r.Context(), p, filter, opts)
	if err != nil {
		h.logErr("listing agents", err)
		FailErr(w, err)
		return
	}

	items := make([]agentResponse, len(rows))
	for i := range rows {
		items[i] = agentToResponse(&rows[i])
	}
	Page(w, items, opts.Page, opts.Limit, total)
}

// Get handles GET /api/agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	agent, err := h.ctrl.Get(r.Context(), p, id)
	if err != nil {
		FailErr(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

type updateAgentRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Config      json.RawMessage `json:"config"`
}

// Update handles PUT /api/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.ctrl.Update(r.Context(), p, id, controller.UpdateRequest{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	})
	if err != nil {
		h.logErr("updating agent", err)
		FailErr(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// Delete handles DELETE /api/agents/{id}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	if err := h.ctrl.Delete(r.Context(), p, id); err != nil {
		h.logErr("deleting agent", err)
		FailErr(w, err)
		return
	}
	OkMessage(w, "agent deleted")
}

// startResponse is the payload returned by start and restart.
type startResponse struct {
	AgentID   uint64    `json:"agentId"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Start handles POST /api/agents/{id}/start.
func (h *AgentHandler) Start(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	res, err := h.ctrl.Start(r.Context(), p, id)
	if err != nil {
		h.logErr("starting agent", err)
		FailErr(w, err)
		return
	}
	Ok(w, startResponse{
		AgentID:   res.AgentID,
		Port:      res.Port,
		PID:       res.PID,
		StartedAt: res.StartedAt,
	})
}

type stopRequest struct {
	Force bool `json:"force"`
}

// Stop handles POST /api/agents/{id}/stop. The body is optional; an empty
// body means a graceful stop.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	var req stopRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	if err := h.ctrl.Stop(r.Context(), p, id, req.Force); err != nil {
		h.logErr("stopping agent", err)
		FailErr(w, err)
		return
	}
	OkMessage(w, "agent stopped")
}

// Restart handles POST /api/agents/{id}/restart.
func (h *AgentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	res, err := h.ctrl.Restart(r.Context(), p, id)
	if err != nil {
		h.logErr("restarting agent", err)
		FailErr(w, err)
		return
	}
	Ok(w, startResponse{
		AgentID:   res.AgentID,
		Port:      res.Port,
		PID:       res.PID,
		StartedAt: res.StartedAt,
	})
}

// Process handles GET /api/agents/{id}/process.
func (h *AgentHandler) Process(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	info, err := h.ctrl.Process(r.Context(), p, id)
	if err != nil {
		FailErr(w, err)
		return
	}
	Ok(w, info)
}

// Health handles GET /api/agents/{id}/health.
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}

	info, err := h.ctrl.Health(r.Context(), p, id)
	if err != nil {
		FailErr(w, err)
		return
	}
	Ok(w, info)
}

// Processes handles GET /api/agents/processes.
func (h *AgentHandler) Processes(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	infos, err := h.ctrl.Processes(r.Context(), p)
	if err != nil {
		h.logErr("listing processes", err)
		FailErr(w, err)
		return
	}
	Ok(w, infos)
}

// Stats handles GET /api/agents/stats.
func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	stats, err := h.ctrl.Stats(r.Context(), p)
	if err != nil {
		h.logErr("computing stats", err)
		FailErr(w, err)
		return
	}
	Ok(w, stats)
}

type validateConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

// ValidateConfig handles POST /api/agents/validate-config. Validation
// failures are reported in the envelope with a 400; a valid document gets a
// plain success message.
func (h *AgentHandler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	var req validateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.ctrl.ValidateConfig(req.Config); err != nil {
		FailErr(w, err)
		return
	}
	OkMessage(w, "config is valid")
}

func (h *AgentHandler) principalAndID(w http.ResponseWriter, r *http.Request) (controller.Principal, uint64, bool) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return controller.Principal{}, 0, false
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return controller.Principal{}, 0, false
	}
	return p, id, true
}

// logErr logs controller failures at a level matching their kind: expected
// client errors at debug, everything else at error.
func (h *AgentHandler) logErr(msg string, err error) {
	if controller.KindOf(err) == controller.KindInternal {
		h.logger.Error(msg, zap.Error(err))
		return
	}
	h.logger.Debug(msg, zap.Error(err))
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseID extracts and parses a numeric path parameter by name. Writes a
// 400 and returns false if the parameter is missing or malformed.
func parseID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		Fail(w, http.StatusBadRequest, "invalid "+param+": must be a positive integer")
		return 0, false
	}
	return id, true
}

// sortColumns maps the API sort keys to store column names. Anything not in
// this map falls back to created_at.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"name":      "name",
	"status":    "status",
}

// listOptions reads page, limit, sortBy and sortOrder query parameters.
// Defaults: page=1, limit=10 (max 100), newest first.
func listOptions(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{
		Page:      1,
		Limit:     10,
		SortBy:    "created_at",
		SortOrder: "desc",
	}

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if col, ok := sortColumns[q.Get("sortBy")]; ok {
		opts.SortBy = col
	}
	if q.Get("sortOrder") == "asc" {
		opts.SortOrder = "asc"
	}
	return opts
}

// agentFilter reads status and search query parameters. Returns a non-empty
// message when the status value is not a known lifecycle state.
func agentFilter(r *http.Request) (repositories.AgentFilter, string) {
	var filter repositories.AgentFilter

	if v := r.URL.Query().Get("status"); v != "" {
		status := db.AgentStatus(v)
		if !status.Valid() {
			return filter, "invalid status filter: " + v
		}
		filter.Status = &status
	}
	filter.Search = r.URL.Query().Get("search")
	return filter, ""
}
