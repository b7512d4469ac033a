package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/agentcfg"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

// semverRe matches the x.y.z template version format.
var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// TemplateHandler groups the agent-template CRUD endpoints. Templates are
// defaulting sources for agent configs; a template referenced by agents is
// deactivated on delete rather than removed, so existing agents keep their
// provenance.
type TemplateHandler struct {
	templates repositories.TemplateRepository
	agents    repositories.AgentRepository
	logger    *zap.Logger
}

// NewTemplateHandler creates a TemplateHandler.
func NewTemplateHandler(templates repositories.TemplateRepository, agents repositories.AgentRepository, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{
		templates: templates,
		agents:    agents,
		logger:    logger.Named("template_handler"),
	}
}

// templateResponse is the JSON representation of a template.
type templateResponse struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
	Version     string          `json:"version"`
	IsActive    bool            `json:"isActive"`
	CreatedBy   uint64          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func templateToResponse(t *db.AgentTemplate) templateResponse {
	return templateResponse{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Config:      json.RawMessage(t.Config),
		Version:     t.Version,
		IsActive:    t.IsActive,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// List handles GET /api/templates.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	rows, total, err := h.templates.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("listing templates", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	items := make([]templateResponse, len(rows))
	for i := range rows {
		items[i] = templateToResponse(&rows[i])
	}
	Page(w, items, opts.Page, opts.Limit, total)
}

type templateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
	Version     string          `json:"version"`
}

// validate checks the request fields shared by create and update. The
// config document only has to parse here; bounds are enforced when an agent
// is created from the template, after merging.
func (req *templateRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Version != "" && !semverRe.MatchString(req.Version) {
		return "version must be of the form x.y.z"
	}
	if len(req.Config) > 0 {
		if _, err := agentcfg.Parse(req.Config); err != nil {
			return "invalid config: " + err.Error()
		}
	}
	return ""
}

func (req *templateRequest) config() string {
	if len(req.Config) == 0 {
		return "{}"
	}
	return string(req.Config)
}

// Create handles POST /api/templates.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromCtx(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		Fail(w, http.StatusBadRequest, msg)
		return
	}

	tpl := &db.AgentTemplate{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.config(),
		IsActive:    true,
		CreatedBy:   p.UserID,
	}
	if req.Version != "" {
		tpl.Version = req.Version
	} else {
		tpl.Version = "1.0.0"
	}

	if err := h.templates.Create(r.Context(), tpl); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Fail(w, http.StatusConflict, "an active template named "+req.Name+" already exists")
			return
		}
		h.logger.Error("creating template", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	Created(w, templateToResponse(tpl))
}

// Get handles GET /api/templates/{id}.
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	tpl, err := h.templates.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Fail(w, http.StatusNotFound, "template not found")
			return
		}
		h.logger.Error("fetching template", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	Ok(w, templateToResponse(tpl))
}

// Update handles PUT /api/templates/{id}.
func (h *TemplateHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		Fail(w, http.StatusBadRequest, msg)
		return
	}

	tpl, err := h.templates.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Fail(w, http.StatusNotFound, "template not found")
			return
		}
		h.logger.Error("fetching template for update", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	tpl.Name = req.Name
	tpl.Description = req.Description
	tpl.Config = req.config()
	if req.Version != "" {
		tpl.Version = req.Version
	}

	if err := h.templates.Update(r.Context(), tpl); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Fail(w, http.StatusConflict, "an active template named "+req.Name+" already exists")
			return
		}
		h.logger.Error("updating template", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	Ok(w, templateToResponse(tpl))
}

// Delete handles DELETE /api/templates/{id}. Templates still referenced by
// agents are deactivated instead of removed.
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	refs, err := h.agents.CountByTemplate(r.Context(), id)
	if err != nil {
		h.logger.Error("counting template references", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	if refs > 0 {
		if err := h.templates.Deactivate(r.Context(), id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				Fail(w, http.StatusNotFound, "template not found")
				return
			}
			h.logger.Error("deactivating template", zap.Error(err))
			Fail(w, http.StatusInternalServerError, "an internal error occurred")
			return
		}
		OkMessage(w, "template is referenced by agents and was deactivated")
		return
	}

	if err := h.templates.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Fail(w, http.StatusNotFound, "template not found")
			return
		}
		h.logger.Error("deleting template", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	OkMessage(w, "template deleted")
}
