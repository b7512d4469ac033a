// Package controller is the sole writer of the agent state machine. Every
// intent — from the API, the health monitor, or crash recovery — flows
// through it. It serializes intents per agent, pairs persisted status
// transitions with supervisor actions, and enforces ownership.
package controller

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/agentcfg"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/ports"
	"github.com/aviary-run/aviary/internal/repositories"
	"github.com/aviary-run/aviary/internal/supervisor"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Principal identifies the caller of a controller operation. System is set
// for internal callers (health monitor, crash recovery) which bypass
// ownership checks.
type Principal struct {
	UserID uint64
	Role   db.Role
	System bool
}

// SystemPrincipal is the identity used for internal intents.
var SystemPrincipal = Principal{System: true}

func (p Principal) admin() bool {
	return p.System || p.Role == db.RoleAdmin
}

func (p Principal) mayAccess(agent *db.Agent) bool {
	return p.admin() || agent.CreatedBy == p.UserID
}

// Event is a lifecycle notification published to subscribers (WebSocket
// hub).
type Event struct {
	Type      string         `json:"type"`
	AgentID   uint64         `json:"agentId"`
	AgentName string         `json:"agentName"`
	Status    db.AgentStatus `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Config holds controller tunables, all sourced from the environment.
type Config struct {
	HeartbeatInterval time.Duration
	ReadyTimeout      time.Duration
	GraceTimeout      time.Duration
	RestartBackoff    time.Duration
	MaxRestarts       int
	ShutdownTimeout   time.Duration
}

// CreateRequest is the payload for creating an agent.
type CreateRequest struct {
	Name        string
	Description string
	Config      []byte // JSON document, may be nil when TemplateID is set
	TemplateID  *uint64
}

// UpdateRequest is the payload for updating a stopped agent. Nil fields are
// left unchanged.
type UpdateRequest struct {
	Name        *string
	Description *string
	Config      []byte
}

// runtimeInfo is per-agent state the controller tracks outside the store:
// spawn time, the latest metrics sample, and the heartbeat debounce mark.
type runtimeInfo struct {
	startedAt     time.Time
	lastMetrics   *supervisor.Metrics
	lastHeartbeat time.Time
	lastPersisted time.Time
}

// Controller implements the agent lifecycle state machine.
type Controller struct {
	cfg       Config
	agents    repositories.AgentRepository
	templates repositories.TemplateRepository
	events    repositories.EventRepository
	alloc     *ports.Allocator
	sup       *supervisor.Supervisor
	clock     clockwork.Clock
	logger    *zap.Logger
	publisher Publisher

	// locks serializes intents per agent; operations on different agents
	// run in parallel.
	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex

	runtimeMu sync.Mutex
	runtime   map[uint64]*runtimeInfo

	// lastPort remembers the port an agent held before its most recent
	// release, so a restart can steer the allocator away from it.
	lastPortMu sync.Mutex
	lastPort   map[uint64]int

	shutdownMu   sync.Mutex
	shuttingDown bool

	recoveryCh chan uint64
}

// New wires a Controller and its supervisor. spawner and clock are
// injectable for tests; publisher may be nil.
func New(
	cfg Config,
	agents repositories.AgentRepository,
	templates repositories.TemplateRepository,
	events repositories.EventRepository,
	alloc *ports.Allocator,
	spawner supervisor.Spawner,
	clock clockwork.Clock,
	logger *zap.Logger,
	publisher Publisher,
) *Controller {
	c := &Controller{
		cfg:        cfg,
		agents:     agents,
		templates:  templates,
		events:     events,
		alloc:      alloc,
		clock:      clock,
		logger:     logger.Named("controller"),
		publisher:  publisher,
		locks:      make(map[uint64]*sync.Mutex),
		runtime:    make(map[uint64]*runtimeInfo),
		lastPort:   make(map[uint64]int),
		recoveryCh: make(chan uint64, 64),
	}
	c.sup = supervisor.New(spawner, supervisor.Config{
		ReadyTimeout: cfg.ReadyTimeout,
		GraceTimeout: cfg.GraceTimeout,
	}, supervisor.Hooks{
		OnSpawn:     c.onSpawn,
		OnExit:      c.onExit,
		OnHeartbeat: c.onHeartbeat,
		OnMetrics:   c.onMetrics,
		OnLog:       c.onWorkerLog,
	}, clock, logger)
	return c
}

// lock acquires the per-agent mutex.
func (c *Controller) lock(agentID uint64) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[agentID] = mu
	}
	c.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Create persists a new agent in state stopped. When a template is
// referenced, the effective config is the template's config deep-merged
// with the user-supplied overrides (user wins).
func (c *Controller) Create(ctx context.Context, p Principal, req CreateRequest) (*db.Agent, error) {
	if !nameRe.MatchString(req.Name) {
		return nil, validationf("agent name must match %s", nameRe.String())
	}

	effective := req.Config
	if req.TemplateID != nil {
		tpl, err := c.templates.GetByID(ctx, *req.TemplateID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, notFoundf("template %d not found", *req.TemplateID)
			}
			return nil, internalErr("fetching template", err)
		}
		merged, err := agentcfg.Merge([]byte(tpl.Config), req.Config)
		if err != nil {
			return nil, validationf("merging template config: %v", err)
		}
		effective = merged
	}

	normalized, err := c.validateConfig(effective)
	if err != nil {
		return nil, err
	}

	agent := &db.Agent{
		Name:        req.Name,
		Description: req.Description,
		Status:      db.StatusStopped,
		Config:      normalized,
		TemplateID:  req.TemplateID,
		CreatedBy:   p.UserID,
	}
	if err := c.agents.Create(ctx, agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, conflictf("agent name %q already exists", req.Name)
		}
		return nil, internalErr("creating agent", err)
	}

	c.logger.Info("agent created",
		zap.Uint64("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.Uint64("created_by", p.UserID))
	c.publish("agent_created", agent, "")
	return agent, nil
}

// Get returns the agent if the principal owns it or is an admin.
func (c *Controller) Get(ctx context.Context, p Principal, id uint64) (*db.Agent, error) {
	agent, err := c.agents.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, notFoundf("agent %d not found", id)
		}
		return nil, internalErr("fetching agent", err)
	}
	if !p.mayAccess(agent) {
		return nil, forbiddenf("agent %d belongs to another user", id)
	}
	return agent, nil
}

// List returns a page of agents. Non-admin principals only see their own.
func (c *Controller) List(ctx context.Context, p Principal, filter repositories.AgentFilter, opts repositories.ListOptions) ([]db.Agent, int64, error) {
	if !p.admin() {
		owner := p.UserID
		filter.OwnerID = &owner
	}
	rows, total, err := c.agents.List(ctx, filter, opts)
	if err != nil {
		return nil, 0, internalErr("listing agents", err)
	}
	return rows, total, nil
}

// Update modifies name, description, or config of an agent in state stopped
// or error. The name is immutable unless the agent is stopped.
func (c *Controller) Update(ctx context.Context, p Principal, id uint64, req UpdateRequest) (*db.Agent, error) {
	unlock := c.lock(id)
	defer unlock()

	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if agent.Status != db.StatusStopped && agent.Status != db.StatusError {
		return nil, validationf("cannot update: status=%s, stop the agent first", agent.Status)
	}

	patch := repositories.Patch{}
	if req.Name != nil && *req.Name != agent.Name {
		if agent.Status != db.StatusStopped {
			return nil, validationf("cannot rename: status=%s", agent.Status)
		}
		if !nameRe.MatchString(*req.Name) {
			return nil, validationf("agent name must match %s", nameRe.String())
		}
		patch["name"] = *req.Name
	}
	if req.Description != nil {
		patch["description"] = *req.Description
	}
	if req.Config != nil {
		normalized, err := c.validateConfig(req.Config)
		if err != nil {
			return nil, err
		}
		patch["config"] = normalized
	}
	if len(patch) == 0 {
		return agent, nil
	}

	updated, err := c.agents.UpdateFields(ctx, id, patch, agent.Status)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrConflict):
			return nil, conflictf("agent name already exists")
		case errors.Is(err, repositories.ErrStatusChanged):
			return nil, validationf("agent status changed concurrently")
		case errors.Is(err, repositories.ErrNotFound):
			return nil, notFoundf("agent %d not found", id)
		}
		return nil, internalErr("updating agent", err)
	}

	c.publish("agent_updated", updated, "")
	return updated, nil
}

// Delete removes an agent in state stopped or error, along with its logs
// and metrics (cascade).
func (c *Controller) Delete(ctx context.Context, p Principal, id uint64) error {
	unlock := c.lock(id)
	defer unlock()

	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return err
	}

	if err := c.agents.Delete(ctx, id, db.StatusStopped, db.StatusError); err != nil {
		switch {
		case errors.Is(err, repositories.ErrStatusChanged):
			return validationf("cannot delete: status=%s, stop the agent first", agent.Status)
		case errors.Is(err, repositories.ErrNotFound):
			return notFoundf("agent %d not found", id)
		}
		return internalErr("deleting agent", err)
	}

	c.dropRuntime(id)
	c.dropReleasedPort(id)
	c.logger.Info("agent deleted", zap.Uint64("agent_id", id), zap.String("name", agent.Name))
	c.publish("agent_deleted", agent, "")
	return nil
}

// ValidateConfig parses and validates a config document without persisting
// anything. Returns the structured validation error for the API to render.
func (c *Controller) ValidateConfig(doc []byte) error {
	_, err := c.validateConfig(doc)
	return err
}

// validateConfig parses, validates, and re-serializes a config document.
// Unknown keys survive the round trip.
func (c *Controller) validateConfig(doc []byte) (string, error) {
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	cfg, err := agentcfg.Parse(doc)
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: "invalid config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return "", &Error{Kind: KindValidation, Message: "invalid config", Err: err}
	}
	out, err := cfg.MarshalJSON()
	if err != nil {
		return "", internalErr("serializing config", err)
	}
	return string(out), nil
}

func (c *Controller) publish(eventType string, agent *db.Agent, message string) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(Event{
		Type:      eventType,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Status:    agent.Status,
		Message:   message,
		Timestamp: c.clock.Now(),
	})
}

func (c *Controller) dropRuntime(id uint64) {
	c.runtimeMu.Lock()
	defer c.runtimeMu.Unlock()
	delete(c.runtime, id)
}

// noteReleasedPort records the port an agent held as it leaves a live
// status. Every code path that clears the port column goes through here.
func (c *Controller) noteReleasedPort(id uint64, port *int) {
	if port == nil {
		return
	}
	c.lastPortMu.Lock()
	c.lastPort[id] = *port
	c.lastPortMu.Unlock()
}

// releasedPort returns the last port the agent held, or 0 if unknown.
func (c *Controller) releasedPort(id uint64) int {
	c.lastPortMu.Lock()
	defer c.lastPortMu.Unlock()
	return c.lastPort[id]
}

func (c *Controller) dropReleasedPort(id uint64) {
	c.lastPortMu.Lock()
	defer c.lastPortMu.Unlock()
	delete(c.lastPort, id)
}
