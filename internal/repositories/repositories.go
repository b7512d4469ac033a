// Package repositories defines the persistence interfaces of the supervisor
// and their GORM implementations. The agent repository is the source of
// truth for the lifecycle state machine: every mutation the controller makes
// goes through a compare-and-set on the persisted status so that concurrent
// intents serialize on the database rather than on in-memory state.
package repositories

import (
	"context"
	"time"

	"github.com/aviary-run/aviary/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains pagination and sorting options for list queries.
// SortBy must be one of the allowed column names; the API layer validates
// user input before it reaches a repository.
type ListOptions struct {
	Page      int
	Limit     int
	SortBy    string // "created_at", "name" or "status"
	SortOrder string // "asc" or "desc"
}

// Offset returns the row offset implied by Page and Limit.
func (o ListOptions) Offset() int {
	page := o.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * o.Limit
}

// Patch is a set of column updates applied in a single statement. Keys are
// column names; a nil value writes NULL. Used instead of full-row saves so
// compare-and-set updates touch exactly the fields they mean to.
type Patch map[string]any

// -----------------------------------------------------------------------------
// Users & sessions
// -----------------------------------------------------------------------------

type UserRepository interface {
	// Create inserts a new user. Returns ErrConflict when the username or
	// email is already taken.
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uint64) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	UpdateLastLogin(ctx context.Context, id uint64, at time.Time) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *db.UserSession) error
	GetByHash(ctx context.Context, hash string) (*db.UserSession, error)
	DeleteByHash(ctx context.Context, hash string) error
	// DeleteExpired removes sessions past their expiry; run periodically.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Agent templates
// -----------------------------------------------------------------------------

type TemplateRepository interface {
	// Create inserts a template. Returns ErrConflict when an active
	// template with the same name already exists.
	Create(ctx context.Context, tpl *db.AgentTemplate) error
	GetByID(ctx context.Context, id uint64) (*db.AgentTemplate, error)
	Update(ctx context.Context, tpl *db.AgentTemplate) error
	// Deactivate soft-disables a template without removing it; used when
	// the template is still referenced by agents.
	Deactivate(ctx context.Context, id uint64) error
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, opts ListOptions) ([]db.AgentTemplate, int64, error)
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentFilter narrows agent list queries. Zero-valued fields are ignored.
type AgentFilter struct {
	Status  *db.AgentStatus
	OwnerID *uint64
	Search  string // substring match on name and description
}

type AgentRepository interface {
	// Create inserts a new agent row. Returns ErrConflict on a duplicate
	// name.
	Create(ctx context.Context, agent *db.Agent) error

	GetByID(ctx context.Context, id uint64) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)

	// UpdateFields applies patch iff the row's current status is one of
	// expected (compare-and-set). Returns the updated row, ErrNotFound,
	// ErrStatusChanged when the CAS condition fails, or ErrConflict when
	// the patch violates the name/port/pid unique constraints.
	UpdateFields(ctx context.Context, id uint64, patch Patch, expected ...db.AgentStatus) (*db.Agent, error)

	// UpdateHeartbeat records a liveness timestamp without a CAS condition.
	// Heartbeats race benignly with stop transitions; a beat landing on a
	// non-running row is harmless and cleaned by the next sweep.
	UpdateHeartbeat(ctx context.Context, id uint64, at time.Time) error

	// Delete removes the row iff its status is one of expected.
	Delete(ctx context.Context, id uint64, expected ...db.AgentStatus) error

	List(ctx context.Context, filter AgentFilter, opts ListOptions) ([]db.Agent, int64, error)
	CountByStatus(ctx context.Context) (map[db.AgentStatus]int64, error)
	CountByTemplate(ctx context.Context, templateID uint64) (int64, error)

	// PortsInRange returns every port currently assigned to an agent row
	// within [lo, hi]. The allocator scans this set; the unique index on
	// the port column arbitrates concurrent winners.
	PortsInRange(ctx context.Context, lo, hi int) (map[int]struct{}, error)

	// StaleRunning returns agents persisted as running whose last heartbeat
	// is missing or older than now minus threshold.
	StaleRunning(ctx context.Context, threshold time.Duration, now time.Time) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// Event rows
// -----------------------------------------------------------------------------

// EventRepository appends the log, metric, and alert rows the core emits.
// These tables are collaborator storage: nothing in the lifecycle state
// machine reads them back.
type EventRepository interface {
	AppendLog(ctx context.Context, log *db.AgentLog) error
	AppendMetric(ctx context.Context, metric *db.AgentMetric) error
	AppendAlert(ctx context.Context, alert *db.AgentAlert) error
}
