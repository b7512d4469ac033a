package db

import (
	"time"
)

// Base contains the common fields shared by all models. IDs are
// auto-incrementing integers: they cross the process boundary as the
// AGENT_ID environment variable (a decimal string), so opaque UUIDs would
// only add friction. CreatedAt and UpdatedAt are managed by GORM.
type Base struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// Role is the authorization level of a user. The hierarchy is strict:
// admin ≥ operator ≥ viewer.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Level returns the numeric rank of the role for ≥ comparisons.
// Unknown roles rank below viewer.
func (r Role) Level() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// Valid reports whether r is one of the three recognized roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleViewer
}

// User is an authenticated principal of the control plane.
// PasswordHash is an Argon2id digest; the plaintext never touches the store.
type User struct {
	Base
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         Role   `gorm:"not null;default:'viewer'"`
	IsActive     bool   `gorm:"not null;default:true"`
	LastLoginAt  *time.Time
}

// UserSession stores a hashed refresh token. The raw token is never
// persisted — only its SHA-256 hash. Tokens are rotated on every refresh.
type UserSession struct {
	Base
	UserID    uint64    `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	UserAgent string
	IPAddress string
}

// -----------------------------------------------------------------------------
// Agent templates
// -----------------------------------------------------------------------------

// AgentTemplate is a reusable defaulting source for agent configs. Creating
// an agent from a template deep-merges the user-supplied config on top of
// the template's. At most one active template may exist per name; templates
// referenced by agents are deactivated rather than deleted.
type AgentTemplate struct {
	Base
	Name        string `gorm:"not null;index"`
	Description string `gorm:"type:text;default:''"`
	Config      string `gorm:"type:text;not null;default:'{}'"` // JSON config document
	Version     string `gorm:"not null;default:'1.0.0'"`        // semver x.y.z
	IsActive    bool   `gorm:"not null;default:true"`
	CreatedBy   uint64 `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentStatus is the persisted state of an agent's lifecycle. Transitions
// are owned exclusively by the controller; see controller.Controller.
type AgentStatus string

const (
	StatusStopped  AgentStatus = "stopped"
	StatusStarting AgentStatus = "starting"
	StatusRunning  AgentStatus = "running"
	StatusStopping AgentStatus = "stopping"
	StatusError    AgentStatus = "error"
)

// Valid reports whether s is one of the five lifecycle states.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusError:
		return true
	}
	return false
}

// Live reports whether the status implies an owned OS process, i.e. whether
// process_id and port must be non-null.
func (s AgentStatus) Live() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Agent is the persisted definition of a worker process and its runtime
// status.
//
// Invariants enforced by the controller and backed by the schema:
//   - process_id is unique across agents where non-null
//   - port is unique across agents where non-null
//   - process_id and port are non-null iff the status is live
//   - error_message is non-null iff status = error
type Agent struct {
	Base
	Name          string      `gorm:"uniqueIndex;not null"`
	Description   string      `gorm:"type:text;default:''"`
	Status        AgentStatus `gorm:"not null;default:'stopped';index"`
	Config        string      `gorm:"type:text;not null;default:'{}'"` // JSON config document
	TemplateID    *uint64     `gorm:"index"`
	ProcessID     *int        // OS pid while live
	Port          *int        // allocated TCP port while live
	LastHeartbeat *time.Time
	ErrorMessage  *string `gorm:"type:text"`
	RestartCount  int     `gorm:"not null;default:0"`
	CreatedBy     uint64  `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Event rows (append-only collaborator storage)
// -----------------------------------------------------------------------------

// AgentLog stores a structured log line emitted by or about an agent.
// Rows cascade-delete with their parent agent.
type AgentLog struct {
	Base
	AgentID uint64 `gorm:"not null;index"`
	Level   string `gorm:"not null"` // "info", "warn", "error"
	Source  string `gorm:"not null;default:'supervisor'"` // "supervisor", "stdout", "stderr"
	Message string `gorm:"type:text;not null"`
}

// AgentMetric stores one resource-usage sample reported by a worker's
// metrics record.
type AgentMetric struct {
	Base
	AgentID         uint64    `gorm:"not null;index"`
	MemoryRSS       int64     `gorm:"not null;default:0"`
	MemoryHeapTotal int64     `gorm:"not null;default:0"`
	MemoryHeapUsed  int64     `gorm:"not null;default:0"`
	CPUUser         int64     `gorm:"not null;default:0"` // microseconds
	CPUSystem       int64     `gorm:"not null;default:0"` // microseconds
	SampledAt       time.Time `gorm:"not null;index"`
}

// AgentAlert records a noteworthy lifecycle event that an operator should
// see: crash loops, heartbeat timeouts, startup failures.
type AgentAlert struct {
	Base
	AgentID uint64 `gorm:"not null;index"`
	Kind    string `gorm:"not null"` // "crash", "heartbeat_timeout", "startup_timeout"
	Message string `gorm:"type:text;not null"`
}
