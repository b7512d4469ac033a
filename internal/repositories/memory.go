package repositories

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aviary-run/aviary/internal/db"
)

// In-memory repository implementations. They honor the same contracts as
// the GORM versions — CAS semantics, unique constraints on agent name, port
// and pid — and exist so the controller, health monitor, and API layers can
// be tested without a database.

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// MemoryAgentRepository is a map-backed AgentRepository safe for concurrent
// use.
type MemoryAgentRepository struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]*db.Agent
}

// NewMemoryAgentRepository returns an empty in-memory agent repository.
func NewMemoryAgentRepository() *MemoryAgentRepository {
	return &MemoryAgentRepository{rows: make(map[uint64]*db.Agent)}
}

func (r *MemoryAgentRepository) Create(_ context.Context, agent *db.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Name == agent.Name {
			return ErrConflict
		}
	}

	r.nextID++
	agent.ID = r.nextID
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	clone := *agent
	r.rows[agent.ID] = &clone
	return nil
}

func (r *MemoryAgentRepository) GetByID(_ context.Context, id uint64) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *MemoryAgentRepository) GetByName(_ context.Context, name string) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Name == name {
			clone := *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryAgentRepository) UpdateFields(_ context.Context, id uint64, patch Patch, expected ...db.AgentStatus) (*db.Agent, error) {
	if len(expected) == 0 {
		return nil, fmt.Errorf("agents: update fields: no expected status given")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(row.Status, expected) {
		return nil, ErrStatusChanged
	}

	// Apply onto a copy first so a constraint violation leaves the row
	// untouched.
	updated := *row
	if err := applyAgentPatch(&updated, patch); err != nil {
		return nil, err
	}

	for otherID, other := range r.rows {
		if otherID == id {
			continue
		}
		if updated.Name == other.Name {
			return nil, ErrConflict
		}
		if updated.Port != nil && other.Port != nil && *updated.Port == *other.Port {
			return nil, ErrConflict
		}
		if updated.ProcessID != nil && other.ProcessID != nil && *updated.ProcessID == *other.ProcessID {
			return nil, ErrConflict
		}
	}

	updated.UpdatedAt = time.Now()
	r.rows[id] = &updated
	clone := updated
	return &clone, nil
}

func applyAgentPatch(agent *db.Agent, patch Patch) error {
	for column, value := range patch {
		switch column {
		case "name":
			agent.Name = value.(string)
		case "description":
			agent.Description = value.(string)
		case "config":
			agent.Config = value.(string)
		case "status":
			agent.Status = value.(db.AgentStatus)
		case "port":
			agent.Port = toIntPtr(value)
		case "process_id":
			agent.ProcessID = toIntPtr(value)
		case "error_message":
			if value == nil {
				agent.ErrorMessage = nil
			} else {
				s := value.(string)
				agent.ErrorMessage = &s
			}
		case "restart_count":
			agent.RestartCount = value.(int)
		case "last_heartbeat":
			if value == nil {
				agent.LastHeartbeat = nil
			} else {
				t := value.(time.Time)
				agent.LastHeartbeat = &t
			}
		default:
			return fmt.Errorf("agents: unsupported patch column %q", column)
		}
	}
	return nil
}

func toIntPtr(value any) *int {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case int:
		n := v
		return &n
	case *int:
		return v
	}
	panic(fmt.Sprintf("unsupported int patch value %T", value))
}

func (r *MemoryAgentRepository) UpdateHeartbeat(_ context.Context, id uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	row.LastHeartbeat = &t
	return nil
}

func (r *MemoryAgentRepository) Delete(_ context.Context, id uint64, expected ...db.AgentStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("agents: delete: no expected status given")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(row.Status, expected) {
		return ErrStatusChanged
	}
	delete(r.rows, id)
	return nil
}

func (r *MemoryAgentRepository) List(_ context.Context, filter AgentFilter, opts ListOptions) ([]db.Agent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []db.Agent
	for _, row := range r.rows {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.OwnerID != nil && row.CreatedBy != *filter.OwnerID {
			continue
		}
		if filter.Search != "" &&
			!strings.Contains(row.Name, filter.Search) &&
			!strings.Contains(row.Description, filter.Search) {
			continue
		}
		matched = append(matched, *row)
	}

	sortAgents(matched, opts)
	total := int64(len(matched))

	offset := opts.Offset()
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}
	return matched[offset:end], total, nil
}

func sortAgents(agents []db.Agent, opts ListOptions) {
	asc := opts.SortOrder == "asc"
	sort.Slice(agents, func(i, j int) bool {
		var less bool
		switch opts.SortBy {
		case "name":
			less = agents[i].Name < agents[j].Name
		case "status":
			less = agents[i].Status < agents[j].Status
		default:
			less = agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		if asc {
			return less
		}
		return !less
	})
}

func (r *MemoryAgentRepository) CountByStatus(_ context.Context) (map[db.AgentStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[db.AgentStatus]int64)
	for _, row := range r.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (r *MemoryAgentRepository) CountByTemplate(_ context.Context, templateID uint64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, row := range r.rows {
		if row.TemplateID != nil && *row.TemplateID == templateID {
			count++
		}
	}
	return count, nil
}

func (r *MemoryAgentRepository) PortsInRange(_ context.Context, lo, hi int) (map[int]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assigned := make(map[int]struct{})
	for _, row := range r.rows {
		if row.Port != nil && *row.Port >= lo && *row.Port <= hi {
			assigned[*row.Port] = struct{}{}
		}
	}
	return assigned, nil
}

func (r *MemoryAgentRepository) StaleRunning(_ context.Context, threshold time.Duration, now time.Time) ([]db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-threshold)
	var stale []db.Agent
	for _, row := range r.rows {
		if row.Status != db.StatusRunning {
			continue
		}
		if row.LastHeartbeat == nil || row.LastHeartbeat.Before(cutoff) {
			stale = append(stale, *row)
		}
	}
	return stale, nil
}

func statusIn(status db.AgentStatus, set []db.AgentStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Users & sessions
// -----------------------------------------------------------------------------

// MemoryUserRepository is a map-backed UserRepository.
type MemoryUserRepository struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]*db.User
}

// NewMemoryUserRepository returns an empty in-memory user repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{rows: make(map[uint64]*db.User)}
}

func (r *MemoryUserRepository) Create(_ context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Username == user.Username || row.Email == user.Email {
			return ErrConflict
		}
	}

	r.nextID++
	user.ID = r.nextID
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	clone := *user
	r.rows[user.ID] = &clone
	return nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id uint64) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *MemoryUserRepository) GetByUsername(_ context.Context, username string) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Username == username {
			clone := *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryUserRepository) UpdateLastLogin(_ context.Context, id uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	row.LastLoginAt = &t
	return nil
}

// MemorySessionRepository is a map-backed SessionRepository.
type MemorySessionRepository struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[string]*db.UserSession // keyed by token hash
}

// NewMemorySessionRepository returns an empty in-memory session repository.
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{rows: make(map[string]*db.UserSession)}
}

func (r *MemorySessionRepository) Create(_ context.Context, session *db.UserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	session.ID = r.nextID
	session.CreatedAt = time.Now()
	clone := *session
	r.rows[session.TokenHash] = &clone
	return nil
}

func (r *MemorySessionRepository) GetByHash(_ context.Context, hash string) (*db.UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[hash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *MemorySessionRepository) DeleteByHash(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[hash]; !ok {
		return ErrNotFound
	}
	delete(r.rows, hash)
	return nil
}

func (r *MemorySessionRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for hash, row := range r.rows {
		if row.ExpiresAt.Before(now) {
			delete(r.rows, hash)
			removed++
		}
	}
	return removed, nil
}

// -----------------------------------------------------------------------------
// Templates
// -----------------------------------------------------------------------------

// MemoryTemplateRepository is a map-backed TemplateRepository.
type MemoryTemplateRepository struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]*db.AgentTemplate
}

// NewMemoryTemplateRepository returns an empty in-memory template
// repository.
func NewMemoryTemplateRepository() *MemoryTemplateRepository {
	return &MemoryTemplateRepository{rows: make(map[uint64]*db.AgentTemplate)}
}

func (r *MemoryTemplateRepository) Create(_ context.Context, tpl *db.AgentTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tpl.IsActive {
		for _, row := range r.rows {
			if row.IsActive && row.Name == tpl.Name {
				return ErrConflict
			}
		}
	}

	r.nextID++
	tpl.ID = r.nextID
	now := time.Now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	clone := *tpl
	r.rows[tpl.ID] = &clone
	return nil
}

func (r *MemoryTemplateRepository) GetByID(_ context.Context, id uint64) (*db.AgentTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *MemoryTemplateRepository) Update(_ context.Context, tpl *db.AgentTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[tpl.ID]; !ok {
		return ErrNotFound
	}
	if tpl.IsActive {
		for id, row := range r.rows {
			if id != tpl.ID && row.IsActive && row.Name == tpl.Name {
				return ErrConflict
			}
		}
	}
	tpl.UpdatedAt = time.Now()
	clone := *tpl
	r.rows[tpl.ID] = &clone
	return nil
}

func (r *MemoryTemplateRepository) Deactivate(_ context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.IsActive = false
	return nil
}

func (r *MemoryTemplateRepository) Delete(_ context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[id]; !ok {
		return ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *MemoryTemplateRepository) List(_ context.Context, opts ListOptions) ([]db.AgentTemplate, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	templates := make([]db.AgentTemplate, 0, len(r.rows))
	for _, row := range r.rows {
		templates = append(templates, *row)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})

	total := int64(len(templates))
	offset := opts.Offset()
	if offset > len(templates) {
		offset = len(templates)
	}
	end := len(templates)
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}
	return templates[offset:end], total, nil
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// MemoryEventRepository collects emitted rows for test inspection.
type MemoryEventRepository struct {
	mu      sync.Mutex
	Logs    []db.AgentLog
	Metrics []db.AgentMetric
	Alerts  []db.AgentAlert
}

// NewMemoryEventRepository returns an empty in-memory event repository.
func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{}
}

func (r *MemoryEventRepository) AppendLog(_ context.Context, log *db.AgentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logs = append(r.Logs, *log)
	return nil
}

func (r *MemoryEventRepository) AppendMetric(_ context.Context, metric *db.AgentMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Metrics = append(r.Metrics, *metric)
	return nil
}

func (r *MemoryEventRepository) AppendAlert(_ context.Context, alert *db.AgentAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, *alert)
	return nil
}

// AlertKinds returns the kinds of all recorded alerts, oldest first.
func (r *MemoryEventRepository) AlertKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.Alerts))
	for i, a := range r.Alerts {
		kinds[i] = a.Kind
	}
	return kinds
}
