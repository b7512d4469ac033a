package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aviary-run/aviary/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided
// *gorm.DB.
func NewAgentRepository(database *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: database}
}

func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id uint64) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// UpdateFields applies patch with a compare-and-set on the current status.
// A zero RowsAffected result is disambiguated with a follow-up read: the row
// either disappeared (ErrNotFound) or its status moved under us
// (ErrStatusChanged).
func (r *gormAgentRepository) UpdateFields(ctx context.Context, id uint64, patch Patch, expected ...db.AgentStatus) (*db.Agent, error) {
	if len(expected) == 0 {
		return nil, fmt.Errorf("agents: update fields: no expected status given")
	}

	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(map[string]any(patch))
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("agents: update fields: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusChanged
	}

	return r.GetByID(ctx, id)
}

func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uint64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("agents: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) Delete(ctx context.Context, id uint64, expected ...db.AgentStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("agents: delete: no expected status given")
	}

	result := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, expected).
		Delete(&db.Agent{})
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, filter AgentFilter, opts ListOptions) ([]db.Agent, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.Agent{})

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.OwnerID != nil {
		query = query.Where("created_by = ?", *filter.OwnerID)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where("name LIKE ? OR description LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	query = query.Order(orderClause(opts))
	// Limit 0 means unpaged: internal callers (shutdown, sweeps) want every
	// row.
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit).Offset(opts.Offset())
	}

	var agents []db.Agent
	if err := query.Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// orderClause builds the ORDER BY from pre-validated sort options. The API
// layer restricts SortBy to {created_at, name, status} before it gets here;
// anything else falls back to created_at to keep the clause injection-safe.
func orderClause(opts ListOptions) string {
	column := "created_at"
	switch opts.SortBy {
	case "name", "status", "created_at":
		column = opts.SortBy
	}
	direction := "DESC"
	if opts.SortOrder == "asc" {
		direction = "ASC"
	}
	return column + " " + direction
}

func (r *gormAgentRepository) CountByStatus(ctx context.Context) (map[db.AgentStatus]int64, error) {
	type row struct {
		Status db.AgentStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("agents: count by status: %w", err)
	}

	counts := make(map[db.AgentStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (r *gormAgentRepository) CountByTemplate(ctx context.Context, templateID uint64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("template_id = ?", templateID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("agents: count by template: %w", err)
	}
	return count, nil
}

func (r *gormAgentRepository) PortsInRange(ctx context.Context, lo, hi int) (map[int]struct{}, error) {
	var ports []int
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("port IS NOT NULL AND port BETWEEN ? AND ?", lo, hi).
		Pluck("port", &ports).Error
	if err != nil {
		return nil, fmt.Errorf("agents: ports in range: %w", err)
	}

	assigned := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		assigned[p] = struct{}{}
	}
	return assigned, nil
}

func (r *gormAgentRepository) StaleRunning(ctx context.Context, threshold time.Duration, now time.Time) ([]db.Agent, error) {
	cutoff := now.Add(-threshold)
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", db.StatusRunning, cutoff).
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: stale running: %w", err)
	}
	return agents, nil
}
