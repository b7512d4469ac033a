package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/aviary-run/aviary/internal/db"
)

// gormEventRepository is the GORM implementation of EventRepository.
type gormEventRepository struct {
	db *gorm.DB
}

// NewEventRepository returns an EventRepository backed by the provided
// *gorm.DB.
func NewEventRepository(database *gorm.DB) EventRepository {
	return &gormEventRepository{db: database}
}

func (r *gormEventRepository) AppendLog(ctx context.Context, log *db.AgentLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("events: append log: %w", err)
	}
	return nil
}

func (r *gormEventRepository) AppendMetric(ctx context.Context, metric *db.AgentMetric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("events: append metric: %w", err)
	}
	return nil
}

func (r *gormEventRepository) AppendAlert(ctx context.Context, alert *db.AgentAlert) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("events: append alert: %w", err)
	}
	return nil
}
