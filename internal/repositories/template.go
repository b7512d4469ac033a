package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/aviary-run/aviary/internal/db"
)

// gormTemplateRepository is the GORM implementation of TemplateRepository.
type gormTemplateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository returns a TemplateRepository backed by the provided
// *gorm.DB.
func NewTemplateRepository(database *gorm.DB) TemplateRepository {
	return &gormTemplateRepository{db: database}
}

func (r *gormTemplateRepository) Create(ctx context.Context, tpl *db.AgentTemplate) error {
	if err := r.db.WithContext(ctx).Create(tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("templates: create: %w", err)
	}
	return nil
}

func (r *gormTemplateRepository) GetByID(ctx context.Context, id uint64) (*db.AgentTemplate, error) {
	var tpl db.AgentTemplate
	err := r.db.WithContext(ctx).First(&tpl, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("templates: get by id: %w", err)
	}
	return &tpl, nil
}

func (r *gormTemplateRepository) Update(ctx context.Context, tpl *db.AgentTemplate) error {
	result := r.db.WithContext(ctx).Save(tpl)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("templates: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTemplateRepository) Deactivate(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentTemplate{}).
		Where("id = ?", id).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("templates: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTemplateRepository) Delete(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).Delete(&db.AgentTemplate{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("templates: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTemplateRepository) List(ctx context.Context, opts ListOptions) ([]db.AgentTemplate, int64, error) {
	var templates []db.AgentTemplate
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AgentTemplate{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("templates: list count: %w", err)
	}

	query := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit).Offset(opts.Offset())
	}
	if err := query.Find(&templates).Error; err != nil {
		return nil, 0, fmt.Errorf("templates: list: %w", err)
	}

	return templates, total, nil
}
