package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/finops/costpipe/internal/domain/shared"
	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/infrastructure/persistence/models"
)

// PatternRepository loads tagging patterns from the database. It implements
// tagging.Source for the pattern cache.
type PatternRepository struct {
	db *gorm.DB
}

// NewPatternRepository creates a new pattern repository.
func NewPatternRepository(db *gorm.DB) *PatternRepository {
	return &PatternRepository{db: db}
}

// Fetch returns the full active pattern set, ordered by priority tier then
// owner label so downstream matching is deterministic.
func (r *PatternRepository) Fetch(ctx context.Context) ([]tagging.Pattern, error) {
	var rows []models.TagPatternModel
	err := r.db.WithContext(ctx).
		Order("priority_tier ASC, owner_label ASC, pattern ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pattern repository: fetch: %w: %w", shared.ErrPatternSourceDown, err)
	}
	patterns := make([]tagging.Pattern, 0, len(rows))
	for i := range rows {
		patterns = append(patterns, rows[i].ToDomain())
	}
	return patterns, nil
}

// Save upserts one pattern row, keyed by pattern text.
func (r *PatternRepository) Save(ctx context.Context, p tagging.Pattern) error {
	var existing models.TagPatternModel
	err := r.db.WithContext(ctx).Where("pattern = ?", p.Pattern).First(&existing).Error
	switch {
	case err == nil:
		existing.OwnerLabel = p.OwnerLabel
		existing.PriorityTier = p.PriorityTier
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("pattern repository: update %q: %w", p.Pattern, err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := models.TagPatternModel{
			Pattern:      p.Pattern,
			OwnerLabel:   p.OwnerLabel,
			PriorityTier: p.PriorityTier,
		}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("pattern repository: create %q: %w", p.Pattern, err)
		}
		return nil
	default:
		return fmt.Errorf("pattern repository: lookup %q: %w", p.Pattern, err)
	}
}
