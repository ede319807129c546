package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AreaRepository manages Area and AreaAuthorization rows. Areas are shared:
// the discovery handler writes, readers query read-only (§3 Ownership).
type AreaRepository interface {
	// UpsertBatchAndAuthorize inserts or updates areas by full_path inside a single
	// transaction, runs fn (the job-creation side of a discovery fan-out)
	// inside the same transaction, and authorizes accountID for every area.
	// If fn returns an error the whole batch — areas, authorizations, and
	// any jobs fn created via the passed *gorm.DB — rolls back together,
	// matching §4.G step 3's "whole batch is aborted" failure semantics.
	UpsertBatchAndAuthorize(ctx context.Context, areas []Area, accountID string, fn func(tx *gorm.DB) error) error
	GetByPath(ctx context.Context, fullPath string) (*Area, error)
	IsAuthorized(ctx context.Context, accountID, fullPath string) (bool, error)
}

type gormAreaRepository struct {
	db *gorm.DB
}

// NewAreaRepository returns an AreaRepository backed by db.
func NewAreaRepository(db *gorm.DB) AreaRepository {
	return &gormAreaRepository{db: db}
}

func (r *gormAreaRepository) UpsertBatchAndAuthorize(ctx context.Context, areas []Area, accountID string, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range areas {
			a := areas[i]
			if a.CreatedAt.IsZero() {
				a.CreatedAt = time.Now().UTC()
			}
			// Upsert by full_path; type may not change once set to project
			// (§3 Area invariant) — the DoUpdates clause never touches
			// "type", so an existing row keeps its type until the promotion
			// step below.
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "full_path"}},
				DoUpdates: clause.AssignmentColumns([]string{"gitlab_id", "name"}),
			}).Create(&a).Error; err != nil {
				return fmt.Errorf("store: upsert area %s: %w", a.FullPath, err)
			}

			// If the area already existed as a project and this call tries
			// to relabel it a group, leave Type untouched — enforce the
			// invariant by reading back and fixing forward only from
			// unset/group to project, never the reverse.
			if a.Type == AreaProject {
				if err := tx.Model(&Area{}).
					Where("full_path = ? AND type <> ?", a.FullPath, AreaProject).
					Update("type", AreaProject).Error; err != nil {
					return fmt.Errorf("store: promote area %s to project: %w", a.FullPath, err)
				}
			}

			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&AreaAuthorization{
				AccountID: accountID,
				AreaPath:  a.FullPath,
				CreatedAt: time.Now().UTC(),
			}).Error; err != nil {
				return fmt.Errorf("store: authorize area %s: %w", a.FullPath, err)
			}
		}

		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *gormAreaRepository) GetByPath(ctx context.Context, fullPath string) (*Area, error) {
	var area Area
	if err := r.db.WithContext(ctx).First(&area, "full_path = ?", fullPath).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: area get: %w", err)
	}
	return &area, nil
}

func (r *gormAreaRepository) IsAuthorized(ctx context.Context, accountID, fullPath string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&AreaAuthorization{}).
		Where("account_id = ? AND area_path = ?", accountID, fullPath).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: area authorization lookup: %w", err)
	}
	return count > 0, nil
}
