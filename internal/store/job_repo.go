package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JobFilter narrows JobRepository.Query. Zero-valued fields are ignored.
type JobFilter struct {
	ID        string
	Status    JobStatus
	AccountID string
	Command   string
	FullPath  string
	Limit     int
}

// JobRepository is the sole writer of Job rows (§4.E). All mutating methods
// take the full lifecycle bookkeeping (timestamps, resume_state clearing) on
// themselves so the Job Service never has to remember the rules by hand.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Query(ctx context.Context, f JobFilter) ([]Job, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus, now time.Time) error
	MarkStarted(ctx context.Context, id string, now time.Time, metadata JSONMap) error
	UpdateProgress(ctx context.Context, id string, patch JSONMap, resume *JSONMap) error
	MarkCompleted(ctx context.Context, id string, now time.Time, finalCounts JSONMap) error
	MarkFailed(ctx context.Context, id string, now time.Time, recoverable bool, failure JSONMap) error
	// TouchCreatedAt rewrites a job's created_at. get_available orders
	// strictly by created_at ASC and there is no priority column, so this is
	// the only ordering signal the discovery handler's priority nudge can
	// persist.
	TouchCreatedAt(ctx context.Context, id string, createdAt time.Time) error
	// ClaimAvailable selects up to limit queued (and optionally failed) rows
	// whose account has a token, and atomically marks them running in the
	// same transaction so no two concurrent pollers receive the same job.
	ClaimAvailable(ctx context.Context, limit int, includeFailed bool, excludeCommand string, now time.Time) ([]Job, error)
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by db.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *Job) error {
	if job.Progress == nil {
		job.Progress = JSONMap{}
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("store: job create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: job get: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) Query(ctx context.Context, f JobFilter) ([]Job, error) {
	q := r.db.WithContext(ctx).Model(&Job{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Command != "" {
		q = q.Where("command = ?", f.Command)
	}
	if f.FullPath != "" {
		q = q.Where("full_path = ?", f.FullPath)
	}
	q = q.Order("created_at ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: job query: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) UpdateStatus(ctx context.Context, id string, status JobStatus, now time.Time) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["started_at"] = now
	case JobFinished, JobFailed:
		updates["finished_at"] = now
	}
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: job update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStarted sets status=running and merges metadata into progress. If the
// job was already running — e.g. ClaimAvailable's select-then-mark tie-break
// already flipped it at claim time and this call is the worker's mandatory
// job_started confirmation for that same job — started_at is left at its
// existing value instead of being pushed forward.
func (r *gormJobRepository) MarkStarted(ctx context.Context, id string, now time.Time, metadata JSONMap) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	merged := job.Progress.Merge(metadata)
	startedAt := now
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     JobRunning,
		"started_at": startedAt,
		"progress":   merged,
	})
	if res.Error != nil {
		return fmt.Errorf("store: job mark started: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress merges patch into Job.Progress and, if resume is non-nil,
// replaces Job.ResumeState wholesale (§4.F update_progress).
func (r *gormJobRepository) UpdateProgress(ctx context.Context, id string, patch JSONMap, resume *JSONMap) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	updates := map[string]any{"progress": job.Progress.Merge(patch)}
	if resume != nil {
		updates["resume_state"] = *resume
	}
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: job update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted sets status=finished, writes final counts into progress, and
// clears resume_state — invariant 2 in §8.
func (r *gormJobRepository) MarkCompleted(ctx context.Context, id string, now time.Time, finalCounts JSONMap) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	// Terminal states are never overwritten (§5 ordering guarantees).
	if job.Status == JobFinished || job.Status == JobFailed {
		return nil
	}
	merged := job.Progress.Merge(JSONMap{"counts": map[string]any(finalCounts)})
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":       JobFinished,
		"finished_at":  now,
		"progress":     merged,
		"resume_state": JSONMap{},
	})
	if res.Error != nil {
		return fmt.Errorf("store: job mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed sets status=failed and keeps resume_state only if recoverable.
func (r *gormJobRepository) MarkFailed(ctx context.Context, id string, now time.Time, recoverable bool, failure JSONMap) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == JobFinished || job.Status == JobFailed {
		return nil
	}
	updates := map[string]any{
		"status":      JobFailed,
		"finished_at": now,
		"progress":    job.Progress.Merge(JSONMap{"failure": map[string]any(failure)}),
	}
	if !recoverable {
		updates["resume_state"] = JSONMap{}
	}
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: job mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) TouchCreatedAt(ctx context.Context, id string, createdAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Update("created_at", createdAt)
	if res.Error != nil {
		return fmt.Errorf("store: job touch created_at: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimAvailable implements the §4.F get_available tie-break: a
// select-then-mark inside one transaction so no two concurrent workers ever
// receive the same job as running.
func (r *gormJobRepository) ClaimAvailable(ctx context.Context, limit int, includeFailed bool, excludeCommand string, now time.Time) ([]Job, error) {
	var claimed []Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		statuses := []JobStatus{JobQueued}
		if includeFailed {
			statuses = append(statuses, JobFailed)
		}

		var candidates []Job
		q := tx.Model(&Job{}).
			Select("jobs.*").
			Joins("JOIN accounts ON accounts.id = jobs.account_id").
			Where("jobs.status IN ?", statuses).
			Where("jobs.command <> ?", excludeCommand).
			Where("accounts.access_token <> ''").
			Order("jobs.created_at ASC").
			Limit(limit)
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for _, job := range candidates {
			res := tx.Model(&Job{}).
				Where("id = ? AND status = ?", job.ID, job.Status).
				Updates(map[string]any{"status": JobRunning, "started_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost the race to another transaction — skip.
				continue
			}
			job.Status = JobRunning
			job.StartedAt = &now
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim available: %w", err)
	}
	return claimed, nil
}
