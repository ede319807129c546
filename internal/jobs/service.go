// Package jobs implements the Job Service (§4.F): the single choke point
// through which job state changes pass between the router and the store.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// progressThrottle bounds how often update_progress emits an admin event
// for the same job (§4.F: "at most one every 5 s per job").
const progressThrottle = 5 * time.Second

// DiscoveryCommand is excluded from get_available so the discovery handler
// can schedule its own fan-out before the generic poll loop sees it.
const DiscoveryCommand = "GROUP_PROJECT_DISCOVERY"

// EventBridge is the admin event multiplexer (§4.L). The Job Service
// publishes lifecycle events to it; it never needs to know who's listening.
type EventBridge interface {
	Publish(topic string, payload any)
}

// transitions enumerates every legal (from, to) pair (§4.F).
var transitions = map[store.JobStatus]map[store.JobStatus]bool{
	store.JobQueued: {
		store.JobRunning: true,
		store.JobFailed:  true,
	},
	store.JobRunning: {
		// ClaimAvailable (§4.F get_available tie-break) already flips a
		// claimed job to running at claim time; the worker's mandatory
		// job_started confirmation for that same job then calls MarkStarted
		// against a job that's already running. §1's Non-goals says a failed
		// acknowledgment may at most duplicate a job step, so the
		// confirmatory running -> running call is a legal no-op, not an
		// illegal transition.
		store.JobRunning:                  true,
		store.JobPaused:                   true,
		store.JobFinished:                 true,
		store.JobFailed:                   true,
		store.JobWaitingCredentialRenewal: true,
	},
	store.JobPaused: {
		store.JobQueued: true,
	},
	store.JobWaitingCredentialRenewal: {
		store.JobRunning: true,
		store.JobFailed:  true,
	},
}

// CheckTransition returns an error satisfying protocol.Kinded if moving a
// job from `from` to `to` is not one of the permitted transitions.
func CheckTransition(from, to store.JobStatus) error {
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return &protocol.ErrIllegalStateTransition{From: string(from), To: string(to)}
}

// Config carries the scheduling knobs from §6's configuration surface.
type Config struct {
	SendFailedToWorker bool
}

// Service bridges the router and the store. MarkStarted,
// BeginCredentialRenewal and ResumeAfterRenewal check their transition
// through CheckTransition before it reaches the repository. MarkCompleted
// and MarkFailed are not checked against the table: the repository applies
// them to any job that is not already finished or failed.
type Service struct {
	repo   store.JobRepository
	bridge EventBridge
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	throttleMu sync.Mutex
	lastEmit   map[string]time.Time
}

// New creates a Service.
func New(repo store.JobRepository, bridge EventBridge, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		bridge:   bridge,
		cfg:      cfg,
		logger:   logger.Named("jobs"),
		lastEmit: make(map[string]time.Time),
	}
}

// GetAvailable implements §4.F get_available: select queued rows (optionally
// plus failed rows when SendFailedToWorker), excluding the discovery
// command, up to limit, atomically claimed so no job is handed to two
// workers.
func (s *Service) GetAvailable(ctx context.Context, limit int, now time.Time) ([]store.Job, error) {
	jobs, err := s.repo.ClaimAvailable(ctx, limit, s.sendFailedToWorker(), DiscoveryCommand, now)
	if err != nil {
		return nil, fmt.Errorf("jobs: get available: %w", err)
	}
	for _, j := range jobs {
		s.bridge.Publish("job:"+j.ID, map[string]any{"event": "job_started", "status": string(j.Status)})
	}
	return jobs, nil
}

func (s *Service) sendFailedToWorker() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.SendFailedToWorker
}

// SetSendFailedToWorker applies a hot-reloaded send_failed_to_worker value
// without restarting the service.
func (s *Service) SetSendFailedToWorker(v bool) {
	s.cfgMu.Lock()
	s.cfg.SendFailedToWorker = v
	s.cfgMu.Unlock()
}

// MarkStarted implements mark_started.
func (s *Service) MarkStarted(ctx context.Context, jobID string, now time.Time, metadata map[string]any) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := CheckTransition(job.Status, store.JobRunning); err != nil {
		s.logger.Warn("jobs: rejected illegal transition", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
	if err := s.repo.MarkStarted(ctx, jobID, now, metadata); err != nil {
		return fmt.Errorf("jobs: mark started: %w", err)
	}
	s.bridge.Publish("job:"+jobID, map[string]any{"event": "job_started"})
	return nil
}

// UpdateProgress implements update_progress, throttling admin events to at
// most one per job every progressThrottle.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, progress protocol.JobProgressData, now time.Time) error {
	patch := store.JSONMap{
		"stage":      string(progress.Stage),
		"entityType": progress.EntityType,
		"processed":  progress.Processed,
		"lastUpdate": now,
	}
	var resume *store.JSONMap
	if progress.ResumeState != nil {
		r := store.JSONMap{
			"current_page":   progress.ResumeState.CurrentPage,
			"last_entity_id": progress.ResumeState.LastEntityID,
			"entity_type":    progress.ResumeState.EntityType,
		}
		resume = &r
	}
	if err := s.repo.UpdateProgress(ctx, jobID, patch, resume); err != nil {
		return fmt.Errorf("jobs: update progress: %w", err)
	}

	if s.shouldEmit(jobID, now) {
		s.bridge.Publish("job:"+jobID, map[string]any{"event": "job_progress", "stage": progress.Stage, "processed": progress.Processed})
	}
	return nil
}

func (s *Service) shouldEmit(jobID string, now time.Time) bool {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	last, ok := s.lastEmit[jobID]
	if ok && now.Sub(last) < progressThrottle {
		return false
	}
	s.lastEmit[jobID] = now
	return true
}

// MarkCompleted implements mark_completed.
func (s *Service) MarkCompleted(ctx context.Context, jobID string, now time.Time, finalCounts map[string]int) error {
	counts := store.JSONMap{}
	for k, v := range finalCounts {
		counts[k] = v
	}
	if err := s.repo.MarkCompleted(ctx, jobID, now, counts); err != nil {
		return fmt.Errorf("jobs: mark completed: %w", err)
	}
	s.throttleMu.Lock()
	delete(s.lastEmit, jobID)
	s.throttleMu.Unlock()
	s.bridge.Publish("job:"+jobID, map[string]any{"event": "job_completed", "finalCounts": finalCounts})
	return nil
}

// MarkFailed implements mark_failed.
func (s *Service) MarkFailed(ctx context.Context, jobID string, now time.Time, recoverable bool, reason string) error {
	failure := store.JSONMap{"error": reason, "recoverable": recoverable}
	if err := s.repo.MarkFailed(ctx, jobID, now, recoverable, failure); err != nil {
		return fmt.Errorf("jobs: mark failed: %w", err)
	}
	s.throttleMu.Lock()
	delete(s.lastEmit, jobID)
	s.throttleMu.Unlock()
	s.bridge.Publish("job:"+jobID, map[string]any{"event": "job_failed", "error": reason, "recoverable": recoverable})
	return nil
}

// BeginCredentialRenewal transitions a running job to
// waiting_credential_renewal.
func (s *Service) BeginCredentialRenewal(ctx context.Context, jobID string, now time.Time) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := CheckTransition(job.Status, store.JobWaitingCredentialRenewal); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, jobID, store.JobWaitingCredentialRenewal, now); err != nil {
		return fmt.Errorf("jobs: begin credential renewal: %w", err)
	}
	return nil
}

// ResumeAfterRenewal transitions waiting_credential_renewal back to running
// on successful token refresh.
func (s *Service) ResumeAfterRenewal(ctx context.Context, jobID string, now time.Time) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := CheckTransition(job.Status, store.JobRunning); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, jobID, store.JobRunning, now); err != nil {
		return fmt.Errorf("jobs: resume after renewal: %w", err)
	}
	return nil
}

// Get returns the current snapshot of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return s.repo.Get(ctx, jobID)
}
