package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// fakeJobRepo is an in-memory store.JobRepository stand-in exposing just the
// Query method the reaper calls.
type fakeJobRepo struct {
	store.JobRepository
	rows []store.Job
}

func (r *fakeJobRepo) Query(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	return r.rows, nil
}

type fakeFailer struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeFailer) MarkFailed(ctx context.Context, jobID string, now time.Time, recoverable bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	return nil
}

func newJob(id string, startedAt time.Time) store.Job {
	j := store.Job{Status: store.JobRunning, StartedAt: &startedAt, Progress: store.JSONMap{}}
	j.ID = id
	return j
}

func TestReaperSkipsFreshJobs(t *testing.T) {
	repo := &fakeJobRepo{rows: []store.Job{newJob("fresh", time.Now().UTC())}}
	failer := &fakeFailer{}
	reaper := NewReaper(repo, failer, zap.NewNop())

	require.NoError(t, reaper.Run(context.Background()))
	assert.Empty(t, failer.failed)
}

func TestReaperFailsStaleJobs(t *testing.T) {
	stale := time.Now().UTC().Add(-2 * staleAfter)
	repo := &fakeJobRepo{rows: []store.Job{newJob("stale", stale)}}
	failer := &fakeFailer{}
	reaper := NewReaper(repo, failer, zap.NewNop())

	require.NoError(t, reaper.Run(context.Background()))
	assert.Equal(t, []string{"stale"}, failer.failed)
}

func TestReaperHonorsProgressLastUpdate(t *testing.T) {
	started := time.Now().UTC().Add(-2 * staleAfter)
	job := newJob("recent-progress", started)
	job.Progress["lastUpdate"] = time.Now().UTC().Format(time.RFC3339)

	repo := &fakeJobRepo{rows: []store.Job{job}}
	failer := &fakeFailer{}
	reaper := NewReaper(repo, failer, zap.NewNop())

	require.NoError(t, reaper.Run(context.Background()))
	assert.Empty(t, failer.failed, "a recent progress update should override the stale started_at")
}

func TestReaperSkipsJobsNeverStarted(t *testing.T) {
	repo := &fakeJobRepo{rows: []store.Job{{Status: store.JobRunning, Progress: store.JSONMap{}}}}
	failer := &fakeFailer{}
	reaper := NewReaper(repo, failer, zap.NewNop())

	require.NoError(t, reaper.Run(context.Background()))
	assert.Empty(t, failer.failed)
}
