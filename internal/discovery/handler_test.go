package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// newHandler builds a Handler whose in-transaction job repository is the
// same fake the top-level jobs field uses, so fan-out writes are visible to
// assertions without a real database.
func newHandler(jobRepo *fakeJobRepo, areaRepo store.AreaRepository, bridge Bridge) *Handler {
	h := New(jobRepo, areaRepo, bridge, zap.NewNop())
	h.txJobs = func(tx *gorm.DB) store.JobRepository { return jobRepo }
	return h
}

// fakeJobRepo is a minimal in-memory store.JobRepository for exercising the
// fan-out algorithm without a real database.
type fakeJobRepo struct {
	mu      sync.Mutex
	jobs    map[string]*store.Job
	seq     int
	touched []string
}

func newFakeJobRepo(seed ...*store.Job) *fakeJobRepo {
	r := &fakeJobRepo{jobs: make(map[string]*store.Job)}
	for _, j := range seed {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobRepo) Create(ctx context.Context, job *store.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		r.seq++
		job.ID = "spawned-" + itoa(r.seq)
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func (r *fakeJobRepo) Get(ctx context.Context, id string) (*store.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *fakeJobRepo) Query(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	return nil, nil
}

func (r *fakeJobRepo) UpdateStatus(ctx context.Context, id string, status store.JobStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	return nil
}

func (r *fakeJobRepo) MarkStarted(ctx context.Context, id string, now time.Time, metadata store.JSONMap) error {
	return nil
}

func (r *fakeJobRepo) UpdateProgress(ctx context.Context, id string, patch store.JSONMap, resume *store.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Progress = j.Progress.Merge(patch)
	return nil
}

func (r *fakeJobRepo) MarkCompleted(ctx context.Context, id string, now time.Time, finalCounts store.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.JobFinished
	return nil
}

func (r *fakeJobRepo) MarkFailed(ctx context.Context, id string, now time.Time, recoverable bool, failure store.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.JobFailed
	return nil
}

func (r *fakeJobRepo) TouchCreatedAt(ctx context.Context, id string, createdAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.CreatedAt = createdAt
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeJobRepo) ClaimAvailable(ctx context.Context, limit int, includeFailed bool, excludeCommand string, now time.Time) ([]store.Job, error) {
	return nil, nil
}

func (r *fakeJobRepo) countByCommand(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Command == command {
			n++
		}
	}
	return n
}

// fakeAreaRepo runs fn directly — no real transaction needed for these tests
// since the fake job repo has no rollback semantics to verify.
type fakeAreaRepo struct {
	areas     []store.Area
	authCalls int
	failNext  bool
}

func (f *fakeAreaRepo) UpsertBatchAndAuthorize(ctx context.Context, areas []store.Area, accountID string, fn func(tx *gorm.DB) error) error {
	if f.failNext {
		return assert.AnError
	}
	f.areas = append(f.areas, areas...)
	f.authCalls++
	if fn != nil {
		return fn(nil)
	}
	return nil
}

func (f *fakeAreaRepo) GetByPath(ctx context.Context, fullPath string) (*store.Area, error) {
	for _, a := range f.areas {
		if a.FullPath == fullPath {
			cp := a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAreaRepo) IsAuthorized(ctx context.Context, accountID, fullPath string) (bool, error) {
	return true, nil
}

type fakeBridge struct {
	published []string
}

func (f *fakeBridge) Publish(topic string, payload any) {
	f.published = append(f.published, topic)
}

func newParentJob(id string) *store.Job {
	j := &store.Job{Command: "GROUP_PROJECT_DISCOVERY", AccountID: "acct-1", Provider: store.ProviderGitlabCloud, APIBaseURL: "https://gitlab.com", Progress: store.JSONMap{}}
	j.ID = id
	return j
}

func TestHandler_HandleDiscovered_SpawnsJobsAndSubFanOut(t *testing.T) {
	jobRepo := newFakeJobRepo(newParentJob("parent-1"))
	areaRepo := &fakeAreaRepo{}
	bridge := &fakeBridge{}
	h := newHandler(jobRepo, areaRepo, bridge)

	data := protocol.JobsDiscoveredData{
		DiscoveredJobs: []protocol.DiscoveredJob{
			{JobType: "crawl_group", EntityID: "1", NamespacePath: "g", EntityName: "g"},
			{JobType: "crawl_project", EntityID: "101", NamespacePath: "g/p", EntityName: "p"},
		},
		DiscoverySummary: protocol.DiscoverySummary{TotalGroups: 1, TotalProjects: 1},
	}

	err := h.HandleDiscovered(context.Background(), "parent-1", "acct-1", data)
	require.NoError(t, err)

	// One FETCH_GROUPS, one FETCH_PROJECTS, plus sub-fan-out for each:
	// 8 common + epics for the group, 8 common for the project.
	assert.Equal(t, 1, jobRepo.countByCommand("FETCH_GROUPS"))
	assert.Equal(t, 1, jobRepo.countByCommand("FETCH_PROJECTS"))
	assert.Equal(t, 2, jobRepo.countByCommand("FETCH_ISSUES"))
	assert.Equal(t, 1, jobRepo.countByCommand("FETCH_EPICS"))

	parent, err := jobRepo.Get(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFinished, parent.Status)

	require.Len(t, bridge.published, 1)
	assert.Equal(t, "discovery", bridge.published[0])
	assert.Len(t, areaRepo.areas, 2)
}

func TestHandler_HandleDiscovered_DropsMalformedEntries(t *testing.T) {
	jobRepo := newFakeJobRepo(newParentJob("parent-1"))
	areaRepo := &fakeAreaRepo{}
	h := newHandler(jobRepo, areaRepo, &fakeBridge{})

	data := protocol.JobsDiscoveredData{
		DiscoveredJobs: []protocol.DiscoveredJob{
			{JobType: "crawl_group", EntityID: "", NamespacePath: "g"}, // missing entity id
			{JobType: "crawl_project", EntityID: "101", NamespacePath: "g/p", EntityName: "p"},
		},
	}

	err := h.HandleDiscovered(context.Background(), "parent-1", "acct-1", data)
	require.NoError(t, err)
	assert.Equal(t, 0, jobRepo.countByCommand("FETCH_GROUPS"))
	assert.Equal(t, 1, jobRepo.countByCommand("FETCH_PROJECTS"))
}

func TestHandler_HandleDiscovered_AreaUpsertFailureMarksParentFailed(t *testing.T) {
	jobRepo := newFakeJobRepo(newParentJob("parent-1"))
	areaRepo := &fakeAreaRepo{failNext: true}
	h := newHandler(jobRepo, areaRepo, &fakeBridge{})

	data := protocol.JobsDiscoveredData{
		DiscoveredJobs: []protocol.DiscoveredJob{
			{JobType: "crawl_group", EntityID: "1", NamespacePath: "g", EntityName: "g"},
		},
	}

	err := h.HandleDiscovered(context.Background(), "parent-1", "acct-1", data)
	require.Error(t, err)

	parent, getErr := jobRepo.Get(context.Background(), "parent-1")
	require.NoError(t, getErr)
	assert.Equal(t, store.JobFailed, parent.Status)
}

func TestHandler_HandleDiscovered_MissingParentJobFails(t *testing.T) {
	jobRepo := newFakeJobRepo()
	h := newHandler(jobRepo, &fakeAreaRepo{}, &fakeBridge{})

	err := h.HandleDiscovered(context.Background(), "missing", "acct-1", protocol.JobsDiscoveredData{})
	require.Error(t, err)
}

func TestHandler_HandleDiscovered_PriorityNudgeBackdatesByFixedTable(t *testing.T) {
	jobRepo := newFakeJobRepo(newParentJob("parent-1"))
	h := newHandler(jobRepo, &fakeAreaRepo{}, &fakeBridge{})

	// Deliberately out of priority order: project, then user, then group.
	data := protocol.JobsDiscoveredData{
		DiscoveredJobs: []protocol.DiscoveredJob{
			{JobType: "crawl_project", EntityID: "101", NamespacePath: "g/p", EntityName: "p"},
			{JobType: "crawl_user", EntityID: "7", NamespacePath: "u", EntityName: "u"},
			{JobType: "crawl_group", EntityID: "1", NamespacePath: "g", EntityName: "g"},
		},
	}

	err := h.HandleDiscovered(context.Background(), "parent-1", "acct-1", data)
	require.NoError(t, err)

	// users > group > project, touched in that order with increasing
	// created_at.
	require.Len(t, jobRepo.touched, 3)
	commands := make([]string, 0, 3)
	var prev time.Time
	for i, id := range jobRepo.touched {
		j, getErr := jobRepo.Get(context.Background(), id)
		require.NoError(t, getErr)
		commands = append(commands, j.Command)
		if i > 0 {
			assert.True(t, j.CreatedAt.After(prev))
		}
		prev = j.CreatedAt
	}
	assert.Equal(t, []string{"FETCH_USERS", "FETCH_GROUPS", "FETCH_PROJECTS"}, commands)
}
