package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, token string) *Account {
	t.Helper()
	acct := &Account{
		UserID:      "user-1",
		Provider:    ProviderGitlabCloud,
		APIBaseURL:  "https://gitlab.example.com",
		AccessToken: token,
	}
	require.NoError(t, NewAccountRepository(db).Create(context.Background(), acct))
	return acct
}

func seedJob(t *testing.T, repo JobRepository, acct *Account, command string, status JobStatus, createdAt time.Time) *Job {
	t.Helper()
	job := &Job{
		Command:    command,
		AccountID:  acct.ID,
		Provider:   acct.Provider,
		APIBaseURL: acct.APIBaseURL,
		Status:     status,
	}
	job.CreatedAt = createdAt
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestJobLifecycleTimestamps(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := seedJob(t, repo, acct, "FETCH_ISSUES", JobQueued, time.Now().UTC())

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.MarkStarted(ctx, job.ID, started, JSONMap{"connection": "conn-1"}))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, "conn-1", got.Progress["connection"])

	finished := started.Add(3 * time.Second)
	require.NoError(t, repo.MarkCompleted(ctx, job.ID, finished, JSONMap{"issues": 7}))

	got, err = repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFinished, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(*got.StartedAt))
	assert.Empty(t, got.ResumeState, "resume_state is cleared on finished")
}

func TestMarkStartedKeepsClaimTimestamp(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := seedJob(t, repo, acct, "FETCH_ISSUES", JobQueued, time.Now().UTC())

	claimAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, JobRunning, claimAt))

	// The worker's job_started confirmation must not push started_at forward.
	require.NoError(t, repo.MarkStarted(ctx, job.ID, claimAt.Add(time.Minute), nil))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(claimAt))
}

func TestMarkFailedResumeStateRetention(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()

	resume := JSONMap{"current_page": float64(4), "entity_type": "issues"}

	t.Run("recoverable keeps cursor", func(t *testing.T) {
		job := seedJob(t, repo, acct, "FETCH_ISSUES", JobRunning, time.Now().UTC())
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, JSONMap{}, &resume))
		require.NoError(t, repo.MarkFailed(ctx, job.ID, time.Now().UTC(), true, JSONMap{"error": "502"}))

		got, err := repo.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobFailed, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, float64(4), got.ResumeState["current_page"])
	})

	t.Run("non-recoverable clears cursor", func(t *testing.T) {
		job := seedJob(t, repo, acct, "FETCH_ISSUES", JobRunning, time.Now().UTC())
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, JSONMap{}, &resume))
		require.NoError(t, repo.MarkFailed(ctx, job.ID, time.Now().UTC(), false, JSONMap{"error": "403"}))

		got, err := repo.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ResumeState)
	})
}

func TestTerminalStateNeverOverwritten(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := seedJob(t, repo, acct, "FETCH_ISSUES", JobRunning, time.Now().UTC())
	require.NoError(t, repo.MarkCompleted(ctx, job.ID, time.Now().UTC(), JSONMap{"issues": 1}))

	// A late job_failed for the same job is swallowed without changing state.
	require.NoError(t, repo.MarkFailed(ctx, job.ID, time.Now().UTC(), true, JSONMap{"error": "late"}))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFinished, got.Status)
}

func TestUpdateProgressIdempotent(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := seedJob(t, repo, acct, "FETCH_ISSUES", JobRunning, time.Now().UTC())
	patch := JSONMap{"overall_completion": 0.5, "entities": map[string]any{"issues": float64(50)}}

	require.NoError(t, repo.UpdateProgress(ctx, job.ID, patch, nil))
	once, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateProgress(ctx, job.ID, patch, nil))
	twice, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, once.Progress, twice.Progress)
}

func TestClaimAvailable(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	withToken := seedAccount(t, db, "tok")
	noToken := &Account{UserID: "user-2", Provider: ProviderGitlabCloud, APIBaseURL: "https://gitlab.example.com"}
	require.NoError(t, NewAccountRepository(db).Create(ctx, noToken))

	oldest := seedJob(t, repo, withToken, "FETCH_ISSUES", JobQueued, now.Add(-3*time.Hour))
	middle := seedJob(t, repo, withToken, "FETCH_COMMITS", JobQueued, now.Add(-2*time.Hour))
	seedJob(t, repo, withToken, "GROUP_PROJECT_DISCOVERY", JobQueued, now.Add(-4*time.Hour))
	seedJob(t, repo, noToken, "FETCH_ISSUES", JobQueued, now.Add(-5*time.Hour))
	failed := seedJob(t, repo, withToken, "FETCH_BRANCHES", JobFailed, now.Add(-time.Hour))

	claimed, err := repo.ClaimAvailable(ctx, 2, false, "GROUP_PROJECT_DISCOVERY", now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Oldest-first, discovery excluded, tokenless account filtered out.
	assert.Equal(t, oldest.ID, claimed[0].ID)
	assert.Equal(t, middle.ID, claimed[1].ID)
	for _, j := range claimed {
		assert.Equal(t, JobRunning, j.Status)
		require.NotNil(t, j.StartedAt)
	}

	// A second poll must not hand the same jobs out again.
	again, err := repo.ClaimAvailable(ctx, 10, false, "GROUP_PROJECT_DISCOVERY", now)
	require.NoError(t, err)
	assert.Empty(t, again)

	// With send_failed_to_worker on, the failed row becomes eligible.
	retry, err := repo.ClaimAvailable(ctx, 10, true, "GROUP_PROJECT_DISCOVERY", now)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, failed.ID, retry[0].ID)
}

func TestAreaUpsertIdempotent(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	areas := NewAreaRepository(db)
	ctx := context.Background()

	batch := []Area{
		{ID: "1", FullPath: "g", GitlabID: "1", Name: "g", Type: AreaGroup},
		{ID: "101", FullPath: "g/p", GitlabID: "101", Name: "p", Type: AreaProject},
	}

	require.NoError(t, areas.UpsertBatchAndAuthorize(ctx, batch, acct.ID, nil))
	require.NoError(t, areas.UpsertBatchAndAuthorize(ctx, batch, acct.ID, nil))

	var count int64
	require.NoError(t, db.Model(&Area{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	ok, err := areas.IsAuthorized(ctx, acct.ID, "g/p")
	require.NoError(t, err)
	assert.True(t, ok)

	var auths int64
	require.NoError(t, db.Model(&AreaAuthorization{}).Count(&auths).Error)
	assert.Equal(t, int64(2), auths)
}

func TestAreaTypeNeverDemotedFromProject(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	areas := NewAreaRepository(db)
	ctx := context.Background()

	project := []Area{{ID: "101", FullPath: "g/p", GitlabID: "101", Name: "p", Type: AreaProject}}
	require.NoError(t, areas.UpsertBatchAndAuthorize(ctx, project, acct.ID, nil))

	relabeled := []Area{{ID: "101", FullPath: "g/p", GitlabID: "101", Name: "p2", Type: AreaGroup}}
	require.NoError(t, areas.UpsertBatchAndAuthorize(ctx, relabeled, acct.ID, nil))

	got, err := areas.GetByPath(ctx, "g/p")
	require.NoError(t, err)
	assert.Equal(t, AreaProject, got.Type)
	assert.Equal(t, "p2", got.Name)
}

func TestUpsertBatchRollsBackWhenFnFails(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	areas := NewAreaRepository(db)
	ctx := context.Background()

	batch := []Area{{ID: "1", FullPath: "g", GitlabID: "1", Name: "g", Type: AreaGroup}}
	err := areas.UpsertBatchAndAuthorize(ctx, batch, acct.ID, func(tx *gorm.DB) error {
		job := &Job{Command: "FETCH_GROUPS", AccountID: acct.ID, Provider: acct.Provider, APIBaseURL: acct.APIBaseURL, Status: JobQueued}
		if err := NewJobRepository(tx).Create(ctx, job); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = areas.GetByPath(ctx, "g")
	assert.ErrorIs(t, err, ErrNotFound)

	var jobCount int64
	require.NoError(t, db.Model(&Job{}).Count(&jobCount).Error)
	assert.Zero(t, jobCount, "fan-out jobs roll back with the areas")
}

func TestAccountTokenRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	acct := seedAccount(t, db, "old")
	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, repo.UpdateTokens(ctx, acct.ID, "new-access", "new-refresh", &exp))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.True(t, got.HasToken())

	require.NoError(t, repo.ClearTokens(ctx, acct.ID))
	got, err = repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.HasToken())
	assert.Nil(t, got.ExpiresAt)
}

func TestTouchCreatedAtReordersDispatch(t *testing.T) {
	db := openTestDB(t)
	acct := seedAccount(t, db, "tok")
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	first := seedJob(t, repo, acct, "FETCH_ISSUES", JobQueued, now.Add(-2*time.Hour))
	second := seedJob(t, repo, acct, "FETCH_COMMITS", JobQueued, now.Add(-time.Hour))

	// Backdating the younger job is the discovery handler's priority nudge:
	// it must change what ClaimAvailable hands out first.
	require.NoError(t, repo.TouchCreatedAt(ctx, second.ID, now.Add(-3*time.Hour)))

	claimed, err := repo.ClaimAvailable(ctx, 2, false, "GROUP_PROJECT_DISCOVERY", now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, second.ID, claimed[0].ID)
	assert.Equal(t, first.ID, claimed[1].ID)

	assert.ErrorIs(t, repo.TouchCreatedAt(ctx, "missing", now), ErrNotFound)
}
