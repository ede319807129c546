package task

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/crawler/anonymize"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/ratelimit"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/storage"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// fakeEmitter records every call a Processor makes against task.Emitter,
// standing in for the worker socket client in tests.
type fakeEmitter struct {
	mu sync.Mutex

	started          []string
	progress         []protocol.JobProgressData
	completed        []protocol.JobCompletedData
	failed           []protocol.JobFailedData
	discovered       []protocol.JobsDiscoveredData
	refreshRequested []string

	onRefreshRequest func(jobID string)
}

func (f *fakeEmitter) JobStarted(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
}

func (f *fakeEmitter) JobProgress(jobID string, data protocol.JobProgressData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, data)
}

func (f *fakeEmitter) JobCompleted(jobID string, data protocol.JobCompletedData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, data)
}

func (f *fakeEmitter) JobFailed(jobID string, data protocol.JobFailedData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, data)
}

func (f *fakeEmitter) JobsDiscovered(jobID string, data protocol.JobsDiscoveredData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = append(f.discovered, data)
}

func (f *fakeEmitter) TokenRefreshRequest(jobID string) {
	f.mu.Lock()
	cb := f.onRefreshRequest
	f.refreshRequested = append(f.refreshRequested, jobID)
	f.mu.Unlock()
	if cb != nil {
		cb(jobID)
	}
}

func newTestProcessor(t *testing.T, emitter Emitter) *Processor {
	t.Helper()
	dir := t.TempDir()
	anon := anonymize.New("test-secret", "", true, zap.NewNop())
	store := storage.New(dir, zap.NewNop())
	p := New(emitter, http.DefaultClient, anon, store, ratelimit.Config{}, zap.NewNop())
	return p
}

func TestRunGeneric_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/g%2Fp/issues", r.URL.EscapedPath())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"author_email":"a@example.com"},{"id":2,"author_email":"b@example.com"}]`))
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "job-1", Command: "FETCH_ISSUES", APIBase: srv.URL, AccessToken: "tok", FullPath: "g/p"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.completed, 1)
	assert.True(t, emitter.completed[0].Success)
	assert.Equal(t, 2, emitter.completed[0].FinalCounts["issues"])
	assert.Empty(t, emitter.failed)
	assert.Equal(t, []string{"job-1"}, emitter.started)
}

func TestRunGeneric_MissingParamsIsNoOp(t *testing.T) {
	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "job-2", Command: "FETCH_JOBS", APIBase: "https://unused.example.com", AccessToken: "tok"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.completed, 1)
	assert.True(t, emitter.completed[0].Success)
	assert.Equal(t, 0, emitter.completed[0].FinalCounts["jobs"])
	assert.Empty(t, emitter.failed)
}

func TestRunGeneric_UnknownCommandIsNoOp(t *testing.T) {
	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "job-3", Command: "FETCH_SNIPPETS", APIBase: "https://unused.example.com", AccessToken: "tok"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.completed, 1)
	assert.True(t, emitter.completed[0].Success)
}

func TestRunGeneric_RetriesOnceAfter401ThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)
	emitter.onRefreshRequest = func(jobID string) {
		p.HandleTokenRefreshResponse(context.Background(), jobID, protocol.TokenRefreshResponseData{
			AccessToken: "fresh", RefreshSuccessful: true,
		})
	}

	tsk := Task{ID: "job-4", Command: "FETCH_ISSUES", APIBase: srv.URL, AccessToken: "stale", FullPath: "g/p"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.completed, 1, "expected job_completed, got failed=%+v", emitter.failed)
	assert.True(t, emitter.completed[0].Success)
	assert.Equal(t, 1, emitter.completed[0].FinalCounts["issues"])
	assert.Equal(t, []string{"job-4"}, emitter.refreshRequested)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestRunGeneric_RefreshFailureEmitsJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)
	emitter.onRefreshRequest = func(jobID string) {
		p.HandleTokenRefreshResponse(context.Background(), jobID, protocol.TokenRefreshResponseData{
			RefreshSuccessful: false,
		})
	}

	tsk := Task{ID: "job-5", Command: "FETCH_ISSUES", APIBase: srv.URL, AccessToken: "stale", FullPath: "g/p"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.failed, 1)
	assert.Equal(t, "RefreshFailed", emitter.failed[0].ErrorType)
	assert.False(t, emitter.failed[0].IsRecoverable)
}

func TestRunGeneric_ServerErrorStatusIsRecoverableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "job-6", Command: "FETCH_ISSUES", APIBase: srv.URL, AccessToken: "tok", FullPath: "g/p"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.failed, 1)
	assert.Equal(t, "HttpError", emitter.failed[0].ErrorType)
	assert.True(t, emitter.failed[0].IsRecoverable)
}

func TestRunTestType_WritesStubAndCompletes(t *testing.T) {
	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "job-7", Command: testTypeCommand}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.completed, 1)
	require.Len(t, emitter.completed[0].OutputFiles, 1)
	_, err := os.Stat(emitter.completed[0].OutputFiles[0])
	assert.NoError(t, err)
}

func TestHandleJobResponse_RespectsSlotLimit(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	descriptors := make([]protocol.JobDescriptor, 0, maxSlots+2)
	for i := 0; i < maxSlots+2; i++ {
		descriptors = append(descriptors, protocol.JobDescriptor{
			ID: "slot-job", Command: "FETCH_ISSUES", FullPath: "g/p", GitlabURL: srv.URL,
		})
	}
	p.HandleJobResponse(context.Background(), protocol.JobResponseData{Jobs: descriptors})

	assert.LessOrEqual(t, p.ActiveJobs(), maxSlots)
	close(release)
}
