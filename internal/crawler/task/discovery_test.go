package task

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gitlabDiscoveryFixture serves the literal inputs used across the §8
// discovery scenario: one group with one project, plus an empty global
// projects listing (the group-scoped project was already seen).
func gitlabDiscoveryFixture(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"full_path":"g","name":"g"}]`))
	})
	mux.HandleFunc("/api/v4/groups/1/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":101,"path_with_namespace":"g/p","name":"p"}]`))
	})
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})
	return httptest.NewServer(mux)
}

func TestRunDiscovery_FansOutGroupsAndProjects(t *testing.T) {
	srv := gitlabDiscoveryFixture(t)
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "disc-1", Command: discoverAreasCommand, APIBase: srv.URL, AccessToken: "tok"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.discovered, 1)
	jobs := emitter.discovered[0].DiscoveredJobs
	require.Len(t, jobs, 2)

	var sawGroup, sawProject bool
	for _, j := range jobs {
		switch j.JobType {
		case "crawl_group":
			sawGroup = true
			assert.Equal(t, "1", j.EntityID)
			assert.Equal(t, "g", j.NamespacePath)
		case "crawl_project":
			sawProject = true
			assert.Equal(t, "101", j.EntityID)
			assert.Equal(t, "g/p", j.NamespacePath)
		}
	}
	assert.True(t, sawGroup)
	assert.True(t, sawProject)

	assert.Equal(t, 1, emitter.discovered[0].DiscoverySummary.TotalGroups)
	assert.Equal(t, 1, emitter.discovered[0].DiscoverySummary.TotalProjects)

	require.Len(t, emitter.completed, 1)
	assert.True(t, emitter.completed[0].Success)
}

func TestRunDiscovery_DedupesProjectSeenInBothListings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":1,"full_path":"g","name":"g"}]`))
	})
	mux.HandleFunc("/api/v4/groups/1/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":101,"path_with_namespace":"g/p","name":"p"}]`))
	})
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			w.Write([]byte(`[]`))
			return
		}
		// Same project surfaces again in the global listing; must not double-count.
		w.Write([]byte(`[{"id":101,"path_with_namespace":"g/p","name":"p"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "disc-2", Command: discoverAreasCommand, APIBase: srv.URL, AccessToken: "tok"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.discovered, 1)
	assert.Equal(t, 1, emitter.discovered[0].DiscoverySummary.TotalProjects)
}

func TestRunDiscovery_GroupsFailureEmitsJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	emitter := &fakeEmitter{}
	p := newTestProcessor(t, emitter)

	tsk := Task{ID: "disc-3", Command: discoverAreasCommand, APIBase: srv.URL, AccessToken: "tok"}
	p.Run(context.Background(), tsk)

	require.Len(t, emitter.failed, 1)
	assert.Empty(t, emitter.discovered)
}
