// Package task implements the Worker Task Processor (§4.J): it turns one
// job_response descriptor into an internal task, dispatches it by command,
// and drives the discovery and generic collection algorithms against the
// source-control API, emitting lifecycle messages the whole way.
package task

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// discoverAreasCommand is the worker-side trigger for the discovery
// algorithm. The glossary's endpoint-template row calls this operation
// DISCOVER_AREAS; the job actually carries the control-plane command
// GROUP_PROJECT_DISCOVERY, so the two names are treated as the same
// dispatch target here.
const discoverAreasCommand = "GROUP_PROJECT_DISCOVERY"

// testTypeCommand stores a fixed stub record (§4.J step 3).
const testTypeCommand = "TEST_TYPE"

// idAliases are the path-parameter names §4.J step b says may be fulfilled
// by a job's generic "resourceId" option.
var idAliases = []string{"id", "project_id", "group_id", "resourceId"}

// endpointTemplate is one candidate request path for a command, plus the
// entity type its items are reported and stored under.
type endpointTemplate struct {
	path       string
	entityType string
}

// commandTemplates is the glossary's command → endpoint template table
// (§4.J step a), kept as a static map rather than branching per command.
var commandTemplates = map[string][]endpointTemplate{
	"FETCH_ISSUES":         {{"/api/v4/projects/:id/issues", "issues"}},
	"FETCH_MERGE_REQUESTS": {{"/api/v4/projects/:id/merge_requests", "merge_requests"}},
	"FETCH_COMMITS":        {{"/api/v4/projects/:id/repository/commits", "commits"}},
	"FETCH_BRANCHES":       {{"/api/v4/projects/:id/repository/branches", "branches"}},
	"FETCH_PIPELINES":      {{"/api/v4/projects/:id/pipelines", "pipelines"}},
	"FETCH_RELEASES":       {{"/api/v4/projects/:id/releases", "releases"}},
	"FETCH_MILESTONES": {
		{"/api/v4/projects/:id/milestones", "milestones"},
		{"/api/v4/groups/:id/milestones", "milestones"},
	},
	"FETCH_EPICS": {{"/api/v4/groups/:id/epics", "epics"}},
	"FETCH_JOBS":  {{"/api/v4/projects/:id/pipelines/:pipeline_id/jobs", "jobs"}},
	"FETCH_EVENTS": {
		{"/api/v4/projects/:id/events", "events"},
		{"/api/v4/groups/:id/events", "events"},
	},
	"FETCH_ISSUE_NOTES": {{"/api/v4/projects/:id/issues/:issue_iid/notes", "issue_notes"}},
	// FETCH_GROUPS/FETCH_PROJECTS/FETCH_USERS have no explicit endpoint
	// template in the glossary beyond DISCOVER_AREAS's bulk listings; the
	// discovery fan-out spawns them for one already-known entity, so they
	// fetch that single record by id/full_path.
	"FETCH_GROUPS":   {{"/api/v4/groups/:id", "groups"}},
	"FETCH_PROJECTS": {{"/api/v4/projects/:id", "projects"}},
	"FETCH_USERS":    {{"/api/v4/users/:id", "users"}},
}

// Task is the internal representation of one job to execute (§4.J step 1).
type Task struct {
	ID          string
	Command     string
	APIBase     string
	AccessToken string
	FullPath    string
	Options     map[string]any
	ResumeState *protocol.ResumeState
}

// FromDescriptor builds a Task from a job_response descriptor, normalizing
// the API base (§4.J step 2).
func FromDescriptor(d protocol.JobDescriptor) Task {
	opts := map[string]any{}
	if len(d.Options) > 0 {
		_ = json.Unmarshal(d.Options, &opts)
	}
	return Task{
		ID:          d.ID,
		Command:     d.Command,
		APIBase:     NormalizeAPIBase(d.GitlabURL),
		AccessToken: d.AccessToken,
		FullPath:    d.FullPath,
		Options:     opts,
		ResumeState: d.ResumeState,
	}
}

var apiSuffixRe = regexp.MustCompile(`/api/(graphql|v\d+[a-zA-Z0-9]*)/?$`)

// NormalizeAPIBase parses apiBase as a URL, strips a trailing
// /api/graphql or /api/vN* path segment and any trailing slash (§4.J step
// 2). On parse failure it applies the same string transforms directly,
// since a malformed base is still usually recognizable as a URL with junk
// at the edges.
func NormalizeAPIBase(apiBase string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if u, err := url.Parse(trimmed); err == nil && u.Scheme != "" && u.Host != "" {
		u.Path = strings.TrimRight(apiSuffixRe.ReplaceAllString(u.Path, ""), "/")
		u.RawQuery = ""
		u.Fragment = ""
		return strings.TrimRight(u.String(), "/")
	}
	return strings.TrimRight(apiSuffixRe.ReplaceAllString(trimmed, ""), "/")
}

// resolvePath substitutes every ":param" segment of template with a value
// from options (or, for id-like params, the aliases in idAliases, falling
// back to the job's URL-encoded full_path — GitLab accepts a namespace's
// encoded path anywhere a numeric id is accepted). Returns the missing
// parameter names, if any (§4.J step b).
func resolvePath(template, fullPath string, options map[string]any) (string, []string) {
	var missing []string
	placeholderRe := regexp.MustCompile(`:([A-Za-z_]+)`)

	resolved := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimPrefix(match, ":")
		if name == "id" {
			if v, ok := firstOption(options, idAliases); ok {
				return url.PathEscape(fmt.Sprint(v))
			}
			if fullPath != "" {
				return url.PathEscape(fullPath)
			}
			missing = append(missing, name)
			return match
		}
		if v, ok := options[name]; ok {
			return url.PathEscape(fmt.Sprint(v))
		}
		missing = append(missing, name)
		return match
	})
	return resolved, missing
}

func firstOption(options map[string]any, names []string) (any, bool) {
	for _, n := range names {
		if v, ok := options[n]; ok && fmt.Sprint(v) != "" {
			return v, true
		}
	}
	return nil, false
}

// entityID extracts a string id/resourceId option, used to derive a storage
// key when a job has no full_path (§4.J step d).
func entityID(options map[string]any) string {
	if v, ok := firstOption(options, idAliases); ok {
		return fmt.Sprint(v)
	}
	return ""
}

// progressThrottle bounds how often job_progress fires during a fetch
// (§4.J step 4: "throttled to at most every 5 s").
const progressThrottle = 5 * time.Second

// throttler tracks the last emission time per job, shared by one running
// task's paginator callbacks.
type throttler struct {
	mu   sync.Mutex
	last time.Time
}

func (t *throttler) allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < progressThrottle {
		return false
	}
	t.last = now
	return true
}
