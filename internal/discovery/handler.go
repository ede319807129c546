// Package discovery implements the Discovery Handler (§4.G): it turns one
// worker jobs_discovered message into area rows, authorizations, and a
// fan-out of per-entity collection jobs — all inside one transaction so a
// partial failure never leaves half a namespace tree authorized.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// commandForJobType is the glossary's job-type → command mapping.
var commandForJobType = map[string]string{
	"crawl_group":         "FETCH_GROUPS",
	"crawl_project":       "FETCH_PROJECTS",
	"discover_namespaces": "GROUP_PROJECT_DISCOVERY",
	"crawl_user":          "FETCH_USERS",
}

// subFanOutCommon is the fixed per-data-type set enqueued alongside every
// crawl_group/crawl_project entry. crawl_group entries also get
// subFanOutGroupExtra, de-duplicated against this set by the caller.
var subFanOutCommon = []string{
	"FETCH_ISSUES",
	"FETCH_MERGE_REQUESTS",
	"FETCH_COMMITS",
	"FETCH_BRANCHES",
	"FETCH_PIPELINES",
	"FETCH_MILESTONES",
	"FETCH_JOBS",
	"FETCH_ISSUE_NOTES",
}

const subFanOutGroupExtra = "FETCH_EPICS"

// priorityRank implements §4.G step 7's fixed table: users > group > project
// > other. Lower rank sorts first.
func priorityRank(jobType string) int {
	switch jobType {
	case "crawl_user":
		return 0
	case "crawl_group":
		return 1
	case "crawl_project":
		return 2
	default:
		return 3
	}
}

// Bridge is where discovery publishes its completion summary (§4.L).
type Bridge interface {
	Publish(topic string, payload any)
}

// Handler implements the §4.G algorithm.
type Handler struct {
	jobs   store.JobRepository
	areas  store.AreaRepository
	bridge Bridge
	logger *zap.Logger
	now    func() time.Time

	// txJobs builds the JobRepository used for job creation inside the
	// area-upsert transaction. Defaults to wrapping the *gorm.DB the
	// transaction hands back; tests substitute a fake that ignores tx so
	// fan-out writes land in the same in-memory store the assertions read.
	txJobs func(tx *gorm.DB) store.JobRepository
}

// New creates a Handler.
func New(jobs store.JobRepository, areas store.AreaRepository, bridge Bridge, logger *zap.Logger) *Handler {
	return &Handler{
		jobs:   jobs,
		areas:  areas,
		bridge: bridge,
		logger: logger.Named("discovery"),
		now:    func() time.Time { return time.Now().UTC() },
		txJobs: store.NewJobRepository,
	}
}

// HandleDiscovered runs the discovery fan-out for one jobs_discovered
// message belonging to parentJobID.
func (h *Handler) HandleDiscovered(ctx context.Context, parentJobID, accountID string, data protocol.JobsDiscoveredData) error {
	parent, err := h.jobs.Get(ctx, parentJobID)
	if err != nil {
		return fmt.Errorf("discovery: load parent job %s: %w", parentJobID, err)
	}

	valid, dropped := validateEntries(data.DiscoveredJobs)
	if dropped > 0 {
		h.logger.Warn("discovery: dropped malformed entries", zap.String("parent_job_id", parentJobID), zap.Int("count", dropped))
	}

	areas := make([]store.Area, 0, len(valid))
	for _, e := range valid {
		areaType := store.AreaGroup
		if e.JobType == "crawl_project" {
			areaType = store.AreaProject
		}
		areas = append(areas, store.Area{
			ID:        e.EntityID,
			FullPath:  e.NamespacePath,
			GitlabID:  e.EntityID,
			Name:      e.EntityName,
			Type:      areaType,
			CreatedAt: h.now(),
		})
	}

	var createdIDs []string
	var primary []primaryJob
	var spawnErrors int

	txErr := h.areas.UpsertBatchAndAuthorize(ctx, areas, accountID, func(tx *gorm.DB) error {
		createdIDs, primary, spawnErrors = h.spawnJobs(ctx, tx, parent, valid)
		return nil
	})
	if txErr != nil {
		failure := fmt.Sprintf("discovery fan-out failed: %v", txErr)
		if err := h.jobs.MarkFailed(ctx, parentJobID, h.now(), false, store.JSONMap{"error": failure}); err != nil {
			h.logger.Error("discovery: failed to mark parent job failed", zap.Error(err))
		}
		return fmt.Errorf("discovery: fan-out transaction: %w", txErr)
	}

	h.reorderFirstThree(ctx, primary)

	milestone := store.JSONMap{
		"stage":         "completed",
		"spawnedJobIds": createdIDs,
		"spawnErrors":   spawnErrors,
		"totalGroups":   data.DiscoverySummary.TotalGroups,
		"totalProjects": data.DiscoverySummary.TotalProjects,
	}
	if err := h.jobs.UpdateProgress(ctx, parentJobID, milestone, nil); err != nil {
		h.logger.Error("discovery: failed to update parent job progress", zap.Error(err))
	}
	if err := h.jobs.MarkCompleted(ctx, parentJobID, h.now(), store.JSONMap{"spawned": len(createdIDs)}); err != nil {
		h.logger.Error("discovery: failed to mark parent job completed", zap.Error(err))
	}

	h.bridge.Publish("discovery", map[string]any{
		"parentJobId":   parentJobID,
		"spawnedJobIds": createdIDs,
		"totalGroups":   data.DiscoverySummary.TotalGroups,
		"totalProjects": data.DiscoverySummary.TotalProjects,
	})

	return nil
}

// validateEntries drops entries missing the fields every downstream step
// requires (§4.G step 2), returning the survivors and a dropped count.
func validateEntries(in []protocol.DiscoveredJob) ([]protocol.DiscoveredJob, int) {
	out := make([]protocol.DiscoveredJob, 0, len(in))
	dropped := 0
	for _, e := range in {
		if e.JobType == "" || e.EntityID == "" || e.NamespacePath == "" {
			dropped++
			continue
		}
		if _, ok := commandForJobType[e.JobType]; !ok {
			dropped++
			continue
		}
		out = append(out, e)
	}
	return out, dropped
}

// primaryJob is one of the top-level jobs created directly from a discovered
// entry (as opposed to its sub-fan-out children) — the only candidates for
// the step 7 priority nudge.
type primaryJob struct {
	id      string
	jobType string
}

// spawnJobs implements steps 4 and 5: one job per validated entry, plus the
// sub-fan-out for crawl_group/crawl_project entries. Individual failures are
// logged and counted, never aborting the siblings (§4.G failure semantics).
func (h *Handler) spawnJobs(ctx context.Context, tx *gorm.DB, parent *store.Job, entries []protocol.DiscoveredJob) ([]string, []primaryJob, int) {
	repo := h.txJobs(tx)
	var created []string
	var primary []primaryJob
	var errCount int
	now := h.now()

	create := func(command, fullPath, spawnedFrom string, provenance store.JSONMap) string {
		job := &store.Job{
			Command:     command,
			FullPath:    fullPath,
			AccountID:   parent.AccountID,
			UserID:      parent.UserID,
			Provider:    parent.Provider,
			APIBaseURL:  parent.APIBaseURL,
			Status:      store.JobQueued,
			Progress:    provenance,
			SpawnedFrom: spawnedFrom,
		}
		if err := repo.Create(ctx, job); err != nil {
			h.logger.Error("discovery: job create failed", zap.String("command", command), zap.Error(err))
			errCount++
			return ""
		}
		created = append(created, job.ID)
		return job.ID
	}

	for _, e := range entries {
		command := commandForJobType[e.JobType]
		provenance := store.JSONMap{
			"discoveredFrom":     parent.ID,
			"entityName":         e.EntityName,
			"estimatedSize":      e.EstimatedSize,
			"discoveryTimestamp": now,
		}
		if id := create(command, e.NamespacePath, parent.ID, provenance); id != "" {
			primary = append(primary, primaryJob{id: id, jobType: e.JobType})
		}

		if e.JobType != "crawl_group" && e.JobType != "crawl_project" {
			continue
		}

		set := make([]string, 0, len(subFanOutCommon)+1)
		seen := make(map[string]struct{}, len(subFanOutCommon)+1)
		for _, c := range subFanOutCommon {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			set = append(set, c)
		}
		if e.JobType == "crawl_group" {
			if _, ok := seen[subFanOutGroupExtra]; !ok {
				set = append(set, subFanOutGroupExtra)
			}
		}

		for _, sub := range set {
			create(sub, e.NamespacePath, parent.ID, store.JSONMap{
				"discoveredFrom":     parent.ID,
				"entityName":         e.EntityName,
				"discoveryTimestamp": now,
			})
		}
	}

	return created, primary, errCount
}

// reorderFirstThree implements step 7's best-effort priority nudge: sort the
// top-level jobs created this batch by the fixed table (users > group >
// project > other), then rewrite created_at on the first three in that
// order. get_available orders strictly by created_at ASC and there is no
// dedicated priority column, so backdating created_at is the only signal
// the scheduler reads — the touched jobs sort ahead of the rest of the
// batch, a millisecond apart to preserve their relative rank. This only
// affects ordering within the batch just created, never across batches.
func (h *Handler) reorderFirstThree(ctx context.Context, primary []primaryJob) {
	if len(primary) == 0 {
		return
	}
	sort.SliceStable(primary, func(i, j int) bool {
		return priorityRank(primary[i].jobType) < priorityRank(primary[j].jobType)
	})
	n := len(primary)
	if n > 3 {
		n = 3
	}
	base := h.now().Add(-time.Second)
	for i, p := range primary[:n] {
		touched := base.Add(time.Duration(i) * time.Millisecond)
		if err := h.jobs.TouchCreatedAt(ctx, p.id, touched); err != nil {
			h.logger.Warn("discovery: priority nudge failed", zap.String("job_id", p.id), zap.Error(err))
		}
	}
}
