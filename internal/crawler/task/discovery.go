package task

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/crawler/paginate"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/ratelimit"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// glGroup is the subset of a GitLab v4 group list item the discovery
// algorithm needs.
type glGroup struct {
	ID       int    `json:"id"`
	FullPath string `json:"full_path"`
	Name     string `json:"name"`
}

// glProject is the subset of a GitLab v4 project list item (both the
// per-group and the global listing share this shape).
type glProject struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	Name              string `json:"name"`
}

// discoveredArea is the worker's in-memory record of one area before it is
// turned into a DiscoveredJob entry — mirrors §3's Area fields closely
// enough for the local snapshot write in step c.
type discoveredArea struct {
	ID       string
	FullPath string
	Name     string
	Type     string // "group" | "project"
}

// runDiscovery implements §4.J's discovery algorithm (steps a-d).
func (p *Processor) runDiscovery(ctx context.Context, t Task) {
	pg := paginate.New(p.httpClient, ratelimit.New(p.ratelimit), p.perPage, p.logger)

	groups, err := fetchAllPages[glGroup](ctx, pg, t.APIBase+"/api/v4/groups", t.AccessToken)
	if err != nil {
		p.failFromError(t, err, "groups", 0, nil)
		return
	}

	var areas []discoveredArea
	var groupProjects []glProject
	seenProjectIDs := map[int]struct{}{}

	for _, g := range groups {
		if g.FullPath == "" || g.Name == "" {
			continue
		}
		areas = append(areas, discoveredArea{ID: strconv.Itoa(g.ID), FullPath: g.FullPath, Name: g.Name, Type: "group"})

		projects, err := fetchAllPages[glProject](ctx, pg, fmt.Sprintf("%s/api/v4/groups/%d/projects", t.APIBase, g.ID), t.AccessToken)
		if err != nil {
			p.logger.Warn("task: failed to list group projects", zap.Int("group_id", g.ID), zap.Error(err))
			continue
		}
		for _, pr := range projects {
			if _, ok := seenProjectIDs[pr.ID]; ok {
				continue
			}
			seenProjectIDs[pr.ID] = struct{}{}
			groupProjects = append(groupProjects, pr)
		}

		p.emitter.JobProgress(t.ID, protocol.JobProgressData{Stage: protocol.StageDiscovering, EntityType: "groups", Processed: len(areas)})
	}

	allProjects, err := fetchAllPages[glProject](ctx, pg, t.APIBase+"/api/v4/projects", t.AccessToken)
	if err != nil {
		p.failFromError(t, err, "projects", 0, nil)
		return
	}
	for _, pr := range allProjects {
		if _, ok := seenProjectIDs[pr.ID]; ok {
			continue
		}
		seenProjectIDs[pr.ID] = struct{}{}
		groupProjects = append(groupProjects, pr)
	}

	for _, pr := range groupProjects {
		if pr.PathWithNamespace == "" || pr.Name == "" {
			continue
		}
		areas = append(areas, discoveredArea{ID: strconv.Itoa(pr.ID), FullPath: pr.PathWithNamespace, Name: pr.Name, Type: "project"})
	}

	// §4.J discovery step c: persist a local snapshot of what was found,
	// independent of the control plane's own area table (populated later
	// by the discovery handler once it receives jobs_discovered).
	snapshot := make([]map[string]any, 0, len(areas))
	for _, a := range areas {
		snapshot = append(snapshot, map[string]any{"id": a.ID, "full_path": a.FullPath, "name": a.Name, "type": a.Type})
	}
	if _, err := p.store.Append("discovery", "areas", snapshot); err != nil {
		p.logger.Warn("task: failed to persist discovery snapshot", zap.Error(err))
	}

	entries := make([]protocol.DiscoveredJob, 0, len(areas))
	totalGroups, totalProjects := 0, 0
	for _, a := range areas {
		if a.ID == "" || a.Name == "" || a.FullPath == "" {
			continue
		}
		jobType := "crawl_group"
		if a.Type == "project" {
			jobType = "crawl_project"
			totalProjects++
		} else {
			totalGroups++
		}
		entries = append(entries, protocol.DiscoveredJob{
			JobType:       jobType,
			EntityID:      a.ID,
			NamespacePath: a.FullPath,
			EntityName:    a.Name,
		})
	}

	p.emitter.JobsDiscovered(t.ID, protocol.JobsDiscoveredData{
		DiscoveredJobs: entries,
		DiscoverySummary: protocol.DiscoverySummary{
			TotalGroups:   totalGroups,
			TotalProjects: totalProjects,
		},
	})

	p.emitter.JobProgress(t.ID, protocol.JobProgressData{Stage: protocol.StageCompleted, Processed: len(entries)})
	p.emitter.JobCompleted(t.ID, protocol.JobCompletedData{
		Success:     true,
		FinalCounts: map[string]int{"groups": totalGroups, "projects": totalProjects},
	})
}

// fetchAllPages pages through url and decodes every item into T, ignoring
// items that fail to decode individually rather than aborting the whole
// listing.
func fetchAllPages[T any](ctx context.Context, pg *paginate.Paginator, reqURL, token string) ([]T, error) {
	raw, _, err := pg.FetchAll(ctx, reqURL, token, url.Values{}, 1, nil)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if jsonErr := json.Unmarshal(r, &v); jsonErr != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
