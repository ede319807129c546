package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// defaultJobLimit bounds how many jobs a single job_request reply carries.
const defaultJobLimit = 5

// JobService is the subset of jobs.Service the router needs. Declared here
// instead of importing the concrete type so router has no dependency on the
// jobs package's internals, only its contract.
type JobService interface {
	GetAvailable(ctx context.Context, limit int, now time.Time) ([]store.Job, error)
	MarkStarted(ctx context.Context, jobID string, now time.Time, metadata map[string]any) error
	UpdateProgress(ctx context.Context, jobID string, progress protocol.JobProgressData, now time.Time) error
	MarkCompleted(ctx context.Context, jobID string, now time.Time, finalCounts map[string]int) error
	MarkFailed(ctx context.Context, jobID string, now time.Time, recoverable bool, reason string) error
}

// DiscoveryHandler processes a jobs_discovered envelope's payload (§4.G).
type DiscoveryHandler interface {
	HandleDiscovered(ctx context.Context, parentJobID, accountID string, data protocol.JobsDiscoveredData) error
}

// TokenCoordinator correlates token_refresh_request/response pairs (§4.H).
type TokenCoordinator interface {
	HandleRequest(ctx context.Context, connID, jobID string) (protocol.TokenRefreshResponseData, error)
}

// Deps bundles everything the built-in handlers need.
type Deps struct {
	Jobs      JobService
	Discovery DiscoveryHandler
	Tokens    TokenCoordinator
	// AccountID resolves which account a connection is crawling for — the
	// socket protocol carries no account identity of its own, so the router
	// looks it up from the connection's bound crawlerID.
	AccountID func(connID string) (string, bool)
	// AccountToken resolves the current access token for an account id, so
	// job_response can carry a usable credential for each dispatched job.
	AccountToken func(ctx context.Context, accountID string) (string, bool)
	Now          func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// RegisterBuiltins wires the standard handler for every inbound message type
// named in §6 except discovery, which has no handler and is logged as
// unhandled. Call this once after constructing the Router; callers may
// still RegisterHandler afterwards to override any of them (tests do this).
func RegisterBuiltins(r *Router, deps Deps) {
	r.RegisterHandler(protocol.MsgHeartbeat, heartbeatHandler())
	r.RegisterHandler(protocol.MsgJobRequest, jobRequestHandler(r, deps))
	r.RegisterHandler(protocol.MsgJobStarted, jobStartedHandler(deps))
	r.RegisterHandler(protocol.MsgJobProgress, jobProgressHandler(deps))
	r.RegisterHandler(protocol.MsgJobCompleted, jobCompletedHandler(deps))
	r.RegisterHandler(protocol.MsgJobFailed, jobFailedHandler(deps))
	r.RegisterHandler(protocol.MsgTokenRefreshRequest, tokenRefreshHandler(r, deps))
	r.RegisterHandler(protocol.MsgJobsDiscovered, jobsDiscoveredHandler(deps))
}

// heartbeatHandler has nothing left to do: Connection.Run already observes
// the heartbeat timestamp and flips state to ACTIVE before the event ever
// reaches the router. It stays registered so an unexpected heartbeat never
// logs as "no handler".
func heartbeatHandler() HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		return nil
	}
}

func jobRequestHandler(r *Router, deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		jobs, err := deps.Jobs.GetAvailable(ctx, defaultJobLimit, deps.now())
		if err != nil {
			return fmt.Errorf("router: job_request: %w", err)
		}

		descriptors := make([]protocol.JobDescriptor, 0, len(jobs))
		for _, j := range jobs {
			var resume *protocol.ResumeState
			if cur, ok := j.ResumeState["current_page"]; ok && cur != nil {
				entityType, _ := j.ResumeState["entity_type"].(string)
				lastID, _ := j.ResumeState["last_entity_id"].(string)
				page, _ := toInt(j.ResumeState["current_page"])
				resume = &protocol.ResumeState{CurrentPage: page, LastEntityID: lastID, EntityType: entityType}
			}
			var token string
			if deps.AccountToken != nil {
				token, _ = deps.AccountToken(ctx, j.AccountID)
			}
			options, _ := json.Marshal(map[string]any{"full_path": j.FullPath})
			descriptors = append(descriptors, protocol.JobDescriptor{
				ID:          j.ID,
				Command:     j.Command,
				FullPath:    j.FullPath,
				GitlabURL:   j.APIBaseURL,
				AccessToken: token,
				Options:     options,
				ResumeState: resume,
			})
		}

		resp, err := protocol.NewEnvelope(protocol.MsgJobResponse, "", protocol.JobResponseData{Jobs: descriptors}, deps.now())
		if err != nil {
			return fmt.Errorf("router: job_request: encode response: %w", err)
		}
		return r.reply(connID, resp)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func jobStartedHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "job_started: missing job_id"}
		}
		return deps.Jobs.MarkStarted(ctx, env.JobID, deps.now(), nil)
	}
}

func jobProgressHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "job_progress: missing job_id"}
		}
		var data protocol.JobProgressData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("router: job_progress: %w", err)
		}
		return deps.Jobs.UpdateProgress(ctx, env.JobID, data, deps.now())
	}
}

func jobCompletedHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "job_completed: missing job_id"}
		}
		var data protocol.JobCompletedData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("router: job_completed: %w", err)
		}
		return deps.Jobs.MarkCompleted(ctx, env.JobID, deps.now(), data.FinalCounts)
	}
}

func jobFailedHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "job_failed: missing job_id"}
		}
		var data protocol.JobFailedData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("router: job_failed: %w", err)
		}
		return deps.Jobs.MarkFailed(ctx, env.JobID, deps.now(), data.IsRecoverable, data.Error)
	}
}

func tokenRefreshHandler(r *Router, deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "token_refresh_request: missing job_id"}
		}
		result, err := deps.Tokens.HandleRequest(ctx, connID, env.JobID)
		if err != nil {
			return fmt.Errorf("router: token_refresh_request: %w", err)
		}
		resp, err := protocol.NewEnvelope(protocol.MsgTokenRefreshResponse, env.JobID, result, deps.now())
		if err != nil {
			return fmt.Errorf("router: token_refresh_request: encode response: %w", err)
		}
		return r.reply(connID, resp)
	}
}

func jobsDiscoveredHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, connID string, env protocol.Envelope) error {
		if env.JobID == "" {
			return &protocol.ErrValidation{Reason: "jobs_discovered: missing job_id"}
		}
		var data protocol.JobsDiscoveredData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("router: jobs_discovered: %w", err)
		}
		accountID, ok := deps.AccountID(connID)
		if !ok {
			return &protocol.ErrValidation{Reason: "jobs_discovered: connection has no bound account"}
		}
		return deps.Discovery.HandleDiscovered(ctx, env.JobID, accountID, data)
	}
}
