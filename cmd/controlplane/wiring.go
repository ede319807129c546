package main

import (
	"context"
	"sync"
	"time"

	"github.com/copilot-study/gitlab-crawl/internal/conn"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/router"
	"github.com/copilot-study/gitlab-crawl/internal/store"
	"github.com/copilot-study/gitlab-crawl/internal/telemetry"
)

// poolSender satisfies router.Sender against a *conn.Pool that doesn't exist
// yet at the point the Router is constructed: the pool's own Handler is the
// Router, so one of the two must be built against an indirection. poolSender
// holds a pointer to the not-yet-assigned pool variable and dereferences it
// lazily, once, on every reply.
type poolSender struct {
	pool **conn.Pool
}

func (s poolSender) Get(id string) (*conn.Connection, bool) {
	if s.pool == nil || *s.pool == nil {
		return nil, false
	}
	return (*s.pool).Get(id)
}

// connAccountRegistry tracks which account a connection is acting on behalf
// of. conn.Connection only carries a crawler identity (§4.B); the router
// needs an account identity to resolve job_request tokens and to attribute
// jobs_discovered payloads, so bindAccountMiddleware populates this from
// every envelope that names a job.
type connAccountRegistry struct {
	mu sync.RWMutex
	m  map[string]string
}

func (r *connAccountRegistry) bind(connID, accountID string) {
	if accountID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]string)
	}
	r.m[connID] = accountID
}

func (r *connAccountRegistry) lookup(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	accountID, ok := r.m[connID]
	return accountID, ok
}

// bindAccountMiddleware resolves the account that owns env.JobID and records
// it against the sending connection before the real handler runs, so
// handlers.Deps.AccountID has something to return for jobs_discovered and
// token_refresh_request.
func bindAccountMiddleware(jobRepo store.JobRepository, accounts *connAccountRegistry) router.Middleware {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, connID string, env protocol.Envelope) error {
			if env.JobID != "" {
				if job, err := jobRepo.Get(ctx, env.JobID); err == nil {
					accounts.bind(connID, job.AccountID)
				}
			}
			return next(ctx, connID, env)
		}
	}
}

// metricsMiddleware increments the job-lifecycle counters off the envelope
// type after the handler has run, so a handler error doesn't double-count a
// transition that never actually committed.
func metricsMiddleware(m *telemetry.Metrics) router.Middleware {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, connID string, env protocol.Envelope) error {
			err := next(ctx, connID, env)
			if err != nil {
				return err
			}
			switch env.Type {
			case protocol.MsgJobStarted:
				m.JobsInFlight.Inc()
			case protocol.MsgJobCompleted:
				m.JobsInFlight.Dec()
				m.JobsTotal.WithLabelValues("completed").Inc()
			case protocol.MsgJobFailed:
				m.JobsInFlight.Dec()
				m.JobsTotal.WithLabelValues("failed").Inc()
			case protocol.MsgJobsDiscovered:
				m.DiscoveryFanouts.Inc()
			}
			return nil
		}
	}
}

// watchRejections keeps ConnectionsActive and ConnectionRejected current.
// The pool only pushes a signal on rejection (§4.C); active connection count
// has no equivalent push, so this also polls pool.Size() on a short tick.
func watchRejections(ctx context.Context, pool *conn.Pool, m *telemetry.Metrics) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pool.RejectedSignal():
			m.ConnectionRejected.Inc()
		case <-ticker.C:
			m.ConnectionsActive.Set(float64(pool.Size()))
		}
	}
}
