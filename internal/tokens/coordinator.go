// Package tokens implements the Token Refresh Coordinator (§4.H): it
// correlates a worker's token_refresh_request by jobId, performs the
// provider-specific refresh, and hands the new token back within a bounded
// window so the crawler's retry loop never stalls indefinitely.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/oauth"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// refreshTimeout bounds how long a single refresh attempt may take before
// the coordinator gives up and reports failure to the caller (§4.H).
const refreshTimeout = 15 * time.Second

// JobLookup is the subset of store.JobRepository the coordinator needs to
// resolve which account owns the job asking for a refresh.
type JobLookup interface {
	Get(ctx context.Context, id string) (*store.Job, error)
}

// JobFailer lets the coordinator push a job straight to failed when its
// account's refresh token has been permanently rejected.
type JobFailer interface {
	MarkFailed(ctx context.Context, jobID string, now time.Time, recoverable bool, reason string) error
}

// JobRenewal is the full set of jobs.Service methods the coordinator drives
// a job through around a refresh attempt (§4.F's running ->
// waiting_credential_renewal -> running/failed path).
type JobRenewal interface {
	JobFailer
	BeginCredentialRenewal(ctx context.Context, jobID string, now time.Time) error
	ResumeAfterRenewal(ctx context.Context, jobID string, now time.Time) error
}

// Refreshers maps a store.Provider to the oauth.Refresher that knows how to
// talk to it.
type Refreshers map[store.Provider]oauth.Refresher

// Coordinator serializes refresh attempts per job so two
// token_refresh_requests racing on the same stalled job don't both hit the provider at once.
type Coordinator struct {
	jobs       JobLookup
	accounts   store.AccountRepository
	renewal    JobRenewal
	refreshers Refreshers
	logger     *zap.Logger

	// whoami confirms a freshly refreshed token round-trips against the API
	// before the coordinator reports refreshSuccessful=true. Tests stub it.
	whoami func(ctx context.Context, apiBaseURL, accessToken string) (string, error)

	mu       sync.Mutex
	inFlight map[string]chan struct{} // jobID -> closed when a refresh for it completes
}

// New creates a Coordinator.
func New(jobs JobLookup, accounts store.AccountRepository, renewal JobRenewal, refreshers Refreshers, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		jobs:       jobs,
		accounts:   accounts,
		renewal:    renewal,
		refreshers: refreshers,
		logger:     logger.Named("tokens"),
		whoami:     oauth.WhoAmI,
		inFlight:   make(map[string]chan struct{}),
	}
}

// HandleRequest implements router.TokenCoordinator. It resolves the job's
// account, refreshes its token (waiting for an in-flight refresh for the
// same job instead of starting a second one), and returns the response
// payload the router sends back over the connection.
func (c *Coordinator) HandleRequest(ctx context.Context, connID, jobID string) (protocol.TokenRefreshResponseData, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	done, started := c.claim(jobID)
	if !started {
		// Another goroutine is already refreshing this job's token — wait
		// for it and then re-read the account's (now possibly updated)
		// credentials instead of racing a second provider call.
		select {
		case <-done:
		case <-ctx.Done():
			return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: %w", ctx.Err())
		}
		return c.currentToken(ctx, jobID)
	}
	defer c.release(jobID, done)

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: lookup job: %w", err)
	}
	account, err := c.accounts.Get(ctx, job.AccountID)
	if err != nil {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: lookup account: %w", err)
	}

	refresher, ok := c.refreshers[account.Provider]
	if !ok {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: no refresher registered for provider %q", account.Provider)
	}

	now := time.Now().UTC()
	// §4.F: running -> waiting_credential_renewal before the provider call,
	// so the job's status reflects that it's blocked on a credential refresh
	// for as long as that takes. Best-effort: a job that isn't running
	// (already moved on by another message) shouldn't block the refresh
	// itself, only lose the bookkeeping transition.
	if err := c.renewal.BeginCredentialRenewal(ctx, jobID, now); err != nil {
		c.logger.Warn("tokens: could not move job to waiting_credential_renewal", zap.String("job_id", jobID), zap.Error(err))
	}

	result, err := refresher.Refresh(ctx, *account)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			return c.handleInvalidGrant(ctx, jobID, account.ID)
		}
		c.logger.Error("tokens: refresh failed", zap.String("job_id", jobID), zap.Error(err))
		if markErr := c.renewal.MarkFailed(ctx, jobID, time.Now().UTC(), false, err.Error()); markErr != nil {
			c.logger.Error("tokens: failed to mark job failed after refresh error", zap.String("job_id", jobID), zap.Error(markErr))
		}
		return protocol.TokenRefreshResponseData{}, &protocol.ErrRefreshFailed{Reason: err.Error()}
	}

	if err := c.accounts.UpdateTokens(ctx, account.ID, result.AccessToken, result.RefreshToken, &result.ExpiresAt); err != nil {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: persist refreshed token: %w", err)
	}

	// Liveness check: the provider accepted the grant, but the worker is
	// about to retry a failing request with this token — confirm it actually
	// round-trips before reporting refreshSuccessful=true.
	if _, err := c.whoami(ctx, account.APIBaseURL, result.AccessToken); err != nil {
		c.logger.Error("tokens: refreshed token failed liveness check", zap.String("job_id", jobID), zap.Error(err))
		if markErr := c.renewal.MarkFailed(ctx, jobID, time.Now().UTC(), false, err.Error()); markErr != nil {
			c.logger.Error("tokens: failed to mark job failed after liveness check", zap.String("job_id", jobID), zap.Error(markErr))
		}
		return protocol.TokenRefreshResponseData{}, &protocol.ErrRefreshFailed{Reason: err.Error()}
	}

	// §4.H: "On success the job transitions back to running."
	if err := c.renewal.ResumeAfterRenewal(ctx, jobID, time.Now().UTC()); err != nil {
		c.logger.Error("tokens: failed to resume job after successful renewal", zap.String("job_id", jobID), zap.Error(err))
	}

	return protocol.TokenRefreshResponseData{
		AccessToken:       result.AccessToken,
		RefreshSuccessful: true,
		ExpiresAt:         result.ExpiresAt,
	}, nil
}

// handleInvalidGrant implements §4.H's unrecoverable path: clear the stored
// tokens so get_available stops offering this account's jobs, fail the
// requesting job as non-recoverable, and report refreshSuccessful=false
// rather than surfacing a transport error to the worker.
func (c *Coordinator) handleInvalidGrant(ctx context.Context, jobID, accountID string) (protocol.TokenRefreshResponseData, error) {
	if err := c.accounts.ClearTokens(ctx, accountID); err != nil {
		c.logger.Error("tokens: failed to clear tokens after invalid_grant", zap.String("account_id", accountID), zap.Error(err))
	}
	if err := c.renewal.MarkFailed(ctx, jobID, time.Now().UTC(), false, "oauth refresh token rejected (invalid_grant)"); err != nil {
		c.logger.Error("tokens: failed to mark job failed after invalid_grant", zap.String("job_id", jobID), zap.Error(err))
	}
	return protocol.TokenRefreshResponseData{RefreshSuccessful: false}, nil
}

func (c *Coordinator) currentToken(ctx context.Context, jobID string) (protocol.TokenRefreshResponseData, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: lookup job: %w", err)
	}
	account, err := c.accounts.Get(ctx, job.AccountID)
	if err != nil {
		return protocol.TokenRefreshResponseData{}, fmt.Errorf("tokens: lookup account: %w", err)
	}
	return protocol.TokenRefreshResponseData{
		AccessToken:       account.AccessToken,
		RefreshSuccessful: account.HasToken(),
	}, nil
}

// claim registers jobID as in-flight, returning the channel other callers
// should wait on and whether this call is the one that must do the work.
func (c *Coordinator) claim(jobID string) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, exists := c.inFlight[jobID]; exists {
		return ch, false
	}
	ch := make(chan struct{})
	c.inFlight[jobID] = ch
	return ch, true
}

func (c *Coordinator) release(jobID string, done chan struct{}) {
	c.mu.Lock()
	delete(c.inFlight, jobID)
	c.mu.Unlock()
	close(done)
}
