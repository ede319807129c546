package task

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/crawler/anonymize"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/paginate"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/ratelimit"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/storage"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// maxSlots is the reference configuration's worker concurrency (§4.J): up to
// 3 job executions in flight at once.
const maxSlots = 3

// tokenRefreshTimeout bounds how long a task waits for a
// token_refresh_response before treating the job as failed (§4.H, §6 E2).
const tokenRefreshTimeout = 15 * time.Second

// Emitter is the subset of the worker socket client a Processor needs to
// report lifecycle messages. client.Client satisfies this directly.
type Emitter interface {
	JobStarted(jobID string)
	JobProgress(jobID string, data protocol.JobProgressData)
	JobCompleted(jobID string, data protocol.JobCompletedData)
	JobFailed(jobID string, data protocol.JobFailedData)
	JobsDiscovered(jobID string, data protocol.JobsDiscoveredData)
	TokenRefreshRequest(jobID string)
}

// Processor executes jobs delivered by job_response, one per slot, up to
// maxSlots concurrently (§5: "up to 3 concurrent job executions").
type Processor struct {
	emitter    Emitter
	httpClient *http.Client
	anonymizer *anonymize.Anonymizer
	store      *storage.Store
	ratelimit  ratelimit.Config
	perPage    int
	logger     *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	inFlight int
	waiters  map[string]chan protocol.TokenRefreshResponseData
}

// New creates a Processor.
func New(emitter Emitter, httpClient *http.Client, anonymizer *anonymize.Anonymizer, store *storage.Store, rl ratelimit.Config, logger *zap.Logger) *Processor {
	return &Processor{
		emitter:    emitter,
		httpClient: httpClient,
		anonymizer: anonymizer,
		store:      store,
		ratelimit:  rl,
		perPage:    100,
		logger:     logger.Named("task"),
		sem:        make(chan struct{}, maxSlots),
		waiters:    make(map[string]chan protocol.TokenRefreshResponseData),
	}
}

// ActiveJobs reports how many slots are currently occupied, used by the
// worker socket client's poll-throttling (§4.I: "while idle or with < 3
// active jobs").
func (p *Processor) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// HandleJobResponse implements client.Handler: for each descriptor it takes
// a free slot without blocking and runs the job in its own goroutine; a
// descriptor that finds every slot busy is skipped.
func (p *Processor) HandleJobResponse(ctx context.Context, data protocol.JobResponseData) {
	for _, d := range data.Jobs {
		t := FromDescriptor(d)
		select {
		case p.sem <- struct{}{}:
		default:
			// No free slot; the control plane will hand this job to
			// another poll cycle or worker.
			p.logger.Debug("task: no free slot, skipping job", zap.String("job_id", t.ID))
			continue
		}
		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()

		go func(t Task) {
			defer func() {
				<-p.sem
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
			}()
			p.Run(ctx, t)
		}(t)
	}
}

// HandleTokenRefreshResponse implements client.Handler, delivering the
// response to whichever in-flight task is waiting on it.
func (p *Processor) HandleTokenRefreshResponse(ctx context.Context, jobID string, data protocol.TokenRefreshResponseData) {
	p.mu.Lock()
	ch, ok := p.waiters[jobID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// HandleShutdown implements client.Handler. In-flight jobs are not
// preempted (§5): they run to completion or are lost and resume on restart.
func (p *Processor) HandleShutdown(ctx context.Context, reason string) {
	p.logger.Info("task: received shutdown", zap.String("reason", reason))
}

// Run executes one task end to end, emitting job_started immediately and
// exactly one terminal job_completed/job_failed (§4.J step 4).
func (p *Processor) Run(ctx context.Context, t Task) {
	p.emitter.JobStarted(t.ID)

	switch t.Command {
	case discoverAreasCommand:
		p.runDiscovery(ctx, t)
	case testTypeCommand:
		p.runTestType(ctx, t)
	default:
		p.runGeneric(ctx, t)
	}
}

func (p *Processor) runTestType(ctx context.Context, t Task) {
	path, err := p.store.WriteStub(t.ID)
	if err != nil {
		p.emitter.JobFailed(t.ID, protocol.JobFailedData{Error: err.Error(), ErrorType: "StorageError", IsRecoverable: true})
		return
	}
	p.emitter.JobProgress(t.ID, protocol.JobProgressData{Stage: protocol.StageCompleted, EntityType: "stub", Processed: 1})
	p.emitter.JobCompleted(t.ID, protocol.JobCompletedData{
		Success:     true,
		FinalCounts: map[string]int{"stub": 1},
		OutputFiles: []string{path},
	})
}

// runGeneric implements §4.J's generic collection algorithm.
func (p *Processor) runGeneric(ctx context.Context, t Task) {
	templates, ok := commandTemplates[t.Command]
	if !ok {
		p.emitter.JobProgress(t.ID, protocol.JobProgressData{
			Stage: protocol.StageCompleted, Processed: 0,
			Message: fmt.Sprintf("no endpoint template for command %q", t.Command),
		})
		p.emitter.JobCompleted(t.ID, protocol.JobCompletedData{Success: true, FinalCounts: map[string]int{}})
		return
	}

	type resolved struct {
		endpointTemplate
		path string
	}
	var usable []resolved
	var missingNames []string
	for _, tmpl := range templates {
		path, missing := resolvePath(tmpl.path, t.FullPath, t.Options)
		if len(missing) > 0 {
			missingNames = append(missingNames, missing...)
			continue
		}
		usable = append(usable, resolved{tmpl, path})
	}

	if len(usable) == 0 {
		// §4.J step b / §8 E6: these jobs are no-ops by design.
		p.emitter.JobProgress(t.ID, protocol.JobProgressData{
			Stage: protocol.StageCompleted, Processed: 0,
			Message: fmt.Sprintf("missing parameters: %v", missingNames),
		})
		counts := map[string]int{}
		if len(templates) > 0 {
			counts[templates[0].entityType] = 0
		}
		p.emitter.JobCompleted(t.ID, protocol.JobCompletedData{Success: true, FinalCounts: counts})
		return
	}

	token := t.AccessToken
	counts := map[string]int{}
	thr := &throttler{}
	startPage := 1
	if t.ResumeState != nil && t.ResumeState.CurrentPage > 0 {
		startPage = t.ResumeState.CurrentPage
	} else if resume, ok, _ := p.loadCheckpoint(t.ID); ok {
		// Supplements §4.J: a worker restarted mid-job has no in-memory
		// resume_state, but the control plane's job_response for a
		// previously-started job may not carry one either if it crashed
		// before ever reporting progress — fall back to our own
		// last-written checkpoint.
		startPage = resume.CurrentPage
	}

	for _, r := range usable {
		fullURL := t.APIBase + r.path
		items, retryToken, failedPage, err := p.fetchWithRefresh(ctx, t, fullURL, token, startPage, thr)
		if retryToken != "" {
			token = retryToken
		}
		if err != nil {
			p.failFromError(t, err, r.entityType, failedPage, counts)
			return
		}

		anonymized := make([]map[string]any, 0, len(items))
		for _, raw := range items {
			var obj map[string]any
			if jsonErr := json.Unmarshal(raw, &obj); jsonErr != nil {
				continue
			}
			anonymized = append(anonymized, anonymize.Item(p.anonymizer, obj))
		}
		counts[r.entityType] += len(anonymized)

		key := storage.Key(t.FullPath, r.entityType, entityID(t.Options))
		if _, err := p.store.Append(key, r.entityType, anonymized); err != nil {
			p.emitter.JobFailed(t.ID, protocol.JobFailedData{
				Error: err.Error(), ErrorType: "StorageError", IsRecoverable: true, PartialCounts: counts,
			})
			return
		}
	}

	if err := p.store.ClearCheckpoint(t.ID); err != nil {
		p.logger.Warn("task: clear checkpoint failed", zap.String("job_id", t.ID), zap.Error(err))
	}
	p.emitter.JobProgress(t.ID, protocol.JobProgressData{Stage: protocol.StageCompleted, Processed: sum(counts)})
	p.emitter.JobCompleted(t.ID, protocol.JobCompletedData{Success: true, FinalCounts: counts})
}

// loadCheckpoint reads back a pagination checkpoint this processor
// previously wrote for jobID, if any.
func (p *Processor) loadCheckpoint(jobID string) (protocol.ResumeState, bool, error) {
	var resume protocol.ResumeState
	ok, err := p.store.LoadCheckpoint(jobID, &resume)
	if err != nil {
		p.logger.Warn("task: load checkpoint failed", zap.String("job_id", jobID), zap.Error(err))
		return protocol.ResumeState{}, false, err
	}
	return resume, ok, nil
}

// fetchWithRefresh pages through fullURL, retrying exactly once on a 401 by
// requesting a token refresh and waiting up to tokenRefreshTimeout (§4.H,
// §7 HttpError(401) row). It returns the refreshed token if one was
// obtained, so the caller can reuse it for the next endpoint template.
func (p *Processor) fetchWithRefresh(ctx context.Context, t Task, fullURL, token string, startPage int, thr *throttler) ([]json.RawMessage, string, int, error) {
	pg := paginate.New(p.httpClient, ratelimit.New(p.ratelimit), p.perPage, p.logger)

	onPage := func(page int, just []json.RawMessage) {
		checkpoint := protocol.ResumeState{CurrentPage: page}
		if err := p.store.SaveCheckpoint(t.ID, checkpoint); err != nil {
			p.logger.Warn("task: save checkpoint failed", zap.String("job_id", t.ID), zap.Error(err))
		}
		if !thr.allow(time.Now()) {
			return
		}
		p.emitter.JobProgress(t.ID, protocol.JobProgressData{
			Stage:       protocol.StageFetching,
			Processed:   page * p.perPage,
			ResumeState: &checkpoint,
		})
	}

	items, failedPage, err := pg.FetchAll(ctx, fullURL, token, url.Values{}, startPage, onPage)
	if err == nil {
		return items, "", 0, nil
	}

	httpErr, ok := asHTTPError(err)
	if !ok || httpErr.Status != 401 {
		return items, "", failedPage, err
	}

	newToken, refreshErr := p.requestRefresh(ctx, t.ID)
	if refreshErr != nil {
		return items, "", failedPage, refreshErr
	}

	retryItems, retryFailedPage, retryErr := pg.FetchAll(ctx, fullURL, newToken, url.Values{}, failedPage, onPage)
	if retryErr != nil {
		return append(items, retryItems...), newToken, retryFailedPage, retryErr
	}
	return append(items, retryItems...), newToken, 0, nil
}

// requestRefresh emits token_refresh_request and waits for the correlated
// response, timing out after tokenRefreshTimeout (§4.H, §6 E2).
func (p *Processor) requestRefresh(ctx context.Context, jobID string) (string, error) {
	ch := make(chan protocol.TokenRefreshResponseData, 1)
	p.mu.Lock()
	p.waiters[jobID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, jobID)
		p.mu.Unlock()
	}()

	p.emitter.TokenRefreshRequest(jobID)

	timer := time.NewTimer(tokenRefreshTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.RefreshSuccessful {
			return "", &protocol.ErrRefreshFailed{Reason: "provider rejected refresh"}
		}
		return resp.AccessToken, nil
	case <-timer.C:
		return "", &protocol.ErrRefreshFailed{Reason: "no token_refresh_response within 15s"}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// failFromError classifies err per the §7 taxonomy and emits the matching
// terminal job_failed.
func (p *Processor) failFromError(t Task, err error, entityType string, failedPage int, partial map[string]int) {
	var resume *protocol.ResumeState
	if failedPage > 0 {
		resume = &protocol.ResumeState{CurrentPage: failedPage, EntityType: entityType}
	}

	recoverable, errType := classify(err)
	if !recoverable {
		if clearErr := p.store.ClearCheckpoint(t.ID); clearErr != nil {
			p.logger.Warn("task: clear checkpoint failed", zap.String("job_id", t.ID), zap.Error(clearErr))
		}
	}
	p.emitter.JobFailed(t.ID, protocol.JobFailedData{
		Error:         err.Error(),
		ErrorType:     errType,
		IsRecoverable: recoverable,
		ResumeState:   resume,
		PartialCounts: partial,
	})
}

// classify maps an error from the fetch path to the §7 taxonomy's
// (errorType, isRecoverable) pair.
func classify(err error) (recoverable bool, errType string) {
	if httpErr, ok := asHTTPError(err); ok {
		switch {
		case httpErr.Status >= 500:
			return true, "HttpError"
		default:
			return false, "HttpError"
		}
	}
	if _, ok := asParseError(err); ok {
		return true, "ParseError"
	}
	if _, ok := err.(*protocol.ErrRefreshFailed); ok {
		return false, "RefreshFailed"
	}
	return false, "Unknown"
}

func asHTTPError(err error) (*protocol.ErrHTTP, bool) {
	e, ok := err.(*protocol.ErrHTTP)
	return e, ok
}

func asParseError(err error) (*protocol.ErrParse, bool) {
	e, ok := err.(*protocol.ErrParse)
	return e, ok
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
