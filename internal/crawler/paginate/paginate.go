// Package paginate implements the Paginator + Rate-Limit Handler (§4.K): it
// pages through a GitLab v4 list endpoint, honoring 429 Retry-After
// back-off, and hands each page to a callback for progress reporting before
// moving on.
package paginate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/crawler/ratelimit"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// defaultPerPage matches §4.K's "per_page (default 100)".
const defaultPerPage = 100

// defaultRetryAfter is used when a 429 response carries no Retry-After
// header (§4.K step 3).
const defaultRetryAfter = 60 * time.Second

// parseErrorBodyLimit bounds how much of an unparseable body ends up in a
// ParseError (§7: "containing the first 200 bytes of the body").
const parseErrorBodyLimit = 200

// Budget is the subset of ratelimit.Budget the paginator waits on before
// every request. Declared as an interface so callers can omit rate limiting
// entirely by passing nil.
type Budget interface {
	Wait(ctx context.Context) error
}

var _ Budget = (*ratelimit.Budget)(nil)

// Sleeper abstracts time.Sleep so tests can run 429 back-offs instantly.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnPage is invoked after every successfully fetched page, before the next
// one is requested (§4.K step 7): "emit progress containing page number and
// just_fetched sample".
type OnPage func(page int, justFetched []json.RawMessage)

// Paginator pages through one GitLab v4 endpoint at a time.
type Paginator struct {
	httpClient *http.Client
	budget     Budget
	sleep      Sleeper
	perPage    int
	logger     *zap.Logger
}

// New creates a Paginator. budget may be nil to disable rate limiting.
func New(httpClient *http.Client, budget Budget, perPage int, logger *zap.Logger) *Paginator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	return &Paginator{
		httpClient: httpClient,
		budget:     budget,
		sleep:      defaultSleeper,
		perPage:    perPage,
		logger:     logger.Named("paginate"),
	}
}

// FetchAll pages through baseURL starting at startPage (resume_state's
// current_page, or 1), accumulating every item across every page, and
// calling onPage after each one. It stops when a page returns fewer than
// perPage items (§8 boundary behavior 9). On failure it also reports the
// page that failed, so the caller can persist a resume cursor there.
func (p *Paginator) FetchAll(ctx context.Context, baseURL, token string, params url.Values, startPage int, onPage OnPage) (items []json.RawMessage, failedAtPage int, err error) {
	if startPage < 1 {
		startPage = 1
	}

	var all []json.RawMessage
	page := startPage

	for {
		pageItems, err := p.fetchPage(ctx, baseURL, token, params, page)
		if err != nil {
			return all, page, err
		}

		all = append(all, pageItems...)
		if onPage != nil {
			onPage(page, pageItems)
		}

		if len(pageItems) < p.perPage {
			return all, 0, nil
		}
		page++
	}
}

// fetchPage fetches exactly one page, retrying in place on 429 (§4.K steps
// 1-6) until it either succeeds or the context is cancelled.
func (p *Paginator) fetchPage(ctx context.Context, baseURL, token string, params url.Values, page int) ([]json.RawMessage, error) {
	for {
		if p.budget != nil {
			if err := p.budget.Wait(ctx); err != nil {
				return nil, fmt.Errorf("paginate: rate limit wait: %w", err)
			}
		}

		reqURL, err := buildURL(baseURL, params, page, p.perPage)
		if err != nil {
			return nil, fmt.Errorf("paginate: build url: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("paginate: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("paginate: request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			p.logger.Warn("paginate: rate limited, backing off",
				zap.Int("page", page), zap.Duration("retry_after", wait))
			if err := p.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &protocol.ErrHTTP{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
		}
		if readErr != nil {
			return nil, fmt.Errorf("paginate: read body: %w", readErr)
		}

		items, err := parseItems(body)
		if err != nil {
			limit := len(body)
			if limit > parseErrorBodyLimit {
				limit = parseErrorBodyLimit
			}
			return nil, &protocol.ErrParse{Body: string(body[:limit])}
		}
		return items, nil
	}
}

// buildURL appends per_page, page, and the caller's base params to baseURL.
func buildURL(baseURL string, params url.Values, page, perPage int) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// retryAfter parses the Retry-After header as seconds, defaulting to 60s
// (§4.K step 3) when absent or unparseable.
func retryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// parseItems decodes body as a JSON array of items. GitLab list endpoints
// always return a top-level array; a top-level object (a single-entity
// endpoint used through the same plumbing) is treated as one "page" of one
// item. On outright parse failure it tries the §4.K step 5 best-effort
// repair once before giving up.
func parseItems(body []byte) ([]json.RawMessage, error) {
	items, err := decodeItems(body)
	if err == nil {
		return items, nil
	}
	repaired, ok := repairJSON(body)
	if !ok {
		return nil, err
	}
	return decodeItems(repaired)
}

func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("paginate: empty body")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var obj json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return []json.RawMessage{obj}, nil
}

var unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// repairJSON is the §4.K step 5 heuristic repair: wrap bare values in an
// array if the body isn't already array/object-shaped and quote unquoted
// identifier keys. Values, including bare literals, are left untouched. This
// is intentionally a single best-effort pass, not a full parser (§9 Open
// Question 1).
func repairJSON(body []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	work := trimmed
	if work[0] != '[' && work[0] != '{' {
		work = append([]byte("["), append(append([]byte{}, work...), ']')...)
	}

	fixed := unquotedKeyRe.ReplaceAll(work, []byte(`$1"$2":`))

	var probe any
	if err := json.Unmarshal(fixed, &probe); err != nil {
		return nil, false
	}
	return fixed, true
}
