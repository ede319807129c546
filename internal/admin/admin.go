// Package admin exposes the minimal HTTP surface the out-of-scope "web UI
// and HTTP API" would otherwise own: health/readiness, prometheus metrics,
// and a couple of read-only lookups an operator needs while the two
// processes are running. Routing follows
// server/internal/api/router.go's shape (chi, RequestID/RealIP/Recoverer).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/accountauth"
	"github.com/copilot-study/gitlab-crawl/internal/bridge"
	"github.com/copilot-study/gitlab-crawl/internal/conn"
	"github.com/copilot-study/gitlab-crawl/internal/store"
	"github.com/copilot-study/gitlab-crawl/internal/webauth"
)

// Jobs is the subset of store.JobRepository the admin surface reads.
type Jobs interface {
	Get(ctx context.Context, id string) (*store.Job, error)
}

// Connections is the subset of conn.Pool the admin surface reads.
type Connections interface {
	Snapshot() []*conn.Connection
}

// Events is the subset of bridge.Bridge the admin surface streams from.
type Events interface {
	Subscribe(topics ...string) *bridge.Subscription
}

// Config bundles the admin router's dependencies.
type Config struct {
	Jobs        Jobs
	Connections Connections
	Events      Events
	Logger      *zap.Logger

	// Auth, when non-nil, gates /jobs, /connections and /events behind a bearer
	// token minted by POST /login. Leave nil to keep the admin surface
	// open, since the operator login UI itself is out of scope.
	Auth                 *webauth.Manager
	OperatorPasswordHash string
}

// envelope mirrors the teacher's {"data": ...} / {"error": ...} response
// shape.
type envelope map[string]any

// NewRouter builds the admin HTTP handler.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	if cfg.Auth != nil {
		r.Post("/login", loginHandler(cfg))
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(requireBearer(cfg.Auth))
		}

		r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			job, err := cfg.Jobs.Get(r.Context(), id)
			if err != nil {
				writeJSON(w, http.StatusNotFound, envelope{"error": "job not found"})
				return
			}
			writeJSON(w, http.StatusOK, envelope{"data": job})
		})

		r.Get("/connections", func(w http.ResponseWriter, r *http.Request) {
			conns := cfg.Connections.Snapshot()
			out := make([]map[string]any, 0, len(conns))
			for _, c := range conns {
				out = append(out, map[string]any{
					"id":             c.CrawlerID(),
					"state":          string(c.State()),
					"stats":          c.Stats(),
					"connected_at":   c.ConnectedAt(),
					"last_activity":  c.LastActivity(),
					"last_heartbeat": c.LastHeartbeat(),
				})
			}
			writeJSON(w, http.StatusOK, envelope{"data": out})
		})

		if cfg.Events != nil {
			r.Get("/events", eventsHandler(cfg))
		}
	})

	return r
}

// eventsHandler streams bridge events as server-sent events. Topics come
// from the "topics" query parameter (comma-separated, e.g.
// "discovery,job:<id>"), defaulting to the discovery feed.
func eventsHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, envelope{"error": "streaming unsupported"})
			return
		}

		topics := []string{"discovery"}
		if raw := r.URL.Query().Get("topics"); raw != "" {
			topics = topics[:0]
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					topics = append(topics, t)
				}
			}
		}

		sub := cfg.Events.Subscribe(topics...)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sub.Events():
				if !open {
					return
				}
				payload, err := json.Marshal(map[string]any{
					"topic":     ev.Topic,
					"payload":   ev.Payload,
					"timestamp": ev.Timestamp,
				})
				if err != nil {
					continue
				}
				if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// loginRequest is the /login request body: a single operator password,
// since the out-of-scope login UI has no concept of multiple admin users.
type loginRequest struct {
	Password string `json:"password"`
}

func loginHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{"error": "invalid request body"})
			return
		}
		if cfg.OperatorPasswordHash == "" || !accountauth.Verify(req.Password, cfg.OperatorPasswordHash) {
			writeJSON(w, http.StatusUnauthorized, envelope{"error": "invalid credentials"})
			return
		}
		token, err := cfg.Auth.IssueToken("operator")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, envelope{"error": "token issuance failed"})
			return
		}
		writeJSON(w, http.StatusOK, envelope{"data": map[string]string{"token": token}})
	}
}

// requireBearer rejects any request without a valid "Bearer <token>"
// Authorization header signed by mgr.
func requireBearer(mgr *webauth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeJSON(w, http.StatusUnauthorized, envelope{"error": "missing bearer token"})
				return
			}
			if _, err := mgr.Verify(token); err != nil {
				writeJSON(w, http.StatusUnauthorized, envelope{"error": "invalid or expired token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestLogger logs method, path, status, and latency for every request,
// matching server/internal/api/middleware.go's RequestLogger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("admin: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
