// Package router implements the Message Router (§4.D): the single place an
// inbound envelope passes through between the connection pool and the
// domain services. It validates, runs the before/after middleware chain, and
// dispatches to the one registered handler for the envelope's type.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/conn"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// HandlerFunc processes one envelope received on connID. Returning an error
// only logs — the router never tears down the connection on a handler
// failure (§4.D: "handler errors are logged and otherwise swallowed").
type HandlerFunc func(ctx context.Context, connID string, env protocol.Envelope) error

// Middleware wraps a HandlerFunc, e.g. to log, time, or enrich context
// before/after the real handler runs.
type Middleware func(next HandlerFunc) HandlerFunc

// Sender abstracts the one thing a handler needs back from the pool: the
// ability to reply on the connection that sent the envelope.
type Sender interface {
	Get(id string) (*conn.Connection, bool)
}

// Router dispatches inbound envelopes by type through a middleware chain to
// exactly one handler.
type Router struct {
	logger   *zap.Logger
	sender   Sender
	handlers map[protocol.MessageType]HandlerFunc
	before   []Middleware
	after    []Middleware
}

// New creates a Router with no handlers registered. Use RegisterHandler to
// wire each message type before serving traffic.
func New(sender Sender, logger *zap.Logger) *Router {
	return &Router{
		logger:   logger.Named("router"),
		sender:   sender,
		handlers: make(map[protocol.MessageType]HandlerFunc),
	}
}

// RegisterHandler wires fn as the handler for message type t. A later call
// for the same type replaces the earlier one — built-ins are registered
// first so callers (mainly tests) can override selectively.
func (r *Router) RegisterHandler(t protocol.MessageType, fn HandlerFunc) {
	r.handlers[t] = fn
}

// Use appends middleware that runs before the handler, in registration order.
func (r *Router) Use(mw ...Middleware) {
	r.before = append(r.before, mw...)
}

// UseAfter appends middleware that runs after the handler, in registration
// order.
func (r *Router) UseAfter(mw ...Middleware) {
	r.after = append(r.after, mw...)
}

// HandleEvent implements conn.Handler. It is invoked by the pool for every
// event emitted by every managed connection.
func (r *Router) HandleEvent(ctx context.Context, ev conn.Event) {
	env := ev.Envelope

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Warn("router: no handler registered",
			zap.String("conn_id", ev.ConnectionID), zap.String("type", string(env.Type)))
		return
	}

	chain := handler
	// Wrap in reverse registration order so the first-registered middleware
	// is the outermost — it sees the envelope first and the result last.
	for i := len(r.after) - 1; i >= 0; i-- {
		chain = r.after[i](chain)
	}
	chain = withBefore(chain, r)

	start := time.Now()
	if err := chain(ctx, ev.ConnectionID, env); err != nil {
		r.logger.Error("router: handler failed",
			zap.String("conn_id", ev.ConnectionID),
			zap.String("type", string(env.Type)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

// withBefore threads the before-middleware chain in front of next, innermost
// call wraps outermost registration so order matches UseAfter's convention.
func withBefore(next HandlerFunc, r *Router) HandlerFunc {
	chain := next
	for i := len(r.before) - 1; i >= 0; i-- {
		chain = r.before[i](chain)
	}
	return chain
}

// reply sends env back on the same connection the triggering envelope
// arrived on. Handlers use this instead of reaching into the pool directly.
func (r *Router) reply(connID string, env protocol.Envelope) error {
	c, ok := r.sender.Get(connID)
	if !ok {
		return &protocol.ErrNotWritable{ConnectionID: connID}
	}
	return c.Send(env)
}
