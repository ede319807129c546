// Package client implements the Worker Socket Client (§4.I): a reconnecting
// connection to the control plane over a local stream socket (Unix domain or
// TCP), framed with the same length-delimited JSON codec the server side
// uses. It polls for job_request while idle or under-subscribed, dispatches
// inbound job_response/token_refresh_response/shutdown messages to a Handler,
// and exposes emit helpers for every outbound message type the worker sends.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction spreads reconnect attempts so many workers restarting at
	// once don't all hit the control plane in the same instant.
	jitterFraction = 0.2

	pollInterval      = 5 * time.Second
	maxActiveJobs     = 3
	heartbeatInterval = 30 * time.Second
)

// Handler processes inbound messages from the control plane. The task
// processor implements this so the client stays ignorant of job execution.
type Handler interface {
	HandleJobResponse(ctx context.Context, data protocol.JobResponseData)
	HandleTokenRefreshResponse(ctx context.Context, jobID string, data protocol.TokenRefreshResponseData)
	HandleShutdown(ctx context.Context, reason string)
}

// ActiveJobsFunc reports how many job slots are currently occupied, so the
// client knows whether it still has headroom to ask for more work.
type ActiveJobsFunc func() int

// MetricsFunc collects the system stats sent with every heartbeat.
type MetricsFunc func() protocol.HeartbeatData

// Config addresses the control plane's socket.
type Config struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a filesystem path for "unix" or a host:port for "tcp".
	Address string
}

// Client maintains the persistent socket connection to the control plane.
// Outbound messages are queued in c.queue and flushed in FIFO order by
// writeLoop; the queue is a field on Client itself, not on any per-session
// state, so it survives every reconnect untouched.
type Client struct {
	cfg        Config
	handler    Handler
	activeJobs ActiveJobsFunc
	metrics    MetricsFunc
	logger     *zap.Logger

	mu    sync.Mutex
	queue []protocol.Envelope
	wake  chan struct{}
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, handler Handler, activeJobs ActiveJobsFunc, metrics MetricsFunc, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		handler:    handler,
		activeJobs: activeJobs,
		metrics:    metrics,
		logger:     logger.Named("client"),
		wake:       make(chan struct{}, 1),
	}
}

// Run starts the reconnect loop: dial, run one session, and on any session
// error back off exponentially (capped at 30s, ±20% jitter) before retrying.
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("client: stopped")
			return
		}

		if err := c.session(ctx); err != nil {
			c.logger.Warn("client: session ended, reconnecting",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// session dials once and runs the read, write, poll, and heartbeat loops
// concurrently until one of them fails or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	nc, err := net.Dial(c.cfg.Network, c.cfg.Address)
	if err != nil {
		return fmt.Errorf("client: dial %s %s: %w", c.cfg.Network, c.cfg.Address, err)
	}
	defer nc.Close()

	c.logger.Info("client: connected", zap.String("network", c.cfg.Network), zap.String("address", c.cfg.Address))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	go func() { errCh <- c.readLoop(sessCtx, nc) }()
	go func() { errCh <- c.writeLoop(sessCtx, nc) }()
	go func() { errCh <- c.pollLoop(sessCtx) }()
	go func() { errCh <- c.heartbeatLoop(sessCtx) }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop feeds incoming bytes to a Framer and dispatches every parsed
// envelope. Returns on any read or framing error so the session tears down
// and Run reconnects.
func (c *Client) readLoop(ctx context.Context, nc net.Conn) error {
	framer := protocol.NewFramer(0)
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := nc.Read(buf)
		if n > 0 {
			frames, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				return fmt.Errorf("client: framing: %w", ferr)
			}
			for _, frame := range frames {
				env, perr := protocol.ParseEnvelope(frame)
				if perr != nil {
					c.logger.Warn("client: rejected frame without type", zap.Error(perr))
					continue
				}
				c.dispatch(ctx, env)
			}
		}
		if err != nil {
			return fmt.Errorf("client: read: %w", err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgJobResponse:
		var data protocol.JobResponseData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("client: job_response decode failed", zap.Error(err))
			return
		}
		c.handler.HandleJobResponse(ctx, data)
	case protocol.MsgTokenRefreshResponse:
		var data protocol.TokenRefreshResponseData
		if err := env.Decode(&data); err != nil {
			c.logger.Warn("client: token_refresh_response decode failed", zap.Error(err))
			return
		}
		c.handler.HandleTokenRefreshResponse(ctx, env.JobID, data)
	case protocol.MsgShutdown:
		var data protocol.ShutdownData
		_ = env.Decode(&data)
		c.handler.HandleShutdown(ctx, data.Reason)
	default:
		c.logger.Debug("client: no handler for message type", zap.String("type", string(env.Type)))
	}
}

// writeLoop drains the outbound queue in FIFO order. An envelope is only
// dequeued after a successful write — on a write failure it stays at the
// front so the next session retries it first.
func (c *Client) writeLoop(ctx context.Context, nc net.Conn) error {
	for {
		env, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				continue
			}
		}

		data, err := protocol.Marshal(env)
		if err != nil {
			c.logger.Error("client: dropping unmarshalable envelope",
				zap.String("type", string(env.Type)), zap.Error(err))
			c.dequeue()
			continue
		}

		if _, err := nc.Write(data); err != nil {
			return fmt.Errorf("client: write: %w", err)
		}
		c.dequeue()
	}
}

func (c *Client) peek() (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return protocol.Envelope{}, false
	}
	return c.queue[0], true
}

func (c *Client) dequeue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
}

func (c *Client) enqueue(env protocol.Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pollLoop asks for more jobs every 5s while the worker has fewer than 3
// active job slots in use. It also polls once immediately on connect.
func (c *Client) pollLoop(ctx context.Context) error {
	c.requestJobs()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.requestJobs()
		}
	}
}

func (c *Client) requestJobs() {
	if c.activeJobs() >= maxActiveJobs {
		return
	}
	c.emit(protocol.MsgJobRequest, "", protocol.JobRequestData{})
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.emit(protocol.MsgHeartbeat, "", c.metrics())
		}
	}
}

// JobStarted emits job_started for jobID.
func (c *Client) JobStarted(jobID string) {
	c.emit(protocol.MsgJobStarted, jobID, struct{}{})
}

// JobProgress emits job_progress for jobID.
func (c *Client) JobProgress(jobID string, data protocol.JobProgressData) {
	c.emit(protocol.MsgJobProgress, jobID, data)
}

// JobCompleted emits job_completed for jobID.
func (c *Client) JobCompleted(jobID string, data protocol.JobCompletedData) {
	c.emit(protocol.MsgJobCompleted, jobID, data)
}

// JobFailed emits job_failed for jobID.
func (c *Client) JobFailed(jobID string, data protocol.JobFailedData) {
	c.emit(protocol.MsgJobFailed, jobID, data)
}

// JobsDiscovered emits jobs_discovered, correlated to the discovery job that
// produced it.
func (c *Client) JobsDiscovered(jobID string, data protocol.JobsDiscoveredData) {
	c.emit(protocol.MsgJobsDiscovered, jobID, data)
}

// TokenRefreshRequest emits token_refresh_request for jobID.
func (c *Client) TokenRefreshRequest(jobID string) {
	c.emit(protocol.MsgTokenRefreshRequest, jobID, protocol.TokenRefreshRequestData{})
}

func (c *Client) emit(typ protocol.MessageType, jobID string, data any) {
	env, err := protocol.NewEnvelope(typ, jobID, data, time.Now().UTC())
	if err != nil {
		c.logger.Error("client: build envelope failed", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	c.enqueue(env)
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
