package conn

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// PoolConfig mirrors the control-plane configuration surface in §6.
type PoolConfig struct {
	MaxConnections    int
	HeartbeatTimeout  time.Duration
	ConnectionTimeout time.Duration
	MessageTimeout    time.Duration
	BufferSize        int
	CleanupInterval   time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 120 * time.Second
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	return c
}

// Handler is invoked by the pool for every event emitted by every managed
// connection. The router implements this.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// Pool accepts sockets, enforces max_connections, and runs the periodic
// cleanup scanner described in §4.C. Unlike the teacher's websocket.Hub
// (which mutates its registry only from a single Run goroutine fed by
// channels), the pool here is a straight RWMutex-guarded map: accept and
// cleanup are the only writers, and both already run on their own
// goroutines, so a mutex is simpler than threading everything through
// register/unregister channels for a protocol with no publish fan-out of
// its own (broadcast targets are built from map snapshots instead).
type Pool struct {
	cfg     PoolConfig
	logger  *zap.Logger
	handler Handler

	mu    sync.RWMutex
	conns map[string]*Connection

	rejected chan struct{} // signals a connection_rejected event fired
}

// NewPool creates an idle pool. Call Serve to start accepting.
func NewPool(cfg PoolConfig, handler Handler, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("pool"),
		handler:  handler,
		conns:    make(map[string]*Connection),
		rejected: make(chan struct{}, 1),
	}
}

// Serve accepts connections from ln until ctx is cancelled. Each accepted
// socket is wrapped, registered (or rejected if at capacity), and driven by
// its own goroutine. Serve also starts the cleanup scanner.
func (p *Pool) Serve(ctx context.Context, ln net.Listener) error {
	go p.cleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.handleAccept(ctx, nc)
	}
}

func (p *Pool) handleAccept(ctx context.Context, nc net.Conn) {
	p.mu.Lock()
	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		_ = nc.Close()
		p.logger.Warn("pool: rejecting connection, at capacity",
			zap.Int("max_connections", p.cfg.MaxConnections))
		p.emitRejected()
		return
	}

	c := New(nc, Config{
		HeartbeatTimeout: p.cfg.HeartbeatTimeout,
		MessageTimeout:   p.cfg.MessageTimeout,
		BufferSize:       p.cfg.BufferSize,
	}, p.logger)
	p.conns[c.ID] = c
	p.mu.Unlock()

	p.logger.Info("pool: connection accepted", zap.String("conn_id", c.ID))

	go p.drive(ctx, c)
	go c.Run(ctx)
}

// emitRejected is a best-effort non-blocking signal; callers interested in
// connection_rejected subscribe via RejectedSignal.
func (p *Pool) emitRejected() {
	select {
	case p.rejected <- struct{}{}:
	default:
	}
}

// RejectedSignal exposes a channel that receives a value each time the pool
// rejects a connection for being at capacity.
func (p *Pool) RejectedSignal() <-chan struct{} { return p.rejected }

// drive forwards every event from c to the handler until the connection's
// event channel closes, then removes c from the registry.
func (p *Pool) drive(ctx context.Context, c *Connection) {
	for ev := range c.Events() {
		p.handler.HandleEvent(ctx, ev)
	}
	p.remove(c.ID)
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
	p.logger.Info("pool: connection removed", zap.String("conn_id", id))
}

// Get returns the connection with the given id, if still registered.
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	return c, ok
}

// Size returns the current number of registered connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Snapshot returns a copy of the currently registered connections. Readers
// must not mutate the Connection objects directly outside their own API.
func (p *Pool) Snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// BroadcastFilter selects which connections a Broadcast call targets.
type BroadcastFilter func(*Connection) bool

// ActiveOnly targets connections in the ACTIVE state.
func ActiveOnly(c *Connection) bool { return c.State() == StateActive }

// All targets every registered connection.
func All(c *Connection) bool { return true }

// Broadcast sends env to every connection accepted by filter. Sends run
// concurrently; failures are counted but never abort the broadcast.
func (p *Pool) Broadcast(env protocol.Envelope, filter BroadcastFilter) (sent, failed int) {
	targets := p.Snapshot()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range targets {
		if !filter(c) {
			continue
		}
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			err := c.Send(env)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				sent++
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return sent, failed
}

// cleanupLoop runs the periodic scanner described in §4.C: a connection is
// removed when its state is terminal, or it has exceeded connection_timeout
// or heartbeat_timeout since last activity/heartbeat respectively.
func (p *Pool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now().UTC()
	var stale []*Connection

	p.mu.RLock()
	for _, c := range p.conns {
		switch c.State() {
		case StateDisconnected, StateError:
			stale = append(stale, c)
			continue
		}
		if now.Sub(c.LastActivity()) > p.cfg.ConnectionTimeout {
			stale = append(stale, c)
			continue
		}
		if now.Sub(c.LastHeartbeat()) > p.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	p.mu.RUnlock()

	for _, c := range stale {
		c.Disconnect("cleanup: stale connection")
		p.remove(c.ID)
	}
	if len(stale) > 0 {
		p.logger.Info("pool: cleanup removed stale connections", zap.Int("count", len(stale)))
	}
}

// Shutdown gracefully closes every connection: it broadcasts a shutdown
// envelope (best effort), sleeps for MessageTimeout, then hard-destroys
// anything left.
func (p *Pool) Shutdown(reason string, now time.Time) {
	env, err := protocol.NewEnvelope(protocol.MsgShutdown, "", protocol.ShutdownData{Reason: reason}, now)
	if err == nil {
		p.Broadcast(env, All)
	}

	time.Sleep(p.cfg.MessageTimeout)

	for _, c := range p.Snapshot() {
		c.Disconnect("shutdown")
		p.remove(c.ID)
	}
}
