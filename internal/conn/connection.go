// Package conn owns the server-side representation of one accepted crawler
// socket (§4.B) and the pool that manages all of them concurrently (§4.C).
// It is the control plane's side of the local stream-socket transport — a
// raw net.Conn framed with protocol.Framer, not an HTTP/WebSocket upgrade,
// because the wire protocol in §6 is a bare length-delimited JSON stream.
package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

// State is the connection's lifecycle state (§4.B).
type State string

const (
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateActive        State = "ACTIVE"
	StateIdle          State = "IDLE"
	StateDisconnecting State = "DISCONNECTING"
	StateDisconnected  State = "DISCONNECTED"
	StateError         State = "ERROR"
)

// Stats accumulates per-connection traffic counters.
type Stats struct {
	BytesIn     int64
	BytesOut    int64
	MessagesIn  int64
	MessagesOut int64
	Errors      int64
}

// Event is emitted by a Connection for every parsed inbound frame and for
// lifecycle transitions. The Pool and Router both consume Events.
type Event struct {
	ConnectionID string
	Envelope     protocol.Envelope
}

var connIDSeq int64

func nextConnID() string {
	n := atomic.AddInt64(&connIDSeq, 1)
	return "conn-" + time.Now().UTC().Format("20060102T150405") + "-" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Config tunes the timeouts a Connection enforces.
type Config struct {
	HeartbeatTimeout time.Duration
	MessageTimeout   time.Duration
	BufferSize       int
}

// Connection wraps one accepted socket. It owns the read loop, the codec,
// and outgoing serialization. Sends are serialized through sendMu so at most
// one writer touches the socket at a time, matching §5's "single writer per
// connection" rule.
type Connection struct {
	ID     string
	nc     net.Conn
	cfg    Config
	framer *protocol.Framer
	logger *zap.Logger

	mu            sync.RWMutex
	state         State
	connectedAt   time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
	crawlerID     string
	stats         Stats

	sendMu sync.Mutex

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New wraps an already-accepted net.Conn. The caller must call Run to start
// the read loop.
func New(nc net.Conn, cfg Config, logger *zap.Logger) *Connection {
	now := time.Now().UTC()
	return &Connection{
		ID:            nextConnID(),
		nc:            nc,
		cfg:           cfg,
		framer:        protocol.NewFramer(cfg.BufferSize),
		logger:        logger,
		state:         StateConnecting,
		connectedAt:   now,
		lastActivity:  now,
		lastHeartbeat: now,
		events:        make(chan Event, 64),
		closeCh:       make(chan struct{}),
	}
}

// Events returns the channel of parsed inbound events. The pool/router reads
// from this until the connection is destroyed and the channel is closed.
func (c *Connection) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// LastActivity, LastHeartbeat, ConnectedAt, Stats, CrawlerID are snapshot
// readers used by the pool's cleanup scanner and admin surface.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Connection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Connection) CrawlerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.crawlerID
}

// SetCrawlerID records the worker's self-reported identity, usually learned
// from the first job_request or heartbeat on this connection.
func (c *Connection) SetCrawlerID(id string) {
	c.mu.Lock()
	c.crawlerID = id
	c.mu.Unlock()
}

func (c *Connection) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// ObserveHeartbeat updates last_heartbeat. Called by the router's heartbeat
// handler on every heartbeat message.
func (c *Connection) ObserveHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

// Run starts the blocking read loop. It feeds incoming bytes to the framer,
// parses every extracted frame into an Envelope, and pushes an Event per
// frame. It exits (and closes c.events) when the socket errors, is closed,
// or a frame fails to parse with a fatal error (BufferOverflow/TooLarge).
func (c *Connection) Run(ctx context.Context) {
	c.setState(StateConnected)
	defer func() {
		close(c.events)
	}()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnecting)
			return
		case <-c.closeCh:
			return
		default:
		}

		n, err := c.nc.Read(buf)
		if n > 0 {
			c.touchActivity()
			c.mu.Lock()
			c.stats.BytesIn += int64(n)
			c.mu.Unlock()

			frames, ferr := c.framer.Feed(buf[:n])
			if ferr != nil {
				c.logger.Warn("connection: framing error, moving to ERROR",
					zap.String("conn_id", c.ID), zap.Error(ferr))
				c.setState(StateError)
				return
			}

			for _, frame := range frames {
				env, perr := protocol.ParseEnvelope(frame)
				if perr != nil {
					c.logger.Warn("connection: rejected frame without type",
						zap.String("conn_id", c.ID), zap.Error(perr))
					c.mu.Lock()
					c.stats.Errors++
					c.mu.Unlock()
					continue
				}
				c.mu.Lock()
				c.stats.MessagesIn++
				c.state = StateActive
				c.mu.Unlock()

				if env.Type == protocol.MsgHeartbeat {
					c.ObserveHeartbeat()
				}

				select {
				case c.events <- Event{ConnectionID: c.ID, Envelope: env}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			c.setState(StateDisconnected)
			return
		}
	}
}

// Send serializes env as JSON with a trailing newline and writes it. It
// fails with protocol.ErrNotWritable if the connection is no longer live.
func (c *Connection) Send(env protocol.Envelope) error {
	state := c.State()
	if state == StateDisconnected || state == StateError || state == StateDisconnecting {
		return &protocol.ErrNotWritable{ConnectionID: c.ID}
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.cfg.MessageTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.MessageTimeout))
	}
	if _, err := c.nc.Write(data); err != nil {
		return &protocol.ErrNotWritable{ConnectionID: c.ID}
	}

	c.mu.Lock()
	c.stats.BytesOut += int64(len(data))
	c.stats.MessagesOut++
	c.mu.Unlock()
	return nil
}

// Disconnect closes the socket at once and marks the connection
// DISCONNECTED; it does not flush, wait, or send anything to the peer, and
// reason is not used. A caller that wants a final message delivered sends it
// first; that write is bounded by message_timeout (see Send).
func (c *Connection) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)
		close(c.closeCh)
		_ = c.nc.Close()
		c.setState(StateDisconnected)
	})
}
