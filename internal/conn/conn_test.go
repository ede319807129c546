package conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

type nopHandler struct{}

func (nopHandler) HandleEvent(ctx context.Context, ev Event) {}

func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	c := New(server, Config{
		HeartbeatTimeout: 90 * time.Second,
		MessageTimeout:   time.Second,
		BufferSize:       64 * 1024,
	}, zap.NewNop())
	return c, client
}

func waitEvent(t *testing.T, c *Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed before an event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectionSplitsConcatenatedFrames(t *testing.T) {
	c, client := newPipeConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Two envelopes in one chunk with no delimiter between them — the
	// brace-counting fallback must yield both, in order.
	go func() {
		_, _ = client.Write([]byte(
			`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z","data":{}}` +
				`{"type":"job_request","timestamp":"2026-01-01T00:00:00Z","data":{}}`))
	}()

	first := waitEvent(t, c)
	second := waitEvent(t, c)
	assert.Equal(t, protocol.MsgHeartbeat, first.Envelope.Type)
	assert.Equal(t, protocol.MsgJobRequest, second.Envelope.Type)
	assert.Equal(t, c.ID, first.ConnectionID)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.MessagesIn)
	assert.Equal(t, StateActive, c.State())
}

func TestConnectionHeartbeatUpdatesTimestamp(t *testing.T) {
	c, client := newPipeConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	before := c.LastHeartbeat()
	time.Sleep(10 * time.Millisecond)

	go func() {
		_, _ = client.Write([]byte(`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z","data":{"activeJobs":0,"systemStatus":"idle"}}` + "\n"))
	}()
	waitEvent(t, c)

	assert.True(t, c.LastHeartbeat().After(before))
}

func TestConnectionRejectsFrameWithoutType(t *testing.T) {
	c, client := newPipeConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	go func() {
		_, _ = client.Write([]byte(`{"timestamp":"2026-01-01T00:00:00Z","data":{}}` + "\n"))
		_, _ = client.Write([]byte(`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z","data":{}}` + "\n"))
	}()

	// Only the well-formed frame comes through; the typeless one is counted
	// as an error and dropped.
	ev := waitEvent(t, c)
	assert.Equal(t, protocol.MsgHeartbeat, ev.Envelope.Type)
	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestConnectionSendRoundTrip(t *testing.T) {
	c, client := newPipeConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	env, err := protocol.NewEnvelope(protocol.MsgJobResponse, "job-1",
		protocol.JobResponseData{Jobs: []protocol.JobDescriptor{{ID: "job-1", Command: "FETCH_ISSUES", GitlabURL: "https://gitlab.example.com", AccessToken: "tok"}}},
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	require.NoError(t, c.Send(env))
	raw := <-done

	require.True(t, bytes.HasSuffix(raw, []byte("\n")), "outgoing frames are newline-terminated")
	parsed, err := protocol.ParseEnvelope(bytes.TrimSpace(raw))
	require.NoError(t, err)
	assert.Equal(t, env.Type, parsed.Type)
	assert.Equal(t, env.JobID, parsed.JobID)

	var data protocol.JobResponseData
	require.NoError(t, parsed.Decode(&data))
	require.Len(t, data.Jobs, 1)
	assert.Equal(t, "FETCH_ISSUES", data.Jobs[0].Command)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MessagesOut)
	assert.Equal(t, int64(len(raw)), stats.BytesOut)
}

func TestConnectionSendAfterDisconnect(t *testing.T) {
	c, _ := newPipeConnection(t)
	c.Disconnect("test")
	assert.Equal(t, StateDisconnected, c.State())

	env, err := protocol.NewEnvelope(protocol.MsgShutdown, "", protocol.ShutdownData{}, time.Now().UTC())
	require.NoError(t, err)

	sendErr := c.Send(env)
	require.Error(t, sendErr)
	var notWritable *protocol.ErrNotWritable
	require.ErrorAs(t, sendErr, &notWritable)
	assert.Equal(t, c.ID, notWritable.ConnectionID)
}

func TestConnectionFramingErrorMovesToError(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	c := New(server, Config{BufferSize: 16, MessageTimeout: time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	go func() {
		_, _ = client.Write([]byte(`{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z","data":{}}`))
	}()

	require.Eventually(t, func() bool { return c.State() == StateError }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolEnforcesMaxConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewPool(PoolConfig{
		MaxConnections:  2,
		BufferSize:      64 * 1024,
		CleanupInterval: time.Hour,
	}, nopHandler{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Serve(ctx, ln) }()

	var clients []net.Conn
	for i := 0; i < 2; i++ {
		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = nc.Close() })
		clients = append(clients, nc)
	}
	require.Eventually(t, func() bool { return p.Size() == 2 }, 2*time.Second, 10*time.Millisecond)

	third, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = third.Close() })

	select {
	case <-p.RejectedSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connection_rejected signal")
	}

	// The rejected socket is closed immediately: the client observes EOF.
	_ = third.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = third.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 2, p.Size())
	_ = clients // keep the first two alive until here
}

func TestPoolRemovesConnectionOnClientClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewPool(PoolConfig{MaxConnections: 4, BufferSize: 64 * 1024, CleanupInterval: time.Hour}, nopHandler{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Size() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nc.Close())
	require.Eventually(t, func() bool { return p.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSweepRemovesStaleHeartbeat(t *testing.T) {
	p := NewPool(PoolConfig{
		MaxConnections:    4,
		HeartbeatTimeout:  time.Minute,
		ConnectionTimeout: time.Hour,
		CleanupInterval:   time.Hour,
		BufferSize:        64 * 1024,
	}, nopHandler{}, zap.NewNop())

	fresh, _ := newPipeConnection(t)
	stale, _ := newPipeConnection(t)

	// The stale peer keeps sending data (recent activity) but has not
	// heartbeated past the timeout — it must still be swept (§4.C).
	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	stale.lastActivity = time.Now().UTC()
	stale.mu.Unlock()

	p.mu.Lock()
	p.conns[fresh.ID] = fresh
	p.conns[stale.ID] = stale
	p.mu.Unlock()

	p.sweep()

	assert.Equal(t, 1, p.Size())
	_, ok := p.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = p.Get(stale.ID)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, stale.State())
}

func TestSweepRemovesIdleConnection(t *testing.T) {
	p := NewPool(PoolConfig{
		MaxConnections:    4,
		HeartbeatTimeout:  time.Hour,
		ConnectionTimeout: time.Minute,
		CleanupInterval:   time.Hour,
		BufferSize:        64 * 1024,
	}, nopHandler{}, zap.NewNop())

	idle, _ := newPipeConnection(t)
	idle.mu.Lock()
	idle.lastActivity = time.Now().UTC().Add(-2 * time.Minute)
	idle.lastHeartbeat = time.Now().UTC()
	idle.mu.Unlock()

	p.mu.Lock()
	p.conns[idle.ID] = idle
	p.mu.Unlock()

	p.sweep()
	assert.Equal(t, 0, p.Size())
}

func TestBroadcastCountsFailuresWithoutAborting(t *testing.T) {
	p := NewPool(PoolConfig{MaxConnections: 4, BufferSize: 64 * 1024, CleanupInterval: time.Hour, MessageTimeout: time.Second}, nopHandler{}, zap.NewNop())

	alive, aliveClient := newPipeConnection(t)
	go func() { _, _ = io.Copy(io.Discard, aliveClient) }()

	dead, _ := newPipeConnection(t)
	dead.Disconnect("test")

	p.mu.Lock()
	p.conns[alive.ID] = alive
	p.conns[dead.ID] = dead
	p.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MsgShutdown, "", protocol.ShutdownData{Reason: "maintenance"}, time.Now().UTC())
	require.NoError(t, err)

	sent, failed := p.Broadcast(env, All)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}
