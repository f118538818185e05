// Package engine implements the sync client protocol: one event-loop
// goroutine drives every connection and session state machine, and
// applications talk to it through SessionWrapper handles that post
// closures onto the loop.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

var (
	// ErrOperationAborted is delivered to completion handlers whose
	// session went away before the condition was reached.
	ErrOperationAborted = errors.New("operation aborted")

	// ErrClientStopped is delivered to blocked waits when the client
	// shuts down.
	ErrClientStopped = errors.New("client stopped")
)

// Config carries client-wide tuning. Zero values are replaced by
// defaults in NewClient.
type Config struct {
	SocketProvider SocketProvider
	Logger         *slog.Logger

	ConnectTimeout        time.Duration
	WriteTimeout          time.Duration
	PingKeepaliveInterval time.Duration
	PongKeepaliveTimeout  time.Duration

	// FastReconnectLimit is the maximum disconnect gap after which a
	// reconnect may still skip rewinding the in-memory upload scan.
	FastReconnectLimit time.Duration

	// MaxUploadBatchBytes caps the changeset payload of one UPLOAD.
	MaxUploadBatchBytes int

	// OneConnectionPerSession gives every session its own connection
	// instead of multiplexing sessions that share an endpoint.
	OneConnectionPerSession bool

	OnPingRTT         func(time.Duration)
	OnConnectionError func(protocol.ErrorInfo)
}

func (c *Config) applyDefaults() {
	if c.SocketProvider == nil {
		c.SocketProvider = NewWebsocketProvider(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 2 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.PingKeepaliveInterval == 0 {
		c.PingKeepaliveInterval = time.Minute
	}
	if c.PongKeepaliveTimeout == 0 {
		c.PongKeepaliveTimeout = 2 * time.Minute
	}
	if c.FastReconnectLimit == 0 {
		c.FastReconnectLimit = time.Minute
	}
	if c.MaxUploadBatchBytes == 0 {
		c.MaxUploadBatchBytes = 128 * 1024
	}
}

// Client owns the event loop. All connection and session state is
// confined to the loop goroutine; the only cross-thread surface is the
// posted-closure queue, the sweep queue, and the wait condition.
type Client struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	posted     []func()
	signal     chan struct{}
	loopExited bool

	// sweepQueue holds wrappers waiting for actualization or
	// finalization. The loop drains it before each posted batch, so a
	// closure posted after a wrapper is enqueued always runs after
	// that wrapper has been actualized.
	sweepQueue []*SessionWrapper

	// Loop-confined state.
	connections map[string]*Connection

	finished bool
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewClient starts the event loop.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
		connections: make(map[string]*Connection),
		loopDone:    make(chan struct{}),
	}

	go c.run()

	return c
}

func (c *Client) run() {
	defer close(c.loopDone)

	for {
		c.mu.Lock()
		for len(c.posted) == 0 && len(c.sweepQueue) == 0 && !c.finished {
			c.mu.Unlock()
			<-c.signal
			c.mu.Lock()
		}
		if c.finished && len(c.posted) == 0 && len(c.sweepQueue) == 0 {
			c.loopExited = true
			c.mu.Unlock()
			return
		}
		batch := c.posted
		c.posted = nil
		c.mu.Unlock()

		// Sweep first: a closure posted after a wrapper was enqueued
		// must observe that wrapper actualized.
		c.sweep()

		for _, fn := range batch {
			fn()
		}
	}
}

// post schedules fn on the event loop. Closures run in posting order.
// Posts arriving after shutdown completes are dropped.
func (c *Client) post(fn func()) {
	c.mu.Lock()
	if c.loopExited {
		c.mu.Unlock()
		return
	}
	c.posted = append(c.posted, fn)
	c.mu.Unlock()

	c.wake()
}

func (c *Client) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// enqueueSweep hands a wrapper to the loop for actualization or
// finalization before any closure posted afterwards runs.
func (c *Client) enqueueSweep(w *SessionWrapper) {
	c.mu.Lock()
	c.sweepQueue = append(c.sweepQueue, w)
	c.mu.Unlock()

	c.wake()
}

func (c *Client) sweep() {
	for {
		c.mu.Lock()
		queue := c.sweepQueue
		c.sweepQueue = nil
		c.mu.Unlock()

		if len(queue) == 0 {
			return
		}

		for _, w := range queue {
			w.actualizeOrFinalize()
		}
	}
}

// loopTimer is a timer whose callback runs on the event loop. Stop is
// loop-confined, which makes the stopped check race-free.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (c *Client) newTimer(d time.Duration, fn func()) *loopTimer {
	lt := &loopTimer{}
	lt.timer = time.AfterFunc(d, func() {
		c.post(func() {
			if !lt.stopped {
				fn()
			}
		})
	})

	return lt
}

func (lt *loopTimer) Stop() {
	lt.stopped = true
	lt.timer.Stop()
}

// connectionFor returns the connection the wrapper's session should
// ride, creating it if needed. Sessions share a connection per endpoint
// unless per-session connections are configured.
func (c *Client) connectionFor(w *SessionWrapper) *Connection {
	key := w.cfg.Endpoint.URL()
	if c.cfg.OneConnectionPerSession || w.cfg.DedicatedConnection {
		key += "#" + uuid.NewString()
	}

	conn, ok := c.connections[key]
	if !ok {
		conn = newConnection(c, w.cfg.Endpoint, key)
		c.connections[key] = conn
	}

	return conn
}

func (c *Client) removeConnection(conn *Connection) {
	if c.connections[conn.key] == conn {
		delete(c.connections, conn.key)
	}
}

// Stop shuts the client down: every session is torn down, every
// blocked wait is released with ErrClientStopped, and the event loop
// drains and exits. Blocks until the loop goroutine has returned.
// Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.post(c.shutdown)
		c.cancel()
		c.wake()
	})

	<-c.loopDone
}

// shutdown runs on the loop as the final meaningful closure.
func (c *Client) shutdown() {
	c.logger.Info("sync client stopping")

	// Drain any wrappers still waiting for actualization so their
	// waits resolve.
	c.sweep()

	for _, conn := range c.connections {
		for _, s := range conn.sessions {
			s.stopResumeTimer()
			s.abortWaiters(ErrClientStopped)
			s.state = sessionDeactivated
			s.wrapper.clientStopped()
		}
		conn.sessions = make(map[uint32]*Session)
		conn.stopReconnectTimer()
		if conn.state != connDisconnected {
			conn.disconnect(TerminationClosedVoluntarily, nil, nil)
		}
	}
	c.connections = make(map[string]*Connection)

	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}
