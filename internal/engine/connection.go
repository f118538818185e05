package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

type connState int

const (
	connDisconnected connState = iota
	connConnecting
	connConnected
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionState is the externally visible connection lifecycle,
// reported through SessionConfig.OnConnectionState.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection multiplexes the sessions of one server endpoint over a
// single websocket. It lives entirely on the event loop; blocking
// operations (dial, read) run on their own goroutines and post their
// results back, tagged with the socket generation so results from a
// torn-down socket are discarded.
type Connection struct {
	client   *Client
	logger   *slog.Logger
	endpoint ServerEndpoint
	key      string

	state   connState
	sock    Socket
	sockGen int

	sessions         map[uint32]*Session
	nextSessionIdent uint32

	// sendQueue is the round-robin write rotation. A session appears at
	// most once; it emits one message per slot and re-enlists at the
	// tail while it has more to say.
	sendQueue []*Session
	pumping   bool

	reconnect            ReconnectInfo
	reconnectTimer       *loopTimer
	reconnectDelayActive bool

	pingTimer             *loopTimer
	pongTimer             *loopTimer
	pongPending           bool
	urgentPingRequested   bool
	lastPingSentAt        time.Time
	lastSentPingTimestamp int64
	lastRTT               time.Duration

	disconnectedAt time.Time
	everConnected  bool

	// reportedState is the last state handed to OnConnectionState.
	reportedState ConnectionState
}

func newConnection(client *Client, endpoint ServerEndpoint, key string) *Connection {
	return &Connection{
		client:   client,
		logger:   client.logger.With(slog.String("endpoint", endpoint.URL())),
		endpoint: endpoint,
		key:      key,
		sessions: make(map[uint32]*Session),
	}
}

// bindSession creates and activates a session for the wrapper on this
// connection, connecting if necessary.
func (c *Connection) bindSession(w *SessionWrapper) (*Session, error) {
	c.nextSessionIdent++
	sess := newSession(c, w, c.nextSessionIdent)

	if err := sess.activate(); err != nil {
		return nil, err
	}

	c.sessions[sess.ident] = sess

	switch c.state {
	case connConnected:
		sess.connectionEstablished(false)
	case connDisconnected:
		c.ensureConnecting()
	}

	return sess, nil
}

func (c *Connection) eraseSession(s *Session) {
	delete(c.sessions, s.ident)
	c.unenlist(s)
	s.wrapper.sessionTerminated()

	if len(c.sessions) == 0 {
		if c.state != connDisconnected {
			c.disconnect(TerminationClosedVoluntarily, nil, nil)
		}
		c.stopReconnectTimer()
		c.client.removeConnection(c)
	}
}

func (c *Connection) wantsConnection() bool {
	for _, s := range c.sessions {
		if s.state == sessionActive && !s.suspended {
			return true
		}
	}

	return false
}

// --- connecting ---

// ensureConnecting starts a connect attempt unless one is already in
// flight or a reconnect delay is pending.
func (c *Connection) ensureConnecting() {
	if c.state != connDisconnected || c.reconnectDelayActive || !c.wantsConnection() {
		return
	}

	c.connect()
}

func (c *Connection) connect() {
	c.state = connConnecting
	c.sockGen++
	gen := c.sockGen
	c.notifySessionsState(ConnectionConnecting, nil)
	c.logger.Info("connecting")

	client := c.client
	go func() {
		ctx, cancel := context.WithTimeout(client.ctx, client.cfg.ConnectTimeout)
		defer cancel()

		sock, err := client.cfg.SocketProvider.Connect(ctx, c.endpoint, subprotocolStrings())
		client.post(func() { c.connectFinished(gen, sock, err) })
	}()
}

func (c *Connection) connectFinished(gen int, sock Socket, err error) {
	if gen != c.sockGen || c.state != connConnecting {
		if sock != nil {
			_ = sock.Close(closeNormal, "superseded")
		}
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", protocol.ErrConnectTimeout, err)
		}
		c.logger.Warn("connect failed", slog.String("error", err.Error()))
		c.state = connDisconnected
		c.notifySessionsState(ConnectionDisconnected, nil)
		reason := TerminationConnectFailed
		c.reconnect.Reason = &reason
		c.scheduleReconnect()
		return
	}

	fast := c.everConnected &&
		!c.disconnectedAt.IsZero() &&
		time.Since(c.disconnectedAt) <= c.client.cfg.FastReconnectLimit

	c.sock = sock
	c.state = connConnected
	c.everConnected = true
	c.reconnect.Reset()
	c.logger.Info("connected", slog.Bool("fast_reconnect", fast))
	c.notifySessionsState(ConnectionConnected, nil)

	c.startReader(gen)
	c.schedulePing(nextPingDelay(c.client.cfg.PingKeepaliveInterval, 0, true))

	for _, s := range c.sessions {
		s.connectionEstablished(fast)
	}
}

// startReader owns all socket reads for one generation, posting each
// frame back to the event loop.
func (c *Connection) startReader(gen int) {
	sock := c.sock
	client := c.client

	go func() {
		for {
			data, err := sock.Read(client.ctx)
			if err != nil {
				client.post(func() { c.readerFailed(gen, err) })
				return
			}
			client.post(func() { c.handleInbound(gen, data) })
		}
	}()
}

func (c *Connection) readerFailed(gen int, err error) {
	if gen != c.sockGen || c.state != connConnected {
		return
	}

	c.logger.Warn("read failed", slog.String("error", err.Error()))
	c.disconnect(TerminationReadWriteError, err, nil)
}

// --- disconnecting / reconnecting ---

// disconnect tears down the current socket, records the termination
// reason for the backoff calculator, and schedules the reconnect.
func (c *Connection) disconnect(reason TerminationReason, cause error, info *protocol.ErrorInfo) {
	if c.state == connDisconnected {
		return
	}

	if c.sock != nil {
		code := closeNormal
		switch reason {
		case TerminationFatalError:
			code = closeProtocolError
		case TerminationPongTimeout:
			code = closeInternalError
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		_ = c.sock.Close(code, msg)
		c.sock = nil
	}

	c.sockGen++
	c.state = connDisconnected
	c.disconnectedAt = time.Now()
	c.stopPingTimers()
	c.clearSendQueue()
	c.notifySessionsState(ConnectionDisconnected, info)

	c.logger.Info("disconnected", slog.Int("reason", int(reason)))

	for _, s := range c.sessions {
		s.connectionLost()
	}

	if len(c.sessions) == 0 {
		c.client.removeConnection(c)
		return
	}

	if info != nil && reason == TerminationServerSaidTryAgain {
		c.reconnect.NoteTryAgain(info)
	}
	c.reconnect.Reason = &reason

	if reason != TerminationClosedVoluntarily {
		c.scheduleReconnect()
	}
}

func (c *Connection) scheduleReconnect() {
	if c.reconnectDelayActive || !c.wantsConnection() {
		return
	}

	if c.reconnect.ScheduledReset {
		c.reconnect.Reset()
	}

	delay := jittered(c.reconnect.NextDelay(), maxDelayDeduction)
	if delay <= 0 {
		c.connect()
		return
	}

	c.logger.Info("reconnect scheduled", slog.Duration("delay", delay))
	c.reconnectDelayActive = true
	c.reconnectTimer = c.client.newTimer(delay, func() {
		c.reconnectDelayActive = false
		c.ensureConnecting()
	})
}

func (c *Connection) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectDelayActive = false
}

// cancelReconnectDelay collapses a pending reconnect delay to zero and
// marks the retry record for reset. On a live connection it instead
// provokes an urgent ping so a dead link is detected quickly.
func (c *Connection) cancelReconnectDelay() {
	c.reconnect.ScheduledReset = true

	switch c.state {
	case connDisconnected:
		if c.reconnectDelayActive {
			c.stopReconnectTimer()
			c.reconnect.Reset()
			c.ensureConnecting()
		}
	case connConnected:
		c.requestUrgentPing()
	}
}

// --- session suspension bookkeeping ---

func (c *Connection) sessionSuspended(s *Session) {
	c.unenlist(s)

	if c.state != connDisconnected && !c.wantsConnection() {
		c.disconnect(TerminationClosedVoluntarily, nil, nil)
	}
}

func (c *Connection) sessionResumed(s *Session) {
	switch c.state {
	case connConnected:
		c.enlist(s)
	case connDisconnected:
		// The recorded termination reason still applies: a resume after
		// the idle voluntary close waits out the floor delay instead of
		// redialing instantly.
		c.scheduleReconnect()
	}
}

// --- send pump ---

// enlist adds a session with pending work to the write rotation.
func (c *Connection) enlist(s *Session) {
	if c.state != connConnected || s.enlisted {
		return
	}
	if !s.hasPendingWork() {
		return
	}

	s.enlisted = true
	c.sendQueue = append(c.sendQueue, s)
	c.pump()
}

func (c *Connection) unenlist(s *Session) {
	if !s.enlisted {
		return
	}

	s.enlisted = false
	for i, q := range c.sendQueue {
		if q == s {
			c.sendQueue = append(c.sendQueue[:i], c.sendQueue[i+1:]...)
			break
		}
	}
}

func (c *Connection) clearSendQueue() {
	for _, s := range c.sendQueue {
		s.enlisted = false
	}
	c.sendQueue = nil
}

// pump drains the write rotation, one message per session per slot.
// Reentrant calls (enlist during a session callback) are absorbed by
// the running pump.
func (c *Connection) pump() {
	if c.pumping {
		return
	}
	c.pumping = true
	defer func() { c.pumping = false }()

	for c.state == connConnected && len(c.sendQueue) > 0 {
		s := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		s.enlisted = false

		msg, err := s.nextMessage()
		if err != nil {
			c.logger.Error("session message production failed", slog.String("error", err.Error()))
			c.disconnect(TerminationFatalError, err, nil)
			return
		}

		if msg != nil {
			if !c.write(msg) {
				return
			}
		}

		if s.hasPendingWork() && !s.enlisted {
			s.enlisted = true
			c.sendQueue = append(c.sendQueue, s)
		}
	}
}

// write encodes and sends one message, reporting false when the
// connection died doing it.
func (c *Connection) write(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode failed", slog.String("error", err.Error()))
		c.disconnect(TerminationFatalError, err, nil)
		return false
	}

	ctx, cancel := context.WithTimeout(c.client.ctx, c.client.cfg.WriteTimeout)
	err = c.sock.Write(ctx, data)
	cancel()
	if err != nil {
		c.logger.Warn("write failed", slog.String("error", err.Error()))
		c.disconnect(TerminationReadWriteError, err, nil)
		return false
	}

	return true
}

// --- ping / pong ---

// nextPingDelay computes the delay before the next PING: the keepalive
// interval less the time already spent waiting for the previous PONG,
// jittered. The first delay after a connect may be deducted entirely,
// spreading the initial pings of clients that connected together.
func nextPingDelay(interval, pongWait time.Duration, first bool) time.Duration {
	if first {
		return jittered(interval, 1)
	}

	d := interval - pongWait
	if d < 0 {
		d = 0
	}

	return jittered(d, pingDelayDeduction)
}

func (c *Connection) schedulePing(after time.Duration) {
	c.stopPingTimer()
	c.pingTimer = c.client.newTimer(after, c.sendPing)
}

func (c *Connection) stopPingTimer() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Connection) stopPingTimers() {
	c.stopPingTimer()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.pongPending = false
	c.urgentPingRequested = false
}

func (c *Connection) sendPing() {
	if c.state != connConnected || c.pongPending {
		return
	}

	c.lastPingSentAt = time.Now()
	c.lastSentPingTimestamp = c.lastPingSentAt.UnixMilli()
	c.pongPending = true
	c.urgentPingRequested = false

	if !c.write(&protocol.Ping{
		Timestamp: c.lastSentPingTimestamp,
		RTT:       c.lastRTT.Milliseconds(),
	}) {
		return
	}

	c.pongTimer = c.client.newTimer(c.client.cfg.PongKeepaliveTimeout, func() {
		c.logger.Warn("pong timeout")
		c.disconnect(TerminationPongTimeout, protocol.ErrPongTimeout, nil)
	})
}

func (c *Connection) requestUrgentPing() {
	if c.state != connConnected {
		return
	}

	if c.pongPending {
		c.urgentPingRequested = true
		return
	}

	c.sendPing()
}

func (c *Connection) receivePong(msg *protocol.Pong) error {
	if !c.pongPending {
		return fmt.Errorf("%w: unsolicited PONG", protocol.ErrBadMessageOrder)
	}
	if msg.Timestamp != c.lastSentPingTimestamp {
		return fmt.Errorf("%w: PONG timestamp %d, expected %d",
			protocol.ErrBadTimestamp, msg.Timestamp, c.lastSentPingTimestamp)
	}

	c.pongPending = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}

	c.lastRTT = time.Since(c.lastPingSentAt)
	if c.client.cfg.OnPingRTT != nil {
		c.client.cfg.OnPingRTT(c.lastRTT)
	}

	if c.urgentPingRequested {
		c.sendPing()
	} else {
		c.schedulePing(nextPingDelay(c.client.cfg.PingKeepaliveInterval, c.lastRTT, false))
	}

	return nil
}

// --- inbound dispatch ---

func (c *Connection) handleInbound(gen int, data []byte) {
	if gen != c.sockGen || c.state != connConnected {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.protocolViolation(fmt.Errorf("decoding inbound message: %w", err))
		return
	}

	switch m := msg.(type) {
	case *protocol.Pong:
		if err := c.receivePong(m); err != nil {
			c.protocolViolation(err)
		}
		return

	case *protocol.Error:
		if !m.Info.Code.IsSessionLevel() {
			c.receiveConnectionError(&m.Info)
			return
		}
	}

	sessionIdent := msg.SessionID()
	sess, ok := c.sessions[sessionIdent]
	if !ok {
		// Messages addressed to a session that was deactivated while
		// they were in flight are expected; an ident never handed out
		// is not.
		if sessionIdent != 0 && sessionIdent <= c.nextSessionIdent {
			return
		}
		c.protocolViolation(fmt.Errorf("%w: %d", protocol.ErrBadSessionIdent, sessionIdent))
		return
	}

	var sessErr error
	switch m := msg.(type) {
	case *protocol.Ident:
		sessErr = sess.receiveIdent(m)
	case *protocol.Download:
		sessErr = sess.receiveDownload(m)
	case *protocol.Mark:
		sessErr = sess.receiveMark(m)
	case *protocol.Unbound:
		sessErr = sess.receiveUnbound()
	case *protocol.Error:
		sessErr = sess.receiveError(&m.Info)
	case *protocol.QueryError:
		sessErr = sess.receiveQueryError(m)
	case *protocol.TestCommand:
		sessErr = sess.receiveTestCommand(m)
	default:
		sessErr = fmt.Errorf("%w: unexpected %T", protocol.ErrUnknownMessage, msg)
	}

	if sessErr != nil {
		c.protocolViolation(sessErr)
		return
	}

	c.pump()
}

// receiveConnectionError handles a connection-level ERROR, which always
// terminates the connection; the error's try-again hints feed the
// reconnect backoff.
func (c *Connection) receiveConnectionError(info *protocol.ErrorInfo) {
	c.logger.Warn("connection error",
		slog.Int("code", int(info.Code)),
		slog.String("message", info.Message),
		slog.Bool("try_again", info.TryAgain))

	if c.client.cfg.OnConnectionError != nil {
		c.client.cfg.OnConnectionError(*info)
	}

	if info.TryAgain {
		c.disconnect(TerminationServerSaidTryAgain, nil, info)
		return
	}

	c.disconnect(TerminationFatalError, nil, info)
}

// protocolViolation handles a client-detected breach of the protocol:
// the connection is unusable and rapid reconnection cannot help.
func (c *Connection) protocolViolation(err error) {
	c.logger.Error("protocol violation", slog.String("error", err.Error()))

	if c.client.cfg.OnConnectionError != nil {
		c.client.cfg.OnConnectionError(protocol.ErrorInfo{
			Code:    protocol.ErrCodeBadSyntax,
			Message: err.Error(),
		})
	}

	c.disconnect(TerminationFatalError, err, nil)
}

// notifySessionsState reports a lifecycle transition to every attached
// session, carrying the server error that caused it when there is one.
func (c *Connection) notifySessionsState(state ConnectionState, info *protocol.ErrorInfo) {
	old := c.reportedState
	c.reportedState = state

	for _, s := range c.sessions {
		if s.cfg().OnConnectionState != nil {
			s.cfg().OnConnectionState(old, state, info)
		}
	}
}
