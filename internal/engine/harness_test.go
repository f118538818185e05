package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

const testWaitTimeout = 5 * time.Second

// memSocket is an in-memory Socket; the test plays the server side
// through inbound and outbound.
type memSocket struct {
	inbound  chan []byte
	outbound chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	done      chan struct{}
}

func newMemSocket() *memSocket {
	return &memSocket{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (s *memSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memSocket) Write(ctx context.Context, data []byte) error {
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return errors.New("socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSocket) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	close(s.done)

	return nil
}

func (s *memSocket) closedWith() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed, s.closeCode
}

// memProvider hands out memSockets, optionally failing the first
// dials.
type memProvider struct {
	mu       sync.Mutex
	failures int
	dials    int

	sockets chan *memSocket
}

func newMemProvider() *memProvider {
	return &memProvider{sockets: make(chan *memSocket, 8)}
}

func (p *memProvider) Connect(_ context.Context, _ ServerEndpoint, _ []string) (Socket, error) {
	p.mu.Lock()
	p.dials++
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	p.mu.Unlock()

	s := newMemSocket()
	p.sockets <- s

	return s, nil
}

func (p *memProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dials
}

// fakeHistory is a deterministic ClientHistory: uploadable changesets
// are one byte per version between the scan cursor and the target, and
// integrations are recorded verbatim.
type fakeHistory struct {
	mu sync.Mutex

	currentVersion  uint64
	fileIdent       protocol.SaltedFileIdent
	progress        protocol.SyncProgress
	uploadableBytes uint64

	localVersion uint64
	integrations [][]protocol.RemoteChangeset
	statusErr    error

	// noLocalChangesets makes upload scans come back empty, as for a
	// file whose local versions carry nothing syncable.
	noLocalChangesets bool
}

func (h *fakeHistory) HistoryStatus() (HistoryStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.statusErr != nil {
		return HistoryStatus{}, h.statusErr
	}

	return HistoryStatus{
		CurrentVersion:  h.currentVersion,
		FileIdent:       h.fileIdent,
		Progress:        h.progress,
		UploadableBytes: h.uploadableBytes,
	}, nil
}

func (h *fakeHistory) FindUploadableChangesets(from protocol.UploadCursor, endVersion uint64, _ int) (UploadBatch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.noLocalChangesets {
		return UploadBatch{Progress: from}, nil
	}

	var changesets []protocol.UploadChangeset
	for v := from.ClientVersion + 1; v <= endVersion; v++ {
		changesets = append(changesets, protocol.UploadChangeset{
			ClientVersion: v,
			Data:          []byte{byte(v)},
		})
	}

	return UploadBatch{
		Changesets: changesets,
		Progress: protocol.UploadCursor{
			ClientVersion:               endVersion,
			LastIntegratedServerVersion: from.LastIntegratedServerVersion,
		},
	}, nil
}

func (h *fakeHistory) IntegrateServerChangesets(progress protocol.SyncProgress, _ uint64,
	changesets []protocol.RemoteChangeset, _ protocol.BatchState,
	onCommit func(VersionInfo)) (VersionInfo, error) {

	h.mu.Lock()
	h.integrations = append(h.integrations, changesets)
	h.progress = progress
	old := h.localVersion
	h.localVersion++
	vi := VersionInfo{OldVersion: old, NewVersion: h.localVersion}
	h.mu.Unlock()

	if onCommit != nil {
		onCommit(vi)
	}

	return vi, nil
}

func (h *fakeHistory) SetClientFileIdent(ident protocol.SaltedFileIdent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fileIdent = ident

	return nil
}

func (h *fakeHistory) SetSyncProgress(progress protocol.SyncProgress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = progress

	return nil
}

func (h *fakeHistory) integrationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.integrations)
}

// fakeSubscriptions is an in-memory SubscriptionStore recording phase
// transitions.
type fakeSubscriptions struct {
	mu      sync.Mutex
	version int64
	query   string
	phases  []SubscriptionPhase
	errs    []string
}

func (f *fakeSubscriptions) ActiveVersion() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.version
}

func (f *fakeSubscriptions) ActiveQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.query
}

func (f *fakeSubscriptions) SetPhase(_ int64, phase SubscriptionPhase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)

	return nil
}

func (f *fakeSubscriptions) SetError(_ int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, message)

	return nil
}

func (f *fakeSubscriptions) phaseLog() []SubscriptionPhase {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]SubscriptionPhase(nil), f.phases...)
}

// fakeResetHandler records reset calls.
type fakeResetHandler struct {
	mu        sync.Mutex
	prepared  []ResetMode
	finalized []ResetMode
	failModes map[ResetMode]bool
}

func (f *fakeResetHandler) PrepareReset(mode ResetMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, mode)

	return nil
}

func (f *fakeResetHandler) FinalizeReset(mode ResetMode, _ protocol.SaltedFileIdent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failModes[mode] {
		return fmt.Errorf("finalize %s failed", mode)
	}
	f.finalized = append(f.finalized, mode)

	return nil
}

// harness wires a client, one session wrapper, and the scripted server
// side together.
type harness struct {
	t        *testing.T
	client   *Client
	provider *memProvider
	history  *fakeHistory
	wrapper  *SessionWrapper
	sock     *memSocket

	connErrs    chan protocol.ErrorInfo
	sessionErrs chan protocol.ErrorInfo
	rtts        chan time.Duration
}

type harnessOption func(*Config, *SessionConfig)

func newHarness(t *testing.T, history *fakeHistory, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:           t,
		provider:    newMemProvider(),
		history:     history,
		connErrs:    make(chan protocol.ErrorInfo, 16),
		sessionErrs: make(chan protocol.ErrorInfo, 16),
		rtts:        make(chan time.Duration, 16),
	}

	clientCfg := Config{
		SocketProvider:        h.provider,
		Logger:                slog.New(slog.DiscardHandler),
		PingKeepaliveInterval: time.Hour,
		PongKeepaliveTimeout:  time.Hour,
		OnConnectionError:     func(info protocol.ErrorInfo) { h.connErrs <- info },
		OnPingRTT:             func(rtt time.Duration) { h.rtts <- rtt },
	}

	sessionCfg := SessionConfig{
		Endpoint:    ServerEndpoint{Envelope: "ws", Address: "server.test", Port: 7800},
		Path:        "/data/default",
		AccessToken: "token-1",
		History:     history,
		OnError: func(info protocol.ErrorInfo, _ bool) {
			h.sessionErrs <- info
		},
	}

	for _, opt := range opts {
		opt(&clientCfg, &sessionCfg)
	}

	h.client = NewClient(clientCfg)
	t.Cleanup(h.client.Stop)

	w, err := NewSession(h.client, sessionCfg)
	require.NoError(t, err)
	h.wrapper = w

	return h
}

// bindAndAccept binds the wrapper and waits for the client's dial.
func (h *harness) bindAndAccept() {
	h.t.Helper()
	h.wrapper.Bind()
	h.sock = h.accept()
}

func (h *harness) accept() *memSocket {
	h.t.Helper()
	select {
	case s := <-h.provider.sockets:
		return s
	case <-time.After(testWaitTimeout):
		h.t.Fatal("timed out waiting for dial")
		return nil
	}
}

// recvAny decodes the next client-to-server message, keepalive pings
// included.
func (h *harness) recvAny() protocol.Message {
	h.t.Helper()
	select {
	case data := <-h.sock.outbound:
		msg, err := protocol.Decode(data)
		require.NoError(h.t, err)
		return msg
	case <-time.After(testWaitTimeout):
		h.t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// recv decodes the next protocol message, skipping keepalive PINGs,
// whose jittered schedule would otherwise make scripts nondeterministic.
func (h *harness) recv() protocol.Message {
	h.t.Helper()
	for {
		msg := h.recvAny()
		if _, ok := msg.(*protocol.Ping); ok {
			continue
		}
		return msg
	}
}

// send delivers a server-to-client message.
func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(h.t, err)
	select {
	case h.sock.inbound <- data:
	case <-time.After(testWaitTimeout):
		h.t.Fatal("timed out delivering inbound message")
	}
}

// handshake drives BIND/IDENT through to steady state and returns the
// session ident the client chose.
func (h *harness) handshake(fileIdent protocol.SaltedFileIdent) uint32 {
	h.t.Helper()

	bind, ok := h.recv().(*protocol.Bind)
	require.True(h.t, ok, "expected BIND")
	sessionIdent := bind.Session

	if bind.NeedFileIdent {
		h.send(&protocol.Ident{Session: sessionIdent, FileIdent: fileIdent})
	}

	ident, ok := h.recv().(*protocol.Ident)
	require.True(h.t, ok, "expected IDENT")
	require.Equal(h.t, fileIdent, ident.FileIdent)

	return sessionIdent
}

// steadyDownload builds an empty steady-state DOWNLOAD carrying the
// given progress.
func steadyDownload(session uint32, progress protocol.SyncProgress) *protocol.Download {
	return &protocol.Download{
		Session:    session,
		Progress:   progress,
		BatchState: protocol.BatchStateSteady,
	}
}
