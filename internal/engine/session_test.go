package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

var testFileIdent = protocol.SaltedFileIdent{Ident: 5, Salt: 99}

func progressAt(serverVersion, uploadVersion uint64) protocol.SyncProgress {
	return protocol.SyncProgress{
		Download: protocol.DownloadCursor{ServerVersion: serverVersion},
		Latest:   protocol.SaltedVersion{Version: serverVersion},
		Upload:   protocol.UploadCursor{ClientVersion: uploadVersion},
	}
}

func TestSession_HandshakeRequestsFileIdent(t *testing.T) {
	history := &fakeHistory{}
	h := newHarness(t, history)
	h.bindAndAccept()

	bind, ok := h.recv().(*protocol.Bind)
	require.True(t, ok, "expected BIND")
	assert.True(t, bind.NeedFileIdent)
	assert.Equal(t, "/data/default", bind.Path)
	assert.Equal(t, "token-1", bind.AccessToken)
	assert.Equal(t, protocol.ProtocolVersion, bind.ProtocolVersion)

	h.send(&protocol.Ident{Session: bind.Session, FileIdent: testFileIdent})

	ident, ok := h.recv().(*protocol.Ident)
	require.True(t, ok, "expected IDENT")
	assert.Equal(t, testFileIdent, ident.FileIdent)
	assert.Equal(t, protocol.SyncProgress{}, ident.Progress)

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return history.fileIdent == testFileIdent
	}, testWaitTimeout, 10*time.Millisecond, "file ident not persisted")
}

func TestSession_HandshakeResumesKnownIdent(t *testing.T) {
	history := &fakeHistory{
		fileIdent: testFileIdent,
		progress:  progressAt(5, 0),
	}
	h := newHarness(t, history)
	h.bindAndAccept()

	bind, ok := h.recv().(*protocol.Bind)
	require.True(t, ok, "expected BIND")
	assert.False(t, bind.NeedFileIdent)

	ident, ok := h.recv().(*protocol.Ident)
	require.True(t, ok, "expected IDENT")
	assert.Equal(t, testFileIdent, ident.FileIdent)
	assert.Equal(t, uint64(5), ident.Progress.Download.ServerVersion)
}

func TestSession_UploadsPendingChangesets(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent, currentVersion: 10}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	upload, ok := h.recv().(*protocol.Upload)
	require.True(t, ok, "expected UPLOAD")
	assert.Equal(t, session, upload.Session)
	require.Len(t, upload.Changesets, 10)
	assert.Equal(t, uint64(1), upload.Changesets[0].ClientVersion)
	assert.Equal(t, uint64(10), upload.Changesets[9].ClientVersion)
	assert.Equal(t, uint64(10), upload.Progress.ClientVersion)
}

func TestSession_WaitForUploadComplete(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent, currentVersion: 10}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	_, ok := h.recv().(*protocol.Upload)
	require.True(t, ok, "expected UPLOAD")

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
		defer cancel()
		result <- h.wrapper.WaitForUploadComplete(ctx)
	}()

	h.send(steadyDownload(session, progressAt(1, 10)))

	require.NoError(t, <-result)
}

func TestSession_WaitForDownloadComplete_MarkRoundTrip(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
		defer cancel()
		result <- h.wrapper.WaitForDownloadComplete(ctx)
	}()

	mark, ok := h.recv().(*protocol.Mark)
	require.True(t, ok, "expected MARK")
	assert.Equal(t, int64(1), mark.RequestIdent)

	h.send(&protocol.Mark{Session: session, RequestIdent: mark.RequestIdent})

	require.NoError(t, <-result)
}

func TestSession_NonsyncTransactNotifyExtendsUpload(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	_ = h.handshake(testFileIdent)

	history.mu.Lock()
	history.currentVersion = 3
	history.mu.Unlock()
	h.wrapper.NonsyncTransactNotify(3)

	upload, ok := h.recv().(*protocol.Upload)
	require.True(t, ok, "expected UPLOAD")
	require.Len(t, upload.Changesets, 3)
}

func TestSession_RejectsProgressRegression(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(steadyDownload(session, progressAt(5, 0)))
	h.send(steadyDownload(session, progressAt(3, 0)))

	require.Eventually(t, func() bool {
		closed, code := h.sock.closedWith()
		return closed && code == closeProtocolError
	}, testWaitTimeout, 10*time.Millisecond, "connection not closed on regression")

	info := <-h.connErrs
	assert.Equal(t, protocol.ErrCodeBadSyntax, info.Code)
}

func TestSession_RejectsIntegratedServerVersionRegression(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	first := progressAt(5, 0)
	first.Upload.LastIntegratedServerVersion = 4
	h.send(steadyDownload(session, first))

	// Every other counter advances; only the integrated server version
	// regresses.
	second := progressAt(6, 0)
	second.Upload.LastIntegratedServerVersion = 3
	h.send(steadyDownload(session, second))

	require.Eventually(t, func() bool {
		closed, code := h.sock.closedWith()
		return closed && code == closeProtocolError
	}, testWaitTimeout, 10*time.Millisecond, "connection not closed on regression")

	info := <-h.connErrs
	assert.Equal(t, protocol.ErrCodeBadSyntax, info.Code)
}

func TestSession_CompensatingWriteDeferredUntilIntegrated(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(&protocol.Error{Session: session, Info: protocol.ErrorInfo{
		Code:          protocol.ErrCodeCompensatingWrite,
		Message:       "write reverted",
		ServerVersion: 7,
	}})

	// Advance below the compensating version, fenced by a MARK round
	// trip, and verify nothing surfaced yet.
	h.send(steadyDownload(session, progressAt(6, 0)))
	fence := make(chan error, 1)
	h.wrapper.AsyncWaitForDownloadCompletion(func(err error) { fence <- err })
	mark, ok := h.recv().(*protocol.Mark)
	require.True(t, ok, "expected MARK")
	h.send(&protocol.Mark{Session: session, RequestIdent: mark.RequestIdent})
	require.NoError(t, <-fence)

	select {
	case info := <-h.sessionErrs:
		t.Fatalf("compensating write surfaced early: %+v", info)
	default:
	}

	h.send(steadyDownload(session, progressAt(7, 0)))

	select {
	case info := <-h.sessionErrs:
		assert.Equal(t, protocol.ErrCodeCompensatingWrite, info.Code)
		assert.Equal(t, "write reverted", info.Message)
	case <-time.After(testWaitTimeout):
		t.Fatal("compensating write never surfaced")
	}
}

func TestSession_ErrorSuspendsThenResumesWithFreshBind(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(&protocol.Error{Session: session, Info: protocol.ErrorInfo{
		Code:     protocol.ErrCodeSessionClosed,
		Message:  "server restarting",
		TryAgain: true,
		ResumptionDelay: &protocol.ResumptionDelayInfo{
			Interval:    10 * time.Millisecond,
			MaxInterval: 100 * time.Millisecond,
			Multiplier:  2,
		},
	}})

	// With its only session suspended the connection closes...
	require.Eventually(t, func() bool {
		closed, code := h.sock.closedWith()
		return closed && code == closeNormal
	}, testWaitTimeout, 5*time.Millisecond, "idle connection not closed")

	// ...and resumption reconnects and re-runs the handshake.
	h.sock = h.accept()
	bind, ok := h.recv().(*protocol.Bind)
	require.True(t, ok, "expected fresh BIND after resumption")
	assert.False(t, bind.NeedFileIdent)
}

func TestSession_AuthErrorTriggersTokenRefresh(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history, func(_ *Config, sc *SessionConfig) {
		sc.TokenProvider = func() (string, error) { return "token-2", nil }
	})
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(&protocol.Error{Session: session, Info: protocol.ErrorInfo{
		Code:     protocol.ErrCodeTokenExpired,
		Message:  "token expired",
		TryAgain: true,
	}})

	h.sock = h.accept()
	bind, ok := h.recv().(*protocol.Bind)
	require.True(t, ok, "expected BIND after token refresh")
	assert.Equal(t, "token-2", bind.AccessToken)
}

func TestSession_AbandonRunsUnbindHandshake(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.wrapper.Abandon()
	h.wrapper.Abandon() // idempotent

	unbind, ok := h.recv().(*protocol.Unbind)
	require.True(t, ok, "expected UNBIND")
	assert.Equal(t, session, unbind.Session)

	select {
	case <-h.wrapper.Terminated():
		t.Fatal("terminated before UNBOUND")
	default:
	}

	h.send(&protocol.Unbound{Session: session})

	select {
	case <-h.wrapper.Terminated():
	case <-time.After(testWaitTimeout):
		t.Fatal("wrapper never terminated")
	}
}

func TestSession_ErrorAfterUnbindCompletesDeactivation(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.wrapper.Abandon()

	unbind, ok := h.recv().(*protocol.Unbind)
	require.True(t, ok, "expected UNBIND")
	assert.Equal(t, session, unbind.Session)

	// The server answers the teardown with an ERROR instead of UNBOUND;
	// either terminates the session.
	h.send(&protocol.Error{Session: session, Info: protocol.ErrorInfo{
		Code:    protocol.ErrCodeSessionClosed,
		Message: "session closed",
	}})

	select {
	case <-h.wrapper.Terminated():
	case <-time.After(testWaitTimeout):
		t.Fatal("wrapper never terminated")
	}
}

func TestSession_EmptyScanSendsProgressOnlyUpload(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent, currentVersion: 4, noLocalChangesets: true}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	// The scan finds nothing to send below the target, but the server
	// must still learn that the cursor reached it.
	upload, ok := h.recv().(*protocol.Upload)
	require.True(t, ok, "expected UPLOAD")
	assert.Empty(t, upload.Changesets)
	assert.Equal(t, uint64(4), upload.Progress.ClientVersion)

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
		defer cancel()
		result <- h.wrapper.WaitForUploadComplete(ctx)
	}()

	h.send(steadyDownload(session, progressAt(1, 4)))

	require.NoError(t, <-result)
}

func TestSession_FatalErrorDeactivates(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(&protocol.Error{Session: session, Info: protocol.ErrorInfo{
		Code:    protocol.ErrCodeDivergingHistories,
		Message: "history diverged",
		Action:  protocol.ActionApplicationBug,
	}})

	info := <-h.sessionErrs
	assert.Equal(t, protocol.ErrCodeDivergingHistories, info.Code)

	select {
	case <-h.wrapper.Terminated():
	case <-time.After(testWaitTimeout):
		t.Fatal("wrapper never terminated")
	}
}

func TestSession_TestCommandEchoes(t *testing.T) {
	history := &fakeHistory{fileIdent: testFileIdent}
	h := newHarness(t, history)
	h.bindAndAccept()
	session := h.handshake(testFileIdent)

	h.send(&protocol.TestCommand{Session: session, RequestIdent: 42, Command: "ECHO"})

	resp, ok := h.recv().(*protocol.TestCommandResponse)
	require.True(t, ok, "expected TEST_COMMAND response")
	assert.Equal(t, int64(42), resp.RequestIdent)
	assert.Contains(t, resp.Body, "ECHO")
}
