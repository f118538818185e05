package engine

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

// sessionState is the session life cycle. Transitions only move
// forward; Deactivated is terminal.
type sessionState int

const (
	sessionUnactivated sessionState = iota
	sessionActive
	sessionDeactivating
	sessionDeactivated
)

func (s sessionState) String() string {
	switch s {
	case sessionUnactivated:
		return "unactivated"
	case sessionActive:
		return "active"
	case sessionDeactivating:
		return "deactivating"
	default:
		return "deactivated"
	}
}

type uploadWaiter struct {
	target uint64
	fn     func(error)
}

type downloadWaiter struct {
	markIdent int64
	fn        func(error)
}

// Session is the per-database protocol state machine. It lives entirely
// on the event loop; the application reaches it only through its
// SessionWrapper. The connection owns the session and erases it when
// deactivation completes.
type Session struct {
	conn    *Connection
	wrapper *SessionWrapper
	logger  *slog.Logger
	ident   uint32

	history       ClientHistory
	subscriptions SubscriptionStore
	accessToken   string

	state     sessionState
	suspended bool

	// enlisted is owned by the connection's send queue.
	enlisted bool

	// Handshake flags. Monotone within one connection incarnation;
	// reset when a new connection is established.
	bindMessageSent        bool
	identMessageSent       bool
	unbindMessageSent      bool
	unboundMessageReceived bool
	errorMessageReceived   bool

	fileIdent          protocol.SaltedFileIdent
	fileIdentRequested bool
	progress           protocol.SyncProgress

	// Upload scan state. uploadScan is the in-memory cursor of the
	// local history scan; progress.Upload is what the server has
	// acknowledged.
	uploadScan           protocol.UploadCursor
	uploadTarget         uint64
	lastVersionAvailable uint64

	// Byte accounting for the progress handler.
	uploadedBytes       uint64
	uploadableBytes     uint64
	downloadedBytes     uint64
	downloadableBytes   uint64
	lastSnapshotVersion uint64

	// MARK bookkeeping. markCounter is the newest request ident handed
	// out; a single MARK round trip satisfies every waiter at or below
	// its ident.
	markCounter           int64
	lastSentMarkIdent     int64
	lastReceivedMarkIdent int64
	pendingMarkRequest    bool

	uploadWaiters   []uploadWaiter
	downloadWaiters []downloadWaiter

	pendingTestResponses      []protocol.TestCommandResponse
	pendingClientError        *protocol.ErrorInfo
	pendingCompensatingWrites []protocol.ErrorInfo

	// Resumption backoff, session-scoped, independent of the
	// connection's reconnect backoff.
	resumeBackoff tryAgainBackoff
	resumeTimer   *loopTimer
	lastErrorInfo *protocol.ErrorInfo

	// FLX state.
	flx *flxState

	// Client reset state.
	pendingReset      *resetOperation
	resetAwaitingAck  bool
	resetUploadTarget uint64
	resetMarkIdent    int64
}

func newSession(conn *Connection, wrapper *SessionWrapper, ident uint32) *Session {
	s := &Session{
		conn:          conn,
		wrapper:       wrapper,
		logger:        conn.logger.With(slog.Int64("session", int64(ident))),
		ident:         ident,
		history:       wrapper.cfg.History,
		subscriptions: wrapper.cfg.Subscriptions,
		accessToken:   wrapper.cfg.AccessToken,
	}

	if s.subscriptions != nil {
		s.flx = newFlxState(s)
	}

	return s
}

func (s *Session) cfg() *SessionConfig { return &s.wrapper.cfg }

// activate reads the local history snapshot (or constructs a client
// reset operation when one is pending) and moves the session to Active.
func (s *Session) activate() error {
	if s.state != sessionUnactivated {
		return nil
	}

	if op, err := s.maybeBeginReset(); err != nil {
		return fmt.Errorf("preparing client reset: %w", err)
	} else if op != nil {
		s.pendingReset = op
		s.fileIdentRequested = true
		s.state = sessionActive
		s.logger.Info("session activated with pending client reset",
			slog.String("mode", string(op.mode)))
		return nil
	}

	status, err := s.history.HistoryStatus()
	if err != nil {
		return fmt.Errorf("reading history status: %w", err)
	}

	s.fileIdent = status.FileIdent
	s.fileIdentRequested = s.fileIdent.Ident == 0
	s.progress = status.Progress
	s.uploadScan = status.Progress.Upload
	s.uploadTarget = status.CurrentVersion
	s.lastVersionAvailable = status.CurrentVersion
	s.lastSnapshotVersion = status.CurrentVersion
	s.uploadableBytes = status.UploadableBytes

	if s.flx != nil {
		if err := s.flx.recoverStagedBootstrap(); err != nil {
			return err
		}
	}

	s.state = sessionActive

	s.logger.Debug("session activated",
		slog.Uint64("file_ident", s.fileIdent.Ident),
		slog.Uint64("current_version", status.CurrentVersion))

	return nil
}

func (s *Session) haveFileIdent() bool { return s.fileIdent.Ident != 0 }

// connectionEstablished begins a new protocol incarnation on a fresh
// connection. A fast reconnect (gap below the configured threshold)
// keeps the in-memory upload scan instead of rewinding it to the last
// server-acknowledged cursor; it is never honored while a client reset
// is in flight, which must always run a full handshake.
func (s *Session) connectionEstablished(fastReconnect bool) {
	if s.state == sessionDeactivated {
		return
	}

	s.bindMessageSent = false
	s.identMessageSent = false
	s.unbindMessageSent = false
	s.unboundMessageReceived = false
	s.errorMessageReceived = false

	if !fastReconnect || s.pendingReset != nil || s.resetAwaitingAck {
		s.uploadScan = s.progress.Upload
	}

	// Any MARK that was in flight died with the old connection.
	if len(s.downloadWaiters) > 0 {
		s.pendingMarkRequest = true
		s.markCounter++
	}

	if !s.suspended {
		s.conn.enlist(s)
	}
}

// connectionLost tears down per-connection state. A deactivating
// session has no way to complete its UNBIND round trip anymore, so it
// collapses straight to Deactivated.
func (s *Session) connectionLost() {
	if s.state == sessionDeactivating {
		s.completeDeactivation()
	}
}

// hasPendingWork reports whether the session would produce a message if
// given the write slot.
func (s *Session) hasPendingWork() bool {
	switch s.state {
	case sessionDeactivating:
		return s.bindMessageSent && !s.unbindMessageSent
	case sessionActive:
	default:
		return false
	}

	if s.suspended {
		return false
	}

	if !s.bindMessageSent {
		return true
	}

	if !s.haveFileIdent() {
		return false
	}

	if !s.identMessageSent {
		return true
	}

	return len(s.pendingTestResponses) > 0 ||
		s.pendingClientError != nil ||
		s.pendingMarkRequest ||
		s.queryChangeReady() ||
		s.uploadDue()
}

func (s *Session) uploadDue() bool {
	return s.uploadScan.ClientVersion < s.uploadTarget
}

func (s *Session) queryChangeReady() bool {
	return s.flx != nil && s.flx.queryChangeReady()
}

// nextMessage produces the single next message for this session, chosen
// by fixed priority: test-command response, then local error, then
// UNBIND (a deactivating session sends nothing else), then MARK, then
// QUERY, then UPLOAD. Returns nil when the session has nothing to say.
func (s *Session) nextMessage() (protocol.Message, error) {
	if s.state == sessionDeactivating {
		if s.bindMessageSent && !s.unbindMessageSent {
			s.unbindMessageSent = true
			s.logger.Debug("sending UNBIND")
			return &protocol.Unbind{Session: s.ident}, nil
		}
		return nil, nil
	}

	if s.state != sessionActive || s.suspended {
		return nil, nil
	}

	if !s.bindMessageSent {
		s.bindMessageSent = true
		s.logger.Debug("sending BIND", slog.Bool("need_file_ident", s.fileIdentRequested))
		return &protocol.Bind{
			Session:         s.ident,
			Path:            s.cfg().Path,
			AccessToken:     s.accessToken,
			NeedFileIdent:   s.fileIdentRequested,
			ProtocolVersion: protocol.ProtocolVersion,
		}, nil
	}

	if !s.haveFileIdent() {
		// Waiting for the server's IDENT assignment.
		return nil, nil
	}

	if !s.identMessageSent {
		s.identMessageSent = true
		msg := &protocol.Ident{
			Session:   s.ident,
			FileIdent: s.fileIdent,
			Progress:  s.progress,
		}
		if s.flx != nil {
			msg.QueryVersion, msg.Query = s.flx.identQuery()
		}
		s.logger.Debug("sending IDENT", slog.Uint64("file_ident", s.fileIdent.Ident))
		return msg, nil
	}

	if len(s.pendingTestResponses) > 0 {
		resp := s.pendingTestResponses[0]
		s.pendingTestResponses = s.pendingTestResponses[1:]
		return &resp, nil
	}

	if s.pendingClientError != nil {
		info := *s.pendingClientError
		s.pendingClientError = nil
		return &protocol.Error{Session: s.ident, Info: info}, nil
	}

	if s.pendingMarkRequest {
		s.pendingMarkRequest = false
		s.lastSentMarkIdent = s.markCounter
		s.logger.Debug("sending MARK", slog.Int64("request_ident", s.lastSentMarkIdent))
		return &protocol.Mark{Session: s.ident, RequestIdent: s.lastSentMarkIdent}, nil
	}

	if s.queryChangeReady() {
		return s.flx.nextQueryMessage(), nil
	}

	if s.uploadDue() {
		return s.nextUploadMessage()
	}

	return nil, nil
}

func (s *Session) nextUploadMessage() (protocol.Message, error) {
	batch, err := s.history.FindUploadableChangesets(s.uploadScan, s.uploadTarget, s.conn.client.cfg.MaxUploadBatchBytes)
	if err != nil {
		return nil, fmt.Errorf("scanning uploadable changesets: %w", err)
	}

	if len(batch.Changesets) == 0 && batch.Progress == s.uploadScan {
		// The versions below the target produced nothing syncable. The
		// server still has to see the advanced cursor, or it would never
		// acknowledge those versions and upload waiters would stall.
		progress := s.uploadScan
		progress.ClientVersion = s.uploadTarget
		s.uploadScan = progress
		s.logger.Debug("sending progress-only UPLOAD",
			slog.Uint64("scan_version", progress.ClientVersion))
		return &protocol.Upload{Session: s.ident, Progress: progress}, nil
	}

	s.uploadScan = batch.Progress
	s.uploadableBytes = batch.UploadableBytes
	for _, c := range batch.Changesets {
		s.uploadedBytes += uint64(len(c.Data))
	}

	s.logger.Debug("sending UPLOAD",
		slog.Int("changesets", len(batch.Changesets)),
		slog.Uint64("scan_version", batch.Progress.ClientVersion))

	return &protocol.Upload{
		Session:    s.ident,
		Progress:   batch.Progress,
		Changesets: batch.Changesets,
	}, nil
}

// --- inbound messages ---

// receiveIdent handles the server's fresh file-identity assignment.
func (s *Session) receiveIdent(msg *protocol.Ident) error {
	if !s.bindMessageSent || s.identMessageSent || !s.fileIdentRequested || s.haveFileIdent() {
		return fmt.Errorf("%w: unsolicited IDENT", protocol.ErrBadMessageOrder)
	}

	if msg.FileIdent.Ident == 0 {
		return fmt.Errorf("%w: zero file ident", protocol.ErrBadSyntax)
	}

	if s.pendingReset != nil {
		if err := s.finalizeReset(msg.FileIdent); err != nil {
			s.logger.Error("client reset failed", slog.String("error", err.Error()))
			if s.cfg().OnError != nil {
				s.cfg().OnError(protocol.ErrorInfo{
					Code:    protocol.ErrCodeBadClientFileIdent,
					Message: err.Error(),
				}, true)
			}
			s.initiateDeactivation()
			return nil
		}
	}

	s.fileIdent = msg.FileIdent
	if err := s.history.SetClientFileIdent(msg.FileIdent); err != nil {
		return fmt.Errorf("persisting file ident: %w", err)
	}

	s.logger.Info("received file identity",
		slog.Uint64("ident", msg.FileIdent.Ident),
		slog.Uint64("salt", msg.FileIdent.Salt))

	s.conn.enlist(s)

	return nil
}

// checkReceivedProgress enforces the weak-monotonicity invariant on
// every progress counter. Any regression is a fatal protocol error that
// closes the connection.
func (s *Session) checkReceivedProgress(p protocol.SyncProgress) error {
	if p.Download.ServerVersion < s.progress.Download.ServerVersion {
		return fmt.Errorf("%w: download server version %d < %d",
			protocol.ErrBadServerVersion, p.Download.ServerVersion, s.progress.Download.ServerVersion)
	}
	if p.Latest.Version < s.progress.Latest.Version {
		return fmt.Errorf("%w: latest server version %d < %d",
			protocol.ErrBadServerVersion, p.Latest.Version, s.progress.Latest.Version)
	}
	if p.Upload.ClientVersion < s.progress.Upload.ClientVersion {
		return fmt.Errorf("%w: upload client version %d < %d",
			protocol.ErrBadClientVersion, p.Upload.ClientVersion, s.progress.Upload.ClientVersion)
	}
	if p.Upload.LastIntegratedServerVersion < s.progress.Upload.LastIntegratedServerVersion {
		return fmt.Errorf("%w: last integrated server version %d < %d",
			protocol.ErrBadProgress, p.Upload.LastIntegratedServerVersion,
			s.progress.Upload.LastIntegratedServerVersion)
	}
	if p.Download.LastIntegratedClientVersion < s.progress.Download.LastIntegratedClientVersion {
		return fmt.Errorf("%w: last integrated client version %d < %d",
			protocol.ErrBadProgress, p.Download.LastIntegratedClientVersion,
			s.progress.Download.LastIntegratedClientVersion)
	}
	if p.Upload.ClientVersion > s.lastVersionAvailable {
		return fmt.Errorf("%w: server acknowledged version %d beyond local %d",
			protocol.ErrBadClientVersion, p.Upload.ClientVersion, s.lastVersionAvailable)
	}

	return nil
}

func (s *Session) receiveDownload(msg *protocol.Download) error {
	if !s.identMessageSent || s.unboundMessageReceived || s.errorMessageReceived {
		return fmt.Errorf("%w: DOWNLOAD outside steady state", protocol.ErrBadMessageOrder)
	}

	if err := s.checkReceivedProgress(msg.Progress); err != nil {
		return err
	}

	if s.flx != nil && msg.BatchState != "" && msg.BatchState != protocol.BatchStateSteady {
		return s.flx.receiveBootstrapDownload(msg)
	}

	return s.integrateDownload(msg.Progress, msg.DownloadableBytes, msg.Changesets, protocol.BatchStateSteady)
}

// integrateDownload applies a batch of server changesets through the
// storage engine and advances progress. An empty steady-state batch is
// a pure progress update (upload acknowledgement) and persists without
// an integration transaction. Also used by the FLX bootstrap drain.
func (s *Session) integrateDownload(progress protocol.SyncProgress, downloadableBytes uint64,
	changesets []protocol.RemoteChangeset, batchState protocol.BatchState) error {

	var err error
	vi := VersionInfo{OldVersion: s.lastSnapshotVersion, NewVersion: s.lastSnapshotVersion}

	if len(changesets) == 0 && batchState == protocol.BatchStateSteady {
		err = s.history.SetSyncProgress(progress)
	} else {
		onCommit := func(vi VersionInfo) {
			if s.cfg().OnSyncTransact != nil {
				s.cfg().OnSyncTransact(vi.OldVersion, vi.NewVersion)
			}
		}
		vi, err = s.history.IntegrateServerChangesets(progress, downloadableBytes, changesets, batchState, onCommit)
	}

	if err != nil {
		// Local integration failure: report to the server and suspend;
		// the connection stays usable for other sessions.
		s.logger.Error("changeset integration failed", slog.String("error", err.Error()))
		s.pendingClientError = &protocol.ErrorInfo{
			Code:    protocol.ErrCodeOtherSessionError,
			Message: err.Error(),
		}
		s.conn.enlist(s)
		s.suspend(&protocol.ErrorInfo{Code: protocol.ErrCodeOtherSessionError, Message: err.Error()})
		return nil
	}

	s.lastSnapshotVersion = vi.NewVersion

	for _, c := range changesets {
		s.downloadedBytes += uint64(len(c.Data))
	}
	s.downloadableBytes = downloadableBytes

	s.progress = progress
	if s.uploadScan.ClientVersion < progress.Upload.ClientVersion {
		s.uploadScan = progress.Upload
	}

	s.deliverProgress(vi.NewVersion)
	s.gatherPendingCompensatingWrites()
	s.checkUploadCompletion()
	s.checkResetAcknowledged()

	if s.uploadDue() {
		s.conn.enlist(s)
	}

	return nil
}

func (s *Session) deliverProgress(snapshotVersion uint64) {
	if s.cfg().OnProgress == nil {
		return
	}

	s.cfg().OnProgress(Progress{
		DownloadedBytes:     s.downloadedBytes,
		DownloadableBytes:   s.downloadableBytes,
		UploadedBytes:       s.uploadedBytes,
		UploadableBytes:     s.uploadableBytes,
		LatestServerVersion: s.progress.Latest.Version,
		SnapshotVersion:     snapshotVersion,
	})
}

// gatherPendingCompensatingWrites surfaces queued compensating-write
// errors whose server version has now been integrated, preserving the
// causal order between "your write was rejected" and "here is the
// corrected state".
func (s *Session) gatherPendingCompensatingWrites() {
	if len(s.pendingCompensatingWrites) == 0 {
		return
	}

	remaining := s.pendingCompensatingWrites[:0]
	for _, info := range s.pendingCompensatingWrites {
		if info.ServerVersion <= s.progress.Download.ServerVersion {
			if s.cfg().OnError != nil {
				s.cfg().OnError(info, false)
			}
			continue
		}
		remaining = append(remaining, info)
	}
	s.pendingCompensatingWrites = remaining
}

func (s *Session) receiveMark(msg *protocol.Mark) error {
	if !s.identMessageSent {
		return fmt.Errorf("%w: MARK before IDENT", protocol.ErrBadMessageOrder)
	}
	if msg.RequestIdent > s.lastSentMarkIdent || msg.RequestIdent <= s.lastReceivedMarkIdent {
		return fmt.Errorf("%w: MARK request ident %d (sent %d, received %d)",
			protocol.ErrBadMessageOrder, msg.RequestIdent, s.lastSentMarkIdent, s.lastReceivedMarkIdent)
	}

	s.lastReceivedMarkIdent = msg.RequestIdent
	s.logger.Debug("received MARK", slog.Int64("request_ident", msg.RequestIdent))

	s.checkDownloadCompletion()
	s.checkResetAcknowledged()

	if s.flx != nil {
		if err := s.flx.markReceived(); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) receiveUnbound() error {
	if !s.unbindMessageSent || s.unboundMessageReceived {
		return fmt.Errorf("%w: unsolicited UNBOUND", protocol.ErrBadMessageOrder)
	}

	s.unboundMessageReceived = true

	if s.state == sessionDeactivating {
		s.completeDeactivation()
	}

	return nil
}

// receiveError handles a session-level ERROR. Compensating-write errors
// are queued rather than surfaced; everything else suspends the session
// and dispatches the server's requested action.
func (s *Session) receiveError(info *protocol.ErrorInfo) error {
	if !s.bindMessageSent || s.errorMessageReceived || s.unboundMessageReceived {
		return fmt.Errorf("%w: ERROR outside session lifetime", protocol.ErrBadMessageOrder)
	}
	if !info.Code.IsSessionLevel() {
		return fmt.Errorf("%w: connection-level code %d addressed to session %d",
			protocol.ErrBadErrorCode, info.Code, s.ident)
	}

	if s.state == sessionDeactivating {
		// UNBIND is outstanding; a session-level ERROR terminates the
		// session just like UNBOUND would.
		s.errorMessageReceived = true
		s.logger.Debug("session error during deactivation",
			slog.Int("code", int(info.Code)),
			slog.String("message", info.Message))
		s.completeDeactivation()
		return nil
	}

	if info.Code == protocol.ErrCodeCompensatingWrite {
		s.pendingCompensatingWrites = append(s.pendingCompensatingWrites, *info)
		return nil
	}

	s.logger.Warn("session error",
		slog.Int("code", int(info.Code)),
		slog.String("message", info.Message),
		slog.String("action", string(info.Action)),
		slog.Bool("try_again", info.TryAgain))

	switch info.Action {
	case protocol.ActionTransient:
		// Ignored silently per the server's request; the session stays
		// in steady state.
		return nil

	case protocol.ActionWarning:
		if s.cfg().OnError != nil {
			s.cfg().OnError(*info, false)
		}
		return nil

	case protocol.ActionProtocolViolation, protocol.ActionApplicationBug:
		s.errorMessageReceived = true
		if s.cfg().OnError != nil {
			s.cfg().OnError(*info, true)
		}
		s.initiateDeactivation()
		return nil

	case protocol.ActionClientReset, protocol.ActionClientResetNoRecovery:
		s.errorMessageReceived = true
		return s.handleResetRequest(info)

	case protocol.ActionDeleteRealm:
		s.errorMessageReceived = true
		if s.cfg().OnDeletionRequested != nil {
			s.cfg().OnDeletionRequested()
		}
		s.initiateDeactivation()
		return nil
	}

	s.errorMessageReceived = true
	s.suspend(info)

	if info.Code.IsAuthError() {
		s.beginTokenRefresh()
	}

	return nil
}

func (s *Session) receiveQueryError(msg *protocol.QueryError) error {
	if s.flx == nil {
		return fmt.Errorf("%w: QUERY_ERROR without subscription store", protocol.ErrBadMessageOrder)
	}

	return s.flx.receiveQueryError(msg)
}

func (s *Session) receiveTestCommand(msg *protocol.TestCommand) error {
	body := ""

	if handler := s.cfg().OnTestCommand; handler != nil {
		var err error
		body, err = handler(msg.Command, msg.Args)
		if err != nil {
			body = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
	} else {
		body = fmt.Sprintf(`{"echo":%q}`, msg.Command)
	}

	s.pendingTestResponses = append(s.pendingTestResponses, protocol.TestCommandResponse{
		Session:      s.ident,
		RequestIdent: msg.RequestIdent,
		Body:         body,
	})
	s.conn.enlist(s)

	return nil
}

// --- suspension / resumption ---

// suspend takes the session out of the send rotation until the
// session-scoped resumption delay expires (when the error permits
// resumption at all).
func (s *Session) suspend(info *protocol.ErrorInfo) {
	if s.suspended || s.state != sessionActive {
		return
	}

	s.suspended = true
	s.lastErrorInfo = info
	s.conn.sessionSuspended(s)

	if !info.TryAgain {
		if s.cfg().OnError != nil {
			s.cfg().OnError(*info, true)
		}
		return
	}

	s.resumeBackoff.update(info)
	delay := jittered(s.resumeBackoff.next(), maxDelayDeduction)
	s.logger.Info("session suspended", slog.Duration("resume_in", delay))

	s.stopResumeTimer()
	s.resumeTimer = s.conn.client.newTimer(delay, s.resume)
}

func (s *Session) stopResumeTimer() {
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
}

func (s *Session) resume() {
	if !s.suspended || s.state != sessionActive {
		return
	}

	s.suspended = false
	s.lastErrorInfo = nil
	s.stopResumeTimer()

	// The server dropped the session when it sent the error; resuming
	// means a fresh handshake, not picking up mid-stream.
	s.bindMessageSent = false
	s.identMessageSent = false
	s.unbindMessageSent = false
	s.unboundMessageReceived = false
	s.errorMessageReceived = false
	s.uploadScan = s.progress.Upload

	s.logger.Info("session resumed")
	s.conn.sessionResumed(s)
}

// cancelResumptionDelay resumes a suspended session immediately.
func (s *Session) cancelResumptionDelay() {
	if s.suspended {
		s.resumeBackoff.reset()
		s.resume()
	}
}

// beginTokenRefresh asks the opaque token provider for a fresh token
// off-loop, then installs it and resumes.
func (s *Session) beginTokenRefresh() {
	provider := s.cfg().TokenProvider
	if provider == nil {
		return
	}

	client := s.conn.client
	go func() {
		token, err := provider()
		client.post(func() {
			if err != nil {
				s.logger.Warn("access token refresh failed", slog.String("error", err.Error()))
				if s.cfg().OnError != nil {
					s.cfg().OnError(protocol.ErrorInfo{
						Code:    protocol.ErrCodeBadAuthentication,
						Message: "token refresh failed: " + err.Error(),
					}, true)
				}
				return
			}
			s.setAccessToken(token)
		})
	}()
}

func (s *Session) setAccessToken(token string) {
	s.accessToken = token
	if s.suspended && s.lastErrorInfo != nil && s.lastErrorInfo.Code.IsAuthError() {
		s.cancelResumptionDelay()
	}
}

// --- completion tracking ---

// requestUploadCompletion registers fn to fire once the server has
// acknowledged everything committed locally as of now.
func (s *Session) requestUploadCompletion(fn func(error)) {
	target := s.lastVersionAvailable
	if s.progress.Upload.ClientVersion >= target {
		fn(nil)
		return
	}

	s.uploadWaiters = append(s.uploadWaiters, uploadWaiter{target: target, fn: fn})
	if !s.suspended {
		s.conn.enlist(s)
	}
}

// requestDownloadCompletion registers fn to fire once a MARK requested
// now has round-tripped. The MARK indirection is what distinguishes
// "download complete" from "server has nothing more to send yet".
func (s *Session) requestDownloadCompletion(fn func(error)) {
	s.markCounter++
	s.downloadWaiters = append(s.downloadWaiters, downloadWaiter{markIdent: s.markCounter, fn: fn})
	s.pendingMarkRequest = true
	if !s.suspended {
		s.conn.enlist(s)
	}
}

func (s *Session) checkUploadCompletion() {
	if len(s.uploadWaiters) == 0 {
		return
	}

	remaining := s.uploadWaiters[:0]
	for _, w := range s.uploadWaiters {
		if s.progress.Upload.ClientVersion >= w.target {
			w.fn(nil)
			continue
		}
		remaining = append(remaining, w)
	}
	s.uploadWaiters = remaining
}

func (s *Session) checkDownloadCompletion() {
	if len(s.downloadWaiters) == 0 {
		return
	}

	remaining := s.downloadWaiters[:0]
	for _, w := range s.downloadWaiters {
		if s.lastReceivedMarkIdent >= w.markIdent {
			w.fn(nil)
			continue
		}
		remaining = append(remaining, w)
	}
	s.downloadWaiters = remaining
}

// cancelWaiters aborts every outstanding completion handler. Called
// when the wrapper is finalized.
func (s *Session) cancelWaiters() {
	s.abortWaiters(ErrOperationAborted)
}

func (s *Session) abortWaiters(err error) {
	for _, w := range s.uploadWaiters {
		w.fn(err)
	}
	s.uploadWaiters = nil

	for _, w := range s.downloadWaiters {
		w.fn(err)
	}
	s.downloadWaiters = nil
}

// noteLocalVersion records a new locally committed version, extending
// the upload target.
func (s *Session) noteLocalVersion(version uint64) {
	if version <= s.lastVersionAvailable {
		return
	}

	s.lastVersionAvailable = version
	s.uploadTarget = version

	if s.state == sessionActive && !s.suspended {
		s.conn.enlist(s)
	}
}

// --- deactivation ---

// initiateDeactivation begins session teardown. If BIND was never sent
// on this connection, or there is no connection to speak through,
// deactivation completes synchronously; otherwise UNBIND is enlisted as
// the session's final message and completion waits for UNBOUND.
func (s *Session) initiateDeactivation() {
	if s.state == sessionDeactivating || s.state == sessionDeactivated {
		return
	}

	s.state = sessionDeactivating
	s.stopResumeTimer()

	if !s.bindMessageSent || s.unboundMessageReceived || s.errorMessageReceived ||
		s.conn.state != connConnected {
		s.completeDeactivation()
		return
	}

	s.conn.enlist(s)
}

func (s *Session) completeDeactivation() {
	if s.state == sessionDeactivated {
		return
	}

	s.state = sessionDeactivated
	s.stopResumeTimer()
	s.cancelWaiters()
	s.logger.Debug("session deactivated")
	s.conn.eraseSession(s)
}
