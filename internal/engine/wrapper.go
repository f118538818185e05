package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/alexjbarnes/dbsync/internal/protocol"
	"github.com/alexjbarnes/dbsync/internal/state"
)

// SessionConfig describes one synchronized database file. Callbacks are
// invoked on the event loop and must not block.
type SessionConfig struct {
	Endpoint ServerEndpoint

	// Path is the server-side virtual path of the database.
	Path string

	AccessToken string

	// TokenProvider, when set, is consulted off-loop for a fresh token
	// after the server rejects the current one.
	TokenProvider func() (string, error)

	History ClientHistory

	// Subscriptions enables flexible-sync mode when non-nil.
	Subscriptions SubscriptionStore

	// StateStore persists bootstrap staging and the pending-reset
	// marker. Optional; without it bootstraps are not crash-safe and
	// client resets cannot span restarts.
	StateStore *state.Store

	ResetMode    ResetMode
	ResetHandler ClientResetHandler

	// DedicatedConnection forces a private connection for this session
	// even when another session shares the endpoint.
	DedicatedConnection bool

	OnSyncTransact      func(oldVersion, newVersion uint64)
	OnProgress          func(Progress)
	OnError             func(info protocol.ErrorInfo, fatal bool)
	OnConnectionState   func(oldState, newState ConnectionState, info *protocol.ErrorInfo)
	OnDeletionRequested func()
	OnTestCommand       func(command string, args json.RawMessage) (string, error)
}

// SessionWrapper is the application-facing session handle. It may be
// created, bound, and abandoned from any goroutine; the underlying
// Session exists only on the event loop and only between actualization
// and finalization.
type SessionWrapper struct {
	client *Client
	cfg    SessionConfig

	mu        sync.Mutex
	bound     bool
	abandoned bool
	termErr   error

	done     chan struct{}
	doneOnce sync.Once

	// sess is loop-confined.
	sess *Session
}

// NewSession creates an unbound wrapper. The session does not exist
// until Bind.
func NewSession(client *Client, cfg SessionConfig) (*SessionWrapper, error) {
	if cfg.History == nil {
		return nil, errors.New("session config: History is required")
	}
	if cfg.Endpoint.Address == "" {
		return nil, errors.New("session config: Endpoint is required")
	}
	if cfg.Endpoint.Envelope == "" {
		cfg.Endpoint.Envelope = "wss"
	}
	if cfg.ResetMode != "" && cfg.ResetMode != ResetModeManual && cfg.ResetHandler == nil {
		return nil, errors.New("session config: ResetMode requires a ResetHandler")
	}

	return &SessionWrapper{
		client: client,
		cfg:    cfg,
		done:   make(chan struct{}),
	}, nil
}

// Bind hands the wrapper to the event loop for actualization. Safe to
// call once from any goroutine; the session starts its BIND handshake
// as soon as a connection is available. Activation errors surface
// through OnError with fatal set.
func (w *SessionWrapper) Bind() {
	w.mu.Lock()
	if w.bound || w.abandoned {
		w.mu.Unlock()
		return
	}
	w.bound = true
	w.mu.Unlock()

	w.client.enqueueSweep(w)
}

// Abandon discards the wrapper. If the session is live it deactivates
// gracefully (UNBIND/UNBOUND) first; outstanding completion handlers
// fire with ErrOperationAborted. Idempotent, callable in any state.
func (w *SessionWrapper) Abandon() {
	w.mu.Lock()
	if w.abandoned {
		w.mu.Unlock()
		return
	}
	w.abandoned = true
	w.mu.Unlock()

	w.client.enqueueSweep(w)
}

// Terminated returns a channel closed once the wrapper is finalized:
// after Abandon completes, after a server-driven deactivation, or at
// client shutdown.
func (w *SessionWrapper) Terminated() <-chan struct{} { return w.done }

// WaitForTermination blocks until finalization or context cancellation.
func (w *SessionWrapper) WaitForTermination(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// actualizeOrFinalize runs on the event loop, before any closure posted
// after the wrapper was enqueued.
func (w *SessionWrapper) actualizeOrFinalize() {
	w.mu.Lock()
	abandoned := w.abandoned
	bound := w.bound
	w.mu.Unlock()

	if abandoned {
		if w.sess != nil {
			w.sess.initiateDeactivation()
			// finalization completes in sessionTerminated
			return
		}
		w.finalize(ErrOperationAborted)
		return
	}

	if !bound || w.sess != nil {
		return
	}

	conn := w.client.connectionFor(w)
	sess, err := conn.bindSession(w)
	if err != nil {
		w.client.logger.Error("session activation failed", "error", err.Error())
		if w.cfg.OnError != nil {
			w.cfg.OnError(protocol.ErrorInfo{
				Code:    protocol.ErrCodeOtherSessionError,
				Message: err.Error(),
			}, true)
		}
		w.finalize(err)
		return
	}

	w.sess = sess
}

// sessionTerminated is called on the loop when the session finishes
// deactivating for any reason.
func (w *SessionWrapper) sessionTerminated() {
	w.sess = nil
	w.finalize(ErrOperationAborted)
}

// clientStopped is called on the loop during client shutdown.
func (w *SessionWrapper) clientStopped() {
	w.sess = nil
	w.finalize(ErrClientStopped)
}

func (w *SessionWrapper) finalize(termErr error) {
	w.mu.Lock()
	w.termErr = termErr
	w.mu.Unlock()

	w.doneOnce.Do(func() { close(w.done) })
}

// withSession posts fn to the loop; if the session is gone by then, fn
// receives nil.
func (w *SessionWrapper) withSession(fn func(*Session)) {
	w.client.post(func() { fn(w.sess) })
}

// AsyncWaitForUploadCompletion invokes fn once everything committed
// locally as of this call has been acknowledged by the server. fn runs
// on the event loop.
func (w *SessionWrapper) AsyncWaitForUploadCompletion(fn func(error)) {
	w.withSession(func(s *Session) {
		if s == nil || s.state != sessionActive {
			fn(ErrOperationAborted)
			return
		}
		s.requestUploadCompletion(fn)
	})
}

// AsyncWaitForDownloadCompletion invokes fn once a MARK requested now
// has round-tripped, proving the server had nothing more to send as of
// this call. fn runs on the event loop.
func (w *SessionWrapper) AsyncWaitForDownloadCompletion(fn func(error)) {
	w.withSession(func(s *Session) {
		if s == nil || s.state != sessionActive {
			fn(ErrOperationAborted)
			return
		}
		s.requestDownloadCompletion(fn)
	})
}

// WaitForUploadComplete is the blocking form of
// AsyncWaitForUploadCompletion.
func (w *SessionWrapper) WaitForUploadComplete(ctx context.Context) error {
	return w.await(ctx, w.AsyncWaitForUploadCompletion)
}

// WaitForDownloadComplete is the blocking form of
// AsyncWaitForDownloadCompletion.
func (w *SessionWrapper) WaitForDownloadComplete(ctx context.Context) error {
	return w.await(ctx, w.AsyncWaitForDownloadCompletion)
}

func (w *SessionWrapper) await(ctx context.Context, register func(func(error))) error {
	result := make(chan error, 1)
	register(func(err error) { result <- err })

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		w.mu.Lock()
		err := w.termErr
		w.mu.Unlock()
		if err == nil {
			err = ErrOperationAborted
		}
		return err
	}
}

// NonsyncTransactNotify reports a locally committed version, extending
// the session's upload target.
func (w *SessionWrapper) NonsyncTransactNotify(version uint64) {
	w.withSession(func(s *Session) {
		if s != nil {
			s.noteLocalVersion(version)
		}
	})
}

// RefreshAccessToken installs a new token for future BINDs and resumes
// a session suspended on an authorization error.
func (w *SessionWrapper) RefreshAccessToken(token string) {
	w.withSession(func(s *Session) {
		if s != nil {
			s.setAccessToken(token)
		}
	})
}

// CancelReconnectDelay collapses the connection's pending reconnect
// delay and the session's resumption delay, for callers that know
// conditions changed (network came back, subscription edited).
func (w *SessionWrapper) CancelReconnectDelay() {
	w.withSession(func(s *Session) {
		if s == nil {
			return
		}
		s.conn.cancelReconnectDelay()
		s.cancelResumptionDelay()
	})
}

// NotifyQueryChanged tells a flexible-sync session that the
// subscription store's active version advanced; the session sends a
// QUERY once uploads have caught up.
func (w *SessionWrapper) NotifyQueryChanged() {
	w.withSession(func(s *Session) {
		if s != nil && s.flx != nil {
			s.flx.queryChanged()
		}
	})
}
