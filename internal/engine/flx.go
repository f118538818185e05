package engine

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/dbsync/internal/protocol"
	"github.com/alexjbarnes/dbsync/internal/state"
)

// flxState drives flexible-sync subscriptions for one session: it gates
// QUERY messages on upload catch-up and stages multi-batch bootstrap
// downloads so they apply atomically per batch, never exposing a
// half-bootstrapped view across a crash.
type flxState struct {
	s *Session

	pendingQuery         bool
	lastSentQueryVersion int64

	// bootstrapVersion is the query version currently downloading in
	// bootstrap batches; awaitingMarkIdent is the MARK round trip that
	// completes it.
	bootstrapVersion  int64
	bootstrapping     bool
	awaitingMark      bool
	awaitingMarkIdent int64

	// memBatches buffers the bootstrap when no StateStore is
	// configured; not crash-safe.
	memBatches []state.BootstrapBatch
}

func newFlxState(s *Session) *flxState {
	return &flxState{s: s}
}

func (f *flxState) store() *state.Store { return f.s.cfg().StateStore }

// identQuery supplies the query resume point for the IDENT message and
// records it as sent.
func (f *flxState) identQuery() (int64, string) {
	version := f.s.subscriptions.ActiveVersion()
	f.lastSentQueryVersion = version
	f.pendingQuery = false

	return version, f.s.subscriptions.ActiveQuery()
}

// queryChanged is posted by the wrapper when the subscription store's
// active version advanced.
func (f *flxState) queryChanged() {
	if f.s.subscriptions.ActiveVersion() <= f.lastSentQueryVersion {
		return
	}

	f.pendingQuery = true
	if f.s.state == sessionActive && !f.s.suspended {
		f.s.conn.enlist(f.s)
	}
}

// queryChangeReady gates the QUERY on upload catch-up: every local
// change must be on the server before the view changes shape.
func (f *flxState) queryChangeReady() bool {
	return f.pendingQuery && !f.s.uploadDue()
}

func (f *flxState) nextQueryMessage() protocol.Message {
	version := f.s.subscriptions.ActiveVersion()
	query := f.s.subscriptions.ActiveQuery()
	f.lastSentQueryVersion = version
	f.pendingQuery = false

	f.s.logger.Debug("sending QUERY", slog.Int64("query_version", version))

	return &protocol.Query{
		Session:      f.s.ident,
		QueryVersion: version,
		Query:        query,
	}
}

// recoverStagedBootstrap runs at session activation. A staging area
// whose final batch arrived is integrated now; a partial one is
// discarded, since persisted progress makes the server resend it.
func (f *flxState) recoverStagedBootstrap() error {
	st := f.store()
	if st == nil {
		return nil
	}

	version := f.s.subscriptions.ActiveVersion()
	batches, err := st.BootstrapBatches(f.s.cfg().Path, version)
	if err != nil {
		return fmt.Errorf("reading staged bootstrap: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	if batches[len(batches)-1].BatchState != protocol.BatchStateLastInBatch {
		f.s.logger.Info("discarding partial bootstrap",
			slog.Int64("query_version", version),
			slog.Int("batches", len(batches)))
		return st.ClearBootstrap(f.s.cfg().Path, version)
	}

	f.s.logger.Info("applying staged bootstrap",
		slog.Int64("query_version", version),
		slog.Int("batches", len(batches)))

	return f.integrateBatches(version, batches)
}

// receiveBootstrapDownload stages one non-steady DOWNLOAD batch,
// integrating the whole set when the final batch arrives.
func (f *flxState) receiveBootstrapDownload(msg *protocol.Download) error {
	if msg.BatchState != protocol.BatchStateMoreToCome && msg.BatchState != protocol.BatchStateLastInBatch {
		return fmt.Errorf("%w: %q", protocol.ErrBadBatchState, msg.BatchState)
	}

	if !f.bootstrapping || f.bootstrapVersion != msg.QueryVersion {
		f.bootstrapping = true
		f.bootstrapVersion = msg.QueryVersion
		f.memBatches = nil
		if err := f.setPhase(msg.QueryVersion, SubscriptionBootstrapping); err != nil {
			return err
		}
	}

	batch := state.BootstrapBatch{
		Progress:          msg.Progress,
		DownloadableBytes: msg.DownloadableBytes,
		BatchState:        msg.BatchState,
		Changesets:        msg.Changesets,
	}

	if st := f.store(); st != nil {
		if err := st.AppendBootstrapBatch(f.s.cfg().Path, msg.QueryVersion, batch); err != nil {
			return fmt.Errorf("staging bootstrap batch: %w", err)
		}
	} else {
		f.memBatches = append(f.memBatches, batch)
	}

	if msg.BatchState == protocol.BatchStateMoreToCome {
		return nil
	}

	batches := f.memBatches
	if st := f.store(); st != nil {
		var err error
		batches, err = st.BootstrapBatches(f.s.cfg().Path, msg.QueryVersion)
		if err != nil {
			return fmt.Errorf("reading staged bootstrap: %w", err)
		}
	}

	return f.integrateBatches(msg.QueryVersion, batches)
}

// integrateBatches applies a complete bootstrap, one transaction per
// batch, then clears the staging area and requests the MARK that
// finishes the subscription version.
func (f *flxState) integrateBatches(version int64, batches []state.BootstrapBatch) error {
	for _, b := range batches {
		if err := f.s.integrateDownload(b.Progress, b.DownloadableBytes, b.Changesets, b.BatchState); err != nil {
			return err
		}
	}

	if st := f.store(); st != nil {
		if err := st.ClearBootstrap(f.s.cfg().Path, version); err != nil {
			return fmt.Errorf("clearing staged bootstrap: %w", err)
		}
	}
	f.memBatches = nil
	f.bootstrapping = false

	if err := f.setPhase(version, SubscriptionAwaitingMark); err != nil {
		return err
	}

	f.awaitingMark = true
	f.s.markCounter++
	f.awaitingMarkIdent = f.s.markCounter
	f.s.pendingMarkRequest = true
	if f.s.state == sessionActive && !f.s.suspended {
		f.s.conn.enlist(f.s)
	}

	return nil
}

// markReceived completes the awaiting-mark phase once the bootstrap's
// own MARK has round-tripped.
func (f *flxState) markReceived() error {
	if !f.awaitingMark || f.s.lastReceivedMarkIdent < f.awaitingMarkIdent {
		return nil
	}

	f.awaitingMark = false
	f.s.logger.Info("subscription bootstrap complete",
		slog.Int64("query_version", f.bootstrapVersion))

	return f.setPhase(f.bootstrapVersion, SubscriptionComplete)
}

func (f *flxState) receiveQueryError(msg *protocol.QueryError) error {
	if msg.QueryVersion > f.lastSentQueryVersion {
		return fmt.Errorf("%w: QUERY_ERROR for unsent version %d",
			protocol.ErrBadQueryVersion, msg.QueryVersion)
	}

	f.s.logger.Warn("subscription rejected",
		slog.Int64("query_version", msg.QueryVersion),
		slog.String("message", msg.Message))

	if err := f.s.subscriptions.SetError(msg.QueryVersion, msg.Message); err != nil {
		return fmt.Errorf("recording subscription error: %w", err)
	}

	if f.s.cfg().OnError != nil {
		f.s.cfg().OnError(protocol.ErrorInfo{
			Code:    protocol.ErrCodeBadQuery,
			Message: msg.Message,
		}, false)
	}

	return nil
}

func (f *flxState) setPhase(version int64, phase SubscriptionPhase) error {
	if err := f.s.subscriptions.SetPhase(version, phase); err != nil {
		return fmt.Errorf("recording subscription phase %q: %w", phase, err)
	}

	return nil
}
