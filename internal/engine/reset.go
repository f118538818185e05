package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/dbsync/internal/protocol"
	"github.com/alexjbarnes/dbsync/internal/state"
)

// ErrManualResetRequired means the server demanded a client reset and
// no automatic mode is configured; the application must repair the
// local file itself.
var ErrManualResetRequired = errors.New("client reset required: manual intervention configured")

// resetOperation tracks one in-flight client reset from activation
// until the server acknowledges the post-reset state.
type resetOperation struct {
	mode    ResetMode
	handler ClientResetHandler
}

// handleResetRequest reacts to a server error whose action demands a
// client reset: the marker is persisted so the reset survives a crash,
// the application is told to rebind, and the session deactivates. The
// reset itself runs on the next activation.
func (s *Session) handleResetRequest(info *protocol.ErrorInfo) error {
	mode := s.cfg().ResetMode

	if info.Action == protocol.ActionClientResetNoRecovery {
		switch mode {
		case ResetModeRecover:
			// Recovery was explicitly disallowed by the server.
			mode = ResetModeManual
		case ResetModeRecoverOrDiscard:
			mode = ResetModeDiscardLocal
		}
	}

	automatic := mode != "" && mode != ResetModeManual &&
		s.cfg().ResetHandler != nil && s.cfg().StateStore != nil

	if automatic {
		err := s.cfg().StateStore.SetPendingReset(s.cfg().Path, state.PendingReset{
			Mode:        string(mode),
			RequestedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("persisting reset marker: %w", err)
		}
		s.logger.Warn("client reset scheduled", slog.String("mode", string(mode)))
	} else {
		s.logger.Warn("client reset required but not configured for automatic handling")
	}

	if s.cfg().OnError != nil {
		s.cfg().OnError(*info, true)
	}
	s.initiateDeactivation()

	return nil
}

// maybeBeginReset runs during activation: a persisted marker turns the
// activation into a reset handshake instead of a normal resume.
func (s *Session) maybeBeginReset() (*resetOperation, error) {
	st := s.cfg().StateStore
	if st == nil {
		return nil, nil
	}

	pr, err := st.GetPendingReset(s.cfg().Path)
	if err != nil {
		return nil, fmt.Errorf("reading reset marker: %w", err)
	}
	if pr == nil {
		return nil, nil
	}

	mode := ResetMode(pr.Mode)
	handler := s.cfg().ResetHandler
	if handler == nil || mode == "" || mode == ResetModeManual {
		return nil, ErrManualResetRequired
	}

	if err := handler.PrepareReset(mode); err != nil {
		return nil, fmt.Errorf("reset preparation (%s): %w", mode, err)
	}

	return &resetOperation{mode: mode, handler: handler}, nil
}

// finalizeReset completes the reset once the server has assigned the
// fresh file identity: local mutations are merged or discarded per
// mode, session counters are rebuilt from the reset file, and the
// marker is kept until the server acknowledges the post-reset upload
// and download.
func (s *Session) finalizeReset(fresh protocol.SaltedFileIdent) error {
	op := s.pendingReset
	s.pendingReset = nil

	err := op.handler.FinalizeReset(op.mode, fresh)
	if err != nil && op.mode == ResetModeRecoverOrDiscard {
		s.logger.Warn("reset recovery failed, discarding local changes",
			slog.String("error", err.Error()))
		err = op.handler.FinalizeReset(ResetModeDiscardLocal, fresh)
	}
	if err != nil {
		return fmt.Errorf("reset finalization (%s): %w", op.mode, err)
	}

	status, err := s.history.HistoryStatus()
	if err != nil {
		return fmt.Errorf("reading post-reset history status: %w", err)
	}

	s.progress = status.Progress
	s.uploadScan = status.Progress.Upload
	s.uploadTarget = status.CurrentVersion
	s.lastVersionAvailable = status.CurrentVersion
	s.lastSnapshotVersion = status.CurrentVersion
	s.uploadableBytes = status.UploadableBytes

	s.resetAwaitingAck = true
	s.resetUploadTarget = status.CurrentVersion
	s.markCounter++
	s.resetMarkIdent = s.markCounter
	s.pendingMarkRequest = true

	s.logger.Info("client reset finalized",
		slog.String("mode", string(op.mode)),
		slog.Uint64("fresh_ident", fresh.Ident))

	return nil
}

// checkResetAcknowledged clears the persisted marker once the server
// has acknowledged every recovered upload and the post-reset MARK has
// round-tripped; only then can a crash no longer lose the reset.
func (s *Session) checkResetAcknowledged() {
	if !s.resetAwaitingAck {
		return
	}
	if s.progress.Upload.ClientVersion < s.resetUploadTarget {
		return
	}
	if s.lastReceivedMarkIdent < s.resetMarkIdent {
		return
	}

	s.resetAwaitingAck = false

	if st := s.cfg().StateStore; st != nil {
		if err := st.ClearPendingReset(s.cfg().Path); err != nil {
			s.logger.Error("clearing reset marker failed", slog.String("error", err.Error()))
			return
		}
	}

	s.logger.Info("client reset acknowledged by server")
}
