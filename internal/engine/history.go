package engine

import (
	"github.com/alexjbarnes/dbsync/internal/protocol"
)

// HistoryStatus is the snapshot of local sync history read when a
// session activates.
type HistoryStatus struct {
	// CurrentVersion is the newest locally committed version.
	CurrentVersion uint64

	// FileIdent is the server-assigned replica identity, or zero if
	// this file has never completed a BIND/IDENT handshake.
	FileIdent protocol.SaltedFileIdent

	// Progress is the last persisted sync progress.
	Progress protocol.SyncProgress

	// UploadableBytes is the total size of changesets not yet uploaded.
	UploadableBytes uint64
}

// UploadBatch is the result of one upload scan: the changesets to send,
// the cursor the scan reached, and the bytes still waiting after it.
type UploadBatch struct {
	Changesets      []protocol.UploadChangeset
	Progress        protocol.UploadCursor
	UploadableBytes uint64
}

// VersionInfo reports the local versions spanned by one integration
// commit.
type VersionInfo struct {
	OldVersion uint64
	NewVersion uint64
}

// ClientHistory is the storage-engine surface the protocol engine
// drives. Implementations own all transactional concerns; the engine
// only sequences calls. All methods are invoked from the event loop.
type ClientHistory interface {
	// HistoryStatus reports the current local history snapshot.
	HistoryStatus() (HistoryStatus, error)

	// FindUploadableChangesets scans local history from the given
	// cursor up to endVersion, returning at most maxBytes worth of
	// changesets.
	FindUploadableChangesets(from protocol.UploadCursor, endVersion uint64, maxBytes int) (UploadBatch, error)

	// IntegrateServerChangesets applies one DOWNLOAD batch inside a
	// write transaction and persists the supplied progress with it.
	// onCommit is invoked once per committed transaction.
	IntegrateServerChangesets(progress protocol.SyncProgress, downloadableBytes uint64,
		changesets []protocol.RemoteChangeset, batchState protocol.BatchState,
		onCommit func(VersionInfo)) (VersionInfo, error)

	// SetClientFileIdent persists a freshly assigned replica identity.
	SetClientFileIdent(ident protocol.SaltedFileIdent) error

	// SetSyncProgress persists progress outside of an integration
	// commit (upload acknowledgements).
	SetSyncProgress(progress protocol.SyncProgress) error
}

// SubscriptionPhase is the lifecycle phase of one FLX subscription-set
// version.
type SubscriptionPhase string

const (
	SubscriptionBootstrapping SubscriptionPhase = "bootstrapping"
	SubscriptionAwaitingMark  SubscriptionPhase = "awaiting_mark"
	SubscriptionComplete      SubscriptionPhase = "complete"
	SubscriptionError         SubscriptionPhase = "error"
)

// SubscriptionStore is attached to a session to enable FLX sync. All
// methods are invoked from the event loop.
type SubscriptionStore interface {
	// ActiveVersion returns the subscription-set version the client
	// wants the server to serve.
	ActiveVersion() int64

	// ActiveQuery returns the serialized query body for ActiveVersion.
	ActiveQuery() string

	// SetPhase records a phase transition for a subscription version.
	SetPhase(version int64, phase SubscriptionPhase) error

	// SetError marks a subscription version failed with the server's
	// message.
	SetError(version int64, message string) error
}

// ResetMode selects how a client reset reconciles local mutations
// against the freshly downloaded server copy.
type ResetMode string

const (
	ResetModeManual           ResetMode = "manual"
	ResetModeDiscardLocal     ResetMode = "discard_local"
	ResetModeRecover          ResetMode = "recover"
	ResetModeRecoverOrDiscard ResetMode = "recover_or_discard"
)

// ClientResetHandler performs the storage-side work of a client reset.
// PrepareReset runs when the session activates with a reset pending;
// FinalizeReset runs once the server has assigned the fresh file
// identity, merging or discarding local mutations per mode.
type ClientResetHandler interface {
	PrepareReset(mode ResetMode) error
	FinalizeReset(mode ResetMode, fresh protocol.SaltedFileIdent) error
}

// Progress is delivered to the session's progress handler after every
// integration or upload acknowledgement.
type Progress struct {
	DownloadedBytes     uint64
	DownloadableBytes   uint64
	UploadedBytes       uint64
	UploadableBytes     uint64
	LatestServerVersion uint64
	SnapshotVersion     uint64
}
