package main

import (
	"sync"

	"github.com/alexjbarnes/dbsync/internal/engine"
	"github.com/alexjbarnes/dbsync/internal/protocol"
)

// memoryHistory is a minimal in-memory ClientHistory used by the
// standalone daemon: it keeps downloaded changesets and sync progress
// for the lifetime of the process. Embedding applications supply their
// own storage-backed implementation.
type memoryHistory struct {
	mu sync.Mutex

	fileIdent    protocol.SaltedFileIdent
	progress     protocol.SyncProgress
	localVersion uint64
	changesets   []protocol.RemoteChangeset
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{}
}

func (h *memoryHistory) HistoryStatus() (engine.HistoryStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return engine.HistoryStatus{
		CurrentVersion: h.localVersion,
		FileIdent:      h.fileIdent,
		Progress:       h.progress,
	}, nil
}

func (h *memoryHistory) FindUploadableChangesets(from protocol.UploadCursor, _ uint64, _ int) (engine.UploadBatch, error) {
	// The diagnostic daemon never produces local writes.
	return engine.UploadBatch{Progress: from}, nil
}

func (h *memoryHistory) IntegrateServerChangesets(progress protocol.SyncProgress, _ uint64,
	changesets []protocol.RemoteChangeset, _ protocol.BatchState,
	onCommit func(engine.VersionInfo)) (engine.VersionInfo, error) {

	h.mu.Lock()
	h.changesets = append(h.changesets, changesets...)
	h.progress = progress
	old := h.localVersion
	h.localVersion++
	vi := engine.VersionInfo{OldVersion: old, NewVersion: h.localVersion}
	h.mu.Unlock()

	if onCommit != nil {
		onCommit(vi)
	}

	return vi, nil
}

func (h *memoryHistory) SetClientFileIdent(ident protocol.SaltedFileIdent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fileIdent = ident

	return nil
}

func (h *memoryHistory) SetSyncProgress(progress protocol.SyncProgress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = progress

	return nil
}

func (h *memoryHistory) changesetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.changesets)
}
