// Package state persists the engine-side durable state that must
// survive a client restart: staged FLX bootstrap batches (a bootstrap
// may span many DOWNLOAD messages and has to be resumable) and the
// pending client-reset marker that guards against a crash mid-reset.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var resetBucket = []byte("pending_resets")

func bootstrapBucket(path string, queryVersion int64) []byte {
	return []byte(fmt.Sprintf("bootstrap:%s:%d", path, queryVersion))
}

// BootstrapBatch is one staged DOWNLOAD message belonging to an FLX
// bootstrap. Batches are drained in arrival order once the terminal
// LastInBatch message has been staged.
type BootstrapBatch struct {
	Progress          protocol.SyncProgress      `json:"progress"`
	DownloadableBytes uint64                     `json:"downloadable_bytes"`
	BatchState        protocol.BatchState        `json:"batch_state"`
	Changesets        []protocol.RemoteChangeset `json:"changesets"`
}

// PendingReset marks a client reset that has begun but whose post-reset
// upload+download cycle the server has not yet acknowledged.
type PendingReset struct {
	Mode        string    `json:"mode"`
	RequestedAt time.Time `json:"requested_at"`
}

// Store wraps a bbolt database holding all durable engine state.
type Store struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resetBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendBootstrapBatch stages one bootstrap batch for the given
// database path and query version. Arrival order is preserved through
// the bucket sequence number.
func (s *Store) AppendBootstrapBatch(path string, queryVersion int64, batch BootstrapBatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bootstrapBucket(path, queryVersion))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// BootstrapBatches returns all staged batches for a query version in
// arrival order. Returns nil when nothing is staged.
func (s *Store) BootstrapBatches(path string, queryVersion int64) ([]BootstrapBatch, error) {
	var batches []BootstrapBatch

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bootstrapBucket(path, queryVersion))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var batch BootstrapBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}

			batches = append(batches, batch)

			return nil
		})
	})

	return batches, err
}

// ClearBootstrap removes all staged batches for a query version. Called
// after the batches have been drained into the real history, or when a
// QUERY_ERROR abandons the bootstrap.
func (s *Store) ClearBootstrap(path string, queryVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := bootstrapBucket(path, queryVersion)
		if tx.Bucket(name) == nil {
			return nil
		}

		return tx.DeleteBucket(name)
	})
}

// SetPendingReset persists the reset marker for a database path.
func (s *Store) SetPendingReset(path string, pr PendingReset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pr)
		if err != nil {
			return err
		}

		return tx.Bucket(resetBucket).Put([]byte(path), data)
	})
}

// GetPendingReset returns the reset marker for a path, or nil if no
// reset is in progress.
func (s *Store) GetPendingReset(path string) (*PendingReset, error) {
	var pr *PendingReset

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(resetBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		pr = &PendingReset{}

		return json.Unmarshal(v, pr)
	})

	return pr, err
}

// ClearPendingReset removes the reset marker once the server has
// acknowledged the post-reset upload+download cycle.
func (s *Store) ClearPendingReset(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resetBucket).Delete([]byte(path))
	})
}
