package hints

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/burrowkit/burrow/pkg/types"
)

var (
	bucketRepairHints     = []byte("repair_hints")
	bucketSyncCheckpoints = []byte("sync_checkpoints")
)

// RepairHint is the breadcrumb CaptureEngine leaves when the index upsert
// fails after a successful git append. SyncEngine consumes hints to drive
// the index back in line with git.
type RepairHint struct {
	ID        string          `json:"id"`
	RepoPath  string          `json:"repo_path"`
	CommitSHA string          `json:"commit_sha"`
	Namespace types.Namespace `json:"namespace"`
	MemoryID  string          `json:"memory_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint records incremental sync progress for one repo
type Checkpoint struct {
	RepoPath  string    `json:"repo_path"`
	Namespace string    `json:"namespace"`
	Processed int       `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a bbolt-backed store for repair hints and sync checkpoints,
// kept in the data dir next to the index.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state store at path with owner-only permissions
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRepairHints, bucketSyncCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// PutHint persists a repair hint, assigning an id when absent
func (s *Store) PutHint(hint *RepairHint) error {
	if hint.ID == "" {
		hint.ID = uuid.NewString()
	}
	if hint.CreatedAt.IsZero() {
		hint.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepairHints)
		data, err := json.Marshal(hint)
		if err != nil {
			return err
		}
		return b.Put([]byte(hint.ID), data)
	})
}

// ListHints returns all pending repair hints
func (s *Store) ListHints() ([]*RepairHint, error) {
	var out []*RepairHint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepairHints)
		return b.ForEach(func(k, v []byte) error {
			var hint RepairHint
			if err := json.Unmarshal(v, &hint); err != nil {
				return err
			}
			out = append(out, &hint)
			return nil
		})
	})
	return out, err
}

// DeleteHint removes a consumed hint
func (s *Store) DeleteHint(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepairHints).Delete([]byte(id))
	})
}

func checkpointKey(repoPath, namespace string) []byte {
	return []byte(repoPath + "\x00" + namespace)
}

// PutCheckpoint records sync progress for (repo, namespace)
func (s *Store) PutCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSyncCheckpoints).Put(checkpointKey(cp.RepoPath, cp.Namespace), data)
	})
}

// GetCheckpoint loads sync progress for (repo, namespace); nil when absent
func (s *Store) GetCheckpoint(repoPath, namespace string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncCheckpoints).Get(checkpointKey(repoPath, namespace))
		if data == nil {
			return nil
		}
		cp = &Checkpoint{}
		return json.Unmarshal(data, cp)
	})
	return cp, err
}

// DeleteCheckpoint clears sync progress after a completed pass
func (s *Store) DeleteCheckpoint(repoPath, namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncCheckpoints).Delete(checkpointKey(repoPath, namespace))
	})
}
