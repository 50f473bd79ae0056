package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSandboxes = []byte("sandboxes")
	bucketBindings  = []byte("bindings")
	bucketCA        = []byte("ca")
)

// BoltStore implements Store using a single bbolt file, one bucket per
// record kind, JSON-marshaled values keyed by the record's natural id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sandboxd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSandboxes, bucketBindings, bucketCA} {
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

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutSandbox upserts a sandbox record.
func (s *BoltStore) PutSandbox(sb *sandbox.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.Name), data)
	})
}

// GetSandbox returns (nil, false, nil) when the record is absent, never an
// error — "not found" is a distinguished result per §4.1.
func (s *BoltStore) GetSandbox(name string) (*sandbox.Sandbox, bool, error) {
	var sb sandbox.Sandbox
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &sb)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &sb, true, nil
}

// ListSandboxes returns all sandbox records.
func (s *BoltStore) ListSandboxes() ([]*sandbox.Sandbox, error) {
	var sandboxes []*sandbox.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		return b.ForEach(func(k, v []byte) error {
			var sb sandbox.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			sandboxes = append(sandboxes, &sb)
			return nil
		})
	})
	return sandboxes, err
}

// DeleteSandbox deletes a sandbox record. Deleting an absent key is a no-op.
func (s *BoltStore) DeleteSandbox(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		return b.Delete([]byte(name))
	})
}

// PutBinding upserts a credential binding.
func (s *BoltStore) PutBinding(bnd *Binding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		data, err := json.Marshal(bnd)
		if err != nil {
			return err
		}
		return b.Put([]byte(bnd.SandboxID), data)
	})
}

// GetBinding returns (nil, false, nil) when absent.
func (s *BoltStore) GetBinding(sandboxID string) (*Binding, bool, error) {
	var bnd Binding
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		data := b.Get([]byte(sandboxID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &bnd)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &bnd, true, nil
}

// DeleteBinding deletes a binding. Deleting an absent key is a no-op.
func (s *BoltStore) DeleteBinding(sandboxID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		return b.Delete([]byte(sandboxID))
	})
}

// ListBindings returns all credential bindings.
func (s *BoltStore) ListBindings() ([]*Binding, error) {
	var bindings []*Binding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		return b.ForEach(func(k, v []byte) error {
			var bnd Binding
			if err := json.Unmarshal(v, &bnd); err != nil {
				return err
			}
			bindings = append(bindings, &bnd)
			return nil
		})
	})
	return bindings, err
}

// SaveCA stores the CA blob under a fixed key.
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

// GetCA returns (nil, false, nil) when no CA has been saved yet.
func (s *BoltStore) GetCA() ([]byte, bool, error) {
	var data []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return nil
		}
		found = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, found, err
}
