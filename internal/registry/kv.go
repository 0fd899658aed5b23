package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBundles = []byte("bundles")

// KV is the persistent slug -> manifest index backing loadSlots across
// restarts. bbolt gives single-file durability with atomic per-key upserts
// and many concurrent readers, which is exactly the access pattern the
// registry has (reads on every session route, a write per deploy).
type KV struct {
	db *bolt.DB
}

// OpenKV opens (or creates) the index file at path.
func OpenKV(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create KV directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open KV index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBundles)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize KV bucket: %w", err)
	}
	return &KV{db: db}, nil
}

// Put upserts m keyed by its slug, atomically at slug granularity.
func (k *KV) Put(m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).Put([]byte(m.Slug), data)
	})
}

// Get returns the manifest for slug, reporting whether it exists.
func (k *KV) Get(slug string) (Manifest, bool, error) {
	var m Manifest
	var found bool
	err := k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get([]byte(slug))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	return m, found, err
}

// All returns every indexed manifest.
func (k *KV) All() ([]Manifest, error) {
	var out []Manifest
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Delete removes slug from the index. Missing keys are not an error.
func (k *KV) Delete(slug string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).Delete([]byte(slug))
	})
}

// Close flushes and closes the index file.
func (k *KV) Close() error {
	return k.db.Close()
}
