// Package registry maintains a small bbolt-backed manifest of which
// virtualized files are currently open against a given local directory,
// so a second process (or a restarted one) can tell whether a
// .cache/.mrkl pair is already claimed. It is not part of the
// verification core; losing the registry never affects correctness, only
// diagnostics.
package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketOpenFiles = []byte("open-files")

// Entry records one channel's identifying paths and when it was opened.
type Entry struct {
	OriginURL string    `json:"origin_url"`
	CachePath string    `json:"cache_path"`
	StatePath string    `json:"state_path"`
	OpenedAt  time.Time `json:"opened_at"`
}

// DB wraps a bbolt database holding the open-files manifest.
type DB struct{ *bbolt.DB }

// Open opens (creating if necessary) the manifest database at path,
// ensuring its bucket exists.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketOpenFiles)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: init buckets: %w", err)
	}
	return &DB{db}, nil
}

// RecordOpen upserts an Entry keyed by originURL.
func (db *DB) RecordOpen(e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOpenFiles).Put([]byte(e.OriginURL), buf)
	})
}

// RecordClose removes originURL's entry, if present.
func (db *DB) RecordClose(originURL string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOpenFiles).Delete([]byte(originURL))
	})
}

// Lookup returns the recorded Entry for originURL, if any.
func (db *DB) Lookup(originURL string) (Entry, bool, error) {
	var e Entry
	var found bool
	err := db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketOpenFiles).Get([]byte(originURL))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	return e, found, err
}

// List returns every recorded entry, in bbolt's key order.
func (db *DB) List() ([]Entry, error) {
	var entries []Entry
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOpenFiles).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// manager is a process-wide, reference-counted handle to one manifest
// database, so multiple channels opened against the same cache directory
// share a single bbolt.DB instead of each opening (and file-locking) it
// independently.
type manager struct {
	mu   sync.Mutex
	db   *DB
	path string
	refs int
}

var (
	globalManager *manager
	managerMu     sync.Mutex
)

// SharedDB is a reference-counted view over the process-wide manifest
// database for one directory.
type SharedDB struct {
	m *manager
	*DB
}

// GetSharedDB returns a SharedDB for the manifest under dir (file name
// "registry.db"). Concurrent calls for the same dir share one underlying
// bbolt.DB, reference counted; the last Close wins.
func GetSharedDB(dir string) (*SharedDB, error) {
	managerMu.Lock()
	defer managerMu.Unlock()

	path := filepath.Join(dir, "registry.db")
	if globalManager == nil || globalManager.path != path {
		if globalManager != nil {
			globalManager.close()
		}
		db, err := Open(path)
		if err != nil {
			return nil, err
		}
		globalManager = &manager{db: db, path: path}
	}
	globalManager.refs++
	return &SharedDB{m: globalManager, DB: globalManager.db}, nil
}

// Close decrements the reference count, closing the underlying database
// once the last reference is released.
func (s *SharedDB) Close() error {
	if s.m == nil {
		return nil
	}
	managerMu.Lock()
	defer managerMu.Unlock()
	s.m.refs--
	if s.m.refs <= 0 {
		err := s.m.close()
		globalManager = nil
		return err
	}
	return nil
}

func (m *manager) close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
