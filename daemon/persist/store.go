// Package persist is the durable persistence tier named in spec.md §4.5 and
// §5: a background process that migrates a Buffer Store queue to disk under
// the queue's persist lock, then clears the lock and raises
// notify_persisted. It is grounded on the teacher's daemon/service/dtn_queue.go
// (BoltDB key layout, cursor-based batch draining) and daemon/manager/cas_bolt.go
// (bucket-per-store, timestamped entries, GC sweep).
package persist

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Deniable-IM/denim/internal/denimstore"
)

var bucketPersisted = []byte("denim_persisted")

// Store is the BoltDB-backed durable tier a Persister migrates queues into.
// Entries are keyed by targetID (the queue's logical identity, e.g.
// "payload_receiver::alice::0") plus their Buffer Store entry id, so a
// single file holds every device's persisted queues.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the BoltDB file at path, matching OpenBoltCAS's
// 1-second open timeout.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketPersisted)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func entryKey(targetID string, id uint64) []byte {
	key := make([]byte, len(targetID)+1+8)
	copy(key, targetID)
	key[len(targetID)] = 0
	binary.BigEndian.PutUint64(key[len(targetID)+1:], id)
	return key
}

func entryValue(payload []byte) []byte {
	value := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(value, uint64(time.Now().Unix()))
	copy(value[8:], payload)
	return value
}

// Put stores one Buffer Store entry under targetID, overwriting any prior
// copy at the same id.
func (s *Store) Put(targetID string, id uint64, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPersisted)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		return b.Put(entryKey(targetID, id), entryValue(payload))
	})
}

// List returns every entry persisted under targetID, oldest id first.
func (s *Store) List(targetID string) ([]denimstore.Entry, error) {
	prefix := append([]byte(targetID), 0)
	var entries []denimstore.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPersisted)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			id := binary.BigEndian.Uint64(k[len(prefix):])
			payload := make([]byte, len(v)-8)
			copy(payload, v[8:])
			entries = append(entries, denimstore.Entry{ID: id, Payload: payload})
		}
		return nil
	})
	return entries, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GC removes entries at least maxAge old (timestamps are whole seconds)
// across every target, mirroring BoltCAS.GC's cutoff-and-cursor-delete
// sweep.
func (s *Store) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPersisted)
		if b == nil {
			return bolt.ErrBucketNotFound
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v))
			if ts <= cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
