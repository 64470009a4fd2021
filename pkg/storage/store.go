// Package storage implements the KV namespace and blob store (component C1):
// a directory of tuple-keyed subspaces backed by a single embedded
// transactional database, plus a blob writer/reader that stripes large byte
// streams across bounded-size keys.
//
// The real system this is modelled on needs a distributed, multi-key
// serializable store; that store is explicitly an external collaborator
// here (see SPEC_FULL.md §0). go.etcd.io/bbolt is wired in as the concrete
// backend: its single-writer, fully-serializable transactions give every
// operation in this package the same commit semantics the data model's
// invariants (I1-I5) require, just without the multi-node distribution.
package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("joshua")
var metaBucket = []byte("joshua_meta")

// Store is a transactional handle onto the on-disk database. All key
// namespacing is done via Subspace/Directory; Store only knows about raw
// byte keys and values within a single flat bucket, mirroring the way a
// real tuple-keyspace store exposes one flat keyspace beneath a directory
// layer.
type Store struct {
	db *bolt.DB

	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

// Open opens (creating if necessary) the database file "<dataDir>/joshua.db".
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "joshua.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(rootBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &Store{db: db, watchers: make(map[string][]chan struct{})}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn is a single transaction's view of the keyspace.
type Txn struct {
	tx       *bolt.Tx
	bucket   *bolt.Bucket
	meta     *bolt.Bucket
	seqOrder uint16
}

// Update runs fn inside a read-write transaction. Returning an error aborts
// and rolls back the transaction. bbolt runs read-write transactions one at
// a time behind a single writer lock, so fn never sees a transient conflict
// and nothing is retried.
func (s *Store) Update(fn func(*Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, bucket: tx.Bucket(rootBucket), meta: tx.Bucket(metaBucket)})
	})
}

// View runs fn inside a read-only (snapshot) transaction.
func (s *Store) View(fn func(*Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, bucket: tx.Bucket(rootBucket), meta: tx.Bucket(metaBucket)})
	})
}

// Get reads a single key. A missing key returns nil.
func (t *Txn) Get(key []byte) []byte {
	v := t.bucket.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Set writes a single key.
func (t *Txn) Set(key, value []byte) error {
	return t.bucket.Put(key, value)
}

// Delete removes a single key. Deleting an absent key is a no-op.
func (t *Txn) Delete(key []byte) error {
	return t.bucket.Delete(key)
}

// ClearRange deletes every key in [begin, end).
func (t *Txn) ClearRange(begin, end []byte) error {
	c := t.bucket.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(begin); k != nil && lessThan(k, end); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := t.bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scan range-reads [begin, end) in key order. limit <= 0 means unbounded.
func (t *Txn) Scan(begin, end []byte, limit int) []KV {
	c := t.bucket.Cursor()
	var out []KV
	for k, v := c.Seek(begin); k != nil && lessThan(k, end); k, v = c.Next() {
		out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func lessThan(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// AtomicAdd adds delta to the little-endian uint64 counter stored at key,
// creating it at delta if absent. Because bbolt serializes all writers,
// concurrent AtomicAdd calls against the same key never race with each
// other the way the data model's "atomic add" primitive requires (§3).
func (t *Txn) AtomicAdd(key []byte, delta int64) error {
	cur := t.Get(key)
	var v uint64
	if cur != nil {
		if len(cur) != 8 {
			return fmt.Errorf("storage: counter at %x is not 8 bytes", key)
		}
		v = binary.LittleEndian.Uint64(cur)
	}
	v = uint64(int64(v) + delta)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return t.Set(key, buf[:])
}

// Counter reads a little-endian uint64 counter, returning (0, false) if
// absent.
func (t *Txn) Counter(key []byte) (uint64, bool) {
	v := t.Get(key)
	if v == nil {
		return 0, false
	}
	if len(v) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

// Versionstamp returns a 10-byte, monotonically increasing, order-preserving
// token unique within this transaction and globally increasing across
// transactions: an 8-byte database-wide sequence (bbolt's NextSequence on
// the meta bucket) followed by a 2-byte in-transaction order, reproducing
// the commit-order-assigned versionstamp key component the results table
// relies on (§3, §4.4) without a real distributed store underneath it.
func (t *Txn) Versionstamp() ([]byte, error) {
	seq, err := t.meta.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("storage: allocate versionstamp: %w", err)
	}
	var buf [10]byte
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint16(buf[8:10], t.seqOrder)
	t.seqOrder++
	return buf[:], nil
}

// Watch registers interest in key and returns a channel that is closed the
// next time Notify(key) is called, modelling a single-fire watch future.
func (s *Store) Watch(key []byte) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	k := string(key)
	s.watchers[k] = append(s.watchers[k], ch)
	return ch
}

// Notify fires (closes) every channel currently watching key. Callers invoke
// this after a transaction that bumped a change-counter commits, never from
// inside the transaction itself.
func (s *Store) Notify(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	for _, ch := range s.watchers[k] {
		close(ch)
	}
	delete(s.watchers, k)
}
