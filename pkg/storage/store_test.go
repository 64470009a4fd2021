package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubspaceIsolation(t *testing.T) {
	dir := NewDirectory("joshua-test")
	a := dir.Open("ensembles", "all")
	b := dir.Open("ensembles", "active")

	assert.False(t, bytes.Equal(a.Bytes(), b.Bytes()))
	assert.True(t, a.Contains(a.Sub("eid1").Bytes()))
	assert.False(t, a.Contains(b.Sub("eid1").Bytes()))
}

func TestAtomicAddAndCounter(t *testing.T) {
	s := newTestStore(t)
	key := []byte("counter-key")

	err := s.Update(func(tx *Txn) error {
		require.NoError(t, tx.AtomicAdd(key, 5))
		require.NoError(t, tx.AtomicAdd(key, 3))
		return nil
	})
	require.NoError(t, err)

	err = s.View(func(tx *Txn) error {
		v, ok := tx.Counter(key)
		assert.True(t, ok)
		assert.Equal(t, uint64(8), v)
		return nil
	})
	require.NoError(t, err)
}

func TestVersionstampMonotonic(t *testing.T) {
	s := newTestStore(t)
	var first, second []byte

	err := s.Update(func(tx *Txn) error {
		var err error
		first, err = tx.Versionstamp()
		return err
	})
	require.NoError(t, err)

	err = s.Update(func(tx *Txn) error {
		var err error
		second, err = tx.Versionstamp()
		return err
	})
	require.NoError(t, err)

	assert.True(t, bytes.Compare(first, second) < 0)
}

func TestScanRespectsRange(t *testing.T) {
	s := newTestStore(t)
	dir := NewDirectory("joshua-test")
	sub := dir.Open("widgets")

	err := s.Update(func(tx *Txn) error {
		for _, name := range []string{"a", "b", "c"} {
			if err := tx.Set(sub.Pack(Tuple{name}), []byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(func(tx *Txn) error {
		begin, end := sub.Range()
		rows := tx.Scan(begin, end, 0)
		assert.Len(t, rows, 3)
		return nil
	})
	require.NoError(t, err)
}

func TestClearRange(t *testing.T) {
	s := newTestStore(t)
	dir := NewDirectory("joshua-test")
	sub := dir.Open("cleared")

	require.NoError(t, s.Update(func(tx *Txn) error {
		return tx.Set(sub.Pack(Tuple{"x"}), []byte("y"))
	}))

	begin, end := sub.Range()
	require.NoError(t, s.Update(func(tx *Txn) error {
		return tx.ClearRange(begin, end)
	}))

	require.NoError(t, s.View(func(tx *Txn) error {
		assert.Empty(t, tx.Scan(begin, end, 0))
		return nil
	}))
}

func TestWatchNotify(t *testing.T) {
	s := newTestStore(t)
	key := []byte("change-counter")

	ch := s.Watch(key)
	select {
	case <-ch:
		t.Fatal("watch fired before notify")
	default:
	}

	s.Notify(key)

	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire after notify")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	dir := NewDirectory("joshua-test")
	sub := dir.Open("data", "EID1")

	payload := bytes.Repeat([]byte("x"), BlobKeyLimit*3+17)
	require.NoError(t, WriteBlob(s, sub, bytes.NewReader(payload)))

	got, err := ReadBlob(s, sub)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, DeleteBlob(s, sub))
	got, err = ReadBlob(s, sub)
	require.NoError(t, err)
	assert.Empty(t, got)
}
