package claim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joshua/pkg/storage"
)

func newTestKeyspace(t *testing.T) *storage.Keyspace {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return storage.OpenKeyspace(store, "joshua-test")
}

func activateEnsemble(t *testing.T, ks *storage.Keyspace, eid string) {
	t.Helper()
	require.NoError(t, ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Set(ks.Active.Sub(eid).Bytes(), []byte{})
	}))
}

func TestTryStartClaimsOnce(t *testing.T) {
	ks := newTestKeyspace(t)
	activateEnsemble(t, ks, "EID1")

	idA, err := NewInstanceID()
	require.NoError(t, err)
	idB, err := NewInstanceID()
	require.NoError(t, err)

	protoA := New(ks, idA)
	protoB := New(ks, idB)

	ok, err := protoA.TryStart("EID1", 42, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = protoB.TryStart("EID1", 42, false)
	require.NoError(t, err)
	assert.False(t, ok, "a second instance must not win the same seed")

	ok, err = protoA.TryStart("EID1", 42, false)
	require.NoError(t, err)
	assert.True(t, ok, "re-entrant claim by the owning instance succeeds")
}

func TestTryStartFailsWhenStopped(t *testing.T) {
	ks := newTestKeyspace(t)
	id, err := NewInstanceID()
	require.NoError(t, err)
	proto := New(ks, id)

	ok, err := proto.TryStart("EID-NEVER-ACTIVE", 1, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatAndCheck(t *testing.T) {
	ks := newTestKeyspace(t)
	activateEnsemble(t, ks, "EID1")
	id, err := NewInstanceID()
	require.NoError(t, err)
	proto := New(ks, id)

	_, err = proto.TryStart("EID1", 7, false)
	require.NoError(t, err)

	ok, err := proto.HeartbeatAndCheck("EID1", 7, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stopping the ensemble invalidates the claim.
	require.NoError(t, ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Delete(ks.Active.Sub("EID1").Bytes())
	}))
	ok, err = proto.HeartbeatAndCheck("EID1", 7, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryStartAndHeartbeatUseSanityIndex(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Set(ks.Sanity.Sub("EID1").Bytes(), []byte{})
	}))
	id, err := NewInstanceID()
	require.NoError(t, err)
	proto := New(ks, id)

	// A sanity ensemble lives only in the sanity index, never active: a
	// claim checked against the active index would always report stopped.
	ok, err := proto.TryStart("EID1", 1, false)
	require.NoError(t, err)
	assert.False(t, ok, "must not claim a sanity-only ensemble against the active index")

	ok, err = proto.TryStart("EID1", 1, true)
	require.NoError(t, err)
	assert.True(t, ok, "must claim a sanity-only ensemble against the sanity index")

	ok, err = proto.HeartbeatAndCheck("EID1", 1, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShouldRunReclaimsStaleHeartbeat(t *testing.T) {
	ks := newTestKeyspace(t)
	activateEnsemble(t, ks, "EID1")
	require.NoError(t, ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Set(ks.All.Sub("EID1", "properties", "max_runs").Bytes(), storage.Tuple{int64(1)}.Pack())
	}))

	id, err := NewInstanceID()
	require.NoError(t, err)
	proto := New(ks, id)
	_, err = proto.TryStart("EID1", 99, false)
	require.NoError(t, err)

	// Force the heartbeat into the past, beyond the stale threshold.
	stale := time.Now().UTC().Add(-StaleHeartbeatThreshold * 2)
	require.NoError(t, ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Set(ks.Incomplete.Sub("EID1", "heartbeat", int64(99)).Bytes(), storage.Tuple{stale.Unix()}.Pack())
	}))

	run, err := proto.ShouldRun("EID1", false)
	require.NoError(t, err)
	assert.True(t, run, "a stale claim should be reclaimed and allow a fresh try_start")

	ok, err := proto.TryStart("EID1", 100, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShowInProgress(t *testing.T) {
	ks := newTestKeyspace(t)
	activateEnsemble(t, ks, "EID1")
	id, err := NewInstanceID()
	require.NoError(t, err)
	proto := New(ks, id)

	_, err = proto.TryStart("EID1", 5, false)
	require.NoError(t, err)

	inProgress, err := proto.ShowInProgress("EID1")
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, int64(5), inProgress[0].Seed)
}
