package results

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/storage"
)

func newTestSink(t *testing.T) (*storage.Keyspace, *ensemble.Registry, *claim.Protocol, *Sink) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ks := storage.OpenKeyspace(store, "joshua-test")
	reg := ensemble.New(ks)
	id, err := claim.NewInstanceID()
	require.NoError(t, err)
	proto := claim.New(ks, id)
	return ks, reg, proto, New(ks, reg)
}

func TestInsertPassResult(t *testing.T) {
	ks, reg, proto, sink := newTestSink(t)
	eid, err := reg.Create("alice", ensemble.DefaultProperties(), bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 1, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sink.Insert(eid, 1, 0, []byte("ok"), false, 0.5))

	info := mustInfo(t, reg, eid)
	assert.Equal(t, uint64(1), info.Counts.Pass)
	assert.Equal(t, uint64(0), info.Counts.Fail)
	assert.Equal(t, uint64(1), info.Counts.Ended)
}

func TestInsertRecordsClaimantHostname(t *testing.T) {
	ks, reg, proto, sink := newTestSink(t)
	eid, err := reg.Create("erin", ensemble.DefaultProperties(), bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 5, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, sink.Insert(eid, 5, 0, []byte("ok"), false, 0.1))

	wantHost, err := os.Hostname()
	require.NoError(t, err)

	sub := ks.ResultsPass.Sub(eid)
	var gotHost string
	require.NoError(t, ks.Store.View(func(tx *storage.Txn) error {
		begin, end := sub.Range()
		for _, kv := range tx.Scan(begin, end, 0) {
			rest := kv.Key[len(sub.Bytes()):]
			tup, err := storage.Unpack(rest)
			require.NoError(t, err)
			// tuple tail is (code, hostname, seed) following the versionstamp prefix.
			require.GreaterOrEqual(t, len(tup), 3)
			gotHost = tup[len(tup)-2].(string)
		}
		return nil
	}))
	assert.Equal(t, wantHost, gotHost, "result record must carry the claimant's hostname, not an empty string")
}

func TestInsertChecksSanityIndexForSanityEnsemble(t *testing.T) {
	_, reg, proto, sink := newTestSink(t)
	props := ensemble.DefaultProperties()
	props.Sanity = true
	eid, err := reg.Create("gina", props, bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 3, true)
	require.NoError(t, err)
	require.True(t, ok)

	// A sanity ensemble lives only in the sanity index; gating Insert on the
	// active index would always treat it as already stopped and drop the
	// result.
	require.NoError(t, sink.Insert(eid, 3, 0, []byte("ok"), true, 0.2))

	info := mustInfo(t, reg, eid)
	assert.Equal(t, uint64(1), info.Counts.Pass, "result for a live sanity ensemble must be recorded")
}

func TestInsertFailFastStopsEnsemble(t *testing.T) {
	ks, reg, proto, sink := newTestSink(t)
	props := ensemble.DefaultProperties()
	props.FailFast = 1
	props.MaxRuns = 100
	eid, err := reg.Create("bob", props, bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 1, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, sink.Insert(eid, 1, 1, []byte("boom"), false, 0.1))

	active, err := reg.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active, "fail_fast=1 must stop the ensemble at the first failure")
	_ = ks
}

func TestInsertSkipsWhenEnsembleStopped(t *testing.T) {
	ks, reg, proto, sink := newTestSink(t)
	eid, err := reg.Create("carol", ensemble.DefaultProperties(), bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 1, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, reg.Stop(eid, false))
	require.NoError(t, sink.Insert(eid, 1, 0, []byte("late"), false, 0.1))

	info := mustInfo(t, reg, eid)
	assert.Equal(t, uint64(0), info.Counts.Pass, "a result for a stopped ensemble must not be counted")
	_ = ks
}

func TestInsertSpillsLargeOutput(t *testing.T) {
	_, reg, proto, sink := newTestSink(t)
	eid, err := reg.Create("dave", ensemble.DefaultProperties(), bytes.NewReader([]byte("tar")))
	require.NoError(t, err)

	ok, err := proto.TryStart(eid, 9, false)
	require.NoError(t, err)
	require.True(t, ok)

	big := bytes.Repeat([]byte("z"), BlobKeyLimit*4)
	require.NoError(t, sink.Insert(eid, 9, 0, big, false, 1))

	info := mustInfo(t, reg, eid)
	assert.Equal(t, uint64(1), info.Counts.Pass)
}

func TestPrepareOutputMarksSpill(t *testing.T) {
	small := []byte("tiny")
	body, _, spilled, err := prepareOutput(small, 1, false)
	require.NoError(t, err)
	assert.False(t, spilled)
	assert.Equal(t, small, body)

	big := bytes.Repeat([]byte("x"), BlobKeyLimit+1)
	body, blob, spilled, err := prepareOutput(big, 7, false)
	require.NoError(t, err)
	assert.True(t, spilled)
	assert.True(t, strings.Contains(string(body), `BlobKey="7"`))
	assert.Equal(t, big, blob)
}

func mustInfo(t *testing.T, reg *ensemble.Registry, eid string) ensemble.Info {
	t.Helper()
	all, err := reg.ListAll()
	require.NoError(t, err)
	for _, i := range all {
		if i.EID == eid {
			return i
		}
	}
	t.Fatalf("ensemble %s not found", eid)
	return ensemble.Info{}
}
