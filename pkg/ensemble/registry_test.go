package ensemble

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joshua/pkg/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ks := storage.OpenKeyspace(store, "joshua-test")
	return New(ks)
}

func TestCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	props := DefaultProperties()
	tarball := bytes.NewBufferString("fake-tarball")

	eid1, err := r.Create("alice", props, bytes.NewReader(tarball.Bytes()))
	require.NoError(t, err)
	eid2, err := r.Create("alice", props, bytes.NewReader(tarball.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, eid1, eid2)

	infos, err := r.ListActive()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].Properties.Username)
}

func TestStopRemovesFromActiveIndex(t *testing.T) {
	r := newTestRegistry(t)
	eid, err := r.Create("bob", DefaultProperties(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, r.Stop(eid, false))

	active, err := r.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Properties.StoppedSet)
	assert.Equal(t, "0", all[0].Remaining.Kind)
}

func TestResumeReinsertsIntoIndex(t *testing.T) {
	r := newTestRegistry(t)
	eid, err := r.Create("carol", DefaultProperties(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, r.Stop(eid, false))

	transitioned, err := r.Resume(eid, false)
	require.NoError(t, err)
	assert.True(t, transitioned)

	active, err := r.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)

	transitioned, err = r.Resume(eid, false)
	require.NoError(t, err)
	assert.False(t, transitioned, "resuming an already-active ensemble is a no-op")
}

func TestDeletePurgesAllSubspaces(t *testing.T) {
	r := newTestRegistry(t)
	eid, err := r.Create("dave", DefaultProperties(), bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	require.NoError(t, r.Delete(eid))

	all, err := r.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)

	blob, err := storage.ReadBlob(r.ks.Store, r.ks.Data.Sub(eid))
	require.NoError(t, err)
	assert.Empty(t, blob)
}

func TestExtraPropertiesRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	props := DefaultProperties()
	props.Extra = map[string]string{"BUILD_ID": "42", "REGION": "us-east"}

	eid, err := r.Create("frank", props, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	all, err := r.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, eid, all[0].EID)
	assert.Equal(t, "42", all[0].Properties.Extra["BUILD_ID"])
	assert.Equal(t, "us-east", all[0].Properties.Extra["REGION"])
}

func TestWatchFiresOnIndexChange(t *testing.T) {
	r := newTestRegistry(t)
	_, ch, err := r.Watch(false)
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("watch fired before any change")
	default:
	}

	_, err = r.Create("erin", DefaultProperties(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire after create")
	}
}

func TestDeriveRemaining(t *testing.T) {
	tests := []struct {
		name    string
		props   Properties
		counts  Counts
		want    string
	}{
		{"stopped wins", Properties{StoppedSet: true}, Counts{Ended: 5}, "0"},
		{"not started", Properties{}, Counts{Ended: 0}, "not_started"},
		{"no max", Properties{MaxRuns: 0}, Counts{Ended: 3}, "no_max"},
		{"stopping at max", Properties{MaxRuns: 10}, Counts{Ended: 10}, "stopping"},
		{"remaining computed", Properties{MaxRuns: 10}, Counts{Ended: 5}, "seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveRemaining(tt.props, tt.counts, 0)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}
