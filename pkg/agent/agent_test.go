package agent

import (
	"archive/tar"
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/results"
	"joshua/pkg/storage"
)

func newDeterministicRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func tarGzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0755, Size: int64(len(body))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestMaterializeExtractsAndReuses(t *testing.T) {
	workDir := t.TempDir()
	good := tarGzOf(t, map[string]string{"joshua_test": "#!/bin/sh\nexit 0\n"})

	dir, err := Materialize(workDir, "2026-ensemble", good)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "joshua_test"))
	assert.DirExists(t, filepath.Join(dir, "tmp"))

	_, err = os.Lstat(filepath.Join(dir, "global_data"))
	assert.NoError(t, err)

	dir2, err := Materialize(workDir, "2026-ensemble", good)
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
}

func TestMaterializeRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "../evil", Mode: 0644, Size: 4}
	require.NoError(t, tw.WriteHeader(hdr))
	_, _ = tw.Write([]byte("boom"))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	_, err := Materialize(t.TempDir(), "bad-eid", buf.Bytes())
	require.Error(t, err)
}

func TestSanitizeEIDReplacesSlashes(t *testing.T) {
	assert.Equal(t, "2026-01-01-alice-abcd", sanitizeEID("2026-01-01-alice-abcd"))
	assert.NotContains(t, sanitizeEID("a/b/c"), "/")
}

func TestShouldSave(t *testing.T) {
	assert.True(t, ShouldSave(0, SaveAlways))
	assert.True(t, ShouldSave(1, SaveAlways))
	assert.False(t, ShouldSave(0, SaveOnFailure))
	assert.True(t, ShouldSave(1, SaveOnFailure))
	assert.False(t, ShouldSave(0, SaveNever))
	assert.False(t, ShouldSave(1, SaveNever))
}

func TestPickWeightedFavoursHigherPriority(t *testing.T) {
	a := &Agent{}
	a.rng = newDeterministicRand()

	low := ensemble.Info{EID: "low", Properties: ensemble.Properties{Priority: 1}}
	high := ensemble.Info{EID: "high", Properties: ensemble.Properties{Priority: 1000}}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		picked := a.pickWeighted([]ensemble.Info{low, high})
		counts[picked.EID]++
	}
	assert.Greater(t, counts["high"], counts["low"])
}

func newTestAgent(t *testing.T) (*Agent, *ensemble.Registry, *claim.Protocol) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ks := storage.OpenKeyspace(store, "joshua-test")
	reg := ensemble.New(ks)
	instance, err := claim.NewInstanceID()
	require.NoError(t, err)
	proto := claim.New(ks, instance)
	sink := results.New(ks, reg)

	cfg := Config{
		WorkDir:      t.TempDir(),
		SaveOn:       SaveNever,
		TimeoutGrace: 5 * time.Second,
	}
	a := New(cfg, ks, reg, proto, sink, instance)
	return a, reg, proto
}

func TestExecuteOneRunsPassingEnsemble(t *testing.T) {
	a, reg, _ := newTestAgent(t)
	tarball := tarGzOf(t, map[string]string{"joshua_test": "#!/bin/sh\nexit 0\n"})
	eid, err := reg.Create("alice", ensemble.DefaultProperties(), bytes.NewReader(tarball))
	require.NoError(t, err)

	err = a.executeOne(context.Background(), mustInfo(t, reg, eid), false)
	require.NoError(t, err)

	info := mustInfo(t, reg, eid)
	assert.Equal(t, uint64(1), info.Counts.Ended)
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
