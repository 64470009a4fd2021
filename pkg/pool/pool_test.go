package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joshua/pkg/agent"
	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/results"
	"joshua/pkg/storage"
)

type fakeRegistry struct {
	mu     sync.Mutex
	active []ensemble.Info
}

func (f *fakeRegistry) ListActive() ([]ensemble.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ensemble.Info(nil), f.active...), nil
}

func (f *fakeRegistry) ListSanity() ([]ensemble.Info, error) {
	return nil, nil
}

func (f *fakeRegistry) setActive(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]ensemble.Info, n)
	for i := range infos {
		infos[i] = ensemble.Info{EID: "e"}
	}
	f.active = infos
}

type fakeStats struct {
	load     float64
	freeDisk float64
}

func (f fakeStats) LoadAvg1() (float64, error)             { return f.load, nil }
func (f fakeStats) FreeDiskGB(path string) (float64, error) { return f.freeDisk, nil }

func newRealAgentFactory(t *testing.T) WorkerFactory {
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
	return func(id int, workDir string) *agent.Agent {
		return agent.New(agent.Config{
			WorkDir:          workDir,
			SaveOn:           agent.SaveNever,
			AgentIdleTimeout: 50 * time.Millisecond,
			TimeoutGrace:     time.Second,
		}, ks, reg, proto, sink, instance)
	}
}

func TestComputeDeltaGrowsTowardMaxAgents(t *testing.T) {
	m := New(Config{MaxAgents: 4, FreeCPUs: 0, GrowthRate: 100}, &fakeRegistry{}, nil, fakeStats{load: 0})
	m.totalCPU = 8
	delta := m.computeDelta(0)
	assert.Equal(t, 4, delta)
}

func TestComputeDeltaShrinksWhenOverloaded(t *testing.T) {
	m := New(Config{MaxAgents: 4, FreeCPUs: 0, GrowthRate: 100}, &fakeRegistry{}, nil, fakeStats{load: 20})
	m.totalCPU = 4
	delta := m.computeDelta(3)
	assert.Less(t, delta, 0)
}

func TestComputeDeltaDampsLargeSwings(t *testing.T) {
	m := New(Config{MaxAgents: 100, FreeCPUs: 0, GrowthRate: 10}, &fakeRegistry{}, nil, fakeStats{load: 0})
	m.totalCPU = 200
	delta := m.computeDelta(0)
	assert.Equal(t, 10, delta) // 100/growth_rate=10 cap, scaled by 10%
}

func TestTickScalesToZeroWithNoActiveEnsembles(t *testing.T) {
	reg := &fakeRegistry{}
	var spawned int32
	factory := func(id int, workDir string) *agent.Agent {
		atomic.AddInt32(&spawned, 1)
		return nil // never called since no active ensembles means delta stays 0/negative
	}
	m := New(Config{MaxAgents: 4, MgrSleep: time.Hour}, reg, factory, fakeStats{freeDisk: 999})
	require.NoError(t, m.tick())
	assert.Equal(t, 0, m.workerCount())
}

func TestTickHonoursStopFile(t *testing.T) {
	reg := &fakeRegistry{}
	reg.setActive(1)
	stopFile := filepath.Join(t.TempDir(), "stop")
	require.NoError(t, os.WriteFile(stopFile, nil, 0644))

	m := New(Config{MaxAgents: 4, StopFile: stopFile, MgrSleep: time.Hour}, reg, newRealAgentFactory(t), fakeStats{freeDisk: 999})
	require.NoError(t, m.tick())
	assert.True(t, m.isStopping())
}

func TestStopFileWatcherFiresOnCreate(t *testing.T) {
	dir := t.TempDir()
	stopFile := filepath.Join(dir, "stop")

	events, closeWatcher := newStopFileWatcher(stopFile)
	defer closeWatcher()
	require.NotNil(t, events)

	require.NoError(t, os.WriteFile(stopFile, nil, 0644))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("stop_file watcher did not fire within 2s of file creation")
	}
}

func TestRunSpawnsAndDrainsOnCancel(t *testing.T) {
	reg := &fakeRegistry{}
	reg.setActive(1)
	workDir := t.TempDir()

	m := New(Config{
		WorkDir:     workDir,
		MaxAgents:   2,
		GrowthRate:  100,
		MgrSleep:    10 * time.Millisecond,
		DeathWait:   10 * time.Millisecond,
		ReportFreq:  time.Hour,
	}, reg, newRealAgentFactory(t), fakeStats{freeDisk: 999, load: 0})
	m.totalCPU = 8

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool manager did not shut down after context cancellation")
	}
	assert.Equal(t, 0, m.workerCount())
}
