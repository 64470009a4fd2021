package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesExitCodeAndOutput(t *testing.T) {
	l := New(t.TempDir(), nil)
	res, err := l.Run(context.Background(), "sh", []string{"-c", "echo hello; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hello")
	assert.False(t, res.Killed)
}

func TestRunKillsOnContextCancel(t *testing.T) {
	l := New(t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := l.Run(ctx, "sleep", []string{"10"})
	require.NoError(t, err)
	assert.True(t, res.Killed)
}

func TestDescendantMarkerIsExported(t *testing.T) {
	l := New(t.TempDir(), nil)
	found := false
	for _, e := range l.Env {
		if len(e) >= len(DescendantMarkerEnv) && e[:len(DescendantMarkerEnv)] == DescendantMarkerEnv {
			found = true
		}
	}
	assert.True(t, found)
}
