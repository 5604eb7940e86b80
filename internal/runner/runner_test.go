package runner

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
	exits []string
}

func (r *recorder) onLog(sessionID, stream, line string) {
	r.mu.Lock()
	r.lines = append(r.lines, sessionID+"/"+stream+": "+line)
	r.mu.Unlock()
}

func (r *recorder) onExit(sessionID string, _ error) {
	r.mu.Lock()
	r.exits = append(r.exits, sessionID)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...), append([]string(nil), r.exits...)
}

func TestStartStreamsOutputAndReportsExit(t *testing.T) {
	rec := &recorder{}
	r := NewLocalRunner("echo hello", rec.onExit, rec.onLog)

	require.NoError(t, r.Start("s1", map[string]string{"ENSEMBLE_SESSION_ID": "s1"}))
	require.Eventually(t, func() bool {
		_, exits := rec.snapshot()
		return len(exits) == 1
	}, 5*time.Second, 10*time.Millisecond)

	lines, exits := rec.snapshot()
	assert.Equal(t, []string{"s1/stdout: hello"}, lines)
	assert.Equal(t, []string{"s1"}, exits)
	assert.False(t, r.IsRunning("s1"))
}

func TestStopLongRunningWorker(t *testing.T) {
	rec := &recorder{}
	r := NewLocalRunner("sleep 30", rec.onExit, rec.onLog)

	require.NoError(t, r.Start("s1", nil))
	assert.True(t, r.IsRunning("s1"))
	assert.ErrorIs(t, r.Start("s1", nil), ErrAlreadyRunning)

	require.NoError(t, r.Stop("s1"))
	assert.False(t, r.IsRunning("s1"))
	assert.ErrorIs(t, r.Stop("s1"), ErrNotRunning)
	_, exits := rec.snapshot()
	assert.Equal(t, []string{"s1"}, exits)
}

func TestNoCommand(t *testing.T) {
	r := NewLocalRunner("  ", nil, nil)
	assert.ErrorIs(t, r.Start("s1", nil), ErrNoCommand)
}
