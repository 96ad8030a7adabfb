package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/logging"
)

func TestRunForeground(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	stdout, stderr, code, err := table.RunForeground(context.Background(), "echo out; echo warn >&2", "")
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "warn\n", stderr)
	require.NotNil(t, code)
	assert.Equal(t, 0, *code)

	// Foreground processes do not linger in the table.
	assert.Empty(t, table.List())
}

func TestRunForegroundNonZeroExit(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	_, _, code, err := table.RunForeground(context.Background(), "exit 3", "")
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)
}

func TestBackgroundSpawnOutputAndKill(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	id, err := table.Spawn("echo started; sleep 30", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stdout, _, running, _, err := table.Output(id)
		return err == nil && running && strings.Contains(stdout, "started")
	}, 3*time.Second, 20*time.Millisecond)

	list := table.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].IsRunning)
	assert.Equal(t, id, list[0].ProcessID)

	require.NoError(t, table.Kill(id))
	require.Eventually(t, func() bool {
		_, _, running, code, err := table.Output(id)
		return err == nil && !running && code != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWriteStdin(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	id, err := table.Spawn("read line; echo got:$line", "")
	require.NoError(t, err)

	require.NoError(t, table.WriteStdin(id, "ping\n"))
	require.Eventually(t, func() bool {
		stdout, _, _, _, err := table.Output(id)
		return err == nil && strings.Contains(stdout, "got:ping")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestUnknownProcessErrors(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	_, _, _, _, err := table.Output("proc-9999")
	assert.Error(t, err)
	assert.Error(t, table.Kill("proc-9999"))
	assert.Error(t, table.WriteStdin("proc-9999", "x"))
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	table := NewProcessTable(logging.Nop())
	id, err := table.Spawn("true", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, running, _, err := table.Output(id)
		return err == nil && !running
	}, 3*time.Second, 20*time.Millisecond)

	// Fresh exit: kept.
	assert.Equal(t, 0, table.Cleanup())

	// Age it artificially.
	proc, err := table.get(id)
	require.NoError(t, err)
	proc.mu.Lock()
	proc.finishedAt = time.Now().Add(-procCleanupAfter - time.Minute)
	proc.mu.Unlock()

	assert.Equal(t, 1, table.Cleanup())
	assert.Empty(t, table.List())
}
