package service

import (
	"io"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// not parallel, it counts the open descriptors of the test process
func TestOpenPipesClosesOnError(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("skipped, sh not found")
	}
	count := func() int {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			t.Skipf("skipped, /proc/self/fd not available: %v", err)
		}
		return len(entries)
	}
	run := func(cmd *exec.Cmd) {
		require.NoError(t, cmd.Start())
		require.NoError(t, cmd.Wait())
	}

	// first run initializes the runtime poller
	cmd := exec.Command(sh, "-c", "exit 0")
	stdout, stderr, err := openPipes(cmd)
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	_, _ = io.ReadAll(stdout)
	_, _ = io.ReadAll(stderr)
	require.NoError(t, cmd.Wait())

	before := count()
	cmd = exec.Command(sh, "-c", "exit 0")
	cmd.Stderr = io.Discard
	stdout, stderr, err = openPipes(cmd)
	require.Error(t, err)
	require.Nil(t, stdout)
	require.Nil(t, stderr)
	// releases the child ends held by cmd
	run(cmd)
	require.Equal(t, before, count())
}
