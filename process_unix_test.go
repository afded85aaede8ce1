//go:build linux || darwin

package aio

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startProcess(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sh: %v", err)
	}
	return cmd
}

func TestProcessExit_status(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{name: "success", script: "exit 0", want: 0},
		{name: "code", script: "exit 3", want: 3},
		{name: "delayed", script: "sleep 0.05; exit 7", want: 7},
		{name: "signal", script: "kill -9 $$", want: 128 + 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, l *Loop) {
				cmd := startProcess(t, tt.script)

				var p ProcessExit
				var status = -1
				p.Callback = func(r *ProcessExitResult) {
					require.NoError(t, r.Err())
					require.Equal(t, ProcessHandle(cmd.Process.Pid), r.Request.Process())
					status = r.ExitStatus
				}
				require.NoError(t, p.Start(l, ProcessHandle(cmd.Process.Pid)))
				runWithTimeout(t, l)
				require.Equal(t, tt.want, status)
			})
		})
	}
}

func TestProcessExit_stop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		cmd := startProcess(t, "sleep 10")
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		var p ProcessExit
		var got error
		p.Callback = func(r *ProcessExitResult) {
			got = r.Err()
			require.Zero(t, r.ExitStatus)
		}
		var stopper Timeout
		stopper.Callback = func(*TimeoutResult) { require.NoError(t, p.Stop()) }
		require.NoError(t, p.Start(l, ProcessHandle(cmd.Process.Pid)))
		require.NoError(t, stopper.Start(l, 5*time.Millisecond))

		runWithTimeout(t, l)
		require.ErrorIs(t, got, ErrCancelled)
	})
}

func TestProcessExit_invalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var p ProcessExit
		require.ErrorIs(t, p.Start(l, ProcessHandle(0)), ErrInvalidDescriptor)
	})
}
