package tools

import (
	"errors"
	"os/exec"
	"runtime"
	"testing"

	"github.com/danmuck/spawnctl/internal/testutil/testlog"
)

func TestExecStarterRunsAndReportsExit(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	proc, err := ExecStarter{}.Start(sh, []string{"-c", "exit 3"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.Pid() <= 0 {
		t.Fatalf("expected pid, got %d", proc.Pid())
	}
	if code := ExitCode(proc.Wait()); code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
}

func TestExecStarterMissingBinary(t *testing.T) {
	testlog.Start(t)
	_, err := ExecStarter{}.Start("/nonexistent/spawnctl-game-server", nil)
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if ExitCode(nil) != 0 || ExitCode(errors.New("boom")) != 1 {
		t.Fatalf("unexpected exit code mapping")
	}
}
