package tools

import (
	"errors"
	"io"
	"os/exec"
)

// Process is a started OS process.
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// Starter starts a process from an ordered argument list.
type Starter interface {
	Start(path string, args []string) (Process, error)
}

// ExecStarter starts processes on the local host.
type ExecStarter struct {
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// tools starter implementation backed by os/exec.
func (s ExecStarter) Start(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }
func (p execProcess) Kill() error { return p.cmd.Process.Kill() }

// ExitCode maps a Wait or Start error onto a shell-style exit code.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
