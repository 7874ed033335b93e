package stream

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/linuxplay/pkg/logging"
)

// Spec describes one subprocess to run for the lifetime of a session
type Spec struct {
	Name     string
	Argv     []string
	Nice     int   // applied after start when non-zero
	Affinity []int // CPU ids; empty leaves the scheduler alone
}

// Process is a started subprocess. Wait blocks until it exits and is called
// exactly once.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts processes from specs
type Launcher interface {
	Start(spec Spec) (Process, error)
}

// ExecLauncher runs specs with os/exec. Child stderr is forwarded to the
// debug log, and discarded when debug output is off.
type ExecLauncher struct{}

func (ExecLauncher) Start(spec Spec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("start %s: empty command", spec.Name)
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdout = nil
	if logging.DebugEnabled() {
		cmd.Stderr = &lineLogger{name: spec.Name}
	}
	// grandchildren holding stderr open must not block Wait
	cmd.WaitDelay = time.Second
	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	if spec.Nice != 0 {
		if err := setNice(pid, spec.Nice); err != nil {
			logging.Debugf("[stream] nice %d for %s (pid=%d) not applied: %v", spec.Nice, spec.Name, pid, err)
		}
	}
	if len(spec.Affinity) > 0 {
		if err := setAffinity(pid, spec.Affinity); err != nil {
			logging.Debugf("[stream] affinity %v for %s (pid=%d) not applied: %v", spec.Affinity, spec.Name, pid, err)
		}
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

// ExitCode extracts the exit status from a Wait error: 0 for nil, -1 when the
// process did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type lineLogger struct {
	name string
}

func (l *lineLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			logging.Debugf("[stream] %s: %s", l.name, line)
		}
	}
	return len(p), nil
}
