// Package supervisor owns the lifecycle of agent CLI processes: spawning,
// relaunching with resume, kill escalation, and crash detection. The agent
// connects back to the relay over WebSocket, so the supervisor never touches
// process stdio.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// LaunchSpec describes one agent process launch.
type LaunchSpec struct {
	SessionID string
	Command   string
	Args      []string
	Cwd       string
	Env       []string
}

// Process is a handle to a launched agent process.
type Process interface {
	PID() int
	// Signal sends a signal to the process.
	Signal(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts agent processes. Tests substitute a fake.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher launches agent processes with os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so a kill doesn't take down the relay
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	slog.Info("agent process started",
		"session", spec.SessionID,
		"command", spec.Command,
		"pid", cmd.Process.Pid,
		"cwd", spec.Cwd)

	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// PIDAlive reports whether a process with the given pid exists. Used when
// restoring persisted sessions; a stored pid is never trusted without this
// check.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// KillOrphan signals an unsupervised process left over from a previous relay
// run. TERM only: the orphan has no watcher to escalate for it, and a stuck
// orphan is preferable to killing a recycled pid harder than necessary.
func KillOrphan(pid int) {
	if !PIDAlive(pid) {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	slog.Info("terminating orphaned agent process", "pid", pid)
	_ = proc.Signal(syscall.SIGTERM)
}

// termThenKill asks the process to exit with SIGTERM and escalates to
// SIGKILL after grace. done is closed by the exit watcher once Wait returns;
// the process may only be waited on once, so this never calls Wait itself.
func termThenKill(proc Process, done <-chan struct{}, grace time.Duration) {
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	_ = proc.Kill()
	<-done
}
