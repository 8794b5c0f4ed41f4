package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// process is one supervised child. The run command executes through
// `sh -c` in its own session so signals reach the whole process group.
type process struct {
	cmd     *exec.Cmd
	logFile *os.File

	// done closes once the child has been reaped.
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	signal   string
}

// launch starts command inside dir with the given environment. Stdin is
// closed; stdout and stderr stream into the ring buffers and mirror to
// the log file at logPath.
func launch(command, dir string, env []string, stdout, stderr *ringBuffer, logPath string) (*process, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open service log: %w", err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = io.MultiWriter(stdout, logFile)
	cmd.Stderr = io.MultiWriter(stderr, logFile)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &process{
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// reap waits for the child and records its exit status. A child killed
// by a signal is recorded as the negated signal number, so -15 means
// SIGTERM, -9 SIGKILL and -2 SIGINT.
func (p *process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	switch {
	case err == nil:
		p.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				sig := status.Signal()
				p.exitCode = -int(sig)
				p.signal = signalName(sig)
			} else {
				p.exitCode = exitErr.ExitCode()
			}
		} else {
			p.exitCode = -1
		}
	}
	p.mu.Unlock()

	p.logFile.Close()
	close(p.done)
}

// pid returns the OS process identifier.
func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// alive reports whether the child has not been reaped yet.
func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// exit returns the recorded exit code and signal name. Only meaningful
// once done has closed.
func (p *process) exit() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signal
}

// terminate asks the process group to exit with SIGTERM, waits up to
// grace, then escalates to SIGKILL. It returns once the child is reaped
// or shortly after the kill, so a stuck child cannot hang a shutdown
// sweep.
func (p *process) terminate(grace time.Duration) {
	p.signalGroup(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	p.signalGroup(syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}
}

// signalGroup delivers sig to the whole process group, falling back to
// the direct child when the group is already gone.
func (p *process) signalGroup(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("signal %d", int(sig))
	}
}

// PIDAlive reports whether pid names a live process. Signal 0 probes
// existence without delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillStale terminates a process group left behind by a previous run:
// SIGTERM to the group, a grace wait, then SIGKILL for whatever is
// still alive. Used when the supervising process is gone and only the
// persisted PID remains.
func KillStale(pid int, grace time.Duration) error {
	if !PIDAlive(pid) {
		return nil
	}

	target := -pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		target = -pgid
	}
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(pid, syscall.SIGTERM); err == syscall.ESRCH {
			return nil
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(300 * time.Millisecond)
	if PIDAlive(pid) {
		return fmt.Errorf("process %d survived SIGKILL", pid)
	}
	return nil
}
