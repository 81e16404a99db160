package executors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
// after the process group was killed.
const waitDelay = 2 * time.Second

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, not just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// runCommand starts cmd and hands every output line to onLine, stdout and
// stderr read concurrently so neither pipe can fill up and stall the child.
// It returns the collected stdout.
func runCommand(cmd *exec.Cmd, pm *ProcessManager, onLine func(line string, stderr bool)) (string, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var (
		wg     sync.WaitGroup
		stdout strings.Builder
		stderr tailBuffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, func(line string) {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			onLine(line, false)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, func(line string) {
			stderr.add(line)
			onLine(line, true)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if msg := stderr.String(); msg != "" {
			return stdout.String(), fmt.Errorf("command failed: %w (stderr: %s)", err, msg)
		}
		return stdout.String(), fmt.Errorf("command failed: %w", err)
	}
	return stdout.String(), nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	// Drain whatever the scanner gave up on so the child never blocks
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last few stderr lines for error messages.
type tailBuffer struct {
	lines []string
}

const stderrTail = 20

func (b *tailBuffer) add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > stderrTail {
		b.lines = b.lines[len(b.lines)-stderrTail:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}

// killProcessGroup kills every process in the command's group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running commands so they can all be killed on
// shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a command once it has exited.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll kills the process group of every tracked command.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked commands.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
