// Package executors holds the built-in task executors.
package executors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

// Built-in task types.
const (
	TypeShell = "shell"
	TypeSleep = "sleep"
	TypeNoop  = "noop"
)

// ProgressPrefix marks an output line as a progress report:
// "::progress 40 compiling" sets 40% with step "compiling".
const ProgressPrefix = "::progress "

// maxResult caps the stdout kept as the task result.
const maxResult = 64 * 1024

var ErrNoCommand = errors.New("shell task needs a \"command\" payload")

// Shell runs payload["command"] with sh -c. Optional payload keys: "dir"
// (working directory) and "env" (map of extra variables).
type Shell struct {
	Bus       *events.EventBus // Output lines are published as TaskOutputEvents; may be nil
	Processes *ProcessManager  // Optional
	Shell     string           // Default "sh"
}

// Validate checks the payload before the task is dispatched.
func (s *Shell) Validate(task *scheduler.Task) error {
	cmd, _ := task.Payload["command"].(string)
	if strings.TrimSpace(cmd) == "" {
		return ErrNoCommand
	}
	if env, ok := task.Payload["env"]; ok {
		if _, ok := env.(map[string]any); !ok {
			return fmt.Errorf("shell task env must be an object, got %T", env)
		}
	}
	return nil
}

// Execute runs the command and returns its stdout.
func (s *Shell) Execute(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
	if err := s.Validate(task); err != nil {
		return "", err
	}
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := newCommand(ctx, shell, "-c", task.Payload["command"].(string))
	if dir, ok := task.Payload["dir"].(string); ok {
		cmd.Dir = dir
	}
	if env, ok := task.Payload["env"].(map[string]any); ok {
		cmd.Env = append(os.Environ(), envList(env)...)
	}

	out, err := runCommand(cmd, s.Processes, func(line string, stderr bool) {
		if !stderr && strings.HasPrefix(line, ProgressPrefix) {
			if step, ok := parseProgress(line); ok {
				_ = p.UpdateProgress(step)
			}
			return
		}
		if s.Bus != nil {
			s.Bus.Publish(events.TaskOutputEvent{ID: task.ID, Line: line, Timestamp: time.Now()})
		}
	})
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}

	out = stripProgress(out)
	if len(out) > maxResult {
		out = out[len(out)-maxResult:]
	}
	return strings.TrimSpace(out), nil
}

func envList(env map[string]any) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%v", k, env[k]))
	}
	return list
}

func parseProgress(line string) (progress.Step, bool) {
	fields := strings.SplitN(strings.TrimPrefix(line, ProgressPrefix), " ", 2)
	pct, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return progress.Step{}, false
	}
	step := progress.Step{Percentage: pct}
	if len(fields) == 2 {
		step.Name = strings.TrimSpace(fields[1])
	}
	return step, true
}

func stripProgress(out string) string {
	if !strings.Contains(out, ProgressPrefix) {
		return out
	}
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(l, ProgressPrefix) {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
