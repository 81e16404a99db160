package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

// sleepSteps is how many progress reports a sleep task makes.
const sleepSteps = 10

// Sleep waits for payload["duration"] ("1.5s"), reporting progress as it
// goes. Useful for demos and for exercising timeouts.
type Sleep struct{}

func (Sleep) Validate(task *scheduler.Task) error {
	_, err := sleepDuration(task)
	return err
}

func (Sleep) Execute(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
	d, err := sleepDuration(task)
	if err != nil {
		return "", err
	}

	tick := d / sleepSteps
	timer := time.NewTimer(tick)
	defer timer.Stop()
	for i := 1; i <= sleepSteps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		step := progress.StepOf("sleeping", i, sleepSteps)
		step.EstimatedTimeRemaining = tick * time.Duration(sleepSteps-i)
		_ = p.UpdateProgress(step)
		timer.Reset(tick)
	}
	return fmt.Sprintf("slept %s", d), nil
}

func sleepDuration(task *scheduler.Task) (time.Duration, error) {
	switch v := task.Payload["duration"].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("sleep duration: %w", err)
		}
		if d < 0 {
			return 0, fmt.Errorf("sleep duration %s is negative", d)
		}
		return d, nil
	case nil:
		return 0, fmt.Errorf("sleep task needs a \"duration\" payload")
	default:
		return 0, fmt.Errorf("sleep duration must be a string like \"2s\", got %T", v)
	}
}

// Noop completes immediately. Handy as a join point in a graph.
var Noop = scheduler.ExecutorFunc(func(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
	return "", nil
})

// Register adds the built-in executors to reg.
func Register(reg *scheduler.Registry, bus *events.EventBus, pm *ProcessManager) {
	reg.Register(TypeShell, &Shell{Bus: bus, Processes: pm})
	reg.Register(TypeSleep, Sleep{})
	reg.Register(TypeNoop, Noop)
}
