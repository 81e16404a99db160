package progress

import (
	"sync"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

// Step describes where a task currently is.
type Step struct {
	Name                   string
	Index                  int // Zero-based index of the current step
	Total                  int
	Percentage             float64
	EstimatedTimeRemaining time.Duration
}

// StepOf builds a Step whose percentage is derived from index/total.
func StepOf(name string, index, total int) Step {
	s := Step{Name: name, Index: index, Total: total}
	if total > 0 {
		s.Percentage = float64(index) / float64(total) * 100
		if s.Percentage > 100 {
			s.Percentage = 100
		}
	}
	return s
}

// Tracker reports progress for a single execution attempt.
type Tracker struct {
	m        *Manager
	taskID   string
	onUpdate func(Update)

	mu   sync.Mutex
	last Update
	done bool
}

// TaskID returns the task this tracker reports for.
func (t *Tracker) TaskID() string { return t.taskID }

// UpdateProgress records a new snapshot.
func (t *Tracker) UpdateProgress(step Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTrackerClosed
	}

	u, err := t.m.record(Update{
		TaskID:                 t.taskID,
		Percentage:             step.Percentage,
		CurrentStep:            step.Name,
		TotalSteps:             step.Total,
		CurrentStepIndex:       step.Index,
		EstimatedTimeRemaining: step.EstimatedTimeRemaining,
	})
	if err != nil {
		return err
	}
	t.last = u
	if t.onUpdate != nil {
		t.onUpdate(u)
	}
	return nil
}

// Complete records a final 100% snapshot and closes the tracker.
func (t *Tracker) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTrackerClosed
	}
	t.done = true
	defer t.m.release(t.taskID)

	total := t.last.TotalSteps
	u, err := t.m.record(Update{
		TaskID:           t.taskID,
		Percentage:       100,
		CurrentStep:      "completed",
		TotalSteps:       total,
		CurrentStepIndex: max(total, t.last.CurrentStepIndex),
	})
	if err != nil {
		return err
	}
	t.last = u
	if t.onUpdate != nil {
		t.onUpdate(u)
	}
	if t.m.bus != nil {
		t.m.bus.Publish(events.ProgressCompleteEvent{ID: t.taskID, Timestamp: u.Timestamp})
	}
	return nil
}

// Fail closes the tracker without a final snapshot.
func (t *Tracker) Fail(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTrackerClosed
	}
	t.done = true
	t.m.release(t.taskID)

	if t.m.bus != nil {
		t.m.bus.Publish(events.ProgressFailedEvent{ID: t.taskID, Reason: reason, Timestamp: t.m.cfg.Now()})
	}
	return nil
}

// Done reports whether Complete or Fail has been called.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Release closes the tracker without emitting anything. Used for attempts
// that will be retried.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.done = true
	t.m.release(t.taskID)
}
