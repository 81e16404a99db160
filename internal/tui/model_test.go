package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

type fakeController struct {
	pauses, resumes int
}

func (f *fakeController) Pause()  { f.pauses++ }
func (f *fakeController) Resume() { f.resumes++ }

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func newTestModel(t *testing.T, ctrl Controller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	return feed(t, New(bus, ctrl), tea.WindowSizeMsg{Width: 120, Height: 40})
}

func TestTaskLifecycle(t *testing.T) {
	m := newTestModel(t, nil)
	now := time.Now()

	m = feed(t, m,
		events.TaskAddedEvent{ID: "a", Name: "build", Type: "shell", Timestamp: now},
		events.TaskStartedEvent{ID: "a", Name: "build", Type: "shell", Attempt: 1, Timestamp: now},
		events.TaskOutputEvent{ID: "a", Line: "compiling", Timestamp: now},
		events.ProgressUpdateEvent{Snapshot: events.ProgressSnapshot{TaskID: "a", Percentage: 40}},
	)

	task, ok := m.taskPane.Task("a")
	if !ok {
		t.Fatal("task a not tracked")
	}
	if task.Status != "RUNNING" || task.Percent != 40 {
		t.Errorf("task = %+v, want RUNNING at 40%%", task)
	}
	if len(task.Output) != 1 || task.Output[0] != "compiling" {
		t.Errorf("output = %v", task.Output)
	}

	m = feed(t, m, events.TaskCompletedEvent{ID: "a", Duration: time.Second, Timestamp: now})
	task, _ = m.taskPane.Task("a")
	if task.Status != "COMPLETED" || task.Percent != 100 {
		t.Errorf("task = %+v, want COMPLETED at 100%%", task)
	}

	if view := m.View(); !strings.Contains(view, "build") {
		t.Errorf("view does not list the task:\n%s", view)
	}
}

func TestFailureWithRetry(t *testing.T) {
	m := newTestModel(t, nil)
	boom := errors.New("boom")

	m = feed(t, m,
		events.TaskStartedEvent{ID: "a", Attempt: 1},
		events.TaskFailedEvent{ID: "a", Err: boom, Attempt: 1, WillRetry: true},
	)
	if task, _ := m.taskPane.Task("a"); task.Status != "PENDING" {
		t.Errorf("after retryable failure status = %s, want PENDING", task.Status)
	}

	m = feed(t, m,
		events.TaskStartedEvent{ID: "a", Attempt: 2},
		events.TaskFailedEvent{ID: "a", Err: boom, Attempt: 2},
	)
	task, _ := m.taskPane.Task("a")
	if task.Status != "FAILED" {
		t.Errorf("status = %s, want FAILED", task.Status)
	}
	if got := strings.Join(task.Output, "\n"); !strings.Contains(got, "[attempt 2]") || !strings.Contains(got, "[failed: boom]") {
		t.Errorf("output = %q", got)
	}
}

func TestRemovedTaskLeavesList(t *testing.T) {
	m := newTestModel(t, nil)
	m = feed(t, m,
		events.TaskAddedEvent{ID: "a"},
		events.TaskAddedEvent{ID: "b"},
		events.TaskRemovedEvent{ID: "a"},
	)
	if _, ok := m.taskPane.Task("a"); ok {
		t.Error("removed task still tracked")
	}
	if _, ok := m.taskPane.Task("b"); !ok {
		t.Error("task b lost")
	}
}

func TestProgressAndSync(t *testing.T) {
	m := newTestModel(t, nil)
	m = feed(t, m,
		events.ProgressBroadcastEvent{Total: 4, Completed: 2, Running: 1, Pending: 1, Overall: 50},
		events.SyncConflictEvent{ConflictID: "c1", ID: "a", ConflictType: "VERSION_MISMATCH"},
		events.TaskSyncedEvent{ID: "b", Operation: "update", Version: 3, Inbound: true},
	)

	if m.progressPane.total != 4 || m.progressPane.overall != 50 {
		t.Errorf("pane totals = %d/%v", m.progressPane.total, m.progressPane.overall)
	}
	if m.progressPane.conflicts != 1 {
		t.Errorf("open conflicts = %d, want 1", m.progressPane.conflicts)
	}
	view := m.View()
	for _, want := range []string{"50.0%", "1 open conflicts", "pulled update b v3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m = feed(t, m, events.SyncConflictEvent{ConflictID: "c1", ID: "a", ConflictType: "VERSION_MISMATCH", Strategy: "SERVER_WINS", Resolved: true})
	if m.progressPane.conflicts != 0 {
		t.Errorf("open conflicts = %d, want 0", m.progressPane.conflicts)
	}
}

func TestPauseKeyTogglesController(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(t, ctrl)
	p := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")}

	m = feed(t, m, p)
	if ctrl.pauses != 1 || !m.paused {
		t.Fatalf("pauses = %d paused = %v", ctrl.pauses, m.paused)
	}
	if !strings.Contains(m.View(), "PAUSED") {
		t.Error("view does not show paused state")
	}
	m = feed(t, m, p)
	if ctrl.resumes != 1 || m.paused {
		t.Errorf("resumes = %d paused = %v", ctrl.resumes, m.paused)
	}
}

func TestFocusCycles(t *testing.T) {
	m := newTestModel(t, nil)
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("focus = %d, want progress", m.focusedPane)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("focus = %d, want tasks", m.focusedPane)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("focus = %d, want progress", m.focusedPane)
	}
}

func TestQuit(t *testing.T) {
	m := newTestModel(t, nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("quit returned no command")
	}
	if !next.(Model).quitting {
		t.Error("model not quitting")
	}
}
