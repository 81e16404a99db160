package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

var (
	// ErrInvalidPercentage is returned for percentages outside [0,100].
	ErrInvalidPercentage = errors.New("progress percentage must be within [0,100]")
	// ErrTrackerClosed is returned when a completed or failed tracker is updated.
	ErrTrackerClosed = errors.New("progress tracker already finished")
)

// Update is an immutable progress snapshot for one task.
type Update struct {
	TaskID                 string        `json:"taskId"`
	Percentage             float64       `json:"percentage"`
	CurrentStep            string        `json:"currentStep"`
	TotalSteps             int           `json:"totalSteps"`
	CurrentStepIndex       int           `json:"currentStepIndex"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining,omitempty"`
	Timestamp              time.Time     `json:"timestamp"`
}

// Snapshot converts the update to its event form.
func (u Update) Snapshot() events.ProgressSnapshot {
	return events.ProgressSnapshot{
		TaskID:                 u.TaskID,
		Percentage:             u.Percentage,
		CurrentStep:            u.CurrentStep,
		TotalSteps:             u.TotalSteps,
		CurrentStepIndex:       u.CurrentStepIndex,
		EstimatedTimeRemaining: u.EstimatedTimeRemaining,
		Timestamp:              u.Timestamp,
	}
}

// Counts are task totals by coarse status, supplied by the task graph.
type Counts struct {
	Total     int
	Running   int
	Completed int
	Pending   int
	Failed    int
}

// Summary is the aggregate view over all tasks.
type Summary struct {
	Counts
	Overall   float64  // Completed / Total as a percentage
	Active    []Update // Current snapshots of tasks with an open tracker
	Timestamp time.Time
}

// Config controls history retention and the broadcast cadence.
type Config struct {
	HistoryLimit      int           // Max snapshots kept per task (0 = unbounded)
	BroadcastInterval time.Duration // Aggregate broadcast period (default 1s)
	Logger            zerolog.Logger
	Now               func() time.Time
}

// Manager owns per-task progress history and fans updates out to watchers
// and the event bus.
type Manager struct {
	mu       sync.RWMutex
	history  map[string][]Update
	current  map[string]Update
	active   map[string]bool
	watchers map[string][]chan Update
	counter  func() Counts

	bus *events.EventBus
	cfg Config
	log zerolog.Logger
}

// NewManager creates a progress manager. bus may be nil.
func NewManager(bus *events.EventBus, cfg Config) *Manager {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		history:  make(map[string][]Update),
		current:  make(map[string]Update),
		active:   make(map[string]bool),
		watchers: make(map[string][]chan Update),
		bus:      bus,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "progress").Logger(),
	}
}

// SetCounter installs the source of task counts used by Summary.
func (m *Manager) SetCounter(fn func() Counts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter = fn
}

// Tracker opens a tracker for one execution attempt of taskID. onUpdate,
// if non-nil, is called with every recorded snapshot.
func (m *Manager) Tracker(taskID string, onUpdate func(Update)) *Tracker {
	m.mu.Lock()
	m.active[taskID] = true
	m.mu.Unlock()

	return &Tracker{m: m, taskID: taskID, onUpdate: onUpdate}
}

// Current returns the latest snapshot for a task.
func (m *Manager) Current(taskID string) (Update, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.current[taskID]
	return u, ok
}

// History returns a copy of a task's snapshots, oldest first.
func (m *Manager) History(taskID string) []Update {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Update(nil), m.history[taskID]...)
}

// Forget drops all progress state for a task.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.history, taskID)
	delete(m.current, taskID)
	delete(m.active, taskID)
	for _, ch := range m.watchers[taskID] {
		close(ch)
	}
	delete(m.watchers, taskID)
}

// Watch subscribes to the updates of a single task. The returned cancel
// function closes the channel. Slow watchers miss updates.
func (m *Manager) Watch(taskID string, bufSize int) (<-chan Update, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Update, bufSize)

	m.mu.Lock()
	m.watchers[taskID] = append(m.watchers[taskID], ch)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.watchers[taskID]
			for i, c := range subs {
				if c == ch {
					m.watchers[taskID] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel
}

// Summary returns the aggregate view.
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	counter := m.counter
	active := make([]Update, 0, len(m.active))
	for id := range m.active {
		if u, ok := m.current[id]; ok {
			active = append(active, u)
		}
	}
	m.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].TaskID < active[j].TaskID })

	s := Summary{Active: active, Timestamp: m.cfg.Now()}
	if counter != nil {
		s.Counts = counter()
	}
	if s.Total > 0 {
		s.Overall = float64(s.Completed) / float64(s.Total) * 100
	}
	return s
}

// Broadcast publishes the current summary on the bus.
func (m *Manager) Broadcast() {
	if m.bus == nil {
		return
	}
	s := m.Summary()
	active := make([]events.ProgressSnapshot, 0, len(s.Active))
	for _, u := range s.Active {
		active = append(active, u.Snapshot())
	}
	m.bus.Publish(events.ProgressBroadcastEvent{
		Total:     s.Total,
		Completed: s.Completed,
		Running:   s.Running,
		Failed:    s.Failed,
		Pending:   s.Pending,
		Overall:   s.Overall,
		Active:    active,
		Timestamp: s.Timestamp,
	})
}

// Run broadcasts the summary every BroadcastInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Broadcast()
		}
	}
}

// record appends a snapshot. Timestamps are clamped so a task's history
// never goes backwards.
func (m *Manager) record(u Update) (Update, error) {
	if math.IsNaN(u.Percentage) || u.Percentage < 0 || u.Percentage > 100 {
		return Update{}, fmt.Errorf("task %q: %.2f: %w", u.TaskID, u.Percentage, ErrInvalidPercentage)
	}

	m.mu.Lock()
	u.Timestamp = m.cfg.Now()
	hist := m.history[u.TaskID]
	if n := len(hist); n > 0 {
		last := hist[n-1]
		if u.Timestamp.Before(last.Timestamp) {
			u.Timestamp = last.Timestamp
		}
		if u.Percentage < last.Percentage || u.CurrentStepIndex < last.CurrentStepIndex {
			m.log.Debug().
				Str("task", u.TaskID).
				Float64("from", last.Percentage).
				Float64("to", u.Percentage).
				Msg("progress regressed")
		}
	}
	hist = append(hist, u)
	if limit := m.cfg.HistoryLimit; limit > 0 && len(hist) > limit {
		hist = append([]Update(nil), hist[len(hist)-limit:]...)
	}
	m.history[u.TaskID] = hist
	m.current[u.TaskID] = u

	for _, ch := range m.watchers[u.TaskID] {
		select {
		case ch <- u:
		default:
		}
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.ProgressUpdateEvent{Snapshot: u.Snapshot()})
	}
	return u, nil
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	delete(m.active, taskID)
	m.mu.Unlock()
}
