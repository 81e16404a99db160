package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

const (
	listWidth = 28

	// Output lines kept per task
	maxOutputLines = 500
)

// TaskState is the pane's view of a single task.
type TaskState struct {
	TaskID    string
	Name      string
	Type      string
	Status    string
	Attempt   int
	Percent   float64
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the task list on the left and the selected task's
// output on the right.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes while output streams in.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskAddedEvent:
		task := m.track(msg.ID)
		task.Name = msg.Name
		task.Type = msg.Type
		task.Status = "PENDING"

	case events.TaskUpdatedEvent:
		if task, ok := m.tasks[msg.ID]; ok && msg.Status != "" {
			task.Status = msg.Status
		}

	case events.TaskRemovedEvent:
		m.forget(msg.ID)

	case events.TaskStartedEvent:
		task := m.track(msg.ID)
		if msg.Name != "" {
			task.Name = msg.Name
		}
		task.Type = msg.Type
		task.Status = "RUNNING"
		task.Attempt = msg.Attempt
		task.StartTime = msg.Timestamp
		if msg.Attempt > 1 {
			task.Output = append(task.Output, fmt.Sprintf("[attempt %d]", msg.Attempt))
		}
		m.refreshIfSelected(msg.ID)

	case events.TaskOutputEvent:
		task, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		task.Output = append(task.Output, msg.Line)
		if n := len(task.Output); n > maxOutputLines {
			task.Output = task.Output[n-maxOutputLines:]
		}
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = "COMPLETED"
			task.Percent = 100
			task.Duration = msg.Duration
			task.Output = append(task.Output, fmt.Sprintf("[completed in %v]", msg.Duration.Round(time.Millisecond)))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskFailedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Duration = msg.Duration
			if msg.WillRetry {
				task.Status = "PENDING"
				task.Output = append(task.Output, fmt.Sprintf("[attempt %d failed, retrying: %v]", msg.Attempt, msg.Err))
			} else {
				task.Status = "FAILED"
				task.Output = append(task.Output, fmt.Sprintf("[failed: %v]", msg.Err))
			}
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskCancelledEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = "CANCELLED"
			line := "[cancelled]"
			if msg.CascadeOf != "" {
				line = fmt.Sprintf("[cancelled with %s]", msg.CascadeOf)
			}
			task.Output = append(task.Output, line)
			m.refreshIfSelected(msg.ID)
		}

	case events.ProgressUpdateEvent:
		if task, ok := m.tasks[msg.Snapshot.TaskID]; ok {
			task.Percent = msg.Snapshot.Percentage
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// track returns the state for id, creating it on first sight.
func (m *TaskPaneModel) track(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id, Name: id}
	m.tasks[id] = task
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return task
}

func (m *TaskPaneModel) forget(id string) {
	if _, ok := m.tasks[id]; !ok {
		return
	}
	delete(m.tasks, id)
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	if m.selectedIdx >= len(m.taskOrder) {
		m.selectedIdx = max(0, len(m.taskOrder)-1)
	}
	m.updateViewportContent()
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		task := m.tasks[id]
		name := task.Name
		if len(name) > width-12 {
			name = name[:width-15] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if task.Status == "RUNNING" && task.Percent > 0 {
			line += fmt.Sprintf(" %3.0f%%", task.Percent)
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status string) string {
	switch status {
	case "RUNNING":
		return StyleStatusRunning.Render("●")
	case "COMPLETED":
		return StyleStatusComplete.Render("✓")
	case "FAILED":
		return StyleStatusFailed.Render("✗")
	case "CANCELLED":
		return StyleStatusFailed.Render("-")
	case "BLOCKED":
		return StyleStatusBlocked.Render("■")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the pane's state for id.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
