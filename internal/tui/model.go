package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress

	paneCount
)

// Controller is the slice of the manager the dashboard drives.
type Controller interface {
	Pause()
	Resume()
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	ctrl         Controller
	paused       bool
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model subscribed to every topic on the bus.
// ctrl may be nil, in which case the pause key does nothing.
func New(eventBus *events.EventBus, ctrl Controller) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(1024),
		ctrl:         ctrl,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the subscription channel closes.
type busClosedMsg struct{}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyPause:
			if m.ctrl != nil {
				if m.paused {
					m.ctrl.Resume()
				} else {
					m.ctrl.Pause()
				}
				m.paused = !m.paused
			}

		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneProgress:
				var cmd tea.Cmd
				m.progressPane, cmd = m.progressPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.eventSub = nil

	case events.Event:
		// Both panes see every event and ignore what they do not render
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.progressPane.View())

	help := HelpView()
	if m.paused {
		help = StyleStatusBlocked.Render("PAUSED ") + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, help)
}

// computeLayout splits the screen between the panes: tasks on top, progress
// below, one line reserved for the help bar.
func (m *Model) computeLayout() {
	available := m.height - 1
	taskHeight := (available * 65) / 100
	m.taskPane.SetSize(m.width, taskHeight)
	m.progressPane.SetSize(m.width, available-taskHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
