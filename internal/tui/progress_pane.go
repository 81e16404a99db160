package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
)

// Sync lines kept for display
const maxSyncLines = 5

// ProgressPaneModel shows aggregate progress, the active tasks and recent
// sync activity.
type ProgressPaneModel struct {
	total     int
	completed int
	running   int
	failed    int
	pending   int
	overall   float64
	active    []events.ProgressSnapshot
	syncLines []string
	conflicts int
	halted    string
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.ProgressBroadcastEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.pending = msg.Pending
		m.overall = msg.Overall
		m.active = append(m.active[:0], msg.Active...)
		sort.Slice(m.active, func(i, j int) bool { return m.active[i].TaskID < m.active[j].TaskID })

	case events.SyncConflictEvent:
		if msg.Resolved {
			m.conflicts = max(0, m.conflicts-1)
			m.addSyncLine(fmt.Sprintf("resolved %s on %s (%s)", msg.ConflictType, msg.ID, msg.Strategy))
		} else {
			m.conflicts++
			m.addSyncLine(StyleStatusFailed.Render(fmt.Sprintf("conflict %s on %s", msg.ConflictType, msg.ID)))
		}

	case events.TaskSyncedEvent:
		dir := "pushed"
		if msg.Inbound {
			dir = "pulled"
		}
		m.addSyncLine(fmt.Sprintf("%s %s %s v%d", dir, msg.Operation, msg.ID, msg.Version))

	case events.ExecutionHaltedEvent:
		m.halted = msg.Reason
	}

	return m, nil
}

func (m *ProgressPaneModel) addSyncLine(line string) {
	m.syncLines = append(m.syncLines, line)
	if n := len(m.syncLines); n > maxSyncLines {
		m.syncLines = m.syncLines[n-maxSyncLines:]
	}
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total: %d  Completed: %s  Running: %s  Failed: %s  Pending: %s\n",
		m.total,
		StyleStatusComplete.Render(fmt.Sprint(m.completed)),
		StyleStatusRunning.Render(fmt.Sprint(m.running)),
		StyleStatusFailed.Render(fmt.Sprint(m.failed)),
		StyleStatusPending.Render(fmt.Sprint(m.pending)))

	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s] %5.1f%%\n", bar, m.overall)
	}

	if m.halted != "" {
		b.WriteString(StyleStatusFailed.Render("Halted: " + m.halted))
		b.WriteString("\n")
	}

	if len(m.active) > 0 {
		b.WriteString("\n")
		for _, snap := range m.active {
			line := fmt.Sprintf("%s %5.1f%%", snap.TaskID, snap.Percentage)
			if snap.CurrentStep != "" {
				line += "  " + snap.CurrentStep
			}
			if snap.EstimatedTimeRemaining > 0 {
				line += fmt.Sprintf("  eta %v", snap.EstimatedTimeRemaining.Round(1e9))
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if len(m.syncLines) > 0 || m.conflicts > 0 {
		b.WriteString("\n")
		header := "Sync"
		if m.conflicts > 0 {
			header = fmt.Sprintf("Sync (%d open conflicts)", m.conflicts)
		}
		b.WriteString(StyleTitle.Render(header))
		b.WriteString("\n")
		for _, line := range m.syncLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
