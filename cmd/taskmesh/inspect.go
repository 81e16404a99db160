package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/star64ccs/CardStrategy-sub006/internal/orchestrator"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored tasks and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			renderTasks(c.out, s.manager.Tasks())
			st, err := s.manager.SyncStatus()
			if errors.Is(err, orchestrator.ErrSyncDisabled) {
				fmt.Fprintf(c.out, "\ndevice %s, sync disabled\n", st.DeviceID)
				return nil
			}
			renderSyncStatus(c.out, st)
			return nil
		},
	}
}

func (c *cli) graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show dependency edges and execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			snap := s.manager.DependencyGraph()
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"Task", "Depends On", "Type"})
			for _, e := range snap.Edges {
				tw.AppendRow(table.Row{e.From, e.To, e.Type})
			}
			tw.Render()

			order, err := s.manager.Validate()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "\norder: %s\n", strings.Join(order, " -> "))
			return nil
		},
	}
}

func (c *cli) conflictsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Sync with the hub and list conflicts it raised",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.manager.Sync(cmd.Context()); err != nil {
				return err
			}
			conflicts := s.manager.Conflicts()
			if all {
				conflicts = s.manager.ConflictHistory()
			}
			renderConflicts(c.out, conflicts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include conflicts resolved during the sync")
	return cmd
}

func renderTasks(w io.Writer, tasks []*scheduler.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Priority", "Version", "Retries", "Duration", "Detail"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			t.ID, t.Name, t.Type, t.Status, t.Priority, t.Version,
			t.RetryCount, t.ActualDuration.Round(time.Millisecond), detail(t),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d tasks", len(tasks))})
	tw.Render()
}

func detail(t *scheduler.Task) string {
	var s string
	switch {
	case t.Error != "":
		s = t.Error
	case t.BlockedReason != "":
		s = t.BlockedReason
	default:
		s = t.Result
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 48 {
		s = s[:45] + "..."
	}
	return s
}

func renderSyncStatus(w io.Writer, st syncer.Status) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Sync")
	last := "never"
	if !st.LastSync.IsZero() {
		last = st.LastSync.Format(time.RFC3339)
	}
	tw.AppendRows([]table.Row{
		{"Device", st.DeviceID},
		{"Online", st.Online},
		{"Pending", st.Pending},
		{"Conflicts", st.Conflicts},
		{"Last sync", last},
		{"Breaker", st.Breaker},
	})
	if st.LastError != "" {
		tw.AppendRow(table.Row{"Last error", st.LastError})
	}
	tw.Render()
}

func renderConflicts(w io.Writer, conflicts []syncer.Conflict) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "no conflicts")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Task", "Type", "Local", "Remote", "Resolution", "Resolved"})
	for _, cf := range conflicts {
		tw.AppendRow(table.Row{
			cf.ID, cf.TaskID, cf.Type,
			fmt.Sprintf("v%d %s", cf.Local.Version, cf.Local.Operation),
			fmt.Sprintf("v%d %s", cf.Remote.Version, cf.Remote.Operation),
			cf.Strategy, cf.Resolved,
		})
	}
	tw.Render()
}
