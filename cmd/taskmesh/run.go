package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/star64ccs/CardStrategy-sub006/internal/orchestrator"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
	"github.com/star64ccs/CardStrategy-sub006/internal/tui"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		planPath string
		withTUI  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a plan and execute it",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := LoadPlan(planPath)
			if err != nil {
				return err
			}
			var logOut io.Writer
			if withTUI {
				// Console logs would tear the dashboard; the log file still works
				logOut = io.Discard
			}
			s, err := c.open(cmd.Context(), logOut)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := addPlan(s, plan); err != nil {
				return err
			}
			if withTUI {
				err = runWithTUI(cmd.Context(), s)
			} else {
				err = execute(cmd.Context(), s)
			}
			if err != nil {
				return err
			}
			renderTasks(c.out, s.manager.Tasks())
			return nil
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "plan file (YAML or JSON)")
	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the dashboard while running")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

// addPlan inserts the plan's tasks, leaving tasks restored from the store
// as they are.
func addPlan(s *session, plan *Plan) error {
	specs, err := plan.Specs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := s.manager.AddTask(spec); err != nil {
			if errors.Is(err, scheduler.ErrDuplicateTask) {
				s.log.Info().Str("task", spec.ID).Msg("task already stored, keeping it")
				continue
			}
			return fmt.Errorf("adding %s: %w", spec.ID, err)
		}
	}
	return nil
}

// execute runs the graph to completion, syncing in the background when a
// remote is configured and once more at the end.
func execute(ctx context.Context, s *session) error {
	syncCtx, stopSync := context.WithCancel(ctx)
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := s.manager.StartSync(syncCtx); err != nil && !errors.Is(err, orchestrator.ErrSyncDisabled) && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("sync loop stopped")
		}
	}()

	err := s.manager.Start(ctx)
	stopSync()
	<-syncDone

	if ctx.Err() != nil {
		s.log.Warn().Msg("interrupted, stopping tasks")
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	finalSync(ctx, s)
	return nil
}

func finalSync(ctx context.Context, s *session) {
	if !s.cfg.Sync.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := s.manager.Sync(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("final sync failed")
		return
	}
	s.log.Info().Int("pushed", res.Success).Int("failed", res.Failed).Msg("final sync")
}

// runWithTUI executes the graph behind the dashboard. Quitting the
// dashboard stops execution; finished execution leaves the dashboard up
// until the user quits.
func runWithTUI(ctx context.Context, s *session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(s.manager.Events(), s.manager), tea.WithAltScreen(), tea.WithContext(ctx))

	execErr := make(chan error, 1)
	go func() {
		execErr <- execute(ctx, s)
	}()

	_, tuiErr := p.Run()
	cancel()
	err := <-execErr
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return tuiErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
