package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/star64ccs/CardStrategy-sub006/internal/hub"
	"github.com/star64ccs/CardStrategy-sub006/internal/logging"
	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func (c *cli) syncCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			var decide syncer.DecideFunc
			if interactive {
				decide = promptDecision
			}
			s, err := c.openWith(cmd.Context(), nil, decide)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.manager.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if res.Offline {
				fmt.Fprintln(c.out, "offline, nothing synced")
				return nil
			}
			fmt.Fprintf(c.out, "pushed %d, rejected %d\n", res.Success, res.Failed)
			if interactive {
				waitForDecisions(cmd.Context(), s)
			}
			if st, err := s.manager.SyncStatus(); err == nil {
				renderSyncStatus(c.out, st)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for conflicts under the manual strategy")
	return cmd
}

// waitForDecisions gives the prompt time to settle parked conflicts and
// pushes whatever the answers produced.
func waitForDecisions(ctx context.Context, s *session) {
	for len(s.manager.Conflicts()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if _, err := s.manager.SyncNow(ctx); err != nil {
		s.log.Warn().Err(err).Msg("pushing decisions")
	}
}

func (c *cli) hubCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve an in-memory sync hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log, c.errOut)
			if err != nil {
				return err
			}
			defer log.Close()

			return serveHub(cmd.Context(), listen, log.Component("hub"), func(addr string) {
				fmt.Fprintf(c.out, "hub listening on http://%s\n", addr)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7420", "listen address")
	return cmd
}

// serveHub serves a fresh MemoryHub on addr until ctx is done. ready, if
// set, receives the bound address.
func serveHub(ctx context.Context, addr string, log zerolog.Logger, ready func(addr string)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           hub.NewServer(hub.NewMemoryHub(), log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if ready != nil {
		ready(ln.Addr().String())
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("hub started")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("hub stopped")
	return nil
}
