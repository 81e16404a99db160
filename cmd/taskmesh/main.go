// Command taskmesh runs dependency-aware task plans and keeps them in sync
// across devices through a hub.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
	"github.com/star64ccs/CardStrategy-sub006/internal/executors"
	"github.com/star64ccs/CardStrategy-sub006/internal/logging"
	"github.com/star64ccs/CardStrategy-sub006/internal/orchestrator"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries per-invocation state shared by the subcommands.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	return newCLI(out, errOut).rootCmd()
}

func newCLI(out, errOut io.Writer) *cli {
	return &cli{v: viper.New(), out: out, errOut: errOut}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskmesh",
		Short:         "Dependency-aware task scheduler with multi-device sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	c.v.SetEnvPrefix("TASKMESH")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.String("config", "", "project config file (default .taskmesh/config.json)")
	flags.String("db", "", "task database path, or :memory:")
	flags.String("remote", "", "hub URL; enables sync")
	flags.String("strategy", "", "default conflict strategy")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.Bool("log-json", false, "log JSON lines instead of console output")
	flags.String("passphrase", "", "encrypt stored tasks with this passphrase")
	for _, name := range []string{"config", "db", "remote", "strategy", "log-level", "log-json", "passphrase"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		c.runCmd(),
		c.statusCmd(),
		c.graphCmd(),
		c.syncCmd(),
		c.conflictsCmd(),
		c.hubCmd(),
		c.configCmd(),
	)
	return root
}

// loadConfig layers flags and TASKMESH_* variables over the config files.
func (c *cli) loadConfig() (*config.Config, error) {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	if p := c.v.GetString("config"); p != "" {
		project = p
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}

	if v := c.v.GetString("db"); v != "" {
		cfg.Storage.Path = v
	}
	if v := c.v.GetString("remote"); v != "" {
		cfg.Sync.Enabled = true
		cfg.Sync.Remote = v
	}
	if v := c.v.GetString("strategy"); v != "" {
		cfg.Sync.Strategy = v
	}
	if v := c.v.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if c.v.GetBool("log-json") {
		cfg.Log.JSON = true
	}
	if v := c.v.GetString("passphrase"); v != "" {
		cfg.Storage.Encrypt = true
		cfg.Storage.Passphrase = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is an open manager plus the resources backing it.
type session struct {
	cfg       *config.Config
	log       *logging.Logger
	manager   *orchestrator.Manager
	processes *executors.ProcessManager
}

// open loads configuration, builds the manager and restores persisted
// state. logOut receives console logs; nil means stderr.
func (c *cli) open(ctx context.Context, logOut io.Writer) (*session, error) {
	return c.openWith(ctx, logOut, nil)
}

// openWith is open with a decider for manual conflicts.
func (c *cli) openWith(ctx context.Context, logOut io.Writer, decide syncer.DecideFunc) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if logOut == nil {
		logOut = c.errOut
	}
	log, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	reg := scheduler.NewRegistry()
	m, err := orchestrator.New(ctx, orchestrator.Options{
		Config:   cfg,
		Registry: reg,
		Decide:   decide,
		Logger:   log.Logger,
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	pm := executors.NewProcessManager()
	executors.Register(reg, m.Events(), pm)

	if err := m.Load(ctx); err != nil {
		m.Close()
		log.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, manager: m, processes: pm}, nil
}

func (s *session) Close() {
	if err := s.processes.KillAll(); err != nil {
		s.log.Warn().Err(err).Msg("killing subprocesses")
	}
	if err := s.manager.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing manager")
	}
	s.log.Close()
}
