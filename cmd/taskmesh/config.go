package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or write configuration"}
	cmd.AddCommand(c.configShowCmd(), c.configInitCmd())
	return cmd
}

func (c *cli) configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func (c *cli) configInitCmd() *cobra.Command {
	var (
		global bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the project (or global) file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			globalPath, projectPath, err := config.DefaultPaths()
			if err != nil {
				return err
			}
			path := projectPath
			if p := c.v.GetString("config"); p != "" {
				path = p
			}
			if global {
				path = globalPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "write ~/.taskmesh/config.json instead")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
