package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/xatm/internal/config"
	"pkt.systems/xatm/internal/message"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage resource configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a resource configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := config.Load(args[0])
			if err != nil {
				return err
			}
			instances := 0
			for _, rc := range resources {
				instances += rc.Instances
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d resources, %d instances\n", args[0], len(resources), instances)
			return err
		},
	}
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate an example resource configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(exampleResources())
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return err
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func exampleResources() []message.ResourceConfig {
	return []message.ResourceConfig{
		{ID: 1, Key: "db", Name: "orders", OpenInfo: "dsn=postgres://orders", Instances: 2},
		{ID: 2, Key: "queue", Name: "events", OpenInfo: "queue=events", Instances: 1, Note: "message broker"},
	}
}
