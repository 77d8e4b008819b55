package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spanvm/spanvisor/internal/config"
)

func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage spanvisor configuration",
		Long:  "Get and set values in the node config file (~/.spanvisor/node.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", config.Path())
			fmt.Fprintf(out, "cluster.expected_nodes = %d\n", cfg.Cluster.ExpectedNodes)
			fmt.Fprintf(out, "node.nvcpu = %d\n", cfg.Node.NVCpu)
			fmt.Fprintf(out, "node.alloc_mib = %d\n", cfg.Node.AllocMiB)
			fmt.Fprintf(out, "node.iface = %s\n", cfg.Node.Iface)
			fmt.Fprintf(out, "log.level = %s\n", cfg.Log.Level)
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Path())
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
