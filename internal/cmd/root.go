// Package cmd wires the spanvisor CLI: one verb per file, all hanging off
// the root command.
package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spanvm/spanvisor/internal/config"
)

// ConfigDir is the --config-dir flag, consulted before config loads.
var ConfigDir string

var logLevel string

// Execute runs the CLI.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:   "spanvisor",
		Short: "Distributed hypervisor node",
		Long: `spanvisor runs one node of a distributed hypervisor: the nodes pool
their RAM and CPUs over a layer-2 segment and present the guest OS a
single machine with a single coherent address space.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetConfigDir(ConfigDir)
			level := logLevel
			if !cmd.Flags().Changed("log-level") {
				if cfg, err := config.Load(); err == nil && cfg.Log.Level != "" {
					level = cfg.Log.Level
				}
			}
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&ConfigDir, "config-dir", "", "Config directory (default ~/.spanvisor)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace..panic)")

	addRunCommand(rootCmd)
	addStatusCommand(rootCmd)
	addConfigCommands(rootCmd)
	addVersionCommand(rootCmd)

	return rootCmd.Execute()
}
