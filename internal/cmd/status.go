package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spanvm/spanvisor/internal/config"
)

func addStatusCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resolved node configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", config.Path())
			fmt.Fprintf(out, "cluster.expected_nodes = %d\n", cfg.Cluster.ExpectedNodes)
			fmt.Fprintf(out, "node.bootstrap = %v\n", cfg.Node.Bootstrap)
			fmt.Fprintf(out, "node.nvcpu = %d\n", cfg.Node.NVCpu)
			fmt.Fprintf(out, "node.alloc_mib = %d\n", cfg.Node.AllocMiB)
			fmt.Fprintf(out, "node.iface = %s\n", cfg.Node.Iface)
			if cfg.Node.Bootstrap {
				fmt.Fprintf(out, "guest.image = %s\n", cfg.Guest.Image)
				fmt.Fprintf(out, "guest.entrypoint = %#x\n", cfg.Guest.Entrypoint)
			}
			if cfg.Telemetry.Listen != "" {
				fmt.Fprintf(out, "telemetry.listen = %s\n", cfg.Telemetry.Listen)
			}
			return nil
		},
	}
	parent.AddCommand(cmd)
}
