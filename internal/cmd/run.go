package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spanvm/spanvisor/internal/config"
	"github.com/spanvm/spanvisor/internal/netio"
	"github.com/spanvm/spanvisor/internal/node"
)

var (
	runIfaceFlag     string
	runBootstrapFlag bool
	runExpectedFlag  int
	runImageFlag     string
)

func addRunCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run this machine as a cluster node",
		Long: `Join (or, with --bootstrap, form) a hypervisor cluster on the
configured Ethernet interface and service it until shutdown.

Examples:
  spanvisor run --bootstrap --expected-nodes 2   # node 0
  spanvisor run                                  # any other node`,
		Args: cobra.NoArgs,
		RunE: runNode,
	}

	flags := cmd.Flags()
	flags.StringVar(&runIfaceFlag, "iface", "", "Ethernet interface for inter-node traffic")
	flags.BoolVar(&runBootstrapFlag, "bootstrap", false, "Act as node 0")
	flags.IntVar(&runExpectedFlag, "expected-nodes", 0, "Cluster size (node 0 only)")
	flags.StringVar(&runImageFlag, "image", "", "Guest image (node 0 only)")

	parent.AddCommand(cmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags override the file.
	if runIfaceFlag != "" {
		cfg.Node.Iface = runIfaceFlag
	}
	if runBootstrapFlag {
		cfg.Node.Bootstrap = true
	}
	if runExpectedFlag > 0 {
		cfg.Cluster.ExpectedNodes = runExpectedFlag
	}
	if runImageFlag != "" {
		cfg.Guest.Image = runImageFlag
	}
	if cfg.Node.Iface == "" {
		return fmt.Errorf("no interface: set node.iface or pass --iface")
	}

	ncfg := node.Config{
		Bootstrap:       cfg.Node.Bootstrap,
		ExpectedNodes:   cfg.Cluster.ExpectedNodes,
		NVCpu:           cfg.Node.NVCpu,
		AllocBytes:      uint64(cfg.Node.AllocMiB) * 1024 * 1024,
		GuestEntry:      uint64(cfg.Guest.Entrypoint),
		SetupTimeout:    time.Duration(cfg.Cluster.SetupTimeoutMS) * time.Millisecond,
		ReplyTimeout:    time.Duration(cfg.Cluster.ReplyTimeoutMS) * time.Millisecond,
		TelemetryListen: cfg.Telemetry.Listen,
	}
	if ncfg.Bootstrap {
		if cfg.Guest.Image == "" {
			return fmt.Errorf("bootstrap node needs guest.image or --image")
		}
		img, err := os.ReadFile(cfg.Guest.Image)
		if err != nil {
			return fmt.Errorf("reading guest image: %w", err)
		}
		ncfg.GuestImage = img
	}

	port, err := netio.OpenPacketPort(cfg.Node.Iface)
	if err != nil {
		return err
	}
	defer port.Close()

	n, err := node.New(ncfg, port)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		if !n.Halted() {
			log.Info("signal received, requesting cluster shutdown")
			if err := n.RequestShutdown(); err != nil {
				log.WithError(err).Warn("shutdown request failed")
			}
		}
	}()

	log.WithFields(log.Fields{
		"iface":     cfg.Node.Iface,
		"mac":       port.HWAddr().String(),
		"bootstrap": ncfg.Bootstrap,
	}).Info("starting node")

	return n.Run(context.Background())
}
