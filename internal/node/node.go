// Package node assembles one hypervisor node: transport, cluster table,
// coherence engine, vCPUs and the control plane, threaded together in a
// single Node value rather than globals.
package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/discovery"
	"github.com/spanvm/spanvisor/internal/msg"
	"github.com/spanvm/spanvisor/internal/netio"
	"github.com/spanvm/spanvisor/internal/s2mm"
	"github.com/spanvm/spanvisor/internal/telemetry"
	"github.com/spanvm/spanvisor/internal/vsm"
)

func errUnknownVCpu(id cluster.VCpuID) error {
	return fmt.Errorf("node: unknown vcpu %d", id)
}

func errWakeupRefused(id cluster.VCpuID, status uint8) error {
	return fmt.Errorf("node: vcpu %d wakeup refused (status %d)", id, status)
}

// Config is everything a node needs resolved before cluster bring-up.
type Config struct {
	Bootstrap     bool
	ExpectedNodes int
	NVCpu         int
	AllocBytes    uint64

	// GuestImage and GuestEntry describe the VM to boot; node 0 only.
	GuestImage []byte
	GuestEntry uint64

	SetupTimeout time.Duration
	ReplyTimeout time.Duration

	TelemetryListen string
}

// Validate rejects configurations the protocol cannot carry.
func (c *Config) Validate() error {
	if c.ExpectedNodes < 1 || c.ExpectedNodes > cluster.NodeMax {
		return fmt.Errorf("node: expected_nodes %d out of range [1,%d]", c.ExpectedNodes, cluster.NodeMax)
	}
	if c.NVCpu < 1 || c.NVCpu > cluster.VCpuPerNodeMax {
		return fmt.Errorf("node: nvcpu %d out of range [1,%d]", c.NVCpu, cluster.VCpuPerNodeMax)
	}
	if c.NVCpu > msg.NCPUMax {
		return fmt.Errorf("node: nvcpu %d exceeds reply routing width %d", c.NVCpu, msg.NCPUMax)
	}
	if c.AllocBytes == 0 || c.AllocBytes%cluster.PageSize != 0 {
		return fmt.Errorf("node: alloc %#x not a multiple of the page size", c.AllocBytes)
	}
	if c.Bootstrap && len(c.GuestImage) == 0 {
		return fmt.Errorf("node: guest image is required on the bootstrap node")
	}
	return nil
}

// Node is one running hypervisor instance.
type Node struct {
	cfg     Config
	port    netio.Port
	tbl     *cluster.Table
	local   *cluster.Local
	metrics *telemetry.Metrics
	msgE    *msg.Engine
	s2      *s2mm.Stage2
	vsmE    *vsm.Engine
	disc    *discovery.Discovery

	vcpus   []*VCPU
	backend GuestBackend
	irq     IRQSink
	mmio    MMIOHandler

	booted atomic.Bool
	sd     shutdownState
}

// New wires a node to a frame port. Handlers for the full message surface
// are registered here, before any peer can reach us.
func New(cfg Config, port netio.Port) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	local := &cluster.Local{
		MAC:        port.HWAddr(),
		NVCpu:      cfg.NVCpu,
		AllocBytes: cfg.AllocBytes,
		Bootstrap:  cfg.Bootstrap,
	}
	tbl := cluster.NewTable()
	metrics := telemetry.New()

	n := &Node{
		cfg:     cfg,
		port:    port,
		tbl:     tbl,
		local:   local,
		metrics: metrics,
	}

	n.msgE = msg.New(port, tbl, local, metrics, cfg.NVCpu)
	if cfg.ReplyTimeout > 0 {
		n.msgE.SetReplyTimeout(cfg.ReplyTimeout)
	}
	n.msgE.SetFatal(n.fatal)

	n.s2 = s2mm.New(nil)

	// The pool covers the local slice plus headroom for remotely homed
	// pages cached here; fetch paths must never see allocation failure.
	poolPages := int(cfg.AllocBytes/cluster.PageSize) * 2
	n.vsmE = vsm.New(tbl, local, n.msgE, n.s2, vsm.NewPagePool(poolPages), metrics)

	n.disc = discovery.New(tbl, local, n.msgE, discovery.Config{
		ExpectedNodes: cfg.ExpectedNodes,
		SetupTimeout:  cfg.SetupTimeout,
	}, n.meSetup)
	n.disc.SetLateSetupDone(n.shutdownAck)

	n.msgE.Register(msg.TypeShutdown, n.handleShutdown)
	n.msgE.Register(msg.TypePanic, n.handlePanic)
	n.msgE.Register(msg.TypeCPUWakeup, n.handleCPUWakeup)
	n.msgE.Register(msg.TypeInterrupt, n.handleInterrupt)
	n.msgE.Register(msg.TypeMMIORequest, n.handleMMIORequest)
	n.msgE.Register(msg.TypeGICConfig, n.handleGICConfig)
	n.msgE.Register(msg.TypeSGI, n.handleSGI)
	n.msgE.Register(msg.TypeBootSig, n.handleBootSig)

	metrics.Serve(cfg.TelemetryListen)
	return n, nil
}

// SetBackend installs the guest-execution collaborator.
func (n *Node) SetBackend(b GuestBackend) { n.backend = b }

// SetIRQSink installs the vGIC collaborator.
func (n *Node) SetIRQSink(s IRQSink) { n.irq = s }

// SetMMIOHandler installs the device-emulation collaborator.
func (n *Node) SetMMIOHandler(h MMIOHandler) { n.mmio = h }

// VSM exposes the coherence engine for the fault path and tests.
func (n *Node) VSM() *vsm.Engine { return n.vsmE }

// Transport exposes the message engine.
func (n *Node) Transport() *msg.Engine { return n.msgE }

// Table exposes the replicated cluster table.
func (n *Node) Table() *cluster.Table { return n.tbl }

// NodeID returns the identity assigned during bring-up.
func (n *Node) NodeID() cluster.NodeID { return n.local.NodeID() }

// GuestBooted reports whether BOOT_SIG has been seen (or sent).
func (n *Node) GuestBooted() bool { return n.booted.Load() }

// meSetup is the per-node local setup the discovery protocol runs once
// the cluster table is known: map the local slice, allocate vCPU state.
func (n *Node) meSetup() error {
	if err := n.vsmE.InitLocalRange(); err != nil {
		return err
	}
	me, ok := n.tbl.Node(n.local.NodeID())
	if !ok {
		return fmt.Errorf("node: not in cluster table after setup")
	}
	n.vcpus = nil
	for i := 0; i < me.NVCpu; i++ {
		n.vcpus = append(n.vcpus, &VCPU{ID: me.VCpus[i]})
	}
	return nil
}

// Run brings the cluster up and services it until ctx is cancelled or the
// node halts. On node 0 it also loads the guest image and starts vCPU 0.
func (n *Node) Run(ctx context.Context) error {
	cpu0 := n.msgE.CPU(0)

	if err := n.disc.Run(cpu0); err != nil {
		return fmt.Errorf("node: cluster bring-up: %w", err)
	}

	if n.cfg.Bootstrap {
		if err := n.bootGuest(cpu0); err != nil {
			return fmt.Errorf("node: guest boot: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n.msgE.NCPU(); i++ {
		c := n.msgE.CPU(i)
		var v *VCPU
		if i < len(n.vcpus) {
			v = n.vcpus[i]
		}
		g.Go(func() error { return n.cpuLoop(gctx, c, v) })
	}
	return g.Wait()
}

// bootGuest loads the VM image into guest memory — across the cluster,
// through the coherence engine — and marks vCPU 0 runnable.
func (n *Node) bootGuest(c *msg.CPU) error {
	log.WithFields(log.Fields{
		"entry": fmt.Sprintf("%#x", n.cfg.GuestEntry),
		"size":  len(n.cfg.GuestImage),
	}).Info("node: loading guest image")

	if err := n.vsmE.Access(c, n.cfg.GuestEntry, n.cfg.GuestImage, true); err != nil {
		return err
	}

	if v := n.localVCpu(0); v != nil {
		v.setOnline(true)
	}
	n.booted.Store(true)
	return n.msgE.Send(c.Broadcast(&msg.BootSig{}, nil))
}

// cpuLoop is one pCPU's service loop: drain the inbound queue, run any
// deferred shutdown work, give the guest a turn, idle until poked.
func (n *Node) cpuLoop(ctx context.Context, c *msg.CPU, v *VCPU) error {
	for {
		if n.Halted() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		c.Service()

		if c == n.msgE.CPU(0) {
			n.serviceShutdown(c)
		}

		if v != nil && v.Online() && n.backend != nil && !n.sd.requested.Load() {
			if err := n.backend.Resume(c, v); err != nil {
				n.fatal("vcpu-exit")
				return err
			}
		}

		// Idle wait; the timeout only bounds how fast halt/cancel is
		// noticed, WaitCond wakes immediately on traffic.
		_ = c.WaitCond(func() bool {
			return n.Halted() || ctx.Err() != nil
		}, 10*time.Millisecond)
	}
}
