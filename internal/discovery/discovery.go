// Package discovery runs the cluster-formation state machine: node 0
// collects peers answering its INIT broadcast, assigns identities and
// memory slices, replicates the table with CLUSTER_INFO, and waits for
// every node's SETUP_DONE before declaring the cluster running.
package discovery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
	"github.com/spanvm/spanvisor/internal/netio"
)

// DefaultSetupTimeout bounds each bring-up wait; tripping it is fatal for
// the whole cluster.
const DefaultSetupTimeout = 10 * time.Second

// Config is the bring-up policy. ExpectedNodes is fixed at configuration
// time; node 0 proceeds only after ExpectedNodes-1 distinct acks.
type Config struct {
	ExpectedNodes int
	SetupTimeout  time.Duration
}

// SetupFunc is the per-node local setup run once the table is known:
// initialize the VSM over the local slice, allocate vCPU state. A non-nil
// error becomes a non-zero SETUP_DONE status, which kills the cluster.
type SetupFunc func() error

// Discovery is one node's view of the bring-up protocol.
type Discovery struct {
	tbl   *cluster.Table
	local *cluster.Local
	msgE  *msg.Engine
	cfg   Config
	setup SetupFunc

	mu        sync.Mutex
	node0MAC  netio.MAC
	haveNode0 bool

	running atomic.Bool
	lateFn  func(cluster.NodeID)
}

// SetLateSetupDone installs the handler for SETUP_DONE messages arriving
// after the cluster is running — the shutdown protocol reuses the type as
// its acknowledgement.
func (d *Discovery) SetLateSetupDone(fn func(cluster.NodeID)) {
	d.lateFn = fn
}

// New registers the role's handlers. Node 0 services INIT_ACK and
// SETUP_DONE; subnodes service INIT and CLUSTER_INFO.
func New(tbl *cluster.Table, local *cluster.Local, m *msg.Engine, cfg Config, setup SetupFunc) *Discovery {
	if cfg.ExpectedNodes < 1 || cfg.ExpectedNodes > cluster.NodeMax {
		panic(fmt.Sprintf("discovery: bad expected_nodes %d", cfg.ExpectedNodes))
	}
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	d := &Discovery{tbl: tbl, local: local, msgE: m, cfg: cfg, setup: setup}

	if local.Bootstrap {
		m.RegisterNode0(msg.TypeInitAck, d.recvInitAck)
		m.RegisterNode0(msg.TypeSetupDone, d.recvSetupDone)
	} else {
		m.Register(msg.TypeInit, d.recvInit)
		m.Register(msg.TypeClusterInfo, d.recvClusterInfo)
	}
	return d
}

// Run drives the state machine to the running state on cpu 0. It returns
// once the cluster table is frozen, replicated, and every node has
// finished local setup.
func (d *Discovery) Run(c *msg.CPU) error {
	if d.local.Bootstrap {
		return d.runNode0(c)
	}
	return d.runSubnode(c)
}

func (d *Discovery) runNode0(c *msg.CPU) error {
	// Node 0 acks itself first, so the table starts with its own entry.
	id, err := d.tbl.AckNode(d.local.MAC, d.local.NVCpu, d.local.AllocBytes)
	if err != nil {
		return fmt.Errorf("discovery: self ack: %w", err)
	}
	if id != 0 {
		return fmt.Errorf("discovery: bootstrap node got id %d", id)
	}
	d.local.SetIdentity(0)

	log.WithField("expected", d.cfg.ExpectedNodes).Info("discovery: broadcasting init request")
	if err := d.msgE.Send(c.Broadcast(&msg.Init{}, nil)); err != nil {
		return fmt.Errorf("discovery: init broadcast: %w", err)
	}

	// Peers that boot after our first INIT would otherwise never answer;
	// re-broadcast until quorum or the setup deadline.
	quorum := func() bool { return d.tbl.OnlineCount() >= d.cfg.ExpectedNodes }
	period := time.Second
	if d.cfg.SetupTimeout < period {
		period = d.cfg.SetupTimeout
	}
	deadline := time.Now().Add(d.cfg.SetupTimeout)
	for c.WaitCond(quorum, period) != nil {
		if time.Now().After(deadline) {
			d.msgE.Fatalf("quorum-timeout", "discovery: %d/%d nodes acked",
				d.tbl.OnlineCount(), d.cfg.ExpectedNodes)
			return fmt.Errorf("discovery: quorum timeout")
		}
		if err := d.msgE.Send(c.Broadcast(&msg.Init{}, nil)); err != nil {
			return fmt.Errorf("discovery: init broadcast: %w", err)
		}
	}

	d.tbl.Freeze()
	d.dumpTable()

	info := &msg.ClusterInfo{
		NrNodes: uint8(d.tbl.NrNodes()),
		NrVCpus: uint8(d.tbl.NrVCpus()),
	}
	if err := d.msgE.Send(c.Broadcast(info, d.tbl.EncodeBody())); err != nil {
		return fmt.Errorf("discovery: cluster info broadcast: %w", err)
	}

	if err := d.runSetup(); err != nil {
		return err
	}
	d.tbl.SetActive(0)
	d.tbl.SetStatus(0, cluster.StatusOnline)

	err = c.WaitCond(func() bool {
		return d.tbl.ActiveCount() >= d.cfg.ExpectedNodes
	}, d.cfg.SetupTimeout)
	if err != nil {
		d.msgE.Fatalf("setup-timeout", "discovery: %d/%d nodes ready",
			d.tbl.ActiveCount(), d.cfg.ExpectedNodes)
		return err
	}

	d.running.Store(true)
	log.WithField("nodes", d.tbl.NrNodes()).Info("discovery: cluster running")
	return nil
}

func (d *Discovery) runSubnode(c *msg.CPU) error {
	log.Info("discovery: waiting for recognition from cluster")

	err := c.WaitCond(d.local.Acked, d.cfg.SetupTimeout)
	if err != nil {
		d.msgE.Fatalf("ack-timeout", "discovery: never recognized by node 0")
		return err
	}

	log.WithField("node", d.local.NodeID()).Info("discovery: initializing")

	status := uint8(0)
	setupErr := d.runSetup()
	if setupErr != nil {
		status = 1
		log.WithError(setupErr).Error("discovery: local setup failed")
	} else {
		d.tbl.SetActive(d.local.NodeID())
	}

	done, err := c.MessageToNode(0, &msg.SetupDone{Status: status}, nil)
	if err != nil {
		return fmt.Errorf("discovery: setup done: %w", err)
	}
	if err := d.msgE.Send(done); err != nil {
		return fmt.Errorf("discovery: setup done send: %w", err)
	}
	if setupErr == nil {
		// Bring-up is all-or-nothing: from here the cluster either runs
		// or dies by PANIC, so the replicated table converges to every
		// member online.
		for _, nd := range d.tbl.Nodes() {
			d.tbl.SetStatus(nd.NodeID, cluster.StatusOnline)
		}
		d.running.Store(true)
	}
	return setupErr
}

func (d *Discovery) runSetup() error {
	if d.setup == nil {
		return nil
	}
	return d.setup()
}

// recvInitAck runs on node 0 for each peer answering INIT. Duplicate acks
// from a known MAC are ignored; the quorum counts distinct nodes.
func (d *Discovery) recvInitAck(c *msg.CPU, m *msg.Message) {
	ack := m.Payload.(*msg.InitAck)

	if _, known := d.tbl.ByMAC(m.SrcMAC); known {
		log.WithField("mac", m.SrcMAC.String()).Warn("discovery: duplicate init ack")
		return
	}
	id, err := d.tbl.AckNode(m.SrcMAC, int(ack.NVCpu), ack.Allocated)
	if err != nil {
		d.msgE.Fatalf("ack-node", "discovery: acking %s: %v", m.SrcMAC, err)
		return
	}
	log.WithFields(log.Fields{
		"node":  id,
		"mac":   m.SrcMAC.String(),
		"nvcpu": ack.NVCpu,
		"alloc": ack.Allocated,
	}).Info("discovery: acked node")
}

// recvSetupDone runs on node 0. During bring-up any failed subnode kills
// the cluster; once running, the message is a shutdown acknowledgement.
func (d *Discovery) recvSetupDone(c *msg.CPU, m *msg.Message) {
	sd := m.Payload.(*msg.SetupDone)
	src := m.Hdr.SrcNodeID

	if d.running.Load() {
		if d.lateFn != nil {
			d.lateFn(src)
		}
		return
	}

	if sd.Status != 0 {
		d.msgE.Fatalf("peer-setup", "discovery: node %d setup failed (status %d)", src, sd.Status)
		return
	}
	d.tbl.SetActive(src)
	d.tbl.SetStatus(src, cluster.StatusOnline)
	log.WithField("node", src).Info("discovery: node ready")
}

// recvInit runs on subnodes: remember node 0's MAC, answer with our
// resources.
func (d *Discovery) recvInit(c *msg.CPU, m *msg.Message) {
	d.mu.Lock()
	d.node0MAC = m.SrcMAC
	d.haveNode0 = true
	d.mu.Unlock()

	log.WithField("node0", m.SrcMAC.String()).Info("discovery: init request")

	ack := c.Message(m.SrcMAC, &msg.InitAck{
		NVCpu:     uint8(d.local.NVCpu),
		Allocated: d.local.AllocBytes,
	}, nil)
	if err := d.msgE.Send(ack); err != nil {
		log.WithError(err).Error("discovery: init ack send failed")
	}
}

// recvClusterInfo runs on subnodes: copy the table, locate ourselves by
// MAC. Not finding our own MAC in the replicated table is unanswerable.
func (d *Discovery) recvClusterInfo(c *msg.CPU, m *msg.Message) {
	info := m.Payload.(*msg.ClusterInfo)

	d.mu.Lock()
	known := d.haveNode0
	n0 := d.node0MAC
	d.mu.Unlock()
	if known && m.SrcMAC != n0 {
		d.msgE.Fatalf("cluster-info", "discovery: cluster info from %s, node 0 is %s", m.SrcMAC, n0)
		return
	}

	if err := d.tbl.DecodeBody(m.Body, int(info.NrNodes), int(info.NrVCpus)); err != nil {
		d.msgE.Fatalf("cluster-info", "discovery: %v", err)
		return
	}
	d.tbl.Freeze()
	d.tbl.SetActive(0)

	self, ok := d.tbl.ByMAC(d.local.MAC)
	if !ok {
		d.msgE.Fatalf("whoami", "discovery: own mac %s not in cluster table", d.local.MAC)
		return
	}
	d.local.SetIdentity(self.NodeID)
	d.dumpTable()
}

func (d *Discovery) dumpTable() {
	for _, n := range d.tbl.Nodes() {
		log.WithFields(log.Fields{
			"node":  n.NodeID,
			"mac":   n.MAC.String(),
			"nvcpu": n.NVCpu,
			"mem":   fmt.Sprintf("%#x+%#x", n.Mem.Start, n.Mem.Size),
		}).Debug("discovery: cluster table entry")
	}
}
