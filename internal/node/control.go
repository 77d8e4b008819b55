package node

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
)

// shutdownState tracks the two-phase stop protocol. Phase begin stops the
// guest and triggers the writeback pass on every node; node 0 collects an
// acknowledgement per node and broadcasts the final phase, on which
// everyone halts.
type shutdownState struct {
	requested atomic.Bool
	flushed   atomic.Bool
	halted    atomic.Bool

	mu   sync.Mutex
	acks uint64
}

// Halted reports whether this node has stopped servicing the cluster.
func (n *Node) Halted() bool { return n.sd.halted.Load() }

// halt stops message servicing; no cleanup, no further traffic.
func (n *Node) halt() {
	if n.sd.halted.Swap(true) {
		return
	}
	n.msgE.Halt()
	log.WithField("node", n.local.NodeID()).Info("node: halted")
}

// fatal is the cluster-fatal hook: broadcast PANIC with a short tag and
// halt this node, bypassing cleanup.
func (n *Node) fatal(tag string) {
	if n.sd.halted.Load() {
		return
	}
	log.WithFields(log.Fields{
		"node": n.local.NodeID(),
		"tag":  tag,
	}).Error("node: fatal, broadcasting panic")

	p := n.msgE.CPU(0).Broadcast(&msg.Panic{NodeID: n.local.NodeID(), Tag: tag}, nil)
	if err := n.msgE.Send(p); err != nil {
		log.WithError(err).Warn("node: panic broadcast failed")
	}
	n.halt()
}

// handlePanic: a peer died. Stop servicing coherence and halt; no attempt
// to continue without it.
func (n *Node) handlePanic(c *msg.CPU, m *msg.Message) {
	p := m.Payload.(*msg.Panic)
	log.WithFields(log.Fields{
		"from": p.NodeID,
		"tag":  p.Tag,
	}).Error("node: peer panic")
	n.halt()
}

// RequestShutdown starts an orderly stop from this node: broadcast the
// begin phase and run our own begin path from the service loop.
func (n *Node) RequestShutdown() error {
	if n.sd.requested.Swap(true) {
		return nil
	}
	log.WithField("node", n.local.NodeID()).Info("node: shutdown requested")
	return n.msgE.Send(n.msgE.CPU(0).Broadcast(&msg.Shutdown{Phase: msg.ShutdownBegin}, nil))
}

// handleShutdown runs in handler context, so it only flips state; the
// writeback pass needs full dispatch and runs from the cpu0 loop.
func (n *Node) handleShutdown(c *msg.CPU, m *msg.Message) {
	sd := m.Payload.(*msg.Shutdown)
	switch sd.Phase {
	case msg.ShutdownBegin:
		n.sd.requested.Store(true)
	case msg.ShutdownFinal:
		n.halt()
	default:
		n.msgE.Fatalf("bad-shutdown", "node: shutdown phase %d", sd.Phase)
	}
}

// serviceShutdown is the deferred begin-phase work, run on cpu0 outside
// handler context: take the vCPUs down, pull our slice home, acknowledge.
func (n *Node) serviceShutdown(c *msg.CPU) {
	if !n.sd.requested.Load() || n.sd.flushed.Swap(true) {
		return
	}

	for _, v := range n.vcpus {
		v.setOnline(false)
	}

	if err := n.vsmE.FlushHome(c); err != nil {
		log.WithError(err).Warn("node: shutdown writeback incomplete")
	}

	if n.local.Bootstrap {
		n.shutdownAck(0)
		return
	}
	done, err := c.MessageToNode(0, &msg.SetupDone{Status: 0}, nil)
	if err == nil {
		err = n.msgE.Send(done)
	}
	if err != nil {
		log.WithError(err).Warn("node: shutdown ack failed")
	}
}

// shutdownAck counts per-node acknowledgements on node 0; once every
// cluster member has flushed, broadcast the final phase and halt.
func (n *Node) shutdownAck(src cluster.NodeID) {
	if !n.local.Bootstrap {
		return
	}
	n.sd.mu.Lock()
	n.sd.acks |= 1 << src
	all := popcount(n.sd.acks) >= n.tbl.NrNodes()
	n.sd.mu.Unlock()

	if !all {
		return
	}
	log.Info("node: all nodes flushed, finalizing shutdown")
	f := n.msgE.CPU(0).Broadcast(&msg.Shutdown{Phase: msg.ShutdownFinal}, nil)
	if err := n.msgE.Send(f); err != nil {
		log.WithError(err).Warn("node: shutdown finalize failed")
	}
	n.halt()
}

func popcount(v uint64) int {
	c := 0
	for ; v != 0; v &= v - 1 {
		c++
	}
	return c
}

func (n *Node) reply(req *msg.Message, p msg.Payload, body []byte) {
	if err := n.msgE.Reply(req, p, body); err != nil {
		log.WithError(err).WithField("node", n.local.NodeID()).Warn("node: reply failed")
	}
}
