package node

import (
	"sync"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
)

// VCPU is one guest CPU hosted on this node. Guest execution itself is an
// external collaborator (GuestBackend); the core only tracks identity and
// online state.
type VCPU struct {
	ID cluster.VCpuID

	mu     sync.Mutex
	online bool
}

// Online reports whether the vCPU has been started.
func (v *VCPU) Online() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.online
}

func (v *VCPU) setOnline(on bool) {
	v.mu.Lock()
	v.online = on
	v.mu.Unlock()
}

// GuestBackend executes guest code for one vCPU until it blocks (WFI, a
// fault served elsewhere, or the hypervisor stopping it). The stage-2
// fault path calls back into the coherence engine through the Node.
type GuestBackend interface {
	Resume(c *msg.CPU, v *VCPU) error
}

// VCpu returns the local vCPU with the given cluster-wide ID, or nil when
// it lives on another node.
func (n *Node) VCpu(id cluster.VCpuID) *VCPU { return n.localVCpu(id) }

// localVCpu returns the local vCPU with the given cluster-wide ID.
func (n *Node) localVCpu(id cluster.VCpuID) *VCPU {
	for _, v := range n.vcpus {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// WakeVCpu brings a vCPU online wherever it lives: directly when local,
// via CPU_WAKEUP to its home node otherwise. The PSCI CPU_ON trap lands
// here.
func (n *Node) WakeVCpu(c *msg.CPU, id cluster.VCpuID) error {
	if v := n.localVCpu(id); v != nil {
		v.setOnline(true)
		return nil
	}

	owner, ok := n.tbl.NodeOfVCpu(id)
	if !ok {
		return errUnknownVCpu(id)
	}
	req, err := c.RequestToNode(owner.NodeID, &msg.CPUWakeup{VCpuID: uint32(id)}, nil)
	if err != nil {
		return err
	}
	if err := n.msgE.Send(req); err != nil {
		return err
	}
	rep, err := c.RecvReply(req)
	if err != nil {
		return err
	}
	if ack := rep.Payload.(*msg.CPUWakeupAck); ack.Status != 0 {
		return errWakeupRefused(id, ack.Status)
	}
	return nil
}

func (n *Node) handleCPUWakeup(c *msg.CPU, m *msg.Message) {
	w := m.Payload.(*msg.CPUWakeup)
	status := uint8(0)
	if v := n.localVCpu(cluster.VCpuID(w.VCpuID)); v != nil {
		v.setOnline(true)
	} else {
		status = 1
	}
	n.reply(m, &msg.CPUWakeupAck{Status: status}, nil)
}
