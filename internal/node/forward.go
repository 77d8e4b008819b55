package node

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
)

// IRQSink is the vGIC collaborator: virtual interrupt and SGI delivery
// into locally hosted vCPUs.
type IRQSink interface {
	Inject(vcpu cluster.VCpuID, vector uint32)
	SGI(vcpu cluster.VCpuID, id uint8)
	ApplyConfig(blob []byte)
}

// MMIOHandler is the device-emulation collaborator for addresses emulated
// on this node.
type MMIOHandler interface {
	Read(addr uint64, size uint8) (uint64, error)
	Write(addr uint64, size uint8, val uint64) error
}

// InjectInterrupt delivers a virtual interrupt to a vCPU anywhere in the
// cluster: locally through the sink, remotely via INTERRUPT.
func (n *Node) InjectInterrupt(c *msg.CPU, vcpu cluster.VCpuID, vector uint32) error {
	if v := n.localVCpu(vcpu); v != nil {
		if n.irq != nil {
			n.irq.Inject(vcpu, vector)
		}
		return nil
	}
	owner, ok := n.tbl.NodeOfVCpu(vcpu)
	if !ok {
		return errUnknownVCpu(vcpu)
	}
	m, err := c.MessageToNode(owner.NodeID, &msg.Interrupt{VCpuID: uint32(vcpu), Vector: vector}, nil)
	if err != nil {
		return err
	}
	return n.msgE.Send(m)
}

func (n *Node) handleInterrupt(c *msg.CPU, m *msg.Message) {
	in := m.Payload.(*msg.Interrupt)
	if v := n.localVCpu(cluster.VCpuID(in.VCpuID)); v == nil {
		log.WithField("vcpu", in.VCpuID).Warn("node: interrupt for foreign vcpu")
		return
	}
	if n.irq != nil {
		n.irq.Inject(cluster.VCpuID(in.VCpuID), in.Vector)
	}
}

// SendSGI forwards a software-generated interrupt, locally or remotely.
func (n *Node) SendSGI(c *msg.CPU, vcpu cluster.VCpuID, id uint8) error {
	if v := n.localVCpu(vcpu); v != nil {
		if n.irq != nil {
			n.irq.SGI(vcpu, id)
		}
		return nil
	}
	owner, ok := n.tbl.NodeOfVCpu(vcpu)
	if !ok {
		return errUnknownVCpu(vcpu)
	}
	m, err := c.MessageToNode(owner.NodeID, &msg.SGI{VCpuID: uint32(vcpu), ID: id}, nil)
	if err != nil {
		return err
	}
	return n.msgE.Send(m)
}

func (n *Node) handleSGI(c *msg.CPU, m *msg.Message) {
	s := m.Payload.(*msg.SGI)
	if v := n.localVCpu(cluster.VCpuID(s.VCpuID)); v == nil {
		log.WithField("vcpu", s.VCpuID).Warn("node: sgi for foreign vcpu")
		return
	}
	if n.irq != nil {
		n.irq.SGI(cluster.VCpuID(s.VCpuID), s.ID)
	}
}

// ForwardMMIO executes an emulated device access on the node that owns
// the device model and waits for the result.
func (n *Node) ForwardMMIO(c *msg.CPU, dst cluster.NodeID, addr uint64, size uint8, write bool, val uint64) (uint64, error) {
	req, err := c.RequestToNode(dst, &msg.MMIORequest{
		Addr:  addr,
		Value: val,
		Size:  size,
		Write: write,
	}, nil)
	if err != nil {
		return 0, err
	}
	if err := n.msgE.Send(req); err != nil {
		return 0, err
	}
	rep, err := c.RecvReply(req)
	if err != nil {
		return 0, err
	}
	r := rep.Payload.(*msg.MMIOReply)
	if r.Status != 0 {
		return 0, fmt.Errorf("node: mmio %#x refused by node %d (status %d)", addr, dst, r.Status)
	}
	return r.Value, nil
}

func (n *Node) handleMMIORequest(c *msg.CPU, m *msg.Message) {
	req := m.Payload.(*msg.MMIORequest)
	if n.mmio == nil {
		n.reply(m, &msg.MMIOReply{Status: 1}, nil)
		return
	}

	var val uint64
	var err error
	if req.Write {
		err = n.mmio.Write(req.Addr, req.Size, req.Value)
	} else {
		val, err = n.mmio.Read(req.Addr, req.Size)
	}
	status := uint8(0)
	if err != nil {
		log.WithError(err).WithField("addr", fmt.Sprintf("%#x", req.Addr)).Warn("node: mmio emulation failed")
		status = 1
	}
	n.reply(m, &msg.MMIOReply{Value: val, Status: status}, nil)
}

// DistributeGICConfig ships distributor state from node 0 to every peer.
func (n *Node) DistributeGICConfig(c *msg.CPU, blob []byte) error {
	return n.msgE.Send(c.Broadcast(&msg.GICConfig{}, blob))
}

func (n *Node) handleGICConfig(c *msg.CPU, m *msg.Message) {
	if n.irq != nil {
		n.irq.ApplyConfig(m.Body)
	}
}

func (n *Node) handleBootSig(c *msg.CPU, m *msg.Message) {
	n.booted.Store(true)
	log.WithField("node", n.local.NodeID()).Info("node: guest boot signalled")
}
