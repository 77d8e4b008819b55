// Package msg implements the inter-node message transport: typed headers
// over raw Ethernet frames, request/reply correlation by connection ID, and
// the per-CPU receive dispatch with its lazy-IRQ drain discipline.
package msg

import (
	"encoding/binary"
	"fmt"

	"github.com/spanvm/spanvisor/internal/cluster"
)

// EtherProto is the magic carried in the EtherType high byte; the low byte
// is the message type, so the receive path dispatches without parsing the
// header payload.
const EtherProto = 0xaa

// Type enumerates the closed set of inter-node messages.
type Type uint8

const (
	TypeNone Type = iota
	TypeInit
	TypeInitAck
	TypeClusterInfo
	TypeSetupDone
	TypeCPUWakeup
	TypeCPUWakeupAck
	TypeShutdown
	TypeFetch
	TypeFetchReply
	TypeInvalidate
	TypeInvalidateAck
	TypeInterrupt
	TypeMMIORequest
	TypeMMIOReply
	TypeGICConfig
	TypeSGI
	TypePanic
	TypeBootSig

	numTypes
)

var typeNames = [numTypes]string{
	TypeNone:          "msg:none",
	TypeInit:          "msg:init",
	TypeInitAck:       "msg:init_ack",
	TypeClusterInfo:   "msg:cluster_info",
	TypeSetupDone:     "msg:setup_done",
	TypeCPUWakeup:     "msg:cpu_wakeup",
	TypeCPUWakeupAck:  "msg:cpu_wakeup_ack",
	TypeShutdown:      "msg:shutdown",
	TypeFetch:         "msg:fetch",
	TypeFetchReply:    "msg:fetch_reply",
	TypeInvalidate:    "msg:invalidate",
	TypeInvalidateAck: "msg:invalidate_ack",
	TypeInterrupt:     "msg:interrupt",
	TypeMMIORequest:   "msg:mmio_request",
	TypeMMIOReply:     "msg:mmio_reply",
	TypeGICConfig:     "msg:gic_config",
	TypeSGI:           "msg:sgi",
	TypePanic:         "msg:panic",
	TypeBootSig:       "msg:boot_sig",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("msg:unknown(%d)", uint8(t))
}

// Valid reports whether t is in the closed set.
func (t Type) Valid() bool { return t > TypeNone && t < numTypes }

// IsReply reports whether t correlates to a waiting request.
func (t Type) IsReply() bool {
	switch t {
	case TypeCPUWakeupAck, TypeFetchReply, TypeMMIOReply, TypeInvalidateAck:
		return true
	}
	return false
}

// expectsReply reports whether a sender of t must hold the waiting-reply
// slot until the matching reply arrives.
func (t Type) expectsReply() bool {
	switch t {
	case TypeCPUWakeup, TypeFetch, TypeMMIORequest, TypeInvalidate:
		return true
	}
	return false
}

// EtherType returns the on-wire EtherType for t.
func (t Type) EtherType() uint16 { return EtherProto<<8 | uint16(t) }

// commonHdrLen is the wire size of the fields every header shares:
// type(1) src_nodeid(1) reserved(2) connection_id(4).
const commonHdrLen = 8

// Header is the part of every message the transport itself consumes.
type Header struct {
	Type         Type
	SrcNodeID    cluster.NodeID
	ConnectionID uint32
}

// CPUIndex extracts the originating CPU from the connection ID low bits.
func (h Header) CPUIndex() int { return int(h.ConnectionID & 0x7) }

// Payload is the typed per-message header tail. Wire sizes are fixed per
// type and recorded in the static payloadSize table.
type Payload interface {
	msgType() Type
	encode(b []byte)
	decode(b []byte)
}

// payloadSize is the static {type -> header tail size} table.
var payloadSize = [numTypes]int{
	TypeInit:          0,
	TypeInitAck:       16,
	TypeClusterInfo:   2,
	TypeSetupDone:     1,
	TypeCPUWakeup:     4,
	TypeCPUWakeupAck:  1,
	TypeShutdown:      1,
	TypeFetch:         16,
	TypeFetchReply:    24,
	TypeInvalidate:    8,
	TypeInvalidateAck: 16,
	TypeInterrupt:     8,
	TypeMMIORequest:   24,
	TypeMMIOReply:     16,
	TypeGICConfig:     0,
	TypeSGI:           8,
	TypePanic:         48,
	TypeBootSig:       0,
}

// Init carries no fields; the sender's MAC is the interesting part.
type Init struct{}

func (Init) msgType() Type  { return TypeInit }
func (Init) encode([]byte)  {}
func (*Init) decode([]byte) {}

// InitAck answers INIT with the subnode's resources.
type InitAck struct {
	NVCpu     uint8
	Allocated uint64
}

func (InitAck) msgType() Type { return TypeInitAck }
func (p InitAck) encode(b []byte) {
	b[0] = p.NVCpu
	binary.LittleEndian.PutUint64(b[8:], p.Allocated)
}
func (p *InitAck) decode(b []byte) {
	p.NVCpu = b[0]
	p.Allocated = binary.LittleEndian.Uint64(b[8:])
}

// ClusterInfo announces the frozen table; the packed table rides in the body.
type ClusterInfo struct {
	NrNodes uint8
	NrVCpus uint8
}

func (ClusterInfo) msgType() Type { return TypeClusterInfo }
func (p ClusterInfo) encode(b []byte) {
	b[0] = p.NrNodes
	b[1] = p.NrVCpus
}
func (p *ClusterInfo) decode(b []byte) {
	p.NrNodes = b[0]
	p.NrVCpus = b[1]
}

// SetupDone reports a subnode's local setup result to node 0.
type SetupDone struct {
	Status uint8
}

func (SetupDone) msgType() Type      { return TypeSetupDone }
func (p SetupDone) encode(b []byte)  { b[0] = p.Status }
func (p *SetupDone) decode(b []byte) { p.Status = b[0] }

// CPUWakeup asks the home node of a vCPU to bring it online.
type CPUWakeup struct {
	VCpuID uint32
}

func (CPUWakeup) msgType() Type { return TypeCPUWakeup }
func (p CPUWakeup) encode(b []byte) {
	binary.LittleEndian.PutUint32(b, p.VCpuID)
}
func (p *CPUWakeup) decode(b []byte) {
	p.VCpuID = binary.LittleEndian.Uint32(b)
}

// CPUWakeupAck closes a CPUWakeup exchange.
type CPUWakeupAck struct {
	Status uint8
}

func (CPUWakeupAck) msgType() Type      { return TypeCPUWakeupAck }
func (p CPUWakeupAck) encode(b []byte)  { b[0] = p.Status }
func (p *CPUWakeupAck) decode(b []byte) { p.Status = b[0] }

// Shutdown phases: begin stops the guest and triggers the writeback pass;
// final, broadcast by node 0 once every node has acknowledged, halts.
const (
	ShutdownBegin = 0
	ShutdownFinal = 1
)

// Shutdown tells every node to stop the guest and, on the final phase, halt.
type Shutdown struct {
	Phase uint8
}

func (Shutdown) msgType() Type      { return TypeShutdown }
func (p Shutdown) encode(b []byte)  { b[0] = p.Phase }
func (p *Shutdown) decode(b []byte) { p.Phase = b[0] }

// Fetch requests a page copy, read-shared or write-exclusive. ForNode is
// the node that will hold the copy: the sender itself on a direct fetch,
// the original requester when the home forwards to the current owner.
type Fetch struct {
	IPA       uint64
	WantWrite bool
	ForNode   cluster.NodeID
}

func (Fetch) msgType() Type { return TypeFetch }
func (p Fetch) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.IPA)
	if p.WantWrite {
		b[8] = 1
	}
	b[9] = byte(p.ForNode)
}
func (p *Fetch) decode(b []byte) {
	p.IPA = binary.LittleEndian.Uint64(b)
	p.WantWrite = b[8] != 0
	p.ForNode = cluster.NodeID(b[9])
}

// FetchReply carries the page data in the body plus the ownership outcome.
// Holders is the bitmap of nodes believed to hold read copies; on a write
// fetch the requester must invalidate each of them.
type FetchReply struct {
	IPA       uint64
	Holders   uint64
	Owner     cluster.NodeID
	WantWrite bool
}

func (FetchReply) msgType() Type { return TypeFetchReply }
func (p FetchReply) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.IPA)
	binary.LittleEndian.PutUint64(b[8:], p.Holders)
	b[16] = byte(p.Owner)
	if p.WantWrite {
		b[17] = 1
	}
}
func (p *FetchReply) decode(b []byte) {
	p.IPA = binary.LittleEndian.Uint64(b)
	p.Holders = binary.LittleEndian.Uint64(b[8:])
	p.Owner = cluster.NodeID(b[16])
	p.WantWrite = b[17] != 0
}

// Invalidate revokes the receiver's copy of a page.
type Invalidate struct {
	IPA uint64
}

func (Invalidate) msgType() Type { return TypeInvalidate }
func (p Invalidate) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.IPA)
}
func (p *Invalidate) decode(b []byte) {
	p.IPA = binary.LittleEndian.Uint64(b)
}

// InvalidateAck confirms the copy is gone.
type InvalidateAck struct {
	IPA    uint64
	Status uint8
}

func (InvalidateAck) msgType() Type { return TypeInvalidateAck }
func (p InvalidateAck) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.IPA)
	b[8] = p.Status
}
func (p *InvalidateAck) decode(b []byte) {
	p.IPA = binary.LittleEndian.Uint64(b)
	p.Status = b[8]
}

// Interrupt forwards a virtual interrupt to the node running a vCPU.
type Interrupt struct {
	VCpuID uint32
	Vector uint32
}

func (Interrupt) msgType() Type { return TypeInterrupt }
func (p Interrupt) encode(b []byte) {
	binary.LittleEndian.PutUint32(b, p.VCpuID)
	binary.LittleEndian.PutUint32(b[4:], p.Vector)
}
func (p *Interrupt) decode(b []byte) {
	p.VCpuID = binary.LittleEndian.Uint32(b)
	p.Vector = binary.LittleEndian.Uint32(b[4:])
}

// MMIORequest forwards an emulated device access to the emulating node.
type MMIORequest struct {
	Addr  uint64
	Value uint64
	Size  uint8
	Write bool
}

func (MMIORequest) msgType() Type { return TypeMMIORequest }
func (p MMIORequest) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.Addr)
	binary.LittleEndian.PutUint64(b[8:], p.Value)
	b[16] = p.Size
	if p.Write {
		b[17] = 1
	}
}
func (p *MMIORequest) decode(b []byte) {
	p.Addr = binary.LittleEndian.Uint64(b)
	p.Value = binary.LittleEndian.Uint64(b[8:])
	p.Size = b[16]
	p.Write = b[17] != 0
}

// MMIOReply completes a forwarded device access.
type MMIOReply struct {
	Value  uint64
	Status uint8
}

func (MMIOReply) msgType() Type { return TypeMMIOReply }
func (p MMIOReply) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, p.Value)
	b[8] = p.Status
}
func (p *MMIOReply) decode(b []byte) {
	p.Value = binary.LittleEndian.Uint64(b)
	p.Status = b[8]
}

// GICConfig distributes interrupt-controller state; the blob is the body.
type GICConfig struct{}

func (GICConfig) msgType() Type  { return TypeGICConfig }
func (GICConfig) encode([]byte)  {}
func (*GICConfig) decode([]byte) {}

// SGI forwards a software-generated interrupt to a remote vCPU.
type SGI struct {
	VCpuID uint32
	ID     uint8
}

func (SGI) msgType() Type { return TypeSGI }
func (p SGI) encode(b []byte) {
	binary.LittleEndian.PutUint32(b, p.VCpuID)
	b[4] = p.ID
}
func (p *SGI) decode(b []byte) {
	p.VCpuID = binary.LittleEndian.Uint32(b)
	p.ID = b[4]
}

// panicTagLen bounds the human-readable tag in a PANIC message.
const panicTagLen = 47

// Panic announces a fatal failure; receivers stop servicing and halt.
type Panic struct {
	NodeID cluster.NodeID
	Tag    string
}

func (Panic) msgType() Type { return TypePanic }
func (p Panic) encode(b []byte) {
	b[0] = byte(p.NodeID)
	tag := p.Tag
	if len(tag) > panicTagLen {
		tag = tag[:panicTagLen]
	}
	copy(b[1:], tag)
}
func (p *Panic) decode(b []byte) {
	p.NodeID = cluster.NodeID(b[0])
	end := 1
	for end < len(b) && b[end] != 0 {
		end++
	}
	p.Tag = string(b[1:end])
}

// BootSig tells subnodes the guest has started booting on node 0.
type BootSig struct{}

func (BootSig) msgType() Type  { return TypeBootSig }
func (BootSig) encode([]byte)  {}
func (*BootSig) decode([]byte) {}

// newPayload returns a zero payload value for decoding type t.
func newPayload(t Type) Payload {
	switch t {
	case TypeInit:
		return &Init{}
	case TypeInitAck:
		return &InitAck{}
	case TypeClusterInfo:
		return &ClusterInfo{}
	case TypeSetupDone:
		return &SetupDone{}
	case TypeCPUWakeup:
		return &CPUWakeup{}
	case TypeCPUWakeupAck:
		return &CPUWakeupAck{}
	case TypeShutdown:
		return &Shutdown{}
	case TypeFetch:
		return &Fetch{}
	case TypeFetchReply:
		return &FetchReply{}
	case TypeInvalidate:
		return &Invalidate{}
	case TypeInvalidateAck:
		return &InvalidateAck{}
	case TypeInterrupt:
		return &Interrupt{}
	case TypeMMIORequest:
		return &MMIORequest{}
	case TypeMMIOReply:
		return &MMIOReply{}
	case TypeGICConfig:
		return &GICConfig{}
	case TypeSGI:
		return &SGI{}
	case TypePanic:
		return &Panic{}
	case TypeBootSig:
		return &BootSig{}
	}
	return nil
}
