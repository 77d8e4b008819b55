package msg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/netio"
	"github.com/spanvm/spanvisor/internal/telemetry"
)

// NCPUMax bounds the per-node CPU count: the connection ID spends 3 bits on
// the originator CPU index.
const NCPUMax = 8

// DefaultReplyTimeout is the per-request watchdog. A request that never
// sees its reply escalates to a cluster panic.
const DefaultReplyTimeout = 5 * time.Second

// ErrReplyTimeout reports a tripped reply watchdog.
var ErrReplyTimeout = errors.New("msg: reply watchdog expired")

// Message is the in-memory representation of one inter-node message.
type Message struct {
	DstMAC  netio.MAC
	SrcMAC  netio.MAC
	Hdr     Header
	Payload Payload
	Body    []byte

	// reply receives the correlated reply; non-nil only on requests.
	reply chan *Message
}

// Handler services one received message. It runs on the pCPU that dequeued
// the message and may itself send requests and wait for replies.
type Handler func(c *CPU, m *Message)

// FatalFunc is invoked on cluster-fatal transport errors (unknown type,
// orphan reply, watchdog). The control plane installs one that broadcasts
// PANIC and halts the node.
type FatalFunc func(tag string)

// CPU is the per-pCPU transport state: the inbound FIFO, the single
// waiting-reply slot, and the lazy-IRQ depth. All methods except enqueue
// must be called from the goroutine that owns this CPU.
type CPU struct {
	e  *Engine
	id int

	mu    sync.Mutex
	queue []*Message

	// poke is the IPI stand-in: "your inbound queue is non-empty".
	poke chan struct{}

	// waitingReply is the one outstanding request. Owner-goroutine only.
	waitingReply *Message

	// lazyDepth guards against nested dispatch. Owner-goroutine only.
	lazyDepth int

	// deferred collects messages requeued during the current dispatch;
	// they rejoin the shared queue when Service exits, so one invocation
	// never re-runs a message it already retried. Owner-goroutine only.
	deferred []*Message
}

type regEntry struct {
	handler   Handler
	node0Only bool
}

// Engine is one node's transport instance.
type Engine struct {
	port    netio.Port
	tbl     *cluster.Table
	local   *cluster.Local
	metrics *telemetry.Metrics

	cpus []*CPU

	connMu   sync.Mutex
	connNext uint32

	regMu    sync.Mutex
	registry [numTypes]regEntry

	fatalMu sync.Mutex
	fatalFn FatalFunc
	halted  bool

	replyTimeout time.Duration
}

// New wires an engine to a port. ncpu is the local pCPU count; the port is
// bound immediately, so handlers should be registered before any peer can
// send (in practice: before cluster bring-up starts).
func New(port netio.Port, tbl *cluster.Table, local *cluster.Local, m *telemetry.Metrics, ncpu int) *Engine {
	if ncpu <= 0 || ncpu > NCPUMax {
		panic(fmt.Sprintf("msg: bad cpu count %d", ncpu))
	}
	e := &Engine{
		port:         port,
		tbl:          tbl,
		local:        local,
		metrics:      m,
		replyTimeout: DefaultReplyTimeout,
	}
	for i := 0; i < ncpu; i++ {
		e.cpus = append(e.cpus, &CPU{e: e, id: i, poke: make(chan struct{}, 1)})
	}
	port.Bind(e.rxFrame)
	return e
}

// SetReplyTimeout overrides the watchdog; tests shorten it.
func (e *Engine) SetReplyTimeout(d time.Duration) { e.replyTimeout = d }

// SetFatal installs the cluster-fatal hook.
func (e *Engine) SetFatal(fn FatalFunc) {
	e.fatalMu.Lock()
	e.fatalFn = fn
	e.fatalMu.Unlock()
}

// Halt stops message servicing. Received frames are dropped from here on;
// peers of a panicking node see silence, not errors.
func (e *Engine) Halt() {
	e.fatalMu.Lock()
	e.halted = true
	e.fatalMu.Unlock()
}

// Halted reports whether the engine has stopped servicing.
func (e *Engine) Halted() bool {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.halted
}

// Fatalf reports a cluster-fatal transport error.
func (e *Engine) Fatalf(tag string, format string, args ...interface{}) {
	log.WithField("node", e.local.NodeID()).Errorf(format, args...)

	e.fatalMu.Lock()
	fn := e.fatalFn
	e.fatalMu.Unlock()
	if fn != nil {
		fn(tag)
		return
	}
	panic(fmt.Sprintf("msg: fatal [%s]: %s", tag, fmt.Sprintf(format, args...)))
}

// CPU returns the transport handle for pCPU i.
func (e *Engine) CPU(i int) *CPU { return e.cpus[i] }

// NCPU returns the local pCPU count.
func (e *Engine) NCPU() int { return len(e.cpus) }

// Register installs the handler for a request type. Types without handlers
// must be replies; anything else received is fatal. Double registration is
// a programming error.
func (e *Engine) Register(t Type, fn Handler) {
	e.register(t, fn, false)
}

// RegisterNode0 installs a handler that only the bootstrap node services.
func (e *Engine) RegisterNode0(t Type, fn Handler) {
	e.register(t, fn, true)
}

func (e *Engine) register(t Type, fn Handler, node0Only bool) {
	if !t.Valid() {
		panic(fmt.Sprintf("msg: register invalid type %d", t))
	}
	if t.IsReply() {
		panic(fmt.Sprintf("msg: %s is a reply type, replies route by connection id", t))
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.registry[t].handler != nil {
		panic(fmt.Sprintf("msg: %s registered twice", t))
	}
	e.registry[t] = regEntry{handler: fn, node0Only: node0Only}
}

func (e *Engine) lookup(t Type) regEntry {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	return e.registry[t]
}

// newConnection mints a connection ID: a monotonic counter in the upper 29
// bits, the originating CPU in the low 3.
func (e *Engine) newConnection(cpu int) uint32 {
	e.connMu.Lock()
	c := e.connNext
	e.connNext++
	e.connMu.Unlock()
	return c<<3 | uint32(cpu&0x7)
}

// Message builds a non-request message (no reply expected).
func (c *CPU) Message(dst netio.MAC, p Payload, body []byte) *Message {
	return &Message{
		DstMAC: dst,
		Hdr: Header{
			Type:         p.msgType(),
			SrcNodeID:    c.e.local.NodeID(),
			ConnectionID: c.e.newConnection(c.id),
		},
		Payload: p,
		Body:    body,
	}
}

// Request builds a request and claims this CPU's waiting-reply slot.
// Issuing a second request while one is outstanding is fatal.
func (c *CPU) Request(dst netio.MAC, p Payload, body []byte) *Message {
	if !p.msgType().expectsReply() {
		panic(fmt.Sprintf("msg: %s is not a request type", p.msgType()))
	}
	if c.waitingReply != nil {
		c.e.Fatalf("double-request", "cpu%d: request %s while %s outstanding",
			c.id, p.msgType(), c.waitingReply.Hdr.Type)
		return nil
	}
	m := c.Message(dst, p, body)
	m.reply = make(chan *Message, 1)
	c.waitingReply = m
	return m
}

// RequestToNode resolves the destination MAC through the cluster table.
func (c *CPU) RequestToNode(dst cluster.NodeID, p Payload, body []byte) (*Message, error) {
	n, ok := c.e.tbl.Node(dst)
	if !ok {
		return nil, fmt.Errorf("msg: unknown node %d", dst)
	}
	return c.Request(n.MAC, p, body), nil
}

// MessageToNode resolves the destination MAC through the cluster table.
func (c *CPU) MessageToNode(dst cluster.NodeID, p Payload, body []byte) (*Message, error) {
	n, ok := c.e.tbl.Node(dst)
	if !ok {
		return nil, fmt.Errorf("msg: unknown node %d", dst)
	}
	return c.Message(n.MAC, p, body), nil
}

// Broadcast builds a message addressed to every node on the segment.
func (c *CPU) Broadcast(p Payload, body []byte) *Message {
	return c.Message(netio.BroadcastMAC, p, body)
}

// Send emits exactly one frame. Sending to self is a fatal programming
// error; the transport never loops a frame back.
func (e *Engine) Send(m *Message) error {
	if m == nil {
		return fmt.Errorf("msg: nil message")
	}
	if m.DstMAC == e.port.HWAddr() {
		e.Fatalf("self-send", "send %s to own mac %s", m.Hdr.Type, m.DstMAC)
		return fmt.Errorf("msg: send to self")
	}

	t := m.Hdr.Type
	buf := make([]byte, commonHdrLen+payloadSize[t])
	buf[0] = byte(t)
	buf[1] = byte(m.Hdr.SrcNodeID)
	putU32(buf[4:], m.Hdr.ConnectionID)
	m.Payload.encode(buf[commonHdrLen:])

	log.WithFields(log.Fields{
		"node": e.local.NodeID(),
		"dst":  m.DstMAC.String(),
		"conn": m.Hdr.ConnectionID,
	}).Debugf("send %s", t)

	if e.metrics != nil {
		e.metrics.MsgSent.WithLabelValues(t.String()).Inc()
	}
	return e.port.Xmit(m.DstMAC, t.EtherType(), buf, m.Body)
}

// Reply answers req: same connection ID, destination taken from the
// request's source MAC. Does not wait.
func (e *Engine) Reply(req *Message, p Payload, body []byte) error {
	if !p.msgType().IsReply() {
		panic(fmt.Sprintf("msg: %s is not a reply type", p.msgType()))
	}
	m := &Message{
		DstMAC: req.SrcMAC,
		Hdr: Header{
			Type:         p.msgType(),
			SrcNodeID:    e.local.NodeID(),
			ConnectionID: req.Hdr.ConnectionID,
		},
		Payload: p,
		Body:    body,
	}
	return e.Send(m)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// rxFrame is the receive interrupt path. It runs on the port's delivery
// goroutine: decode, then route — replies to the CPU named by the
// connection ID low bits, everything else to CPU 0's inbound queue.
func (e *Engine) rxFrame(src netio.MAC, etherType uint16, payload, body []byte) {
	if etherType>>8 != EtherProto {
		// Unrelated traffic on the segment.
		return
	}
	if e.Halted() {
		return
	}

	t := Type(etherType & 0xff)
	if !t.Valid() {
		e.Fatalf("bad-msg-type", "rx unknown message type %#x from %s", uint8(t), src)
		return
	}
	want := commonHdrLen + payloadSize[t]
	if len(payload) < want {
		e.Fatalf("short-msg", "rx %s: %d bytes, want %d", t, len(payload), want)
		return
	}
	if Type(payload[0]) != t {
		e.Fatalf("type-mismatch", "rx %s: header says %d", t, payload[0])
		return
	}

	p := newPayload(t)
	p.decode(payload[commonHdrLen:want])

	m := &Message{
		SrcMAC: src,
		Hdr: Header{
			Type:         t,
			SrcNodeID:    cluster.NodeID(payload[1]),
			ConnectionID: getU32(payload[4:]),
		},
		Payload: p,
	}

	switch {
	case body != nil:
		// Port handed the body over as its own segment; take ownership.
		m.Body = body
	case len(payload) > want:
		// Inline body in a buffer the port will reuse; copy out before the
		// dispatch frame ends.
		m.Body = append([]byte(nil), payload[want:]...)
	}

	if e.metrics != nil {
		e.metrics.MsgReceived.WithLabelValues(t.String()).Inc()
	}

	if t.IsReply() {
		idx := m.Hdr.CPUIndex()
		if idx >= len(e.cpus) {
			e.Fatalf("bad-reply-cpu", "reply %s for cpu%d, have %d cpus", t, idx, len(e.cpus))
			return
		}
		e.cpus[idx].enqueue(m)
		return
	}
	e.cpus[0].enqueue(m)
}

// Busy reports whether this CPU's waiting-reply slot is held. A handler
// that needs to issue its own request (the fetch-forward path) checks this
// and retries later rather than claiming an occupied slot. Owner-goroutine
// only, like the slot itself.
func (c *CPU) Busy() bool { return c.waitingReply != nil }

// Requeue puts a message back on this CPU's inbound FIFO. Handlers use it
// to retry a message that raced an in-flight state transition. Inside a
// dispatch the message is parked until Service exits, so the retry waits
// for the next dispatch instead of spinning in this one.
func (c *CPU) Requeue(m *Message) {
	if c.lazyDepth > 0 {
		c.deferred = append(c.deferred, m)
		return
	}
	c.enqueue(m)
}

// enqueue appends to the inbound FIFO and raises the IPI stand-in.
func (c *CPU) enqueue(m *Message) {
	c.mu.Lock()
	c.queue = append(c.queue, m)
	c.mu.Unlock()

	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// Service drains the inbound queue: the lazy-IRQ dispatcher. For each
// message it runs the registered handler, or installs it as the waiting
// reply. Handlers run with the queue unlocked so they can send requests
// and wait for replies; nested Service on the same CPU is forbidden.
func (c *CPU) Service() {
	if c.lazyDepth != 0 {
		panic("msg: nested lazy-irq dispatch")
	}
	c.lazyDepth++
	defer func() {
		c.lazyDepth--
		if len(c.deferred) > 0 {
			parked := c.deferred
			c.deferred = nil
			for _, m := range parked {
				c.enqueue(m)
			}
		}
	}()

	for {
		c.mu.Lock()
		head := c.queue
		c.queue = nil
		c.mu.Unlock()

		if len(head) == 0 {
			return
		}
		for _, m := range head {
			c.deliver(m)
		}
	}
}

func (c *CPU) deliver(m *Message) {
	if c.e.Halted() {
		return
	}
	t := m.Hdr.Type
	ent := c.e.lookup(t)
	if ent.handler != nil && ent.node0Only && !c.e.local.Bootstrap {
		c.e.Fatalf("role-mismatch", "cpu%d: %s is node0-only", c.id, t)
		return
	}
	if ent.handler != nil {
		log.WithFields(log.Fields{
			"node": c.e.local.NodeID(),
			"cpu":  c.id,
			"conn": m.Hdr.ConnectionID,
		}).Debugf("handle %s", t)
		ent.handler(c, m)
		return
	}
	if t.IsReply() {
		c.installReply(m)
		return
	}
	c.e.Fatalf("no-handler", "cpu%d: no handler for %s", c.id, t)
}

// installReply completes this CPU's outstanding request. A reply with no
// request waiting is fatal.
func (c *CPU) installReply(m *Message) {
	wr := c.waitingReply
	if wr == nil {
		c.e.Fatalf("orphan-reply", "cpu%d: %s with no outstanding request", c.id, m.Hdr.Type)
		return
	}
	c.waitingReply = nil
	wr.reply <- m
}

// installPendingReplies pulls reply-type messages out of the queue without
// running any handlers. Used while blocked inside a handler, where full
// dispatch would nest.
func (c *CPU) installPendingReplies() {
	c.mu.Lock()
	var rest []*Message
	var replies []*Message
	for _, m := range c.queue {
		if m.Hdr.Type.IsReply() {
			replies = append(replies, m)
		} else {
			rest = append(rest, m)
		}
	}
	c.queue = rest
	c.mu.Unlock()

	for _, m := range replies {
		c.installReply(m)
	}
}

// RecvReply waits for the reply to req, servicing this CPU's inbound queue
// while it waits — the wfi-and-dispatch idle loop. The reply watchdog
// escalates to the fatal hook.
func (c *CPU) RecvReply(req *Message) (*Message, error) {
	if req == nil || req.reply == nil {
		panic("msg: RecvReply on a non-request")
	}
	deadline := time.NewTimer(c.e.replyTimeout)
	defer deadline.Stop()

	for {
		select {
		case r := <-req.reply:
			return r, nil
		default:
		}

		if c.lazyDepth > 0 {
			c.installPendingReplies()
		} else {
			c.Service()
		}

		select {
		case r := <-req.reply:
			return r, nil
		case <-c.poke:
		case <-deadline.C:
			c.e.Fatalf("reply-timeout", "cpu%d: no reply for %s conn %#x",
				c.id, req.Hdr.Type, req.Hdr.ConnectionID)
			return nil, ErrReplyTimeout
		}
	}
}

// WaitCond services the inbound queue until cond holds. The cluster state
// machine idles here during bring-up.
func (c *CPU) WaitCond(cond func() bool, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cond() {
			return nil
		}
		if c.lazyDepth > 0 {
			panic("msg: WaitCond inside handler")
		}
		c.Service()
		if cond() {
			return nil
		}
		select {
		case <-c.poke:
		case <-deadline.C:
			return fmt.Errorf("msg: condition wait timed out after %s", timeout)
		}
	}
}
