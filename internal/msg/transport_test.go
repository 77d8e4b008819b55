package msg

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/netio"
	"github.com/spanvm/spanvisor/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	engine *Engine
	local  *cluster.Local
	port   netio.Port
}

// newTestCluster attaches n engines to one in-memory segment with a
// shared, pre-built cluster table — the post-quorum world.
func newTestCluster(t *testing.T, ncpus ...int) []*testNode {
	nodes, _ := newTestClusterSwitch(t, ncpus...)
	return nodes
}

func newTestClusterSwitch(t *testing.T, ncpus ...int) ([]*testNode, *netio.Switch) {
	t.Helper()
	sw := netio.NewSwitch()
	tbl := cluster.NewTable()

	var nodes []*testNode
	for i, ncpu := range ncpus {
		mac := netio.MAC{0x02, 0, 0, 0, 0, byte(i)}
		if _, err := tbl.AckNode(mac, ncpu, 4096); err != nil {
			t.Fatal(err)
		}
		port, err := sw.Attach(mac)
		if err != nil {
			t.Fatal(err)
		}
		local := &cluster.Local{MAC: mac, NVCpu: ncpu, AllocBytes: 4096, Bootstrap: i == 0}
		local.SetIdentity(cluster.NodeID(i))

		e := New(port, tbl, local, telemetry.New(), ncpu)
		e.SetReplyTimeout(500 * time.Millisecond)
		nodes = append(nodes, &testNode{engine: e, local: local, port: port})
		t.Cleanup(func() { port.Close() })
	}
	return nodes, sw
}

// serve runs a CPU's service loop until test cleanup.
func serve(t *testing.T, c *CPU) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.WaitCond(func() bool {
				select {
				case <-stop:
					return true
				default:
					return false
				}
			}, 5*time.Millisecond)
		}
	}()
	t.Cleanup(func() { close(stop); <-done })
}

func TestRequestReplyPairing(t *testing.T) {
	nodes := newTestCluster(t, 1, 1)
	a, b := nodes[0], nodes[1]

	b.engine.Register(TypeFetch, func(c *CPU, m *Message) {
		f := m.Payload.(*Fetch)
		if err := b.engine.Reply(m, &FetchReply{IPA: f.IPA, Owner: 1}, []byte{0xab}); err != nil {
			t.Errorf("reply: %v", err)
		}
	})
	serve(t, b.engine.CPU(0))

	cpu := a.engine.CPU(0)
	req, err := cpu.RequestToNode(1, &Fetch{IPA: 0x40001000, ForNode: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.engine.Send(req); err != nil {
		t.Fatal(err)
	}
	rep, err := cpu.RecvReply(req)
	if err != nil {
		t.Fatal(err)
	}

	if rep.Hdr.ConnectionID != req.Hdr.ConnectionID {
		t.Errorf("reply conn %#x, request conn %#x", rep.Hdr.ConnectionID, req.Hdr.ConnectionID)
	}
	if rep.Hdr.SrcNodeID != 1 {
		t.Errorf("reply src = %d, want 1", rep.Hdr.SrcNodeID)
	}
	fr := rep.Payload.(*FetchReply)
	if fr.IPA != 0x40001000 || fr.Owner != 1 {
		t.Errorf("reply payload = %+v", fr)
	}
	if len(rep.Body) != 1 || rep.Body[0] != 0xab {
		t.Errorf("reply body = %v", rep.Body)
	}
}

func TestReplyRoutedByConnectionID(t *testing.T) {
	// A request from CPU 3 gets its reply on CPU 3's queue no matter
	// which goroutine received the frame.
	nodes := newTestCluster(t, 4, 1)
	a, b := nodes[0], nodes[1]

	b.engine.Register(TypeMMIORequest, func(c *CPU, m *Message) {
		b.engine.Reply(m, &MMIOReply{Value: 0x99}, nil)
	})
	serve(t, b.engine.CPU(0))

	cpu3 := a.engine.CPU(3)
	req, err := cpu3.RequestToNode(1, &MMIORequest{Addr: 0x9000000, Size: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.Hdr.ConnectionID&0x7 != 3 {
		t.Fatalf("conn id %#x does not carry cpu 3", req.Hdr.ConnectionID)
	}
	if err := a.engine.Send(req); err != nil {
		t.Fatal(err)
	}
	rep, err := cpu3.RecvReply(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Hdr.CPUIndex() != 3 {
		t.Errorf("reply routed to cpu %d, want 3", rep.Hdr.CPUIndex())
	}
	if rep.Payload.(*MMIOReply).Value != 0x99 {
		t.Errorf("value = %#x", rep.Payload.(*MMIOReply).Value)
	}
}

func TestBroadcastReachesAllButSender(t *testing.T) {
	nodes := newTestCluster(t, 1, 1, 1)

	var got [3]atomic.Int32
	for i := 1; i < 3; i++ {
		i := i
		nodes[i].engine.Register(TypeInit, func(c *CPU, m *Message) {
			got[i].Add(1)
		})
		serve(t, nodes[i].engine.CPU(0))
	}
	nodes[0].engine.Register(TypeInit, func(c *CPU, m *Message) {
		got[0].Add(1)
	})

	cpu := nodes[0].engine.CPU(0)
	if err := nodes[0].engine.Send(cpu.Broadcast(&Init{}, nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got[1].Load() == 1 && got[2].Load() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got[1].Load() != 1 || got[2].Load() != 1 {
		t.Fatalf("peers saw %d,%d broadcasts, want 1,1", got[1].Load(), got[2].Load())
	}
	cpu.Service()
	if got[0].Load() != 0 {
		t.Error("sender handled its own broadcast")
	}
}

func TestHandlerNestedRequest(t *testing.T) {
	// B's FETCH handler itself issues a request back to A and waits.
	// The reply must reach it even though B's cpu0 is inside a handler —
	// the lazy-IRQ path installs replies without re-entering dispatch.
	nodes := newTestCluster(t, 1, 1)
	a, b := nodes[0], nodes[1]

	a.engine.Register(TypeMMIORequest, func(c *CPU, m *Message) {
		a.engine.Reply(m, &MMIOReply{Value: 7}, nil)
	})

	b.engine.Register(TypeFetch, func(c *CPU, m *Message) {
		nested, err := c.RequestToNode(0, &MMIORequest{Addr: 0x100}, nil)
		if err != nil {
			t.Errorf("nested request: %v", err)
			return
		}
		if err := b.engine.Send(nested); err != nil {
			t.Errorf("nested send: %v", err)
			return
		}
		rep, err := c.RecvReply(nested)
		if err != nil {
			t.Errorf("nested reply: %v", err)
			return
		}
		b.engine.Reply(m, &FetchReply{IPA: rep.Payload.(*MMIOReply).Value}, nil)
	})
	serve(t, b.engine.CPU(0))

	cpu := a.engine.CPU(0)
	req, _ := cpu.RequestToNode(1, &Fetch{IPA: 0x40000000}, nil)
	if err := a.engine.Send(req); err != nil {
		t.Fatal(err)
	}
	rep, err := cpu.RecvReply(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Payload.(*FetchReply).IPA != 7 {
		t.Errorf("nested result = %d, want 7", rep.Payload.(*FetchReply).IPA)
	}
}

func fatalRecorder() (*sync.Mutex, *[]string, FatalFunc) {
	var mu sync.Mutex
	var tags []string
	return &mu, &tags, func(tag string) {
		mu.Lock()
		tags = append(tags, tag)
		mu.Unlock()
	}
}

func TestSendToSelfFatal(t *testing.T) {
	nodes := newTestCluster(t, 1)
	a := nodes[0]
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	m := a.engine.CPU(0).Message(a.local.MAC, &Init{}, nil)
	if err := a.engine.Send(m); err == nil {
		t.Error("self-send returned nil error")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*tags) != 1 || (*tags)[0] != "self-send" {
		t.Errorf("fatal tags = %v", *tags)
	}
}

func TestUnknownMessageTypeFatal(t *testing.T) {
	nodes, sw := newTestClusterSwitch(t, 1)
	a := nodes[0]
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	// A rogue frame carrying our protocol magic with a type outside the
	// closed set.
	rogue, err := sw.Attach(netio.MAC{0x02, 0xff, 0, 0, 0, 0xee})
	if err != nil {
		t.Fatal(err)
	}
	defer rogue.Close()
	if err := rogue.Xmit(a.local.MAC, EtherProto<<8|0xfe, make([]byte, 16), nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*tags)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*tags) == 0 || (*tags)[0] != "bad-msg-type" {
		t.Errorf("fatal tags = %v", *tags)
	}
}

func TestUnrelatedEtherTypeIgnored(t *testing.T) {
	nodes, sw := newTestClusterSwitch(t, 1)
	a := nodes[0]
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	other, err := sw.Attach(netio.MAC{0x02, 0xff, 0, 0, 0, 0xdd})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	// IPv4 traffic on the same segment is not ours and not an error.
	if err := other.Xmit(a.local.MAC, 0x0800, []byte{1, 2, 3}, nil); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*tags) != 0 {
		t.Errorf("fatal tags = %v, want none", *tags)
	}
}

func TestDoubleRequestFatal(t *testing.T) {
	nodes := newTestCluster(t, 1, 1)
	a := nodes[0]
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	cpu := a.engine.CPU(0)
	if _, err := cpu.RequestToNode(1, &Fetch{IPA: 0x40000000}, nil); err != nil {
		t.Fatal(err)
	}
	// Second request with the first still outstanding.
	cpu.RequestToNode(1, &Fetch{IPA: 0x40001000}, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(*tags) == 0 || (*tags)[0] != "double-request" {
		t.Errorf("fatal tags = %v", *tags)
	}
}

func TestOrphanReplyFatal(t *testing.T) {
	nodes := newTestCluster(t, 1, 1)
	a, b := nodes[0], nodes[1]
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	// B replies to a request A never sent.
	fake := &Message{
		SrcMAC: a.local.MAC,
		Hdr:    Header{Type: TypeFetch, SrcNodeID: 0, ConnectionID: 0},
	}
	if err := b.engine.Reply(fake, &FetchReply{}, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		a.engine.CPU(0).Service()
		mu.Lock()
		n := len(*tags)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*tags) == 0 || (*tags)[0] != "orphan-reply" {
		t.Errorf("fatal tags = %v", *tags)
	}
}

func TestReplyWatchdog(t *testing.T) {
	nodes := newTestCluster(t, 1, 1)
	a := nodes[0]
	a.engine.SetReplyTimeout(50 * time.Millisecond)
	mu, tags, fn := fatalRecorder()
	a.engine.SetFatal(fn)

	cpu := a.engine.CPU(0)
	req, _ := cpu.RequestToNode(1, &Fetch{IPA: 0x40000000}, nil)
	if err := a.engine.Send(req); err != nil {
		t.Fatal(err)
	}
	// Node 1 has no handler goroutine running; nothing will answer.
	if _, err := cpu.RecvReply(req); err != ErrReplyTimeout {
		t.Fatalf("err = %v, want ErrReplyTimeout", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*tags) == 0 || (*tags)[0] != "reply-timeout" {
		t.Errorf("fatal tags = %v", *tags)
	}
}

func TestHaltDropsTraffic(t *testing.T) {
	nodes := newTestCluster(t, 1, 1)
	a, b := nodes[0], nodes[1]

	var handled atomic.Int32
	b.engine.Register(TypeInit, func(c *CPU, m *Message) { handled.Add(1) })
	b.engine.Halt()
	serve(t, b.engine.CPU(0))

	if err := a.engine.Send(a.engine.CPU(0).Broadcast(&Init{}, nil)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 0 {
		t.Error("halted engine handled a message")
	}
}
