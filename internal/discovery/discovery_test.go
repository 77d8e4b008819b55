package discovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
	"github.com/spanvm/spanvisor/internal/netio"
	"github.com/spanvm/spanvisor/internal/telemetry"
)

var errSetupBroken = errors.New("local setup broken")

type bringupNode struct {
	tbl   *cluster.Table
	local *cluster.Local
	msgE  *msg.Engine
	disc  *Discovery

	mu    sync.Mutex
	setup int
}

func (n *bringupNode) setupCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.setup
}

// firstTag records only the first fatal tag; later cascading fatals (the
// setup timeout that follows a peer failure) are uninteresting.
type firstTag struct {
	mu  sync.Mutex
	tag string
}

func (f *firstTag) record(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tag == "" {
		f.tag = tag
	}
}

func (f *firstTag) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tag
}

func newBringupNode(t *testing.T, sw *netio.Switch, last byte, bootstrap bool, expected int, setupErr error) *bringupNode {
	t.Helper()
	mac := netio.MAC{0x02, 0, 0, 0, 0, last}
	port, err := sw.Attach(mac)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { port.Close() })

	n := &bringupNode{
		tbl: cluster.NewTable(),
		local: &cluster.Local{
			MAC:        mac,
			NVCpu:      1,
			AllocBytes: 128 << 20,
			Bootstrap:  bootstrap,
		},
	}
	n.msgE = msg.New(port, n.tbl, n.local, telemetry.New(), 1)
	n.msgE.SetReplyTimeout(2 * time.Second)
	n.disc = New(n.tbl, n.local, n.msgE, Config{
		ExpectedNodes: expected,
		SetupTimeout:  3 * time.Second,
	}, func() error {
		n.mu.Lock()
		n.setup++
		n.mu.Unlock()
		return setupErr
	})
	return n
}

func TestTwoNodeBringup(t *testing.T) {
	// Node 0 mac 02:00:00:00:00:00 with 1 vcpu and 128 MiB; node 1 mac
	// 02:00:00:00:00:01 the same. Post-state: two nodes, two vcpus,
	// contiguous memory slices, everyone online, tables bit-exact.
	sw := netio.NewSwitch()
	n0 := newBringupNode(t, sw, 0, true, 2, nil)
	n1 := newBringupNode(t, sw, 1, false, 2, nil)

	var g errgroup.Group
	g.Go(func() error { return n0.disc.Run(n0.msgE.CPU(0)) })
	g.Go(func() error { return n1.disc.Run(n1.msgE.CPU(0)) })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if n0.tbl.NrNodes() != 2 || n0.tbl.NrVCpus() != 2 {
		t.Fatalf("node0 sees %d nodes %d vcpus", n0.tbl.NrNodes(), n0.tbl.NrVCpus())
	}
	if !n0.tbl.Equal(n1.tbl) {
		t.Fatal("cluster tables differ between nodes")
	}

	e0, _ := n0.tbl.Node(0)
	e1, _ := n0.tbl.Node(1)
	if e0.Mem.Start != 0x40000000 || e0.Mem.Size != 128<<20 {
		t.Errorf("node0 mem = %#x+%#x", e0.Mem.Start, e0.Mem.Size)
	}
	if e1.Mem.Start != 0x48000000 || e1.Mem.Size != 128<<20 {
		t.Errorf("node1 mem = %#x+%#x", e1.Mem.Start, e1.Mem.Size)
	}
	if e0.Status != cluster.StatusOnline || e1.Status != cluster.StatusOnline {
		t.Errorf("statuses = %s,%s, want online,online", e0.Status, e1.Status)
	}

	if n1.local.NodeID() != 1 {
		t.Errorf("subnode identity = %d, want 1", n1.local.NodeID())
	}
	if n0.setupCount() != 1 || n1.setupCount() != 1 {
		t.Errorf("setup ran %d,%d times", n0.setupCount(), n1.setupCount())
	}
}

func TestThreeNodeBringup(t *testing.T) {
	sw := netio.NewSwitch()
	n0 := newBringupNode(t, sw, 0, true, 3, nil)
	n1 := newBringupNode(t, sw, 1, false, 3, nil)
	n2 := newBringupNode(t, sw, 2, false, 3, nil)

	var g errgroup.Group
	for _, n := range []*bringupNode{n0, n1, n2} {
		n := n
		g.Go(func() error { return n.disc.Run(n.msgE.CPU(0)) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if n0.tbl.NrNodes() != 3 {
		t.Fatalf("node0 sees %d nodes", n0.tbl.NrNodes())
	}
	if !n0.tbl.Equal(n1.tbl) || !n0.tbl.Equal(n2.tbl) {
		t.Fatal("cluster tables differ")
	}

	// vCPU ids densely allocated across nodes.
	seen := map[cluster.VCpuID]bool{}
	for _, nd := range n0.tbl.Nodes() {
		for i := 0; i < nd.NVCpu; i++ {
			seen[nd.VCpus[i]] = true
		}
	}
	for i := 0; i < 3; i++ {
		if !seen[cluster.VCpuID(i)] {
			t.Errorf("vcpu %d missing from dense allocation", i)
		}
	}
}

func TestSingleNodeCluster(t *testing.T) {
	sw := netio.NewSwitch()
	n0 := newBringupNode(t, sw, 0, true, 1, nil)

	if err := n0.disc.Run(n0.msgE.CPU(0)); err != nil {
		t.Fatal(err)
	}
	if n0.tbl.NrNodes() != 1 {
		t.Errorf("nr nodes = %d", n0.tbl.NrNodes())
	}
	e0, _ := n0.tbl.Node(0)
	if e0.Status != cluster.StatusOnline {
		t.Errorf("status = %s", e0.Status)
	}
}

func TestQuorumTimeoutFatal(t *testing.T) {
	sw := netio.NewSwitch()
	n0 := newBringupNode(t, sw, 0, true, 2, nil)
	n0.disc.cfg.SetupTimeout = 100 * time.Millisecond

	var tag firstTag
	n0.msgE.SetFatal(tag.record)

	// No second node ever answers.
	if err := n0.disc.Run(n0.msgE.CPU(0)); err == nil {
		t.Fatal("bring-up succeeded without quorum")
	}
	if got := tag.get(); got != "quorum-timeout" {
		t.Errorf("fatal tag = %q", got)
	}
}

func TestSubnodeSetupFailureFatal(t *testing.T) {
	sw := netio.NewSwitch()
	n0 := newBringupNode(t, sw, 0, true, 2, nil)
	n0.disc.cfg.SetupTimeout = time.Second
	n1 := newBringupNode(t, sw, 1, false, 2, errSetupBroken)

	var tag firstTag
	n0.msgE.SetFatal(tag.record)

	var g errgroup.Group
	g.Go(func() error { return n0.disc.Run(n0.msgE.CPU(0)) })
	g.Go(func() error { return n1.disc.Run(n1.msgE.CPU(0)) })
	if err := g.Wait(); err == nil {
		t.Fatal("bring-up succeeded with a broken subnode")
	}
	if got := tag.get(); got != "peer-setup" {
		t.Errorf("fatal tag = %q", got)
	}
}
