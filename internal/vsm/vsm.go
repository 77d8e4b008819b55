// Package vsm is the page-coherence engine: it turns stage-2 faults on
// guest-physical addresses into message exchanges that make the page
// present locally with the right permissions, under a single-writer /
// multiple-reader discipline with copyset-based invalidation.
package vsm

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/spanvm/spanvisor/internal/cluster"
	"github.com/spanvm/spanvisor/internal/msg"
	"github.com/spanvm/spanvisor/internal/s2mm"
	"github.com/spanvm/spanvisor/internal/telemetry"
)

// HoldersBroadcast is the overflow sentinel in a FETCH_REPLY holders field:
// the copyset lost track, invalidate every node.
const HoldersBroadcast = ^uint64(0)

// ErrNoMapping reports an IPA outside every node's memory range. The
// caller injects an abort into the guest; it is not a hypervisor failure.
var ErrNoMapping = errors.New("vsm: address outside guest memory")

// Engine is one node's coherence engine.
type Engine struct {
	tbl     *cluster.Table
	local   *cluster.Local
	msgE    *msg.Engine
	s2      *s2mm.Stage2
	metrics *telemetry.Metrics
	pool    *PagePool

	// idxMu guards the cache index only; per-page state is behind each
	// page's lock bit.
	idxMu sync.Mutex
	pages map[uint64]*CachePage
}

func pageAlign(ipa uint64) uint64 { return ipa &^ (cluster.PageSize - 1) }

// New builds the engine and registers its message handlers.
func New(tbl *cluster.Table, local *cluster.Local, m *msg.Engine, s2 *s2mm.Stage2, pool *PagePool, metrics *telemetry.Metrics) *Engine {
	e := &Engine{
		tbl:     tbl,
		local:   local,
		msgE:    m,
		s2:      s2,
		metrics: metrics,
		pool:    pool,
		pages:   make(map[uint64]*CachePage),
	}
	m.Register(msg.TypeFetch, e.handleFetch)
	m.Register(msg.TypeInvalidate, e.handleInvalidate)
	return e
}

// page returns the cache entry for a page IPA, allocating on first touch.
// Entries live until the VM stops.
func (e *Engine) page(ipa uint64) *CachePage {
	e.idxMu.Lock()
	defer e.idxMu.Unlock()
	cp, ok := e.pages[ipa]
	if !ok {
		cp = &CachePage{ipa: ipa, frame: noFrame}
		e.pages[ipa] = cp
	}
	return cp
}

// InitLocalRange maps this node's slice of guest RAM writable with itself
// as owner. Runs during cluster me-setup, before any guest access.
func (e *Engine) InitLocalRange() error {
	me, ok := e.tbl.Node(e.local.NodeID())
	if !ok {
		return fmt.Errorf("vsm: local node %d not in cluster table", e.local.NodeID())
	}
	for ipa := me.Mem.Start; ipa < me.Mem.Start+me.Mem.Size; ipa += cluster.PageSize {
		frame, err := e.pool.Alloc()
		if err != nil {
			return fmt.Errorf("vsm: mapping %#x: %w", ipa, err)
		}
		cp := e.page(ipa)
		cp.frame = frame
		cp.SetOwner(e.local.NodeID())
		e.s2.Set(ipa, s2mm.NewPTE(frame, true))
	}
	log.WithFields(log.Fields{
		"node":  e.local.NodeID(),
		"start": fmt.Sprintf("%#x", me.Mem.Start),
		"size":  me.Mem.Size,
	}).Info("vsm: local range mapped")
	return nil
}

// Access reads or writes guest memory that may live on a remote node,
// chunking across page boundaries. Emulated-MMIO paths and hypervisor
// internal accesses come through here.
func (e *Engine) Access(c *msg.CPU, ipa uint64, buf []byte, write bool) error {
	for len(buf) > 0 {
		page := pageAlign(ipa)
		off := ipa - page
		n := cluster.PageSize - off
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		if err := e.accessChunk(c, page, off, buf[:n], write); err != nil {
			return err
		}
		ipa += n
		buf = buf[n:]
	}
	return nil
}

func (e *Engine) accessChunk(c *msg.CPU, page, off uint64, buf []byte, write bool) error {
	cp := e.page(page)
	for fetched := false; ; fetched = true {
		cp.Lock()
		pte := e.s2.Lookup(page)
		if pte.Valid() && (!write || pte.Writable()) {
			data := e.pool.Data(pte.Frame())
			if write {
				copy(data[off:], buf)
			} else {
				copy(buf, data[off:])
			}
			cp.Unlock()
			return nil
		}
		cp.Unlock()

		// Still missing after a fetch: a concurrent invalidate raced the
		// install; the page re-faults and re-fetches.
		if fetched && e.metrics != nil {
			e.metrics.CoherenceRetries.Inc()
		}
		if err := e.FetchPage(c, page, write); err != nil {
			return err
		}
	}
}

// ReadFetchPage makes the page readable locally and returns its frame.
func (e *Engine) ReadFetchPage(c *msg.CPU, ipa uint64) ([]byte, error) {
	return e.fetchIfNeeded(c, pageAlign(ipa), false)
}

// WriteFetchPage makes the page writable locally and returns its frame.
func (e *Engine) WriteFetchPage(c *msg.CPU, ipa uint64) ([]byte, error) {
	return e.fetchIfNeeded(c, pageAlign(ipa), true)
}

func (e *Engine) fetchIfNeeded(c *msg.CPU, page uint64, write bool) ([]byte, error) {
	for {
		pte := e.s2.Lookup(page)
		if pte.Valid() && (!write || pte.Writable()) {
			return e.pool.Data(pte.Frame()), nil
		}
		if err := e.FetchPage(c, page, write); err != nil {
			return nil, err
		}
	}
}

// FetchPage resolves a stage-2 miss: fetch the page from its home (or the
// owner, when we are the home), install it locally, and on a write fetch
// invalidate every other holder before returning.
func (e *Engine) FetchPage(c *msg.CPU, ipa uint64, write bool) error {
	page := pageAlign(ipa)
	home, ok := e.tbl.HomeOf(page)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoMapping, page)
	}
	self := e.local.NodeID()

	cp := e.page(page)
	cp.fetchMu.Lock()
	defer cp.fetchMu.Unlock()

	// Another local CPU may have fetched while we waited.
	if pte := e.s2.Lookup(page); pte.Valid() && (!write || pte.Writable()) {
		return nil
	}

	cp.fetching.Store(true)
	defer cp.fetching.Store(false)

	var target cluster.NodeID
	if home == self {
		// We are the home with no usable copy: the page migrated. The
		// owner field is the forwarding pointer.
		target = cp.Owner()
		if target == self {
			e.msgE.Fatalf("coherence", "fetch %#x: home owns page but has no copy", page)
			return fmt.Errorf("vsm: inconsistent owner for %#x", page)
		}
	} else {
		target = home
	}

	req, err := c.RequestToNode(target, &msg.Fetch{IPA: page, WantWrite: write, ForNode: self}, nil)
	if err != nil {
		return err
	}
	if err := e.msgE.Send(req); err != nil {
		return err
	}
	rep, err := c.RecvReply(req)
	if err != nil {
		return err
	}
	fr := rep.Payload.(*msg.FetchReply)

	if err := e.installPage(page, rep.Body, write, fr); err != nil {
		return err
	}

	if write {
		if err := e.invalidateHolders(c, page, fr.Holders); err != nil {
			return err
		}
		cp.SetOwner(self)
	}
	return nil
}

// installPage copies fetched data into a fresh frame and maps it.
func (e *Engine) installPage(page uint64, data []byte, write bool, fr *msg.FetchReply) error {
	cp := e.page(page)
	cp.Lock()
	defer cp.Unlock()

	pte := e.s2.Lookup(page)
	frame := pte.Frame()
	if !pte.Valid() {
		var err error
		frame, err = e.pool.Alloc()
		if err != nil {
			e.msgE.Fatalf("oom", "vsm: install %#x: %v", page, err)
			return err
		}
	}
	copy(e.pool.Data(frame), data)
	cp.frame = frame
	e.s2.Set(page, s2mm.NewPTE(frame, write))
	if !write {
		cp.SetOwner(fr.Owner)
	}
	if e.metrics != nil {
		e.metrics.PageInstalls.Inc()
	}
	return nil
}

// invalidateHolders revokes every read copy recorded in the holders
// bitmap; the overflow sentinel widens it to the whole cluster. One
// request at a time — the per-CPU reply slot holds exactly one.
func (e *Engine) invalidateHolders(c *msg.CPU, page uint64, holders uint64) error {
	self := e.local.NodeID()
	broadcast := holders == HoldersBroadcast

	for i := 0; i < e.tbl.NrNodes(); i++ {
		n := cluster.NodeID(i)
		if n == self {
			continue
		}
		if !broadcast && holders&(1<<n) == 0 {
			continue
		}
		req, err := c.RequestToNode(n, &msg.Invalidate{IPA: page}, nil)
		if err != nil {
			return err
		}
		if err := e.msgE.Send(req); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.Invalidates.Inc()
		}
		rep, err := c.RecvReply(req)
		if err != nil {
			return err
		}
		ack := rep.Payload.(*msg.InvalidateAck)
		if ack.Status != 0 {
			e.msgE.Fatalf("coherence", "invalidate %#x: node %d status %d", page, n, ack.Status)
			return fmt.Errorf("vsm: invalidate refused by node %d", n)
		}
		if e.metrics != nil {
			e.metrics.InvalidateAcks.Inc()
		}
	}
	return nil
}

// handleFetch services FETCH on the home or current owner. With a local
// copy it serves directly; without one it forwards to the recorded owner —
// single-hop by construction, the home always points at the last writer.
func (e *Engine) handleFetch(c *msg.CPU, m *msg.Message) {
	f := m.Payload.(*msg.Fetch)
	page := pageAlign(f.IPA)
	requester := f.ForNode
	self := e.local.NodeID()
	cp := e.page(page)

	cp.Lock()
	pte := e.s2.Lookup(page)

	if pte.Valid() {
		if e.metrics != nil {
			e.metrics.FetchesServed.Inc()
		}
		if f.WantWrite {
			// Hand over exclusivity: ship data and the copyset, demote to
			// invalid, point the forwarding pointer at the new owner.
			holders := pte.CopysetBitmap() &^ (1 << requester)
			if pte.Overflowed() {
				holders = HoldersBroadcast
			}
			frame := pte.Frame()
			data := append([]byte(nil), e.pool.Data(frame)...)
			e.s2.Set(page, s2mm.Invalid)
			e.s2.TLBFlushIPA(page)
			e.pool.Free(frame)
			cp.frame = noFrame
			cp.SetOwner(requester)
			cp.Unlock()

			e.reply(m, &msg.FetchReply{IPA: page, Holders: holders, Owner: requester, WantWrite: true}, data)
			return
		}

		// Read fetch: downgrade M to S and track the new holder.
		wasWritable := pte.Writable()
		npte := pte.Downgrade().AddCopy(requester)
		e.s2.Set(page, npte)
		if wasWritable {
			e.s2.TLBFlushIPA(page)
		}
		data := append([]byte(nil), e.pool.Data(npte.Frame())...)
		cp.Unlock()

		e.reply(m, &msg.FetchReply{IPA: page, Holders: 0, Owner: self, WantWrite: false}, data)
		return
	}

	// No local copy. While our own fetch of this page is in flight the
	// owner pointer is not trustworthy; retry the message after the
	// transition settles instead of forwarding through stale state.
	if cp.fetching.Load() {
		cp.Unlock()
		c.Requeue(m)
		return
	}

	owner := cp.Owner()
	if owner == self {
		cp.Unlock()
		e.msgE.Fatalf("coherence", "fetch %#x from %d: no copy, owner=%d", page, requester, owner)
		return
	}
	if owner == requester {
		// We granted this page to the requester and its install has not
		// landed yet; retry once the transition settles.
		cp.Unlock()
		c.Requeue(m)
		return
	}
	cp.Unlock()

	// Forwarding needs this CPU's reply slot. If an outer request holds
	// it (this dispatch ran from inside its reply wait), retry once the
	// slot frees; claiming it here would break the single-outstanding
	// contract.
	if c.Busy() {
		c.Requeue(m)
		return
	}

	if e.metrics != nil {
		e.metrics.FetchForwards.Inc()
	}

	// Leaf-lock discipline: the lock is dropped; forward, then re-take to
	// update the ownership record.
	fwd, err := c.RequestToNode(owner, &msg.Fetch{IPA: page, WantWrite: f.WantWrite, ForNode: requester}, nil)
	if err != nil {
		e.msgE.Fatalf("coherence", "fetch %#x: forward to %d: %v", page, owner, err)
		return
	}
	if err := e.msgE.Send(fwd); err != nil {
		e.msgE.Fatalf("coherence", "fetch %#x: forward send: %v", page, err)
		return
	}
	rep, err := c.RecvReply(fwd)
	if err != nil {
		return
	}
	fr := rep.Payload.(*msg.FetchReply)

	cp.Lock()
	if f.WantWrite {
		cp.SetOwner(requester)
	} else {
		cp.SetOwner(fr.Owner)
	}
	cp.Unlock()

	e.reply(m, &msg.FetchReply{IPA: page, Holders: fr.Holders, Owner: fr.Owner, WantWrite: f.WantWrite}, rep.Body)
}

// handleInvalidate revokes the local copy. A racing local access is
// harmless: it re-faults and re-fetches.
func (e *Engine) handleInvalidate(c *msg.CPU, m *msg.Message) {
	inv := m.Payload.(*msg.Invalidate)
	page := pageAlign(inv.IPA)
	cp := e.page(page)

	cp.Lock()
	pte := e.s2.Lookup(page)
	if pte.Valid() {
		frame := pte.Frame()
		e.s2.Set(page, s2mm.Invalid)
		e.s2.TLBFlushIPA(page)
		e.pool.Free(frame)
		cp.frame = noFrame
	}
	cp.SetOwner(m.Hdr.SrcNodeID)
	cp.Unlock()

	e.reply(m, &msg.InvalidateAck{IPA: page, Status: 0}, nil)
}

func (e *Engine) reply(req *msg.Message, p msg.Payload, body []byte) {
	if err := e.msgE.Reply(req, p, body); err != nil {
		log.WithError(err).WithField("node", e.local.NodeID()).Warn("vsm: reply failed")
	}
}

// FlushHome pulls every page homed here back to a readable local copy.
// The shutdown path runs this so each node halts holding its own slice's
// final contents.
func (e *Engine) FlushHome(c *msg.CPU) error {
	me, ok := e.tbl.Node(e.local.NodeID())
	if !ok {
		return fmt.Errorf("vsm: local node %d not in cluster table", e.local.NodeID())
	}
	for ipa := me.Mem.Start; ipa < me.Mem.Start+me.Mem.Size; ipa += cluster.PageSize {
		pte := e.s2.Lookup(ipa)
		if pte.Valid() {
			continue
		}
		if err := e.FetchPage(c, ipa, false); err != nil {
			return fmt.Errorf("vsm: flush %#x: %w", ipa, err)
		}
	}
	return nil
}

// Stage2 exposes the table for the fault path and the test suite.
func (e *Engine) Stage2() *s2mm.Stage2 { return e.s2 }
