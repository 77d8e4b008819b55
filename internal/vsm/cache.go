package vsm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/spanvm/spanvisor/internal/cluster"
)

// CachePage flag layout, shared with the original metadata word:
//
//	bits 32..36  owner node ID
//	bit  37      lock
const (
	ownerShift = 32
	ownerMask  = 0x1f
	lockBit    = uint64(1) << 37
)

// CachePage is the per-page coherence record: who owns the page, and a
// lock bit serializing manipulation. One exists for every page this node
// has ever touched; entries are never freed while the VM runs.
type CachePage struct {
	ipa   uint64
	flags atomic.Uint64

	// frame is the local copy's pool frame, or noFrame. Guarded by the
	// lock bit together with the stage-2 entry.
	frame uint64

	// fetchMu serializes local fetches of this page, so concurrent
	// faults on two pCPUs collapse into one message exchange. Never
	// taken by message handlers.
	fetchMu sync.Mutex

	// fetching is set while a local fetch is in flight. A FETCH arriving
	// for the page in that window must be retried, not forwarded through
	// a stale owner pointer.
	fetching atomic.Bool
}

const noFrame = ^uint64(0)

// Lock takes the page's lock bit, spinning; the critical sections it
// guards never cross network I/O.
func (p *CachePage) Lock() {
	for {
		old := p.flags.Load()
		if old&lockBit == 0 && p.flags.CompareAndSwap(old, old|lockBit) {
			return
		}
		runtime.Gosched()
	}
}

// Unlock drops the lock bit.
func (p *CachePage) Unlock() {
	for {
		old := p.flags.Load()
		if old&lockBit == 0 {
			panic("vsm: unlock of unlocked page")
		}
		if p.flags.CompareAndSwap(old, old&^lockBit) {
			return
		}
	}
}

// Owner returns the node currently responsible for this page.
func (p *CachePage) Owner() cluster.NodeID {
	return cluster.NodeID(p.flags.Load() >> ownerShift & ownerMask)
}

// SetOwner records the node responsible for answering fetches.
func (p *CachePage) SetOwner(n cluster.NodeID) {
	for {
		old := p.flags.Load()
		nw := old&^(uint64(ownerMask)<<ownerShift) | uint64(n&ownerMask)<<ownerShift
		if p.flags.CompareAndSwap(old, nw) {
			return
		}
	}
}

// PagePool is the pre-reserved frame allocator backing the page cache.
// Sized at node setup to cover the whole guest RAM slice plus remote
// pages, so cache-path allocation never fails while the VM runs.
type PagePool struct {
	mu     sync.Mutex
	frames [][]byte
	free   []uint64
}

// NewPagePool reserves n frames up front.
func NewPagePool(n int) *PagePool {
	p := &PagePool{
		frames: make([][]byte, n),
		free:   make([]uint64, n),
	}
	for i := 0; i < n; i++ {
		p.frames[i] = make([]byte, cluster.PageSize)
		p.free[i] = uint64(n - 1 - i)
	}
	return p
}

// Alloc takes a zeroed frame from the pool.
func (p *PagePool) Alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return noFrame, fmt.Errorf("vsm: page pool exhausted")
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return idx, nil
}

// Free returns a frame, zeroing it for the next user.
func (p *PagePool) Free(idx uint64) {
	data := p.frames[idx]
	for i := range data {
		data[i] = 0
	}
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
}

// Data returns the frame's backing bytes.
func (p *PagePool) Data(idx uint64) []byte {
	return p.frames[idx]
}
