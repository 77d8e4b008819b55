// Package s2mm is the stage-2 MMU the coherence engine drives: a software
// nested page table mapping guest-physical pages to local cache frames,
// with the permission and copyset bits the coherence protocol encodes in
// each leaf entry.
//
// The real stage-2 hardware walker is an external collaborator; this table
// is the hypervisor-side view of it, and the TLB-flush hook is where the
// hardware shootdown hangs off.
package s2mm

import (
	"sync"

	"github.com/spanvm/spanvisor/internal/cluster"
)

// PTE is one stage-2 leaf entry.
//
//	bit  0        valid
//	bit  1        writable (valid and not writable = read-only)
//	bits 12..47   local cache frame index
//	bits 48..62   copyset: 3 slots of 5-bit node IDs, empty slot = 0x1f
//	bit  63       copyset overflow — degraded to broadcast
type PTE uint64

const (
	pteValid    PTE = 1 << 0
	pteWritable PTE = 1 << 1

	frameShift = 12
	frameMask  = (1<<36 - 1) << frameShift

	copysetShift = 48
	copysetSlots = 3
	slotBits     = 5
	slotMask     = 1<<slotBits - 1
	slotEmpty    = slotMask

	pteOverflow PTE = 1 << 63
)

// emptyCopyset has all three slots at the empty sentinel.
const emptyCopyset PTE = ((slotEmpty) | (slotEmpty << slotBits) | (slotEmpty << (2 * slotBits))) << copysetShift

// Invalid is the canonical not-present entry.
const Invalid PTE = 0

// Valid reports presence.
func (p PTE) Valid() bool { return p&pteValid != 0 }

// Writable reports a valid writable mapping.
func (p PTE) Writable() bool { return p.Valid() && p&pteWritable != 0 }

// ReadOnly reports a valid read-only mapping.
func (p PTE) ReadOnly() bool { return p.Valid() && p&pteWritable == 0 }

// Frame returns the local cache frame index.
func (p PTE) Frame() uint64 { return uint64(p&frameMask) >> frameShift }

// NewPTE builds a valid entry for a frame with an empty copyset.
func NewPTE(frame uint64, writable bool) PTE {
	p := pteValid | PTE(frame<<frameShift)&frameMask | emptyCopyset
	if writable {
		p |= pteWritable
	}
	return p
}

// Downgrade clears the writable bit, M to S.
func (p PTE) Downgrade() PTE { return p &^ pteWritable }

// Upgrade sets the writable bit.
func (p PTE) Upgrade() PTE { return p | pteWritable }

// Overflowed reports the broadcast-copyset state.
func (p PTE) Overflowed() bool { return p&pteOverflow != 0 }

func (p PTE) slot(i int) uint8 {
	return uint8((p >> (copysetShift + i*slotBits)) & slotMask)
}

func (p PTE) setSlot(i int, v uint8) PTE {
	shift := copysetShift + i*slotBits
	return p&^(slotMask<<shift) | PTE(v&slotMask)<<shift
}

// Copyset lists the peer nodes tracked as read-copy holders. Meaningless
// once Overflowed.
func (p PTE) Copyset() []cluster.NodeID {
	var out []cluster.NodeID
	for i := 0; i < copysetSlots; i++ {
		if s := p.slot(i); s != slotEmpty {
			out = append(out, cluster.NodeID(s))
		}
	}
	return out
}

// CopysetHas reports whether node is a tracked holder.
func (p PTE) CopysetHas(n cluster.NodeID) bool {
	for i := 0; i < copysetSlots; i++ {
		if s := p.slot(i); s != slotEmpty && cluster.NodeID(s) == n {
			return true
		}
	}
	return false
}

// AddCopy records node as a read-copy holder. When the fourth distinct
// holder shows up the entry flips to broadcast copyset and stays there.
func (p PTE) AddCopy(n cluster.NodeID) PTE {
	if p.Overflowed() || p.CopysetHas(n) {
		return p
	}
	for i := 0; i < copysetSlots; i++ {
		if p.slot(i) == slotEmpty {
			return p.setSlot(i, uint8(n))
		}
	}
	return p | pteOverflow
}

// ClearCopyset empties the tracking slots and the overflow flag.
func (p PTE) ClearCopyset() PTE {
	return (p &^ pteOverflow &^ (PTE(0x7fff) << copysetShift)) | emptyCopyset
}

// CopysetBitmap renders the tracked holders as a node bitmap for the wire.
func (p PTE) CopysetBitmap() uint64 {
	var bm uint64
	for _, n := range p.Copyset() {
		bm |= 1 << n
	}
	return bm
}

// table levels resolve IPA bits 38..30, 29..21 and 20..12.
const (
	levels     = 3
	idxBits    = 9
	idxEntries = 1 << idxBits
)

type table struct {
	entries  [idxEntries]PTE
	children [idxEntries]*table
}

func levelIndex(ipa uint64, level int) int {
	shift := uint(12 + idxBits*(levels-1-level))
	return int(ipa>>shift) & (idxEntries - 1)
}

// FlushFunc invalidates the stage-2 TLB for one IPA on every local CPU.
type FlushFunc func(ipa uint64)

// Stage2 is one node's nested page table.
type Stage2 struct {
	mu    sync.Mutex
	root  *table
	flush FlushFunc
}

// New builds an empty table. flush may be nil when there is no hardware
// TLB behind the table (tests, pure software runs).
func New(flush FlushFunc) *Stage2 {
	return &Stage2{root: &table{}, flush: flush}
}

// Lookup returns the leaf entry for ipa, or Invalid when unmapped.
func (s *Stage2) Lookup(ipa uint64) PTE {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.root
	for level := 0; level < levels-1; level++ {
		t = t.children[levelIndex(ipa, level)]
		if t == nil {
			return Invalid
		}
	}
	return t.entries[levelIndex(ipa, levels-1)]
}

// Set installs the leaf entry for ipa, growing the tree as needed.
func (s *Stage2) Set(ipa uint64, pte PTE) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.root
	for level := 0; level < levels-1; level++ {
		idx := levelIndex(ipa, level)
		if t.children[idx] == nil {
			t.children[idx] = &table{}
		}
		t = t.children[idx]
	}
	t.entries[levelIndex(ipa, levels-1)] = pte
}

// Update applies fn to the leaf entry for ipa under the table lock and
// returns the new value. fn sees Invalid for unmapped entries.
func (s *Stage2) Update(ipa uint64, fn func(PTE) PTE) PTE {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.root
	for level := 0; level < levels-1; level++ {
		idx := levelIndex(ipa, level)
		if t.children[idx] == nil {
			t.children[idx] = &table{}
		}
		t = t.children[idx]
	}
	idx := levelIndex(ipa, levels-1)
	t.entries[idx] = fn(t.entries[idx])
	return t.entries[idx]
}

// TLBFlushIPA invalidates the stage-2 TLB for a single IPA across all
// local CPUs.
func (s *Stage2) TLBFlushIPA(ipa uint64) {
	if s.flush != nil {
		s.flush(ipa)
	}
}
