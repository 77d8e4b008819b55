package s2mm

import (
	"testing"

	"github.com/spanvm/spanvisor/internal/cluster"
)

func TestPTEBasics(t *testing.T) {
	if Invalid.Valid() {
		t.Error("Invalid is valid")
	}

	p := NewPTE(42, false)
	if !p.Valid() || !p.ReadOnly() || p.Writable() {
		t.Errorf("read-only pte: valid=%v ro=%v w=%v", p.Valid(), p.ReadOnly(), p.Writable())
	}
	if p.Frame() != 42 {
		t.Errorf("frame = %d, want 42", p.Frame())
	}

	w := NewPTE(7, true)
	if !w.Writable() || w.ReadOnly() {
		t.Error("writable pte misreports permissions")
	}
	if d := w.Downgrade(); d.Writable() || !d.ReadOnly() || d.Frame() != 7 {
		t.Error("downgrade broke the entry")
	}
	if u := p.Upgrade(); !u.Writable() {
		t.Error("upgrade did not set writable")
	}
}

func TestPTECopyset(t *testing.T) {
	p := NewPTE(1, true)
	if got := p.Copyset(); len(got) != 0 {
		t.Fatalf("fresh copyset = %v, want empty", got)
	}

	p = p.AddCopy(3)
	p = p.AddCopy(5)
	p = p.AddCopy(3) // duplicate, no-op
	if !p.CopysetHas(3) || !p.CopysetHas(5) || p.CopysetHas(7) {
		t.Errorf("copyset membership wrong: %v", p.Copyset())
	}
	if len(p.Copyset()) != 2 {
		t.Errorf("copyset = %v, want 2 entries", p.Copyset())
	}
	if p.CopysetBitmap() != 1<<3|1<<5 {
		t.Errorf("bitmap = %#x", p.CopysetBitmap())
	}
	if p.Overflowed() {
		t.Error("overflowed with 2 holders")
	}
}

func TestPTECopysetOverflow(t *testing.T) {
	p := NewPTE(1, true)
	for _, n := range []cluster.NodeID{1, 2, 3} {
		p = p.AddCopy(n)
	}
	if p.Overflowed() {
		t.Fatal("overflowed at 3 holders")
	}
	p = p.AddCopy(4)
	if !p.Overflowed() {
		t.Fatal("fourth holder did not overflow")
	}
	// Overflow is sticky and further adds are no-ops.
	p = p.AddCopy(5)
	if !p.Overflowed() {
		t.Error("overflow not sticky")
	}

	c := p.ClearCopyset()
	if c.Overflowed() || len(c.Copyset()) != 0 {
		t.Errorf("clear left %v overflow=%v", c.Copyset(), c.Overflowed())
	}
	if c.Frame() != 1 || !c.Writable() {
		t.Error("clear damaged unrelated bits")
	}
}

func TestPTENodeZeroInCopyset(t *testing.T) {
	// Node 0 must be distinguishable from an empty slot.
	p := NewPTE(9, true).AddCopy(0)
	if !p.CopysetHas(0) {
		t.Fatal("node 0 not tracked")
	}
	if got := p.Copyset(); len(got) != 1 || got[0] != 0 {
		t.Errorf("copyset = %v, want [0]", got)
	}
}

func TestStage2SetLookup(t *testing.T) {
	s2 := New(nil)

	if pte := s2.Lookup(0x40001000); pte.Valid() {
		t.Fatal("empty table returned a valid entry")
	}

	s2.Set(0x40001000, NewPTE(3, true))
	s2.Set(0x40002000, NewPTE(4, false))

	if pte := s2.Lookup(0x40001000); !pte.Writable() || pte.Frame() != 3 {
		t.Errorf("entry 1 = %#x", uint64(pte))
	}
	if pte := s2.Lookup(0x40002000); !pte.ReadOnly() || pte.Frame() != 4 {
		t.Errorf("entry 2 = %#x", uint64(pte))
	}

	// Distant addresses resolve through separate directories.
	s2.Set(0x80000000, NewPTE(9, true))
	if pte := s2.Lookup(0x80000000); pte.Frame() != 9 {
		t.Errorf("distant entry = %#x", uint64(pte))
	}
	if pte := s2.Lookup(0x40001000); pte.Frame() != 3 {
		t.Error("distant set clobbered earlier entry")
	}
}

func TestStage2Update(t *testing.T) {
	s2 := New(nil)
	s2.Set(0x40000000, NewPTE(1, true))

	got := s2.Update(0x40000000, func(p PTE) PTE { return p.Downgrade() })
	if got.Writable() {
		t.Error("update result still writable")
	}
	if pte := s2.Lookup(0x40000000); pte.Writable() {
		t.Error("update did not persist")
	}

	// Update on an unmapped address sees Invalid.
	s2.Update(0x48000000, func(p PTE) PTE {
		if p.Valid() {
			t.Error("unmapped entry was valid")
		}
		return p
	})
}

func TestStage2FlushHook(t *testing.T) {
	var flushed []uint64
	s2 := New(func(ipa uint64) { flushed = append(flushed, ipa) })

	s2.TLBFlushIPA(0x40003000)
	if len(flushed) != 1 || flushed[0] != 0x40003000 {
		t.Errorf("flushed = %v", flushed)
	}

	// A nil hook is a no-op, not a crash.
	New(nil).TLBFlushIPA(0x1000)
}
