package asm

import (
	"encoding/binary"
	"testing"
)

func TestBufferPatchAndRelocate(t *testing.T) {
	buf := NewBuffer(0)
	buf.SetEntry("f")
	buf.EmitBytes([]byte{0x90, 0x90})
	slot := buf.Len()
	buf.EmitBytes(make([]byte, 8))
	buf.SetEntry("g")
	buf.EmitBytes([]byte{0xc3})

	if err := buf.PutUint64(slot, 11); err != nil {
		t.Fatalf("PutUint64: %v", err)
	}
	if err := buf.PutUint32(slot+6, 0); err == nil {
		t.Fatalf("expected out of range error")
	}
	buf.AddRelocation(slot)

	prog := buf.Program()
	if got := prog.EntryNames(); len(got) != 2 || got[0] != "f" || got[1] != "g" {
		t.Fatalf("EntryNames()=%v, want [f g]", got)
	}
	if off, ok := prog.Entry("g"); !ok || off != 10 {
		t.Fatalf("Entry(g)=%d,%v, want 10,true", off, ok)
	}

	moved := prog.RelocatedCopy(0x1000)
	if got := binary.LittleEndian.Uint64(moved[slot:]); got != 0x100b {
		t.Fatalf("relocated slot=0x%x, want 0x100b", got)
	}
	if got := binary.LittleEndian.Uint64(prog.Bytes()[slot:]); got != 11 {
		t.Fatalf("original slot=0x%x, want 0xb", got)
	}
}

func TestProgramCloneIsDeep(t *testing.T) {
	prog := NewProgram([]byte{1, 2, 3}, []int{0}, map[string]int{"a": 0})
	clone := prog.Clone()
	clone.code[0] = 9
	clone.entries["a"] = 2
	if prog.code[0] != 1 || prog.entries["a"] != 0 {
		t.Fatalf("clone shares storage with original")
	}
}
