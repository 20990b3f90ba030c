package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Variable names a machine register inside an architecture package.
type Variable int

// Context is the sink instruction fragments emit into.
type Context interface {
	EmitBytes(data []byte)
	Len() int
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Buffer is a growable code buffer. The write cursor only moves forward;
// previously emitted bytes can be rewritten at recorded patch offsets.
type Buffer struct {
	code        []byte
	relocations []int
	entries     map[string]int
}

var (
	_ Context = (*Buffer)(nil)
)

func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		code:    make([]byte, 0, capacity),
		entries: make(map[string]int),
	}
}

func (b *Buffer) EmitBytes(data []byte) {
	b.code = append(b.code, data...)
}

func (b *Buffer) Len() int {
	return len(b.code)
}

// Bytes returns the live buffer contents. Callers must not retain it
// across further emission.
func (b *Buffer) Bytes() []byte {
	return b.code
}

// PutUint32 overwrites four previously emitted bytes at off.
func (b *Buffer) PutUint32(off int, value uint32) error {
	if off < 0 || off+4 > len(b.code) {
		return fmt.Errorf("asm: patch offset %d out of range (len %d)", off, len(b.code))
	}
	binary.LittleEndian.PutUint32(b.code[off:], value)
	return nil
}

// PutUint64 overwrites eight previously emitted bytes at off.
func (b *Buffer) PutUint64(off int, value uint64) error {
	if off < 0 || off+8 > len(b.code) {
		return fmt.Errorf("asm: patch offset %d out of range (len %d)", off, len(b.code))
	}
	binary.LittleEndian.PutUint64(b.code[off:], value)
	return nil
}

// AddRelocation marks the 64-bit slot at off as holding a buffer-relative
// address that must be rebased when the code is loaded.
func (b *Buffer) AddRelocation(off int) {
	b.relocations = append(b.relocations, off)
}

// SetEntry records a named entry point at the current cursor.
func (b *Buffer) SetEntry(name string) {
	b.entries[name] = len(b.code)
}

func (b *Buffer) Program() Program {
	return NewProgram(b.code, b.relocations, b.entries)
}

// Program is a finished, position independent code image.
type Program struct {
	code        []byte
	relocations []int
	entries     map[string]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// Entry returns the offset of the named entry point.
func (p Program) Entry(name string) (int, bool) {
	off, ok := p.entries[name]
	return off, ok
}

// EntryNames lists entry points ordered by offset.
func (p Program) EntryNames() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if p.entries[names[i]] == p.entries[names[j]] {
			return names[i] < names[j]
		}
		return p.entries[names[i]] < p.entries[names[j]]
	})
	return names
}

func (p Program) RelocatedCopy(base uintptr) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+uint64(base))
	}
	return out
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.relocations, p.entries)
}

func NewProgram(code []byte, relocations []int, entries map[string]int) Program {
	cloned := make(map[string]int, len(entries))
	for name, off := range entries {
		cloned[name] = off
	}
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
		entries:     cloned,
	}
}

// NativeFunc is an entry point of a Program mapped into executable memory.
type NativeFunc interface {
	// Call runs the function with integer or pointer arguments passed in
	// the host's integer argument registers and returns the integer result.
	Call(args ...any) uintptr

	// Entry is the absolute address of the first instruction.
	Entry() uintptr

	// Program is a copy of the relocated program the function belongs to.
	Program() Program
}
