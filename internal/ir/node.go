package ir

import (
	"fmt"
	"strings"
)

// NodeID indexes a node in its List. It stays valid for the life of the
// list; nodes are rewritten in place, never freed.
type NodeID int32

// NoNode terminates the Prev/Next chain.
const NoNode NodeID = -1

// LabelID names a code position.
type LabelID int32

// PatchKind says how the bytes at Node.Patch are rewritten once the
// target is known.
type PatchKind uint8

const (
	PatchNone PatchKind = iota
	// PatchRel32 is a 32-bit displacement relative to the end of the field.
	PatchRel32
	// PatchRel32Pair is two rel32 fields six bytes apart, both aimed at the
	// same target.
	PatchRel32Pair
	// PatchAbs64 is the imm64 of a movabs that must hold an absolute
	// address.
	PatchAbs64
	// PatchData64 is a raw 8-byte absolute address in the instruction
	// stream.
	PatchData64
)

func (k PatchKind) String() string {
	switch k {
	case PatchRel32:
		return "rel32"
	case PatchRel32Pair:
		return "rel32x2"
	case PatchAbs64:
		return "abs64"
	case PatchData64:
		return "data64"
	}
	return "none"
}

// Node is one IR instruction.
type Node struct {
	Op    Op
	Flags Flags
	// Size is the memory width in bytes for loads, stores, transfers and
	// float conversions.
	Size int
	Args [3]Operand

	// Allocator annotations.
	LiveIn  Set
	LiveOut Set
	RegMap  RegMap

	// Code generator annotations.
	Code      int
	Patch     int
	PatchKind PatchKind

	// Func is set on OpProlog nodes.
	Func *Func

	prev, next NodeID
}

func (n *Node) Unsigned() bool { return n.Flags.Has(FlagUnsigned) }
func (n *Node) IsImm() bool    { return n.Flags.Has(FlagImm) }

// Prev returns the previous node in program order.
func (n *Node) Prev() NodeID { return n.prev }

// Next returns the following node in program order.
func (n *Node) Next() NodeID { return n.next }

// Clear rewrites the node into a no-op. Allocator annotations are kept so
// later passes still see consistent liveness at this point.
func (n *Node) Clear() {
	n.Op = OpNop
	n.Flags = 0
	n.Size = 0
	n.Args = [3]Operand{}
	n.Patch = -1
	n.PatchKind = PatchNone
}

func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.Op.String())
	if n.Unsigned() {
		sb.WriteString(".u")
	}
	if n.Size != 0 {
		fmt.Fprintf(&sb, ".%d", n.Size)
	}
	if n.Flags.Has(FlagClose) {
		sb.WriteString(".close")
	}
	if n.Op == OpProlog && n.Func != nil {
		sb.WriteString(" " + n.Func.Name)
	}
	for _, a := range n.Args {
		if a.Kind == KindNone {
			continue
		}
		sb.WriteByte(' ')
		sb.WriteString(a.String())
	}
	return sb.String()
}

// ArgKind classifies a declared function argument.
type ArgKind uint8

const (
	ArgSigned ArgKind = iota
	ArgUnsigned
	ArgFloat
)

func (k ArgKind) String() string {
	switch k {
	case ArgUnsigned:
		return "unsigned"
	case ArgFloat:
		return "float"
	}
	return "signed"
}

// ArgDecl declares one incoming argument.
type ArgDecl struct {
	Kind ArgKind
	Size int
}

// Func is the per-function header carried by an OpProlog node.
type Func struct {
	Name string
	Args []ArgDecl
	// NeedsFramePointer is decided by the frame-pointer pass. It starts
	// true so that lists compiled without that pass keep a frame.
	NeedsFramePointer bool
	// AllocaSize is the total local area reserved by OpAlloca, a multiple
	// of 16.
	AllocaSize int
}
