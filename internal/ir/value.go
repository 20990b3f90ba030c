package ir

import (
	"fmt"
	"slices"
	"strconv"
)

// Reg is a virtual register id. The high bits select the register class.
type Reg uint32

const (
	regFloat   Reg = 1 << 31
	regArg     Reg = 1 << 30
	regSpecial Reg = 1 << 29
	regIndex   Reg = regSpecial - 1
)

var (
	// FP addresses the function's local (alloca) area.
	FP = regSpecial | 0
	// Out marks an operand slot that intentionally names no register.
	Out = regSpecial | 1
)

// R returns integer virtual register n.
func R(n int) Reg { return Reg(n) & regIndex }

// FR returns floating-point virtual register n.
func FR(n int) Reg { return regFloat | Reg(n)&regIndex }

// ArgReg is the pseudo register holding the incoming value of argument
// index until it is read by GETARG.
func ArgReg(index int, float bool) Reg {
	r := regArg | Reg(index)&regIndex
	if float {
		r |= regFloat
	}
	return r
}

func (r Reg) IsFloat() bool   { return r&regFloat != 0 }
func (r Reg) IsArg() bool     { return r&regArg != 0 && r&regSpecial == 0 }
func (r Reg) IsSpecial() bool { return r&regSpecial != 0 }
func (r Reg) Index() int      { return int(r & regIndex) }

func (r Reg) String() string {
	switch {
	case r == FP:
		return "fp"
	case r == Out:
		return "out"
	case r.IsArg() && r.IsFloat():
		return "farg" + strconv.Itoa(r.Index())
	case r.IsArg():
		return "arg" + strconv.Itoa(r.Index())
	case r.IsFloat():
		return "f" + strconv.Itoa(r.Index())
	}
	return "r" + strconv.Itoa(r.Index())
}

// Kind tags an Operand.
type Kind uint8

const (
	KindNone Kind = iota
	KindReg
	KindImm
	KindFloat
	KindLabel
	KindNode
)

// Operand is one logical operand of a node.
type Operand struct {
	Kind  Kind
	Reg   Reg
	Imm   int64
	Float float64
	Label LabelID
	Node  NodeID
}

func (o Operand) IsReg() bool { return o.Kind == KindReg }
func (o Operand) IsImm() bool { return o.Kind == KindImm }

// UsesReg reports whether the operand reads a virtual register that takes
// part in allocation.
func (o Operand) UsesReg() bool {
	return o.Kind == KindReg && !o.Reg.IsSpecial()
}

func (o Operand) String() string {
	switch o.Kind {
	case KindNone:
		return "_"
	case KindReg:
		return o.Reg.String()
	case KindImm:
		return strconv.FormatInt(o.Imm, 10)
	case KindFloat:
		return strconv.FormatFloat(o.Float, 'g', -1, 64)
	case KindLabel:
		return fmt.Sprintf("@L%d", o.Label)
	case KindNode:
		return fmt.Sprintf("%%%d", o.Node)
	}
	return "?"
}

// Value is anything the builder accepts as an operand.
type Value interface {
	operand() Operand
}

// Imm is an integer immediate operand.
type Imm int64

// Float is a floating-point immediate operand.
type Float float64

func (r Reg) operand() Operand     { return Operand{Kind: KindReg, Reg: r} }
func (i Imm) operand() Operand     { return Operand{Kind: KindImm, Imm: int64(i)} }
func (f Float) operand() Operand   { return Operand{Kind: KindFloat, Float: float64(f)} }
func (l LabelID) operand() Operand { return Operand{Kind: KindLabel, Label: l} }
func (n NodeID) operand() Operand  { return Operand{Kind: KindNode, Node: n} }

// OperandOf converts a builder value; nil becomes an empty operand.
func OperandOf(v Value) Operand {
	if v == nil {
		return Operand{}
	}
	return v.operand()
}

// Set is a set of virtual registers.
type Set map[Reg]struct{}

func NewSet(regs ...Reg) Set {
	s := make(Set, len(regs))
	for _, r := range regs {
		s[r] = struct{}{}
	}
	return s
}

func (s Set) Has(r Reg) bool {
	_, ok := s[r]
	return ok
}

func (s Set) Add(r Reg) { s[r] = struct{}{} }

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for r := range s {
		if !o.Has(r) {
			return false
		}
	}
	return true
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []Reg {
	out := make([]Reg, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// RegMap is the allocator's virtual to hardware register snapshot at one
// node. A virtual register without an entry is spilled.
type RegMap map[Reg]int

func (m RegMap) Lookup(r Reg) (int, bool) {
	hw, ok := m[r]
	return hw, ok
}
