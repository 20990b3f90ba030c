// Package opt holds the IR-level peephole passes. They run after register
// allocation and rely on its liveness annotations.
package opt

import (
	"log/slog"
	"math"

	"github.com/tinyrange/jit/internal/ir"
)

// Config selects passes.
type Config struct {
	StoreImm     bool
	FramePointer bool
	DeadCode     bool
}

func DefaultConfig() Config {
	return Config{StoreImm: true, FramePointer: true, DeadCode: true}
}

// Stats counts the rewrites made by Run.
type Stats struct {
	FusedStores    int
	FramelessFuncs int
	DeadAssigns    int
}

// Run applies the enabled passes in a fixed order: dead assignments first
// so fusion sees the surviving moves, then store fusion, then the frame
// pointer scan.
func Run(l *ir.List, cfg Config) Stats {
	var st Stats
	if cfg.DeadCode {
		st.DeadAssigns = DeadAssignments(l)
	}
	if cfg.StoreImm {
		st.FusedStores = StoreImmediates(l)
	}
	if cfg.FramePointer {
		st.FramelessFuncs = FramePointer(l)
	}
	slog.Debug("jit: peephole", "dead", st.DeadAssigns, "fused", st.FusedStores, "frameless", st.FramelessFuncs)
	return st
}

// StoreImmediates folds "mov r, imm; st addr, r" into one store of the
// immediate when r is dead after the store. The move becomes a nop.
func StoreImmediates(l *ir.List) int {
	fused := 0
	for _, n := range l.All() {
		var valueIdx int
		var fusedOp ir.Op
		switch n.Op {
		case ir.OpSt:
			valueIdx, fusedOp = 1, ir.OpStoreImm
		case ir.OpStx:
			valueIdx, fusedOp = 2, ir.OpStoreIndexImm
		default:
			continue
		}
		prev := l.Node(n.Prev())
		if prev == nil || prev.Op != ir.OpMov || prev.Args[1].Kind != ir.KindImm {
			continue
		}
		value := n.Args[valueIdx]
		if !value.IsReg() || prev.Args[0] != value {
			continue
		}
		if n.LiveOut == nil || n.LiveOut.Has(value.Reg) {
			continue
		}
		if addressUses(n, valueIdx, value.Reg) || !storeImmFits(prev.Args[1].Imm, n.Size) {
			continue
		}

		n.Op = fusedOp
		n.Args[valueIdx] = prev.Args[1]
		n.Flags |= ir.FlagImm
		prev.Clear()
		fused++
	}
	return fused
}

func addressUses(n *ir.Node, valueIdx int, r ir.Reg) bool {
	for i := 0; i < valueIdx; i++ {
		if n.Args[i].IsReg() && n.Args[i].Reg == r {
			return true
		}
	}
	return false
}

// storeImmFits reports whether a store of size bytes can carry v as its
// immediate. Narrow stores keep only the low bytes; an 8-byte store takes a
// sign-extended 32-bit immediate.
func storeImmFits(v int64, size int) bool {
	if size == 8 {
		return v >= math.MinInt32 && v <= math.MaxInt32
	}
	return size == 1 || size == 2 || size == 4
}

// FramePointer clears Func.NeedsFramePointer for every function that has no
// local allocation and no explicit spill traffic. It returns the number of
// functions left without a frame pointer.
func FramePointer(l *ir.List) int {
	var fn *ir.Func
	var funcs []*ir.Func
	for _, n := range l.All() {
		switch n.Op {
		case ir.OpProlog:
			fn = n.Func
			fn.NeedsFramePointer = false
			funcs = append(funcs, fn)
		case ir.OpAlloca, ir.OpUreg, ir.OpLreg, ir.OpSyncReg:
			if fn != nil {
				fn.NeedsFramePointer = true
			}
		}
	}
	frameless := 0
	for _, f := range funcs {
		if !f.NeedsFramePointer {
			frameless++
		}
	}
	return frameless
}

// DeadAssignments turns computations whose destination is not live after
// the node into nops. Carry-chain operations stay because a later node
// consumes their flags.
func DeadAssignments(l *ir.List) int {
	removed := 0
	for _, n := range l.All() {
		if !n.Op.WritesArg0() || !n.Args[0].UsesReg() || n.LiveOut == nil {
			continue
		}
		if n.Op.SetsCarry() {
			continue
		}
		if !n.LiveOut.Has(n.Args[0].Reg) {
			n.Clear()
			removed++
		}
	}
	return removed
}
