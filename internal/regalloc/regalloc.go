// Package regalloc computes liveness and a whole-function register
// assignment for an IR list, and records both on every node.
//
// The allocator does not spill: a function that needs more registers than
// the target offers is rejected.
package regalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/timeslice"
)

var (
	timesliceLiveness = timeslice.RegisterKind("jit::liveness", timeslice.SliceFlagCompile)
	timesliceAssign   = timeslice.RegisterKind("jit::regalloc", timeslice.SliceFlagCompile)
)

var (
	ErrOutOfRegisters = errors.New("regalloc: out of registers")
	ErrArgAcrossCall  = errors.New("regalloc: incoming argument register is clobbered by a call before it is read")
)

// Target describes the hardware registers of an architecture. Register ids
// are the code generator's own numbering.
type Target struct {
	// GP and FP list allocatable registers in preference order.
	GP []int
	FP []int
	// CalleeSaved marks general-purpose registers preserved by callees.
	CalleeSaved map[int]bool
	// RetGP and RetFP receive call results.
	RetGP int
	RetFP int
	// ArgGP and ArgFP carry the leading integer and float arguments.
	ArgGP []int
	ArgFP []int
}

// ArgLocation reports whether argument index of fn arrives in a register
// and, if so, which one.
func (t Target) ArgLocation(fn *ir.Func, index int) (hw int, inReg bool) {
	gp, fp := 0, 0
	for i, a := range fn.Args {
		if a.Kind == ir.ArgFloat {
			if i == index {
				if fp < len(t.ArgFP) {
					return t.ArgFP[fp], true
				}
				return 0, false
			}
			fp++
			continue
		}
		if i == index {
			if gp < len(t.ArgGP) {
				return t.ArgGP[gp], true
			}
			return 0, false
		}
		gp++
	}
	return 0, false
}

// Allocate annotates every node of l with LiveIn, LiveOut and RegMap.
func Allocate(l *ir.List, t Target) error {
	var errs []error
	for _, prolog := range l.Funcs() {
		if err := allocateFunc(l, t, prolog); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type funcState struct {
	l      *ir.List
	t      Target
	fn     *ir.Func
	nodes  []ir.NodeID
	index  map[ir.NodeID]int
	succ   [][]int
	defs   [][]ir.Reg
	uses   [][]ir.Reg
	in     []ir.Set
	out    []ir.Set
	order  []ir.Reg
	colour map[ir.Reg]int
}

func allocateFunc(l *ir.List, t Target, prolog ir.NodeID) error {
	fs := &funcState{l: l, t: t, fn: l.Node(prolog).Func, index: map[ir.NodeID]int{}}
	for id := prolog; id != ir.NoNode; id = l.Node(id).Next() {
		if id != prolog && l.Node(id).Op == ir.OpProlog {
			break
		}
		fs.index[id] = len(fs.nodes)
		fs.nodes = append(fs.nodes, id)
	}

	rec := timeslice.NewRecorder()
	fs.collect()
	fs.edges()
	fs.liveness()
	rec.Record(timesliceLiveness)
	if err := fs.assign(); err != nil {
		return fmt.Errorf("%s: %w", fs.fn.Name, err)
	}
	fs.annotate()
	rec.Record(timesliceAssign)

	slog.Debug("jit: regalloc", "func", fs.fn.Name, "nodes", len(fs.nodes), "vregs", len(fs.order))
	return nil
}

// collect records defs and uses, including the argument shadow registers
// defined at the prolog and read by getarg.
func (fs *funcState) collect() {
	fs.defs = make([][]ir.Reg, len(fs.nodes))
	fs.uses = make([][]ir.Reg, len(fs.nodes))
	for i, id := range fs.nodes {
		n := fs.l.Node(id)
		fs.defs[i] = fs.l.Defs(id)
		fs.uses[i] = fs.l.Uses(id)
		switch n.Op {
		case ir.OpProlog:
			for a := range fs.fn.Args {
				if _, ok := fs.t.ArgLocation(fs.fn, a); ok {
					fs.defs[i] = append(fs.defs[i], argShadow(fs.fn, a))
				}
			}
		case ir.OpGetArg:
			a := int(n.Args[1].Imm)
			if _, ok := fs.t.ArgLocation(fs.fn, a); ok {
				fs.uses[i] = append(fs.uses[i], argShadow(fs.fn, a))
			}
		}
		for _, r := range append(slices.Clone(fs.defs[i]), fs.uses[i]...) {
			if !slices.Contains(fs.order, r) {
				fs.order = append(fs.order, r)
			}
		}
	}
}

func argShadow(fn *ir.Func, index int) ir.Reg {
	return ir.ArgReg(index, fn.Args[index].Kind == ir.ArgFloat)
}

// edges builds the successor lists. Forward references resolved by a
// patch node flow to that node; an indirect jump may reach any label or
// patched address of the function.
func (fs *funcState) edges() {
	var indirect []int
	patchOf := map[ir.NodeID]int{}
	for i, id := range fs.nodes {
		n := fs.l.Node(id)
		switch n.Op {
		case ir.OpLabel:
			indirect = append(indirect, i)
		case ir.OpPatch:
			patchOf[n.Args[0].Node] = i
			indirect = append(indirect, i)
		}
	}

	fs.succ = make([][]int, len(fs.nodes))
	for i, id := range fs.nodes {
		n := fs.l.Node(id)
		fallthrough_ := i+1 < len(fs.nodes)
		switch n.Op {
		case ir.OpRet, ir.OpFRet:
			fallthrough_ = false
		case ir.OpJmp:
			fallthrough_ = false
			if n.Args[0].IsReg() {
				fs.succ[i] = append(fs.succ[i], indirect...)
			}
		}
		if fallthrough_ {
			fs.succ[i] = append(fs.succ[i], i+1)
		}
		if n.Op.IsBranch() || n.Op == ir.OpJmp {
			switch n.Args[0].Kind {
			case ir.KindLabel:
				if j, ok := fs.index[fs.l.LabelNode(n.Args[0].Label)]; ok {
					fs.succ[i] = append(fs.succ[i], j)
				}
			case ir.KindNone:
				if j, ok := patchOf[id]; ok {
					fs.succ[i] = append(fs.succ[i], j)
				}
			}
		}
	}
}

func (fs *funcState) liveness() {
	count := len(fs.nodes)
	fs.in = make([]ir.Set, count)
	fs.out = make([]ir.Set, count)
	for i := range fs.nodes {
		fs.in[i] = ir.NewSet()
		fs.out[i] = ir.NewSet()
	}
	for changed := true; changed; {
		changed = false
		for i := count - 1; i >= 0; i-- {
			out := ir.NewSet()
			for _, s := range fs.succ[i] {
				for r := range fs.in[s] {
					out.Add(r)
				}
			}
			in := ir.NewSet(fs.uses[i]...)
			for r := range out {
				if !slices.Contains(fs.defs[i], r) {
					in.Add(r)
				}
			}
			if !in.Equal(fs.in[i]) || !out.Equal(fs.out[i]) {
				fs.in[i], fs.out[i] = in, out
				changed = true
			}
		}
	}
}

func (fs *funcState) assign() error {
	interfere := map[ir.Reg]ir.Set{}
	link := func(a, b ir.Reg) {
		if a == b || a.IsFloat() != b.IsFloat() {
			return
		}
		if interfere[a] == nil {
			interfere[a] = ir.NewSet()
		}
		if interfere[b] == nil {
			interfere[b] = ir.NewSet()
		}
		interfere[a].Add(b)
		interfere[b].Add(a)
	}
	acrossCall := ir.NewSet()
	for i, id := range fs.nodes {
		for _, d := range fs.defs[i] {
			for r := range fs.out[i] {
				link(d, r)
			}
			for _, d2 := range fs.defs[i] {
				link(d, d2)
			}
		}
		if fs.l.Node(id).Op == ir.OpCall {
			for r := range fs.out[i] {
				acrossCall.Add(r)
			}
		}
	}

	fs.colour = map[ir.Reg]int{}
	for _, r := range fs.order {
		if !r.IsArg() {
			continue
		}
		hw, _ := fs.t.ArgLocation(fs.fn, r.Index())
		if acrossCall.Has(r) && hw == fs.t.RetFP && r.IsFloat() {
			return fmt.Errorf("%w: %s", ErrArgAcrossCall, r)
		}
		fs.colour[r] = hw
	}

	for _, r := range fs.order {
		if r.IsArg() {
			continue
		}
		pool, ret := fs.t.GP, fs.t.RetGP
		if r.IsFloat() {
			pool, ret = fs.t.FP, fs.t.RetFP
		}
		hw, ok := -1, false
		for _, cand := range pool {
			if acrossCall.Has(r) && cand == ret {
				continue
			}
			if fs.taken(interfere[r], cand) {
				continue
			}
			hw, ok = cand, true
			break
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrOutOfRegisters, r)
		}
		fs.colour[r] = hw
	}
	return nil
}

func (fs *funcState) taken(neighbours ir.Set, hw int) bool {
	for n := range neighbours {
		if c, ok := fs.colour[n]; ok && c == hw {
			return true
		}
	}
	return false
}

func (fs *funcState) annotate() {
	for i, id := range fs.nodes {
		n := fs.l.Node(id)
		n.LiveIn = fs.in[i]
		n.LiveOut = fs.out[i]
		n.RegMap = ir.RegMap{}
		add := func(r ir.Reg) {
			if hw, ok := fs.colour[r]; ok {
				n.RegMap[r] = hw
			}
		}
		for r := range fs.in[i] {
			add(r)
		}
		for r := range fs.out[i] {
			add(r)
		}
		for _, r := range fs.defs[i] {
			add(r)
		}
		for _, r := range fs.uses[i] {
			add(r)
		}
	}
}
