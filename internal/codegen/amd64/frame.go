package amd64

import (
	"fmt"
	"math"
	"slices"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

const stackAlignment = 16

// frame is the per-function layout decided at the prolog.
//
// With a frame pointer, the region below RBP holds the alloca area, then
// the memory homes of register arguments that are read from memory, then
// the spill slots of ureg/lreg/syncreg. Callee-saved registers live in a
// block just below that, addressed from RSP.
type frame struct {
	fn      *ir.Func
	pointer bool
	size    int32
	argSlot map[int]int32
	argHome []int
	spill   map[ir.Reg]int32
	saved   []asm.Variable
	block   int32
	calls   bool
}

func (f *frame) saves(hw int) bool {
	return slices.Contains(f.saved, asm.Variable(hw))
}

// analyseFrame scans the nodes of one function and fixes its layout.
func (c *compiler) analyseFrame(prolog ir.NodeID) *frame {
	f := &frame{
		fn:      c.l.Node(prolog).Func,
		argSlot: map[int]int32{},
		spill:   map[ir.Reg]int32{},
	}
	usesFP := false
	var spills []ir.Reg
	var memArgs []int
	for id := prolog; id != ir.NoNode; id = c.l.Node(id).Next() {
		n := c.l.Node(id)
		if id != prolog && n.Op == ir.OpProlog {
			break
		}
		for _, a := range n.Args {
			if a.IsReg() && a.Reg == ir.FP {
				usesFP = true
			}
		}
		switch n.Op {
		case ir.OpPrepare, ir.OpCall:
			f.calls = true
		case ir.OpUreg, ir.OpLreg, ir.OpSyncReg:
			if r := n.Args[0].Reg; n.Args[0].UsesReg() && !slices.Contains(spills, r) {
				spills = append(spills, r)
			}
		case ir.OpGetArg:
			idx := int(n.Args[1].Imm)
			if _, inReg := c.target.ArgLocation(f.fn, idx); inReg {
				if _, mapped := n.RegMap[ir.ArgReg(idx, f.fn.Args[idx].Kind == ir.ArgFloat)]; !mapped && !slices.Contains(memArgs, idx) {
					memArgs = append(memArgs, idx)
				}
			}
		}
		for _, r := range gpRegisters {
			if r.calleeSaved && !f.saves(r.id) && c.l.UsesHW(id, r.id, false) {
				f.saved = append(f.saved, asm.Variable(r.id))
			}
		}
	}

	f.pointer = f.fn.NeedsFramePointer || usesFP || len(spills) > 0 || len(memArgs) > 0 || f.fn.AllocaSize > 0
	next := int32(f.fn.AllocaSize)
	for _, idx := range memArgs {
		next += 8
		f.argSlot[idx] = -next
	}
	f.argHome = memArgs
	for _, r := range spills {
		next += 8
		f.spill[r] = -next
	}
	f.size = alignUp(next, stackAlignment)

	n := int32(len(f.saved)) * 8
	switch {
	case f.pointer:
		f.block = alignUp(n, stackAlignment)
	case n > 0 || f.calls:
		f.block = alignUp(n+8, stackAlignment) - 8
	}
	return f
}

func (c *compiler) lowerProlog(id ir.NodeID, n *ir.Node) error {
	if c.call != nil {
		return fmt.Errorf("prepare without call before function %s", n.Func.Name)
	}
	f := c.analyseFrame(id)
	c.frame = f
	c.depth = 0
	c.buf.SetEntry(f.fn.Name)

	rbp := r64(amd64.RBP)
	if f.pointer {
		c.emit(amd64.Push(rbp), amd64.MovReg(rbp, rsp()))
		if f.size > 0 {
			c.emit(amd64.SubRegImm(rsp(), f.size))
		}
	}
	for _, idx := range f.argHome {
		hw, _ := c.target.ArgLocation(f.fn, idx)
		home := amd64.Mem(rbp).WithDisp(f.argSlot[idx])
		if f.fn.Args[idx].Kind == ir.ArgFloat {
			c.emit(amd64.MovsdStore(home, amd64.Xmm(hw)))
		} else {
			c.emit(amd64.MovToMemory(home, r64(asm.Variable(hw))))
		}
	}
	for k, r := range f.saved {
		c.emit(amd64.MovToMemory(redZone(int32(k+1)*8), r64(r)))
	}
	if f.block > 0 {
		c.emit(amd64.SubRegImm(rsp(), f.block))
	}
	return nil
}

// epilog undoes the prolog and returns.
func (c *compiler) epilog() {
	f := c.frame
	for k, r := range f.saved {
		c.emit(amd64.MovFromMemory(r64(r), amd64.Mem(rsp()).WithDisp(f.block-int32(k+1)*8)))
	}
	if f.pointer {
		rbp := r64(amd64.RBP)
		c.emit(amd64.MovReg(rsp(), rbp), amd64.Pop(rbp))
	} else if f.block > 0 {
		c.emit(amd64.AddRegImm(rsp(), f.block))
	}
	c.emit(amd64.Ret())
}

func (c *compiler) lowerRet(_ ir.NodeID, n *ir.Node) error {
	if c.frame == nil {
		return fmt.Errorf("ret outside a function")
	}
	rax := r64(amd64.RAX)
	switch v := n.Args[0]; v.Kind {
	case ir.KindReg:
		r, err := c.gp(n, v)
		if err != nil {
			return err
		}
		c.movIfNeeded(rax, r)
	case ir.KindImm:
		c.emit(amd64.MovImmediate(rax, v.Imm))
	}
	c.epilog()
	return nil
}

// stackArg addresses the k-th argument passed on the stack.
func (c *compiler) stackArg(k int) amd64.Memory {
	f := c.frame
	if f.pointer {
		return amd64.Mem(r64(amd64.RBP)).WithDisp(16 + int32(k)*8)
	}
	return amd64.Mem(rsp()).WithDisp(c.depth + f.block + 8 + int32(k)*8)
}

func (c *compiler) stackArgIndex(index int) int {
	k := 0
	for i := 0; i < index; i++ {
		if _, inReg := c.target.ArgLocation(c.frame.fn, i); !inReg {
			k++
		}
	}
	return k
}

func (c *compiler) lowerGetArg(_ ir.NodeID, n *ir.Node) error {
	if c.frame == nil {
		return fmt.Errorf("getarg outside a function")
	}
	fn := c.frame.fn
	idx := int(n.Args[1].Imm)
	if idx < 0 || idx >= len(fn.Args) {
		return fmt.Errorf("argument %d of %s not declared", idx, fn.Name)
	}
	decl := fn.Args[idx]
	float := decl.Kind == ir.ArgFloat
	size := decl.Size

	var home amd64.Memory
	if _, inReg := c.target.ArgLocation(fn, idx); inReg {
		if src, ok := n.RegMap[ir.ArgReg(idx, float)]; ok {
			return c.argFromReg(n, decl, src)
		}
		home = amd64.Mem(r64(amd64.RBP)).WithDisp(c.frame.argSlot[idx])
	} else {
		home = c.stackArg(c.stackArgIndex(idx))
	}

	if float {
		dst, err := c.xmm(n, n.Args[0])
		if err != nil {
			return err
		}
		if size == 4 {
			c.emit(amd64.MovssLoad(dst, home), amd64.Cvtss2sd(dst, dst))
		} else {
			c.emit(amd64.MovsdLoad(dst, home))
		}
		return nil
	}
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	c.load(dst, home, size, decl.Kind == ir.ArgUnsigned)
	return nil
}

func (c *compiler) argFromReg(n *ir.Node, decl ir.ArgDecl, src int) error {
	if decl.Kind == ir.ArgFloat {
		dst, err := c.xmm(n, n.Args[0])
		if err != nil {
			return err
		}
		if decl.Size == 4 {
			c.emit(amd64.Cvtss2sd(dst, amd64.Xmm(src)))
		} else {
			c.movsdIfNeeded(dst, amd64.Xmm(src))
		}
		return nil
	}
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	s := r64(asm.Variable(src))
	if decl.Size == 8 || decl.Size == 0 {
		c.movIfNeeded(dst, s)
		return nil
	}
	c.emit(amd64.MovExtend(dst, s, decl.Size, decl.Kind != ir.ArgUnsigned))
	return nil
}

func (c *compiler) lowerSpill(_ ir.NodeID, n *ir.Node) error {
	slot, err := c.spillSlot(n)
	if err != nil {
		return err
	}
	if n.Args[0].Reg.IsFloat() {
		x, err := c.xmm(n, n.Args[0])
		if err != nil {
			return err
		}
		c.emit(amd64.MovsdStore(slot, x))
		return nil
	}
	r, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	c.emit(amd64.MovToMemory(slot, r))
	return nil
}

func (c *compiler) lowerReload(_ ir.NodeID, n *ir.Node) error {
	slot, err := c.spillSlot(n)
	if err != nil {
		return err
	}
	if n.Args[0].Reg.IsFloat() {
		x, err := c.xmm(n, n.Args[0])
		if err != nil {
			return err
		}
		c.emit(amd64.MovsdLoad(x, slot))
		return nil
	}
	r, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	c.emit(amd64.MovFromMemory(r, slot))
	return nil
}

func (c *compiler) spillSlot(n *ir.Node) (amd64.Memory, error) {
	if c.frame == nil {
		return amd64.Memory{}, fmt.Errorf("%s outside a function", n.Op)
	}
	off, ok := c.frame.spill[n.Args[0].Reg]
	if !ok {
		return amd64.Memory{}, fmt.Errorf("%w: no spill slot for %s", ErrUnassigned, n.Args[0])
	}
	return amd64.Mem(r64(amd64.RBP)).WithDisp(off), nil
}

// callSite is the state carried from prepare to call.
//
// The reservation made at prepare holds, from RSP upwards: the outgoing
// stack arguments, the staging slots of register arguments, the saved
// caller-saved integer registers, then the saved SSE registers at twice
// the width.
type callSite struct {
	node    *ir.Node
	args    []callArg
	next    int
	reserve int32
	gpSaves []asm.Variable
	fpSaves []amd64.Xmm
	gpOff   int32
	fpOff   int32
	fpArgs  int
}

type callArg struct {
	float bool
	size  int
	reg   int
	inReg bool
	off   int32
}

func liveInto(n *ir.Node, hw int, float bool) bool {
	for vr, h := range n.RegMap {
		if h == hw && vr.IsFloat() == float && n.LiveIn.Has(vr) {
			return true
		}
	}
	return false
}

func (c *compiler) lowerPrepare(id ir.NodeID, n *ir.Node) error {
	if c.call != nil {
		return fmt.Errorf("nested prepare")
	}
	cs := &callSite{}
	for next := n.Next(); next != ir.NoNode; next = c.l.Node(next).Next() {
		m := c.l.Node(next)
		switch m.Op {
		case ir.OpPutArg:
			cs.args = append(cs.args, callArg{size: 8})
		case ir.OpFPutArg:
			cs.args = append(cs.args, callArg{float: true, size: m.Size})
		case ir.OpCall:
			cs.node = m
		case ir.OpPrepare, ir.OpProlog:
			return fmt.Errorf("prepare at %%%d has no call", id)
		}
		if cs.node != nil {
			break
		}
	}
	if cs.node == nil {
		return fmt.Errorf("prepare at %%%d has no call", id)
	}

	gpIdx, fpIdx := 0, 0
	var stack, staging int32
	for i := range cs.args {
		a := &cs.args[i]
		switch {
		case !a.float && gpIdx < len(argGP):
			a.reg, a.inReg = int(argGP[gpIdx]), true
			gpIdx++
		case a.float && fpIdx < len(argFP):
			a.reg, a.inReg = argFP[fpIdx], true
			fpIdx++
		}
	}
	cs.fpArgs = fpIdx
	for i := range cs.args {
		if !cs.args[i].inReg {
			cs.args[i].off = stack
			stack += 8
		}
	}
	for i := range cs.args {
		if cs.args[i].inReg {
			cs.args[i].off = stack + staging
			staging += 8
		}
	}

	for _, r := range gpRegisters {
		if r.calleeSaved || r.id == int(amd64.RAX) {
			continue
		}
		if liveInto(cs.node, r.id, false) {
			cs.gpSaves = append(cs.gpSaves, asm.Variable(r.id))
		}
	}
	for _, r := range fpRegisters {
		if r.id == 0 {
			continue
		}
		if liveInto(cs.node, r.id, true) {
			cs.fpSaves = append(cs.fpSaves, amd64.Xmm(r.id))
		}
	}
	cs.gpOff = stack + staging
	cs.fpOff = cs.gpOff + int32(len(cs.gpSaves))*8
	cs.reserve = alignUp(cs.fpOff+int32(len(cs.fpSaves))*16, stackAlignment)

	if cs.reserve > 0 {
		c.emit(amd64.SubRegImm(rsp(), cs.reserve))
	}
	c.depth += cs.reserve
	c.call = cs
	return nil
}

func (c *compiler) lowerPutArg(_ ir.NodeID, n *ir.Node) error {
	cs := c.call
	if cs == nil || cs.next >= len(cs.args) {
		return fmt.Errorf("%s outside prepare/call", n.Op)
	}
	a := cs.args[cs.next]
	cs.next++
	slot := amd64.Mem(rsp()).WithDisp(a.off)
	v := n.Args[0]

	if !a.float {
		switch v.Kind {
		case ir.KindImm:
			c.storeImm(slot, 8, v.Imm)
		case ir.KindReg:
			r, err := c.gp(n, v)
			if err != nil {
				return err
			}
			c.emit(amd64.MovToMemory(slot, r))
		default:
			return fmt.Errorf("putarg of %s", v)
		}
		return nil
	}

	switch v.Kind {
	case ir.KindFloat:
		if a.size == 4 {
			c.emit(amd64.MovImmToMemory(slot, 4, int32(math.Float32bits(float32(v.Float)))))
		} else {
			c.storeImm(slot, 8, int64(math.Float64bits(v.Float)))
		}
	case ir.KindReg:
		x, err := c.xmm(n, v)
		if err != nil {
			return err
		}
		if a.size != 4 {
			c.emit(amd64.MovsdStore(slot, x))
			return nil
		}
		return c.withScratchXmm(n, []int{int(x)}, func(tmp amd64.Xmm) error {
			c.emit(amd64.Cvtsd2ss(tmp, x), amd64.MovssStore(slot, tmp))
			return nil
		})
	default:
		return fmt.Errorf("fputarg of %s", v)
	}
	return nil
}

func (c *compiler) lowerCall(_ ir.NodeID, n *ir.Node) error {
	cs := c.call
	if cs == nil || cs.node != n {
		return fmt.Errorf("call without prepare")
	}
	if cs.next != len(cs.args) {
		return fmt.Errorf("call consumed %d of %d arguments", cs.next, len(cs.args))
	}

	for k, r := range cs.gpSaves {
		c.emit(amd64.MovToMemory(amd64.Mem(rsp()).WithDisp(cs.gpOff+int32(k)*8), r64(r)))
	}
	for k, x := range cs.fpSaves {
		c.emit(amd64.MovsdStore(amd64.Mem(rsp()).WithDisp(cs.fpOff+int32(k)*16), x))
	}

	r11 := r64(amd64.R11)
	var target amd64.Reg
	indirect := n.Args[0].IsReg()
	if indirect {
		r, err := c.gp(n, n.Args[0])
		if err != nil {
			return err
		}
		target = r
		if r.ID() == amd64.RAX || slices.Contains(argGP, r.ID()) {
			c.emit(amd64.MovReg(r11, r))
			target = r11
		}
	}

	for _, a := range cs.args {
		if !a.inReg {
			continue
		}
		slot := amd64.Mem(rsp()).WithDisp(a.off)
		switch {
		case !a.float:
			c.emit(amd64.MovFromMemory(r64(asm.Variable(a.reg)), slot))
		case a.size == 4:
			c.emit(amd64.MovssLoad(amd64.Xmm(a.reg), slot))
		default:
			c.emit(amd64.MovsdLoad(amd64.Xmm(a.reg), slot))
		}
	}
	c.emit(amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(cs.fpArgs)))

	switch v := n.Args[0]; v.Kind {
	case ir.KindReg:
		c.emit(amd64.CallReg(target))
	case ir.KindImm:
		c.emit(amd64.MovAbs(r11, uint64(v.Imm)), amd64.CallReg(r11))
	case ir.KindLabel, ir.KindNone:
		c.patchAt(n, 1, ir.PatchRel32)
		c.emit(amd64.CallRel32(0))
	default:
		return fmt.Errorf("call target %s", v)
	}

	for k := len(cs.fpSaves) - 1; k >= 0; k-- {
		c.emit(amd64.MovsdLoad(cs.fpSaves[k], amd64.Mem(rsp()).WithDisp(cs.fpOff+int32(k)*16)))
	}
	for k := len(cs.gpSaves) - 1; k >= 0; k-- {
		c.emit(amd64.MovFromMemory(r64(cs.gpSaves[k]), amd64.Mem(rsp()).WithDisp(cs.gpOff+int32(k)*8)))
	}
	if cs.reserve > 0 {
		c.emit(amd64.AddRegImm(rsp(), cs.reserve))
	}
	c.depth -= cs.reserve
	c.call = nil
	return nil
}

func (c *compiler) lowerRetval(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	c.movIfNeeded(dst, r64(amd64.RAX))
	return nil
}
