package amd64

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

// Red zone homes of the loop registers while a block loop runs.
const (
	counterSlot = 8
	scratchSlot = 16
)

// transfer is the state of an open transfer loop, kept from the opening
// node until the node that closes it.
type transfer struct {
	dst, src    amd64.Reg
	size        int
	counter     amd64.Reg
	scratch     amd64.Reg
	saveCounter bool
	saveScratch bool
	loop        int
	guard       int
}

func (t *transfer) element(base amd64.Reg) amd64.Memory {
	return amd64.MemIndex(base, t.counter, 1).WithDisp(-int32(t.size))
}

func checkBlockSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("block element size %d", size)
}

// loopRegs picks the byte counter and, when needed, the element scratch
// register for a block loop. A register count that dies at n becomes the
// counter itself.
func (c *compiler) loopRegs(n *ir.Node, t *transfer, keep []int, count ir.Operand, needScratch bool) error {
	exclude := append([]int(nil), keep...)
	var countHW int = -1
	if count.IsReg() {
		h, err := c.hw(n, count)
		if err != nil {
			return err
		}
		countHW = h
		exclude = append(exclude, h)
	}
	if needScratch {
		hw, save, err := c.scratch(n, false, exclude...)
		if err != nil {
			return err
		}
		t.scratch, t.saveScratch = r64(asm.Variable(hw)), save
		exclude = append(exclude, hw)
	}
	if countHW >= 0 && n.LiveOut != nil && !n.LiveOut.Has(count.Reg) {
		t.counter = r64(asm.Variable(countHW))
		return nil
	}
	hw, save, err := c.scratch(n, false, exclude...)
	if err != nil {
		return err
	}
	t.counter, t.saveCounter = r64(asm.Variable(hw)), save
	return nil
}

// enter saves the loop registers and loads the byte count.
func (c *compiler) enter(n *ir.Node, t *transfer, count ir.Operand) error {
	if t.saveCounter {
		c.emit(amd64.MovToMemory(redZone(counterSlot), t.counter))
	}
	if t.saveScratch {
		c.emit(amd64.MovToMemory(redZone(scratchSlot), t.scratch))
	}
	if count.IsImm() {
		c.emit(amd64.MovImmediate(t.counter, count.Imm*int64(t.size)))
		return nil
	}
	src, err := c.gp(n, count)
	if err != nil {
		return err
	}
	c.movIfNeeded(t.counter, src)
	if t.size > 1 {
		c.emit(amd64.ShiftImm(amd64.ShiftShl, t.counter, uint8(bits.TrailingZeros(uint(t.size)))))
	}
	return nil
}

func (c *compiler) leave(t *transfer) {
	if t.saveCounter {
		c.emit(amd64.MovFromMemory(t.counter, redZone(counterSlot)))
	}
	if t.saveScratch {
		c.emit(amd64.MovFromMemory(t.scratch, redZone(scratchSlot)))
	}
}

func (c *compiler) loadElement(t *transfer) asm.Fragment {
	mem := t.element(t.src)
	if t.size == 8 {
		return amd64.MovFromMemory(t.scratch, mem)
	}
	return amd64.MovZX(t.scratch, mem, t.size)
}

// countedLoop emits body followed by the counter step, guarded against a
// zero count unless the count is a known positive immediate.
func (c *compiler) countedLoop(t *transfer, count ir.Operand, body ...asm.Fragment) error {
	step := append(body, amd64.SubRegImm(t.counter, int32(t.size)))
	code, err := assembled(step...)
	if err != nil {
		return err
	}
	var loop asm.Fragment
	if back := -(len(code) + 2); back >= -128 {
		loop = asm.Group{code, amd64.JccRel8(amd64.CondNE, int8(back))}
	} else {
		loop = asm.Group{code, amd64.JccRel32(amd64.CondNE, int32(-(len(code) + 6)))}
	}
	if count.IsImm() && count.Imm > 0 {
		c.emit(loop)
		return nil
	}
	c.emit(amd64.Test(t.counter, t.counter))
	return c.skipIf(amd64.CondE, loop)
}

// lowerMemcpy copies count elements of size bytes from src to dst, highest
// element first.
func (c *compiler) lowerMemcpy(_ ir.NodeID, n *ir.Node) error {
	if err := checkBlockSize(n.Size); err != nil {
		return err
	}
	if n.Args[2].IsImm() && n.Args[2].Imm <= 0 {
		return nil
	}
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	t := &transfer{dst: r[0], src: r[1], size: n.Size}
	if err := c.loopRegs(n, t, ids(t.dst, t.src), n.Args[2], true); err != nil {
		return err
	}
	if err := c.enter(n, t, n.Args[2]); err != nil {
		return err
	}
	value, err := sized(t.scratch, t.size)
	if err != nil {
		return err
	}
	if err := c.countedLoop(t, n.Args[2], c.loadElement(t), amd64.MovToMemory(t.element(t.dst), value)); err != nil {
		return err
	}
	c.leave(t)
	return nil
}

// lowerMemset stores value, a register or an immediate, into count
// elements of size bytes at dst.
func (c *compiler) lowerMemset(_ ir.NodeID, n *ir.Node) error {
	if err := checkBlockSize(n.Size); err != nil {
		return err
	}
	if n.Args[1].IsImm() && n.Args[1].Imm <= 0 {
		return nil
	}
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	t := &transfer{dst: dst, size: n.Size}
	keep := ids(dst)
	value := n.Args[2]
	var valueReg amd64.Reg
	if value.IsReg() {
		if valueReg, err = c.gp(n, value); err != nil {
			return err
		}
		keep = append(keep, int(valueReg.ID()))
	}
	wide := value.IsImm() && n.Size == 8 && !amd64.FitsImm32(value.Imm)
	if err := c.loopRegs(n, t, keep, n.Args[1], wide); err != nil {
		return err
	}
	if err := c.enter(n, t, n.Args[1]); err != nil {
		return err
	}

	var store asm.Fragment
	switch {
	case wide:
		c.emit(amd64.MovImmediate(t.scratch, value.Imm))
		store = amd64.MovToMemory(t.element(dst), t.scratch)
	case value.IsImm():
		store = amd64.MovImmToMemory(t.element(dst), n.Size, int32(value.Imm))
	default:
		v, err := sized(valueReg, n.Size)
		if err != nil {
			return err
		}
		store = amd64.MovToMemory(t.element(dst), v)
	}
	if err := c.countedLoop(t, n.Args[1], store); err != nil {
		return err
	}
	c.leave(t)
	return nil
}

// lowerTransfer opens a transfer loop. The loop head loads the current
// source element into the scratch register; the body nodes fold operands
// into it and the closing node stores it to the destination.
func (c *compiler) lowerTransfer(id ir.NodeID, n *ir.Node) error {
	if err := checkBlockSize(n.Size); err != nil {
		return err
	}
	if _, open := c.transfers[id]; open {
		return fmt.Errorf("%w: transfer %%%d opened twice", ErrTransferState, id)
	}
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	t := &transfer{dst: r[0], src: r[1], size: n.Size}
	if err := c.loopRegs(n, t, ids(t.dst, t.src), n.Args[2], true); err != nil {
		return err
	}
	if err := c.enter(n, t, n.Args[2]); err != nil {
		return err
	}
	c.emit(amd64.Test(t.counter, t.counter))
	c.at(func(off int) { t.guard = off + 2 })
	c.emit(amd64.JccRel32(amd64.CondE, 0))
	c.at(func(off int) { t.loop = off })
	c.emit(c.loadElement(t))
	c.transfers[id] = t
	return nil
}

var transferOps = map[ir.Op]amd64.ALUOp{
	ir.OpTransferAdd: amd64.ALUAdd,
	ir.OpTransferSub: amd64.ALUSub,
	ir.OpTransferAnd: amd64.ALUAnd,
	ir.OpTransferOr:  amd64.ALUOr,
	ir.OpTransferXor: amd64.ALUXor,
}

func (c *compiler) lowerTransferOp(_ ir.NodeID, n *ir.Node) error {
	open := n.Args[0].Node
	t, ok := c.transfers[open]
	if !ok {
		return fmt.Errorf("%w: %%%d", ErrTransferState, open)
	}
	if op, ok := transferOps[n.Op]; ok {
		if err := c.transferOperand(n, t, op); err != nil {
			return err
		}
	}
	if n.Op == ir.OpTransferCpy || n.Flags.Has(ir.FlagClose) {
		return c.closeTransfer(open, t)
	}
	return nil
}

// transferOperand folds one operand into the scratch register. The
// destination element is named by Out; a register that the loop borrowed
// is read from its saved home.
func (c *compiler) transferOperand(n *ir.Node, t *transfer, op amd64.ALUOp) error {
	o := n.Args[1]
	if o.IsReg() && o.Reg == ir.Out {
		s, err := sized(t.scratch, t.size)
		if err != nil {
			return err
		}
		c.emit(amd64.ALUMem(op, s, t.element(t.dst)))
		return nil
	}
	r, err := c.gp(n, o)
	if err != nil {
		return err
	}
	switch {
	case r.ID() == t.counter.ID() && t.saveCounter:
		c.emit(amd64.ALUMem(op, t.scratch, redZone(counterSlot)))
	case r.ID() == t.scratch.ID() && t.saveScratch:
		c.emit(amd64.ALUMem(op, t.scratch, redZone(scratchSlot)))
	default:
		c.emit(amd64.ALU(op, t.scratch, r))
	}
	return nil
}

func (c *compiler) closeTransfer(open ir.NodeID, t *transfer) error {
	value, err := sized(t.scratch, t.size)
	if err != nil {
		return err
	}
	c.emit(
		amd64.MovToMemory(t.element(t.dst), value),
		amd64.SubRegImm(t.counter, int32(t.size)),
		fragmentFunc(func(ctx asm.Context) error {
			if back := t.loop - (ctx.Len() + 2); back >= -128 {
				return amd64.JccRel8(amd64.CondNE, int8(back)).Emit(ctx)
			}
			return amd64.JccRel32(amd64.CondNE, int32(t.loop-(ctx.Len()+6))).Emit(ctx)
		}),
		fragmentFunc(func(ctx asm.Context) error {
			return c.buf.PutUint32(t.guard, uint32(int32(ctx.Len()-(t.guard+4))))
		}),
	)
	c.leave(t)
	delete(c.transfers, open)
	return nil
}
