package amd64

import (
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

func shiftOp(n *ir.Node) amd64.ShiftOp {
	switch {
	case n.Op == ir.OpLsh:
		return amd64.ShiftShl
	case n.Unsigned():
		return amd64.ShiftShr
	}
	return amd64.ShiftSar
}

// lowerShift shifts by an immediate or by CL. The count register is
// borrowed for the duration of the node and restored if it held a live
// value.
func (c *compiler) lowerShift(_ ir.NodeID, n *ir.Node) error {
	op := shiftOp(n)
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, val := r[0], r[1]

	if n.Args[2].IsImm() {
		c.movIfNeeded(dst, val)
		if count := uint8(n.Args[2].Imm & 63); count != 0 {
			c.emit(amd64.ShiftImm(op, dst, count))
		}
		return nil
	}

	shift, err := c.gp(n, n.Args[2])
	if err != nil {
		return err
	}
	rcx := r64(amd64.RCX)

	if dst.ID() == amd64.RCX {
		// The result lands in the count register: shift a temporary and
		// move it over at the end.
		return c.withScratch(n, ids(rcx, shift, val), func(tmp amd64.Reg) error {
			c.emit(amd64.MovReg(tmp, val))
			c.movIfNeeded(rcx, shift)
			c.emit(amd64.ShiftCL(op, tmp), amd64.MovReg(rcx, tmp))
			return nil
		})
	}

	_, busy := inUse(n, int(amd64.RCX), false)
	save := busy && shift.ID() != amd64.RCX
	if save {
		c.emit(amd64.Push(rcx))
	}
	switch {
	case val.ID() == amd64.RCX && dst.ID() == shift.ID():
		c.emit(amd64.Xchg(rcx, dst))
	case val.ID() == amd64.RCX:
		c.emit(amd64.MovReg(dst, rcx))
		c.movIfNeeded(rcx, shift)
	default:
		c.movIfNeeded(rcx, shift)
		c.movIfNeeded(dst, val)
	}
	c.emit(amd64.ShiftCL(op, dst))
	if save {
		c.emit(amd64.Pop(rcx))
	}
	return nil
}
