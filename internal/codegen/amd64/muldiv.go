package amd64

import (
	"math/bits"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

// fixedPair saves RAX and RDX around a one-operand mul or div when they
// hold live values that the destination does not replace.
type fixedPair struct {
	saved []amd64.Reg
}

func (c *compiler) saveFixed(n *ir.Node, dst amd64.Reg) fixedPair {
	var p fixedPair
	for _, v := range []asm.Variable{amd64.RAX, amd64.RDX} {
		if dst.ID() == v {
			continue
		}
		if _, busy := inUse(n, int(v), false); busy {
			p.saved = append(p.saved, r64(v))
			c.emit(amd64.Push(r64(v)))
		}
	}
	return p
}

func (c *compiler) restoreFixed(p fixedPair) {
	for i := len(p.saved) - 1; i >= 0; i-- {
		c.emit(amd64.Pop(p.saved[i]))
	}
}

func (c *compiler) lowerMul(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	if n.Op == ir.OpMul && n.Args[2].IsImm() && c.mulByConst(dst, a, n.Args[2].Imm) {
		return nil
	}

	unary := amd64.UnaryImul
	if n.Unsigned() {
		unary = amd64.UnaryMul
	}
	rax, rdx := r64(amd64.RAX), r64(amd64.RDX)

	p := c.saveFixed(n, dst)
	if n.Args[2].IsImm() {
		c.movIfNeeded(rax, a)
		c.emit(amd64.MovImmediate(rdx, n.Args[2].Imm), amd64.Unary(unary, rdx))
	} else {
		b, err := c.gp(n, n.Args[2])
		if err != nil {
			return err
		}
		switch amd64.RAX {
		case a.ID():
			c.emit(amd64.Unary(unary, b))
		case b.ID():
			c.emit(amd64.Unary(unary, a))
		default:
			c.emit(amd64.MovReg(rax, a), amd64.Unary(unary, b))
		}
	}
	result := rax
	if n.Op == ir.OpHmul {
		result = rdx
	}
	c.movIfNeeded(dst, result)
	c.restoreFixed(p)
	return nil
}

// mulByConst strength-reduces multiplication by 2, 3, 4, 5, 8 and 9.
func (c *compiler) mulByConst(dst, a amd64.Reg, v int64) bool {
	switch v {
	case 2, 4, 8:
		c.movIfNeeded(dst, a)
		c.emit(amd64.ShiftImm(amd64.ShiftShl, dst, uint8(bits.TrailingZeros64(uint64(v)))))
	case 3, 5, 9:
		c.emit(amd64.Lea(dst, amd64.MemIndex(a, a, uint8(v-1))))
	default:
		return false
	}
	return true
}

func (c *compiler) lowerDiv(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	mod := n.Op == ir.OpMod
	if n.Args[2].IsImm() {
		if k, ok := pow2(n.Args[2].Imm); ok {
			return c.divPow2(dst, a, k, mod, n.Unsigned())
		}
	}

	unary := amd64.UnaryIdiv
	if n.Unsigned() {
		unary = amd64.UnaryDiv
	}
	rax, rdx := r64(amd64.RAX), r64(amd64.RDX)
	extend := func() {
		if n.Unsigned() {
			c.emit(amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)))
		} else {
			c.emit(amd64.Cqo())
		}
	}

	p := c.saveFixed(n, dst)
	switch {
	case n.Args[2].IsImm():
		// The divisor goes through memory below the stack pointer.
		c.storeImm(redZone(8), 8, n.Args[2].Imm)
		c.movIfNeeded(rax, a)
		extend()
		c.emit(amd64.UnaryMem(unary, 8, redZone(8)))
	default:
		b, err := c.gp(n, n.Args[2])
		if err != nil {
			return err
		}
		if b.ID() == amd64.RAX || b.ID() == amd64.RDX {
			// The divisor sits in one of the registers the instruction
			// consumes; keep a copy on the stack.
			c.emit(amd64.Push(b))
			c.movIfNeeded(rax, a)
			extend()
			c.emit(
				amd64.UnaryMem(unary, 8, amd64.Mem(rsp())),
				amd64.AddRegImm(rsp(), 8),
			)
		} else {
			c.movIfNeeded(rax, a)
			extend()
			c.emit(amd64.Unary(unary, b))
		}
	}
	result := rax
	if mod {
		result = rdx
	}
	c.movIfNeeded(dst, result)
	c.restoreFixed(p)
	return nil
}

// pow2 returns k when v is 2^k for 1 <= k <= 31.
func pow2(v int64) (int, bool) {
	if v < 2 || v > 1<<31 || v&(v-1) != 0 {
		return 0, false
	}
	return bits.TrailingZeros64(uint64(v)), true
}

// divPow2 divides by 2^k without idiv. Signed forms round toward zero: a
// negative dividend is biased by 2^k-1 before the arithmetic shift, and the
// remainder of a negative value is computed on its magnitude.
func (c *compiler) divPow2(dst, a amd64.Reg, k int, mod, unsigned bool) error {
	c.movIfNeeded(dst, a)
	if unsigned {
		if mod {
			c.emit(andMask(dst, k))
		} else {
			c.emit(amd64.ShiftImm(amd64.ShiftShr, dst, uint8(k)))
		}
		return nil
	}

	c.emit(amd64.Test(dst, dst))
	if !mod {
		if err := c.skipIf(amd64.CondNS, amd64.AddRegImm(dst, int32(uint32(1)<<k-1))); err != nil {
			return err
		}
		c.emit(amd64.ShiftImm(amd64.ShiftSar, dst, uint8(k)))
		return nil
	}

	positive, err := assembled(andMask(dst, k))
	if err != nil {
		return err
	}
	negative, err := assembled(
		amd64.Neg(dst),
		andMask(dst, k),
		amd64.Neg(dst),
		amd64.JmpRel8(int8(len(positive))),
	)
	if err != nil {
		return err
	}
	c.emit(amd64.JccRel8(amd64.CondNS, int8(len(negative))), negative, positive)
	return nil
}

// andMask keeps the low k bits of r.
func andMask(r amd64.Reg, k int) asm.Fragment {
	return amd64.ALUImm(amd64.ALUAnd, r, int32(uint32(1)<<k-1))
}

// storeImm writes v as a size-byte value. An eight byte value outside the
// imm32 range is stored as two halves.
func (c *compiler) storeImm(mem amd64.Memory, size int, v int64) {
	if size == 8 && !amd64.FitsImm32(v) {
		c.emit(
			amd64.MovImmToMemory(mem, 4, int32(uint32(v))),
			amd64.MovImmToMemory(mem.Offset(4), 4, int32(uint32(v>>32))),
		)
		return
	}
	c.emit(amd64.MovImmToMemory(mem, size, int32(v)))
}
