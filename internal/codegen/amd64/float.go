package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

var sseOps = map[ir.Op]amd64.SSEOp{
	ir.OpFAdd: amd64.SSEAdd,
	ir.OpFSub: amd64.SSESub,
	ir.OpFRsb: amd64.SSESub,
	ir.OpFMul: amd64.SSEMul,
	ir.OpFDiv: amd64.SSEDiv,
}

// loadFloat materialises a double constant through the red zone.
func (c *compiler) loadFloat(dst amd64.Xmm, v float64) {
	slot := redZone(8)
	c.storeImm(slot, 8, int64(math.Float64bits(v)))
	c.emit(amd64.MovsdLoad(dst, slot))
}

func (c *compiler) lowerFMovReg(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	c.movsdIfNeeded(dst, src)
	return nil
}

func (c *compiler) lowerFMovImm(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	c.loadFloat(dst, n.Args[1].Float)
	return nil
}

func (c *compiler) lowerFArith(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	a, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	if b := n.Args[2]; b.Kind == ir.KindFloat {
		return c.withScratchXmm(n, []int{int(dst), int(a)}, func(tmp amd64.Xmm) error {
			c.loadFloat(tmp, b.Float)
			return c.farith(n, dst, a, tmp)
		})
	}
	b, err := c.xmm(n, n.Args[2])
	if err != nil {
		return err
	}
	return c.farith(n, dst, a, b)
}

// farith computes dst = a op b, or b - a for rsb, with two-operand SSE
// forms.
func (c *compiler) farith(n *ir.Node, dst, a, b amd64.Xmm) error {
	op := sseOps[n.Op]
	if n.Op == ir.OpFRsb {
		a, b = b, a
	}
	switch {
	case dst == a:
		c.emit(amd64.SSEArith(op, dst, b))
	case dst == b && (op == amd64.SSEAdd || op == amd64.SSEMul):
		c.emit(amd64.SSEArith(op, dst, a))
	case dst == b:
		return c.withScratchXmm(n, []int{int(dst), int(a)}, func(tmp amd64.Xmm) error {
			c.emit(amd64.MovsdReg(tmp, b), amd64.MovsdReg(dst, a), amd64.SSEArith(op, dst, tmp))
			return nil
		})
	default:
		c.emit(amd64.MovsdReg(dst, a), amd64.SSEArith(op, dst, b))
	}
	return nil
}

// lowerFNeg flips the sign bit through an integer register.
func (c *compiler) lowerFNeg(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	return c.withScratch(n, nil, func(tmp amd64.Reg) error {
		c.emit(amd64.MovqFromXmm(tmp, src), amd64.Btc(tmp, 63), amd64.MovqToXmm(dst, tmp))
		return nil
	})
}

// lowerFBranch compares with ucomisd. An unordered result takes neither
// the ordered branches nor beq, and always takes bne.
func (c *compiler) lowerFBranch(_ ir.NodeID, n *ir.Node) error {
	if err := checkTarget(n); err != nil {
		return err
	}
	a, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	b, err := c.xmm(n, n.Args[2])
	if err != nil {
		return err
	}
	switch n.Op {
	case ir.OpFBlt:
		c.emit(amd64.Ucomisd(b, a))
		c.jcc(n, amd64.CondA)
	case ir.OpFBle:
		c.emit(amd64.Ucomisd(b, a))
		c.jcc(n, amd64.CondAE)
	case ir.OpFBgt:
		c.emit(amd64.Ucomisd(a, b))
		c.jcc(n, amd64.CondA)
	case ir.OpFBge:
		c.emit(amd64.Ucomisd(a, b))
		c.jcc(n, amd64.CondAE)
	case ir.OpFBeq:
		c.emit(amd64.Ucomisd(a, b), amd64.JccRel8(amd64.CondP, 6))
		c.jcc(n, amd64.CondE)
	case ir.OpFBne:
		c.emit(amd64.Ucomisd(a, b))
		c.patchAt(n, 2, ir.PatchRel32Pair)
		c.emit(amd64.JccRel32(amd64.CondNE, 0), amd64.JccRel32(amd64.CondP, 0))
	default:
		return fmt.Errorf("float branch %s", n.Op)
	}
	return nil
}

func (c *compiler) lowerExt(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.gp(n, n.Args[1])
	if err != nil {
		return err
	}
	c.emit(amd64.Cvtsi2sd(dst, src))
	return nil
}

func (c *compiler) lowerTrunc(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	c.emit(amd64.Cvttsd2si(dst, src))
	return nil
}

// halfBelow is the largest double under 0.5. Adding it before truncating
// rounds ties away from zero without lifting values just below a tie.
var halfBelow = math.Nextafter(0.5, 0)

// lowerRound converts with truncation and then corrects by one. Ceil and
// floor compare the truncated value with the source; round adds a
// half-step carrying the source's sign.
func (c *compiler) lowerRound(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	return c.withScratchXmm(n, []int{int(src)}, func(tmp amd64.Xmm) error {
		switch n.Op {
		case ir.OpFloor, ir.OpCeil:
			c.emit(amd64.Cvttsd2si(dst, src), amd64.Cvtsi2sd(tmp, dst), amd64.Ucomisd(src, tmp))
			if n.Op == ir.OpFloor {
				return c.skipIf(amd64.CondAE, amd64.SubRegImm(dst, 1))
			}
			return c.skipIf(amd64.CondBE, amd64.AddRegImm(dst, 1))
		}
		c.emit(
			amd64.MovqFromXmm(dst, src),
			amd64.Test(dst, dst),
			amd64.MovAbs(dst, math.Float64bits(halfBelow)),
		)
		if err := c.skipIf(amd64.CondNS, amd64.Btc(dst, 63)); err != nil {
			return err
		}
		c.emit(
			amd64.MovqToXmm(tmp, dst),
			amd64.SSEArith(amd64.SSEAdd, tmp, src),
			amd64.Cvttsd2si(dst, tmp),
		)
		return nil
	})
}

func (c *compiler) floatLoad(dst amd64.Xmm, mem amd64.Memory, size int) {
	if size == 4 {
		c.emit(amd64.MovssLoad(dst, mem), amd64.Cvtss2sd(dst, dst))
		return
	}
	c.emit(amd64.MovsdLoad(dst, mem))
}

func (c *compiler) floatStore(n *ir.Node, mem amd64.Memory, src amd64.Xmm, size int) error {
	if size != 4 {
		c.emit(amd64.MovsdStore(mem, src))
		return nil
	}
	return c.withScratchXmm(n, []int{int(src)}, func(tmp amd64.Xmm) error {
		c.emit(amd64.Cvtsd2ss(tmp, src), amd64.MovssStore(mem, tmp))
		return nil
	})
}

func (c *compiler) lowerFLd(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	return c.withAddress(n, n.Args[1], nil, func(mem amd64.Memory) error {
		c.floatLoad(dst, mem, n.Size)
		return nil
	})
}

func (c *compiler) lowerFLdx(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	base, err := c.gp(n, n.Args[1])
	if err != nil {
		return err
	}
	return c.indexed(n, base, n.Args[2], nil, func(mem amd64.Memory) error {
		c.floatLoad(dst, mem, n.Size)
		return nil
	})
}

func (c *compiler) lowerFSt(_ ir.NodeID, n *ir.Node) error {
	src, err := c.xmm(n, n.Args[1])
	if err != nil {
		return err
	}
	return c.withAddress(n, n.Args[0], nil, func(mem amd64.Memory) error {
		return c.floatStore(n, mem, src, n.Size)
	})
}

func (c *compiler) lowerFStx(_ ir.NodeID, n *ir.Node) error {
	base, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	src, err := c.xmm(n, n.Args[2])
	if err != nil {
		return err
	}
	return c.indexed(n, base, n.Args[1], nil, func(mem amd64.Memory) error {
		return c.floatStore(n, mem, src, n.Size)
	})
}

func (c *compiler) lowerFRetval(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.xmm(n, n.Args[0])
	if err != nil {
		return err
	}
	if n.Size == 4 {
		c.emit(amd64.Cvtss2sd(dst, amd64.Xmm(0)))
		return nil
	}
	c.movsdIfNeeded(dst, amd64.Xmm(0))
	return nil
}

func (c *compiler) lowerFRet(_ ir.NodeID, n *ir.Node) error {
	if c.frame == nil {
		return fmt.Errorf("fret outside a function")
	}
	xmm0 := amd64.Xmm(0)
	switch v := n.Args[0]; v.Kind {
	case ir.KindReg:
		src, err := c.xmm(n, v)
		if err != nil {
			return err
		}
		if n.Size == 4 {
			c.emit(amd64.Cvtsd2ss(xmm0, src))
		} else {
			c.movsdIfNeeded(xmm0, src)
		}
	case ir.KindFloat:
		if n.Size == 4 {
			slot := redZone(8)
			c.emit(
				amd64.MovImmToMemory(slot, 4, int32(math.Float32bits(float32(v.Float)))),
				amd64.MovssLoad(xmm0, slot),
			)
		} else {
			c.loadFloat(xmm0, v.Float)
		}
	default:
		return fmt.Errorf("fret of %s", v)
	}
	c.epilog()
	return nil
}
