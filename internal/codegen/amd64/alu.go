package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

var aluOps = map[ir.Op]amd64.ALUOp{
	ir.OpAddC: amd64.ALUAdd,
	ir.OpAddX: amd64.ALUAdc,
	ir.OpSubC: amd64.ALUSub,
	ir.OpSubX: amd64.ALUSbb,
	ir.OpOr:   amd64.ALUOr,
	ir.OpXor:  amd64.ALUXor,
	ir.OpAnd:  amd64.ALUAnd,
}

func commutative(op ir.Op) bool {
	switch op {
	case ir.OpSubC, ir.OpSubX:
		return false
	}
	return true
}

func (c *compiler) lowerMovReg(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	c.movIfNeeded(r[0], r[1])
	return nil
}

func (c *compiler) lowerMovImm(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	v := n.Args[1].Imm
	if v == 0 && !c.carryPending(n) {
		d32 := amd64.Reg32(dst.ID())
		c.emit(amd64.XorRegReg(d32, d32))
		return nil
	}
	c.emit(amd64.MovImmediate(dst, v))
	return nil
}

// carryPending reports whether a carry consumer follows n in the same
// straight-line run with no new carry producer in between. Clearing with
// xor would reset the carry; mov leaves the flags alone.
func (c *compiler) carryPending(n *ir.Node) bool {
	for id := n.Next(); id != ir.NoNode; {
		m := c.l.Node(id)
		switch m.Op {
		case ir.OpAddX, ir.OpSubX:
			return true
		case ir.OpAddC, ir.OpSubC, ir.OpLabel, ir.OpProlog, ir.OpRet, ir.OpFRet, ir.OpJmp, ir.OpCall:
			return false
		}
		id = m.Next()
	}
	return false
}

func (c *compiler) lowerAddReg(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1, 2)
	if err != nil {
		return err
	}
	dst, a, b := r[0], r[1], r[2]
	switch dst.ID() {
	case a.ID():
		c.emit(amd64.AddRegReg(dst, b))
	case b.ID():
		c.emit(amd64.AddRegReg(dst, a))
	default:
		c.emit(amd64.Lea(dst, amd64.MemIndex(a, b, 1)))
	}
	return nil
}

func (c *compiler) lowerAddImm(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	v := n.Args[2].Imm
	if !amd64.FitsImm32(v) {
		return c.aluWide(n, amd64.ALUAdd, dst, a, v)
	}
	if dst.ID() == a.ID() {
		c.emit(amd64.AddRegImm(dst, int32(v)))
	} else {
		c.emit(amd64.Lea(dst, amd64.Mem(a).WithDisp(int32(v))))
	}
	return nil
}

func (c *compiler) lowerSubReg(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1, 2)
	if err != nil {
		return err
	}
	dst, a, b := r[0], r[1], r[2]
	switch dst.ID() {
	case a.ID():
		c.emit(amd64.SubRegReg(dst, b))
	case b.ID():
		// dst = -(b - a)
		c.emit(amd64.SubRegReg(dst, a), amd64.Neg(dst))
	default:
		c.emit(amd64.MovReg(dst, a), amd64.SubRegReg(dst, b))
	}
	return nil
}

func (c *compiler) lowerSubImm(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	v := n.Args[2].Imm
	if !amd64.FitsImm32(v) || v == math.MinInt32 {
		return c.aluWide(n, amd64.ALUSub, dst, a, v)
	}
	if dst.ID() == a.ID() {
		c.emit(amd64.SubRegImm(dst, int32(v)))
	} else {
		c.emit(amd64.Lea(dst, amd64.Mem(a).WithDisp(int32(-v))))
	}
	return nil
}

// Reverse subtract: dst = b - a.
func (c *compiler) lowerRsbReg(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1, 2)
	if err != nil {
		return err
	}
	dst, a, b := r[0], r[1], r[2]
	switch dst.ID() {
	case a.ID():
		c.emit(amd64.SubRegReg(dst, b), amd64.Neg(dst))
	case b.ID():
		c.emit(amd64.SubRegReg(dst, a))
	default:
		c.emit(amd64.MovReg(dst, b), amd64.SubRegReg(dst, a))
	}
	return nil
}

func (c *compiler) lowerRsbImm(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	v := n.Args[2].Imm
	if amd64.FitsImm32(v) {
		c.movIfNeeded(dst, a)
		c.emit(amd64.Neg(dst), amd64.AddRegImm(dst, int32(v)))
		return nil
	}
	return c.withScratch(n, ids(dst, a), func(tmp amd64.Reg) error {
		c.emit(
			amd64.MovImmediate(tmp, v),
			amd64.SubRegReg(tmp, a),
			amd64.MovReg(dst, tmp),
		)
		return nil
	})
}

// lowerALU covers the two-operand forms without a dedicated lowering:
// the carry chain, and, or and xor.
func (c *compiler) lowerALU(_ ir.NodeID, n *ir.Node) error {
	op, ok := aluOps[n.Op]
	if !ok {
		return fmt.Errorf("no ALU form for %s", n.Op)
	}
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	if n.Args[2].IsImm() {
		v := n.Args[2].Imm
		if !amd64.FitsImm32(v) {
			return c.aluWide(n, op, dst, a, v)
		}
		c.movIfNeeded(dst, a)
		c.emit(amd64.ALUImm(op, dst, int32(v)))
		return nil
	}
	b, err := c.gp(n, n.Args[2])
	if err != nil {
		return err
	}
	switch {
	case dst.ID() == a.ID():
		c.emit(amd64.ALU(op, dst, b))
	case dst.ID() == b.ID() && commutative(n.Op):
		c.emit(amd64.ALU(op, dst, a))
	case dst.ID() == b.ID():
		// The subtrahend is about to be overwritten. Park it in the red
		// zone; mov leaves the incoming carry alone.
		c.emit(
			amd64.MovToMemory(redZone(8), b),
			amd64.MovReg(dst, a),
			amd64.ALUMem(op, dst, redZone(8)),
		)
	default:
		c.emit(amd64.MovReg(dst, a), amd64.ALU(op, dst, b))
	}
	return nil
}

// aluWide applies op with an immediate that has no imm32 encoding by
// materialising it in a scratch register first.
func (c *compiler) aluWide(n *ir.Node, op amd64.ALUOp, dst, a amd64.Reg, v int64) error {
	return c.withScratch(n, ids(dst, a), func(tmp amd64.Reg) error {
		c.emit(amd64.MovImmediate(tmp, v))
		c.movIfNeeded(dst, a)
		c.emit(amd64.ALU(op, dst, tmp))
		return nil
	})
}

func (c *compiler) lowerUnary(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	c.movIfNeeded(r[0], r[1])
	if n.Op == ir.OpNeg {
		c.emit(amd64.Neg(r[0]))
	} else {
		c.emit(amd64.Not(r[0]))
	}
	return nil
}

var (
	signedConds = map[ir.Op]amd64.Cond{
		ir.OpLt: amd64.CondL, ir.OpLe: amd64.CondLE, ir.OpGt: amd64.CondG, ir.OpGe: amd64.CondGE,
		ir.OpBlt: amd64.CondL, ir.OpBle: amd64.CondLE, ir.OpBgt: amd64.CondG, ir.OpBge: amd64.CondGE,
	}
	unsignedConds = map[ir.Op]amd64.Cond{
		ir.OpLt: amd64.CondB, ir.OpLe: amd64.CondBE, ir.OpGt: amd64.CondA, ir.OpGe: amd64.CondAE,
		ir.OpBlt: amd64.CondB, ir.OpBle: amd64.CondBE, ir.OpBgt: amd64.CondA, ir.OpBge: amd64.CondAE,
	}
	eqConds = map[ir.Op]amd64.Cond{
		ir.OpEq: amd64.CondE, ir.OpNe: amd64.CondNE,
		ir.OpBeq: amd64.CondE, ir.OpBne: amd64.CondNE,
		ir.OpBms: amd64.CondNE, ir.OpBmc: amd64.CondE,
		ir.OpBoAdd: amd64.CondO, ir.OpBoSub: amd64.CondO,
		ir.OpBnoAdd: amd64.CondNO, ir.OpBnoSub: amd64.CondNO,
	}
)

func condFor(n *ir.Node) (amd64.Cond, error) {
	if cc, ok := eqConds[n.Op]; ok {
		return cc, nil
	}
	table := signedConds
	if n.Unsigned() {
		table = unsignedConds
	}
	if cc, ok := table[n.Op]; ok {
		return cc, nil
	}
	return 0, fmt.Errorf("no condition code for %s", n.Op)
}

// compare sets the flags from a against b, an immediate or a register.
// With test set it emits test instead of cmp.
func (c *compiler) compare(n *ir.Node, a amd64.Reg, b ir.Operand, test bool) error {
	if b.IsImm() {
		if amd64.FitsImm32(b.Imm) {
			if test {
				c.emit(amd64.TestImm(a, int32(b.Imm)))
			} else {
				c.emit(amd64.CmpRegImm(a, int32(b.Imm)))
			}
			return nil
		}
		return c.withScratch(n, ids(a), func(tmp amd64.Reg) error {
			c.emit(amd64.MovImmediate(tmp, b.Imm))
			if test {
				c.emit(amd64.Test(a, tmp))
			} else {
				c.emit(amd64.CmpRegReg(a, tmp))
			}
			return nil
		})
	}
	rb, err := c.gp(n, b)
	if err != nil {
		return err
	}
	if test {
		c.emit(amd64.Test(a, rb))
	} else {
		c.emit(amd64.CmpRegReg(a, rb))
	}
	return nil
}

// lowerCond materialises a comparison as 0 or 1. The destination is cleared
// with mov so the flags survive until setcc. RSI and RDI go through AL.
func (c *compiler) lowerCond(_ ir.NodeID, n *ir.Node) error {
	cc, err := condFor(n)
	if err != nil {
		return err
	}
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, a := r[0], r[1]
	if err := c.compare(n, a, n.Args[2], false); err != nil {
		return err
	}
	switch dst.ID() {
	case amd64.RSI, amd64.RDI:
		rax := r64(amd64.RAX)
		c.emit(
			amd64.Xchg(rax, dst),
			amd64.MovImmediate(amd64.Reg32(amd64.RAX), 0),
			amd64.Setcc(cc, amd64.Reg8(amd64.RAX)),
			amd64.Xchg(rax, dst),
		)
	default:
		c.emit(
			amd64.MovImmediate(amd64.Reg32(dst.ID()), 0),
			amd64.Setcc(cc, amd64.Reg8(dst.ID())),
		)
	}
	return nil
}
