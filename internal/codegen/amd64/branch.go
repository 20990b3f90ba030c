package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

func checkTarget(n *ir.Node) error {
	switch n.Args[0].Kind {
	case ir.KindLabel, ir.KindNone:
		return nil
	}
	return fmt.Errorf("branch target %s is neither a label nor a forward reference", n.Args[0])
}

// jcc emits a conditional branch with a zero displacement and records the
// displacement field for the resolver.
func (c *compiler) jcc(n *ir.Node, cc amd64.Cond) {
	c.patchAt(n, 2, ir.PatchRel32)
	c.emit(amd64.JccRel32(cc, 0))
}

func (c *compiler) lowerBranch(_ ir.NodeID, n *ir.Node) error {
	if err := checkTarget(n); err != nil {
		return err
	}
	cc, err := condFor(n)
	if err != nil {
		return err
	}
	a, err := c.gp(n, n.Args[1])
	if err != nil {
		return err
	}
	test := n.Op == ir.OpBms || n.Op == ir.OpBmc
	if err := c.compare(n, a, n.Args[2], test); err != nil {
		return err
	}
	c.jcc(n, cc)
	return nil
}

// lowerOverflowBranch leaves a+b or a-b in a and branches on the
// overflow flag.
func (c *compiler) lowerOverflowBranch(_ ir.NodeID, n *ir.Node) error {
	if err := checkTarget(n); err != nil {
		return err
	}
	cc, err := condFor(n)
	if err != nil {
		return err
	}
	a, err := c.gp(n, n.Args[1])
	if err != nil {
		return err
	}
	op := amd64.ALUAdd
	if n.Op == ir.OpBoSub || n.Op == ir.OpBnoSub {
		op = amd64.ALUSub
	}
	b := n.Args[2]
	switch {
	case b.IsImm() && amd64.FitsImm32(b.Imm):
		c.emit(amd64.ALUImm(op, a, int32(b.Imm)))
	case b.IsImm():
		err = c.withScratch(n, ids(a), func(tmp amd64.Reg) error {
			c.emit(amd64.MovImmediate(tmp, b.Imm), amd64.ALU(op, a, tmp))
			return nil
		})
	default:
		var rb amd64.Reg
		if rb, err = c.gp(n, b); err == nil {
			c.emit(amd64.ALU(op, a, rb))
		}
	}
	if err != nil {
		return err
	}
	c.jcc(n, cc)
	return nil
}

func (c *compiler) lowerJmp(_ ir.NodeID, n *ir.Node) error {
	if n.Args[0].IsReg() {
		r, err := c.gp(n, n.Args[0])
		if err != nil {
			return err
		}
		c.emit(amd64.JumpReg(r))
		return nil
	}
	if err := checkTarget(n); err != nil {
		return err
	}
	c.patchAt(n, 1, ir.PatchRel32)
	c.emit(amd64.JmpRel32(0))
	return nil
}

func (c *compiler) lowerLabel(_ ir.NodeID, n *ir.Node) error {
	lbl := n.Args[0].Label
	c.at(func(off int) { c.labels[lbl] = off })
	return nil
}

// lowerPatch binds the forward reference of an earlier node to the current
// position. References from nodes that a pass has since removed are
// dropped.
func (c *compiler) lowerPatch(_ ir.NodeID, n *ir.Node) error {
	ref := n.Args[0].Node
	target := c.l.Node(ref)
	if target == nil {
		return fmt.Errorf("%w: patch of missing node %d", ir.ErrBadReference, ref)
	}
	if target.Op == ir.OpNop {
		return nil
	}
	c.at(func(off int) { c.targets[ref] = off })
	return nil
}
