package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
)

// load reads size bytes from mem into dst, widening to 64 bits.
func (c *compiler) load(dst amd64.Reg, mem amd64.Memory, size int, unsigned bool) {
	switch {
	case size == 8 || size == 0:
		c.emit(amd64.MovFromMemory(dst, mem))
	case unsigned:
		c.emit(amd64.MovZX(dst, mem, size))
	default:
		c.emit(amd64.MovSX(dst, mem, size))
	}
}

// address resolves a single-operand address. An absolute immediate is
// loaded into via, which the caller chose to be safe to clobber.
func (c *compiler) address(n *ir.Node, o ir.Operand, via amd64.Reg) (amd64.Memory, error) {
	switch o.Kind {
	case ir.KindReg:
		base, err := c.gp(n, o)
		if err != nil {
			return amd64.Memory{}, err
		}
		return amd64.Mem(base), nil
	case ir.KindImm:
		c.emit(amd64.MovImmediate(via, o.Imm))
		return amd64.Mem(via), nil
	}
	return amd64.Memory{}, fmt.Errorf("address operand %s", o)
}

// indexed resolves [base + index] for a register or immediate index and
// passes it to body. A wide immediate index goes through a scratch
// register that excludes keep.
func (c *compiler) indexed(n *ir.Node, base amd64.Reg, index ir.Operand, keep []int, body func(mem amd64.Memory) error) error {
	switch {
	case index.IsReg():
		idx, err := c.gp(n, index)
		if err != nil {
			return err
		}
		return body(amd64.MemIndex(base, idx, 1))
	case index.IsImm() && amd64.FitsImm32(index.Imm):
		return body(amd64.Mem(base).WithDisp(int32(index.Imm)))
	case index.IsImm():
		return c.withScratch(n, append(keep, int(base.ID())), func(tmp amd64.Reg) error {
			c.emit(amd64.MovImmediate(tmp, index.Imm))
			return body(amd64.MemIndex(base, tmp, 1))
		})
	}
	return fmt.Errorf("index operand %s", index)
}

// withAddress gives body a memory operand for a plain address, using a
// scratch register when the address is an absolute immediate.
func (c *compiler) withAddress(n *ir.Node, addr ir.Operand, keep []int, body func(mem amd64.Memory) error) error {
	if addr.IsReg() {
		mem, err := c.address(n, addr, amd64.Reg{})
		if err != nil {
			return err
		}
		return body(mem)
	}
	return c.withScratch(n, keep, func(tmp amd64.Reg) error {
		mem, err := c.address(n, addr, tmp)
		if err != nil {
			return err
		}
		return body(mem)
	})
}

func (c *compiler) lowerLd(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	mem, err := c.address(n, n.Args[1], dst)
	if err != nil {
		return err
	}
	c.load(dst, mem, n.Size, n.Unsigned())
	return nil
}

func (c *compiler) lowerLdx(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 1)
	if err != nil {
		return err
	}
	dst, base := r[0], r[1]
	if n.Args[2].IsImm() && !amd64.FitsImm32(n.Args[2].Imm) && dst.ID() != base.ID() {
		// The destination is free until the load completes.
		c.emit(amd64.MovImmediate(dst, n.Args[2].Imm))
		c.load(dst, amd64.MemIndex(base, dst, 1), n.Size, n.Unsigned())
		return nil
	}
	return c.indexed(n, base, n.Args[2], ids(dst), func(mem amd64.Memory) error {
		c.load(dst, mem, n.Size, n.Unsigned())
		return nil
	})
}

func (c *compiler) lowerSt(_ ir.NodeID, n *ir.Node) error {
	value, err := c.gp(n, n.Args[1])
	if err != nil {
		return err
	}
	v, err := sized(value, n.Size)
	if err != nil {
		return err
	}
	return c.withAddress(n, n.Args[0], ids(value), func(mem amd64.Memory) error {
		c.emit(amd64.MovToMemory(mem, v))
		return nil
	})
}

func (c *compiler) lowerStx(_ ir.NodeID, n *ir.Node) error {
	r, err := c.gpArgs(n, 0, 2)
	if err != nil {
		return err
	}
	base, value := r[0], r[1]
	v, err := sized(value, n.Size)
	if err != nil {
		return err
	}
	return c.indexed(n, base, n.Args[1], ids(value), func(mem amd64.Memory) error {
		c.emit(amd64.MovToMemory(mem, v))
		return nil
	})
}

func storeSize(n *ir.Node) int {
	if n.Size == 0 {
		return 8
	}
	return n.Size
}

func (c *compiler) lowerStoreImm(_ ir.NodeID, n *ir.Node) error {
	return c.withAddress(n, n.Args[0], nil, func(mem amd64.Memory) error {
		c.storeImm(mem, storeSize(n), n.Args[1].Imm)
		return nil
	})
}

func (c *compiler) lowerStoreIndexImm(_ ir.NodeID, n *ir.Node) error {
	base, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	return c.indexed(n, base, n.Args[1], nil, func(mem amd64.Memory) error {
		c.storeImm(mem, storeSize(n), n.Args[2].Imm)
		return nil
	})
}

// lowerRef loads the absolute address of a label or forward position. The
// ten byte movabs keeps its imm64 rewritable.
func (c *compiler) lowerRef(_ ir.NodeID, n *ir.Node) error {
	dst, err := c.gp(n, n.Args[0])
	if err != nil {
		return err
	}
	switch t := n.Args[1]; t.Kind {
	case ir.KindImm:
		c.emit(amd64.MovAbs(dst, uint64(t.Imm)))
	case ir.KindLabel, ir.KindNone:
		c.patchAt(n, 2, ir.PatchAbs64)
		c.emit(amd64.MovAbs(dst, 0))
	default:
		return fmt.Errorf("reference target %s", t)
	}
	return nil
}

func (c *compiler) lowerDataByte(_ ir.NodeID, n *ir.Node) error {
	c.emit(rawBytes{byte(n.Args[0].Imm)})
	return nil
}

func (c *compiler) lowerDataRef(_ ir.NodeID, n *ir.Node) error {
	slot := make(rawBytes, 8)
	switch t := n.Args[0]; t.Kind {
	case ir.KindImm:
		for i := range slot {
			slot[i] = byte(uint64(t.Imm) >> (8 * i))
		}
	case ir.KindLabel, ir.KindNone:
		c.patchAt(n, 0, ir.PatchData64)
	default:
		return fmt.Errorf("data reference target %s", t)
	}
	c.emit(slot)
	return nil
}

func (c *compiler) lowerCodeAlign(_ ir.NodeID, n *ir.Node) error {
	align := int(n.Args[0].Imm)
	if align <= 1 {
		return nil
	}
	for pad := (align - c.buf.Len()%align) % align; pad > 0; pad-- {
		c.emit(amd64.Nop())
	}
	return nil
}
