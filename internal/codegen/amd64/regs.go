package amd64

import (
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regalloc"
)

// hwReg describes one hardware register the allocator may hand out.
type hwReg struct {
	id          int
	float       bool
	calleeSaved bool
	name        string
}

// gpRegisters lists the allocatable integer registers in preference order.
// RSP and RBP are never allocated.
var gpRegisters = []hwReg{
	{id: int(amd64.RAX), name: "rax"},
	{id: int(amd64.RCX), name: "rcx"},
	{id: int(amd64.RDX), name: "rdx"},
	{id: int(amd64.RSI), name: "rsi"},
	{id: int(amd64.RDI), name: "rdi"},
	{id: int(amd64.R8), name: "r8"},
	{id: int(amd64.R9), name: "r9"},
	{id: int(amd64.R10), name: "r10"},
	{id: int(amd64.R11), name: "r11"},
	{id: int(amd64.RBX), name: "rbx", calleeSaved: true},
	{id: int(amd64.R12), name: "r12", calleeSaved: true},
	{id: int(amd64.R13), name: "r13", calleeSaved: true},
	{id: int(amd64.R14), name: "r14", calleeSaved: true},
	{id: int(amd64.R15), name: "r15", calleeSaved: true},
}

var fpRegisters = func() []hwReg {
	out := make([]hwReg, 16)
	for i := range out {
		out[i] = hwReg{id: i, float: true, name: fmt.Sprintf("xmm%d", i)}
	}
	return out
}()

var (
	argGP = []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}
	argFP = []int{0, 1, 2, 3, 4, 5, 6, 7}
)

// Target returns the register description the allocator colours against.
func Target() regalloc.Target {
	t := regalloc.Target{
		CalleeSaved: map[int]bool{},
		RetGP:       int(amd64.RAX),
		RetFP:       0,
		ArgFP:       argFP,
	}
	for _, r := range gpRegisters {
		t.GP = append(t.GP, r.id)
		if r.calleeSaved {
			t.CalleeSaved[r.id] = true
		}
	}
	for _, r := range fpRegisters {
		t.FP = append(t.FP, r.id)
	}
	for _, r := range argGP {
		t.ArgGP = append(t.ArgGP, int(r))
	}
	return t
}

// RegisterName names hardware register hw of the given class.
func RegisterName(hw int, float bool) string {
	if float {
		return fmt.Sprintf("xmm%d", hw)
	}
	return amd64.RegisterName(asm.Variable(hw))
}

func isCalleeSaved(hw int) bool {
	for _, r := range gpRegisters {
		if r.id == hw {
			return r.calleeSaved
		}
	}
	return false
}

func r64(v asm.Variable) amd64.Reg { return amd64.Reg64(v) }

// inUse reports whether hw holds a value live into or out of n and returns
// the virtual register occupying it.
func inUse(n *ir.Node, hw int, float bool) (ir.Reg, bool) {
	for vr, h := range n.RegMap {
		if h != hw || vr.IsFloat() != float {
			continue
		}
		if n.LiveIn.Has(vr) || n.LiveOut.Has(vr) {
			return vr, true
		}
	}
	return 0, false
}

// freeReg finds a register of the class that holds nothing live at n and
// is not excluded. Callee-saved registers are only offered once the
// prolog has saved them.
func (c *compiler) freeReg(n *ir.Node, float bool, exclude ...int) (int, bool) {
	for _, r := range c.candidates(float) {
		if slices.Contains(exclude, r.id) {
			continue
		}
		if _, busy := inUse(n, r.id, float); !busy {
			return r.id, true
		}
	}
	return 0, false
}

func (c *compiler) candidates(float bool) []hwReg {
	if float {
		return fpRegisters
	}
	out := make([]hwReg, 0, len(gpRegisters))
	for _, r := range gpRegisters {
		if r.calleeSaved && (c.frame == nil || !c.frame.saves(r.id)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// scratch returns a register for temporary use at n. When every candidate
// is busy it returns one that the caller must save and restore.
func (c *compiler) scratch(n *ir.Node, float bool, exclude ...int) (hw int, save bool, err error) {
	if hw, ok := c.freeReg(n, float, exclude...); ok {
		return hw, false, nil
	}
	for _, r := range c.candidates(float) {
		if !slices.Contains(exclude, r.id) {
			return r.id, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w at %s", ErrNoScratchRegister, n)
}

// withScratch runs body with a general-purpose scratch register, wrapping
// it in push/pop when the register holds a live value.
func (c *compiler) withScratch(n *ir.Node, exclude []int, body func(tmp amd64.Reg) error) error {
	hw, save, err := c.scratch(n, false, exclude...)
	if err != nil {
		return err
	}
	tmp := r64(asm.Variable(hw))
	if save {
		c.emit(amd64.Push(tmp))
	}
	if err := body(tmp); err != nil {
		return err
	}
	if save {
		c.emit(amd64.Pop(tmp))
	}
	return nil
}

// withScratchXmm is withScratch for the SSE class. A busy register is parked
// in the red zone below the slots the integer paths use.
func (c *compiler) withScratchXmm(n *ir.Node, exclude []int, body func(tmp amd64.Xmm) error) error {
	hw, save, err := c.scratch(n, true, exclude...)
	if err != nil {
		return err
	}
	tmp := amd64.Xmm(hw)
	slot := amd64.Mem(r64(amd64.RSP)).WithDisp(-24)
	if save {
		c.emit(amd64.MovsdStore(slot, tmp))
	}
	if err := body(tmp); err != nil {
		return err
	}
	if save {
		c.emit(amd64.MovsdLoad(tmp, slot))
	}
	return nil
}

// hw resolves a register operand through the node's register map.
func (c *compiler) hw(n *ir.Node, o ir.Operand) (int, error) {
	if !o.IsReg() {
		return 0, fmt.Errorf("codegen: %s: operand %s is not a register", n.Op, o)
	}
	if o.Reg == ir.FP {
		if c.frame == nil || !c.frame.pointer {
			return 0, fmt.Errorf("%w: fp without a frame pointer at %s", ErrUnassigned, n)
		}
		return int(amd64.RBP), nil
	}
	h, ok := n.RegMap.Lookup(o.Reg)
	if !ok {
		return 0, fmt.Errorf("%w: %s at %s", ErrUnassigned, o.Reg, n)
	}
	return h, nil
}

func (c *compiler) gp(n *ir.Node, o ir.Operand) (amd64.Reg, error) {
	h, err := c.hw(n, o)
	if err != nil {
		return amd64.Reg{}, err
	}
	return r64(asm.Variable(h)), nil
}

func (c *compiler) xmm(n *ir.Node, o ir.Operand) (amd64.Xmm, error) {
	h, err := c.hw(n, o)
	if err != nil {
		return 0, err
	}
	return amd64.Xmm(h), nil
}

// gpArgs resolves several register operands at once.
func (c *compiler) gpArgs(n *ir.Node, idx ...int) ([]amd64.Reg, error) {
	out := make([]amd64.Reg, len(idx))
	for i, k := range idx {
		r, err := c.gp(n, n.Args[k])
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func ids(regs ...amd64.Reg) []int {
	out := make([]int, len(regs))
	for i, r := range regs {
		out[i] = int(r.ID())
	}
	return out
}

func sized(r amd64.Reg, size int) (amd64.Reg, error) {
	if size == 0 {
		size = 8
	}
	return amd64.RegSized(r.ID(), size)
}

// movIfNeeded copies src into dst unless they are the same register.
func (c *compiler) movIfNeeded(dst, src amd64.Reg) {
	if dst.ID() != src.ID() {
		c.emit(amd64.MovReg(dst, src))
	}
}

func (c *compiler) movsdIfNeeded(dst, src amd64.Xmm) {
	if dst != src {
		c.emit(amd64.MovsdReg(dst, src))
	}
}
