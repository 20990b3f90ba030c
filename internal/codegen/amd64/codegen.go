// Package amd64 lowers a register-allocated IR list to x86-64 machine code.
//
// Generation is a single forward pass over the list. Each node is handed to
// the handler registered for its opcode and addressing mode; handlers append
// instruction fragments which are flushed to the code buffer once the node
// is complete. Branch and reference sites record where their displacement or
// absolute address lives, and the patch resolver fills those in after the
// last node has been emitted.
package amd64

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regalloc"
	"github.com/tinyrange/jit/internal/timeslice"
)

var (
	timesliceCodegen = timeslice.RegisterKind("jit::codegen", timeslice.SliceFlagCompile)
	timeslicePatch   = timeslice.RegisterKind("jit::patch", timeslice.SliceFlagCompile)
)

var (
	ErrNoScratchRegister = errors.New("codegen: no scratch register available")
	ErrUnassigned        = errors.New("codegen: virtual register has no hardware register")
	ErrUnknownOp         = errors.New("codegen: unknown opcode")
	ErrTransferState     = errors.New("codegen: transfer operation without an open transfer")
)

// Options tunes generation.
type Options struct {
	// Strict turns unknown-opcode diagnostics into an error.
	Strict bool
}

// Diagnostic is a non-fatal problem found while lowering a node.
type Diagnostic struct {
	Node    ir.NodeID
	Op      ir.Op
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%%%d %s: %s", d.Node, d.Op, d.Message)
}

// Result is a finished code image plus the diagnostics collected on the way.
type Result struct {
	Program     asm.Program
	Diagnostics []Diagnostic
}

type compiler struct {
	l      *ir.List
	opts   Options
	target regalloc.Target
	buf    *asm.Buffer
	frags  asm.Group

	frame     *frame
	call      *callSite
	depth     int32
	transfers map[ir.NodeID]*transfer

	labels  map[ir.LabelID]int
	targets map[ir.NodeID]int
	diags   []Diagnostic
}

// Generate lowers every node of l. The list must have been annotated by the
// register allocator.
func Generate(l *ir.List, opts Options) (*Result, error) {
	c := &compiler{
		l:         l,
		opts:      opts,
		target:    Target(),
		buf:       asm.NewBuffer(64 * l.Len()),
		transfers: make(map[ir.NodeID]*transfer),
		labels:    make(map[ir.LabelID]int),
		targets:   make(map[ir.NodeID]int),
	}
	rec := timeslice.NewRecorder()
	for id, n := range l.All() {
		if err := c.lower(id, n); err != nil {
			return nil, err
		}
	}
	for open := range c.transfers {
		return nil, fmt.Errorf("%w: transfer %%%d never closed", ErrTransferState, open)
	}
	rec.Record(timesliceCodegen)
	if err := c.resolvePatches(); err != nil {
		return nil, err
	}
	rec.Record(timeslicePatch)
	return &Result{Program: c.buf.Program(), Diagnostics: c.diags}, nil
}

func (c *compiler) lower(id ir.NodeID, n *ir.Node) error {
	n.Code = c.buf.Len()
	h, ok := lookupHandler(n)
	if !ok {
		msg := fmt.Sprintf("no handler for %s (flags %#x)", n.Op, uint32(n.Flags))
		slog.Warn("jit: unknown opcode", "node", id, "op", n.Op, "flags", uint32(n.Flags))
		c.diags = append(c.diags, Diagnostic{Node: id, Op: n.Op, Message: msg})
		if c.opts.Strict {
			return fmt.Errorf("%w: %%%d %s", ErrUnknownOp, id, n.Op)
		}
		return nil
	}

	c.frags = c.frags[:0]
	if err := h(c, id, n); err != nil {
		return fmt.Errorf("codegen: %%%d %s: %w", id, n.Op, err)
	}
	if err := c.frags.Emit(c.buf); err != nil {
		return fmt.Errorf("codegen: %%%d %s: encode: %w", id, n.Op, err)
	}
	slog.Debug("jit: emitted node", "node", id, "op", n.Op, "offset", n.Code, "len", c.buf.Len()-n.Code)
	return nil
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.frags = append(c.frags, frags...)
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

// at runs fn with the buffer offset reached at this point of the node's
// instruction stream.
func (c *compiler) at(fn func(off int)) {
	c.emit(fragmentFunc(func(ctx asm.Context) error {
		fn(ctx.Len())
		return nil
	}))
}

// patchAt records that n's displacement or address lives delta bytes past
// the current point.
func (c *compiler) patchAt(n *ir.Node, delta int, kind ir.PatchKind) {
	c.at(func(off int) {
		n.Patch = off + delta
		n.PatchKind = kind
	})
}

type rawBytes []byte

func (b rawBytes) Emit(ctx asm.Context) error {
	ctx.EmitBytes(b)
	return nil
}

// assembled pre-encodes a sequence so forward short jumps can skip it.
func assembled(frags ...asm.Fragment) (rawBytes, error) {
	code, err := amd64.Assemble(frags...)
	if err != nil {
		return nil, err
	}
	return rawBytes(code), nil
}

// skipIf jumps over body when cond holds.
func (c *compiler) skipIf(cond amd64.Cond, body ...asm.Fragment) error {
	code, err := assembled(body...)
	if err != nil {
		return err
	}
	if len(code) <= 127 {
		c.emit(amd64.JccRel8(cond, int8(len(code))), code)
	} else {
		c.emit(amd64.JccRel32(cond, int32(len(code))), code)
	}
	return nil
}

func alignUp(v, a int32) int32 {
	return (v + a - 1) &^ (a - 1)
}

func rsp() amd64.Reg { return r64(amd64.RSP) }

// redZone addresses the slot off bytes below the stack pointer.
func redZone(off int32) amd64.Memory {
	return amd64.Mem(rsp()).WithDisp(-off)
}
