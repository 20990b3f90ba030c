package irfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/jit/internal/ir"
)

// defaultSize is the memory width used when a mnemonic carries no ".N"
// suffix.
var defaultSize = map[ir.Op]int{
	ir.OpLd: 8, ir.OpLdx: 8, ir.OpSt: 8, ir.OpStx: 8,
	ir.OpStoreImm: 8, ir.OpStoreIndexImm: 8,
	ir.OpMemcpy: 8, ir.OpMemset: 8, ir.OpTransfer: 8,
	ir.OpPutArg: 8, ir.OpFPutArg: 8, ir.OpFRet: 8, ir.OpFRetval: 8,
	ir.OpFLd: 8, ir.OpFLdx: 8, ir.OpFSt: 8, ir.OpFStx: 8,
	ir.OpDataByte: 1, ir.OpDataRefCode: 8, ir.OpDataRefData: 8,
}

// floatOperands lists the operations whose immediate is a double, so "1"
// may be written for "1.0".
var floatOperands = map[ir.Op]bool{
	ir.OpFMov: true, ir.OpFAdd: true, ir.OpFSub: true, ir.OpFRsb: true,
	ir.OpFMul: true, ir.OpFDiv: true, ir.OpFPutArg: true, ir.OpFRet: true,
}

type builder struct {
	l *ir.List
	// funcs holds the entry label of every function; labels and nodes
	// are local to the function being built.
	funcs  map[string]ir.LabelID
	labels map[string]ir.LabelID
	nodes  map[string]ir.NodeID
	fn     *Function
	line   int
}

func (b *builder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s:%d: %s", ErrSyntax, b.fn.Name, b.line, fmt.Sprintf(format, args...))
}

func (b *builder) label(name string) ir.LabelID {
	if id, ok := b.funcs[name]; ok {
		return id
	}
	if id, ok := b.labels[name]; ok {
		return id
	}
	id := b.l.NewLabel()
	b.labels[name] = id
	return id
}

// Build translates every function body into one IR list. Each function is
// preceded by a label carrying its name so that "call @name" reaches it;
// other labels are local to their function.
func (f *File) Build() (*ir.List, error) {
	b := &builder{l: ir.NewList(), funcs: map[string]ir.LabelID{}}
	for _, fn := range f.Functions {
		b.funcs[fn.Name] = b.l.NewLabel()
	}
	for i := range f.Functions {
		if err := b.function(&f.Functions[i]); err != nil {
			return nil, err
		}
	}
	return b.l, nil
}

func (b *builder) function(fn *Function) error {
	b.fn = fn
	b.nodes = map[string]ir.NodeID{}
	b.labels = map[string]ir.LabelID{}
	b.l.Label(b.funcs[fn.Name])
	b.l.Prolog(fn.Name)
	for _, a := range fn.Args {
		t, err := parseType(a)
		if err != nil {
			return err
		}
		b.l.DeclareArg(t.Kind, t.Size)
	}
	for i, raw := range strings.Split(fn.Body, "\n") {
		b.line = i + 1
		if err := b.statement(raw); err != nil {
			return err
		}
	}
	for name, id := range b.labels {
		if b.l.LabelNode(id) == ir.NoNode {
			return fmt.Errorf("%w: %s: label @%s is never placed", ErrSyntax, fn.Name, name)
		}
	}
	return nil
}

func stripComment(s string) string {
	if i := strings.IndexAny(s, "#;"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (b *builder) statement(raw string) error {
	line := stripComment(raw)
	if line == "" {
		return nil
	}
	if name, ok := strings.CutSuffix(line, ":"); ok && strings.HasPrefix(name, "@") {
		if _, ok := b.funcs[name[1:]]; ok {
			return b.errorf("label %s names a function", name)
		}
		id := b.label(name[1:])
		if b.l.LabelNode(id) != ir.NoNode {
			return b.errorf("label %s placed twice", name)
		}
		b.l.Label(id)
		return nil
	}

	fields := strings.Fields(line)
	op, flags, size, err := b.mnemonic(fields[0])
	if err != nil {
		return err
	}
	rest := fields[1:]

	// A %name not seen before, right after the mnemonic, names this node.
	var bind string
	if len(rest) > 0 && strings.HasPrefix(rest[0], "%") {
		if _, seen := b.nodes[rest[0][1:]]; !seen {
			bind, rest = rest[0][1:], rest[1:]
		}
	}

	id, err := b.emit(op, flags, size, rest)
	if err != nil {
		return err
	}
	if bind != "" {
		b.nodes[bind] = id
	}
	return nil
}

func (b *builder) mnemonic(tok string) (ir.Op, ir.Flags, int, error) {
	parts := strings.Split(tok, ".")
	op, ok := ir.ParseOp(parts[0])
	if !ok {
		return 0, 0, 0, b.errorf("unknown operation %q", parts[0])
	}
	var flags ir.Flags
	size := defaultSize[op]
	for _, s := range parts[1:] {
		switch s {
		case "u":
			flags |= ir.FlagUnsigned
		case "close":
			flags |= ir.FlagClose
		case "1", "2", "4", "8":
			size = int(s[0] - '0')
		default:
			return 0, 0, 0, b.errorf("unknown suffix .%s on %s", s, parts[0])
		}
	}
	if op == ir.OpTransferCpy {
		flags |= ir.FlagClose
	}
	return op, flags, size, nil
}

func (b *builder) emit(op ir.Op, flags ir.Flags, size int, toks []string) (ir.NodeID, error) {
	switch op {
	case ir.OpProlog, ir.OpDeclareArg, ir.OpLabel:
		return 0, b.errorf("%s is written in the function header, not the body", op)
	case ir.OpGetArg:
		if len(toks) != 2 {
			return 0, b.errorf("getarg takes a register and an index")
		}
		dst, err := b.register(toks[0])
		if err != nil {
			return 0, err
		}
		idx, err := strconv.Atoi(toks[1])
		if err != nil || idx < 0 || idx >= len(b.fn.Args) {
			return 0, b.errorf("getarg index %q out of range", toks[1])
		}
		return b.l.GetArg(dst, idx), nil
	case ir.OpAlloca:
		if len(toks) != 1 {
			return 0, b.errorf("alloca takes a size")
		}
		n, err := strconv.Atoi(toks[0])
		if err != nil || n <= 0 {
			return 0, b.errorf("alloca size %q", toks[0])
		}
		b.l.Alloca(n)
		return b.l.Tail(), nil
	}

	if len(toks) > 3 {
		return 0, b.errorf("%s takes at most 3 operands, got %d", op, len(toks))
	}
	args := make([]ir.Value, len(toks))
	for i, tok := range toks {
		v, err := b.operand(tok)
		if err != nil {
			return 0, err
		}
		if imm, ok := v.(ir.Imm); ok && floatOperands[op] {
			v = ir.Float(imm)
		}
		args[i] = v
	}
	if op.IsTransferBody() || op == ir.OpPatch {
		if len(toks) == 0 || !strings.HasPrefix(toks[0], "%") {
			return 0, b.errorf("%s needs a %%node operand", op)
		}
	}
	return b.l.Emit(op, flags, size, args...), nil
}

func (b *builder) register(tok string) (ir.Reg, error) {
	switch tok {
	case "fp":
		return ir.FP, nil
	case "out":
		return ir.Out, nil
	}
	if len(tok) > 1 && (tok[0] == 'r' || tok[0] == 'f') {
		n, err := strconv.Atoi(tok[1:])
		if err == nil && n >= 0 {
			if tok[0] == 'f' {
				return ir.FR(n), nil
			}
			return ir.R(n), nil
		}
	}
	return 0, b.errorf("bad register %q", tok)
}

func (b *builder) operand(tok string) (ir.Value, error) {
	switch {
	case tok == "_":
		return nil, nil
	case strings.HasPrefix(tok, "@"):
		return b.label(tok[1:]), nil
	case strings.HasPrefix(tok, "%"):
		id, ok := b.nodes[tok[1:]]
		if !ok {
			return nil, b.errorf("unknown node %s", tok)
		}
		return id, nil
	case tok == "fp" || tok == "out" || tok[0] == 'r' || (tok[0] == 'f' && len(tok) > 1 && tok[1] >= '0' && tok[1] <= '9'):
		r, err := b.register(tok)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	if i, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return ir.Imm(i), nil
	}
	if u, err := strconv.ParseUint(tok, 0, 64); err == nil {
		return ir.Imm(int64(u)), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return ir.Float(f), nil
	}
	return nil, b.errorf("bad operand %q", tok)
}
