// Package amd64 registers the x86-64 code generator with the jit package.
// Import it for its side effect.
package amd64

import (
	"github.com/tinyrange/jit/internal/asm"
	codegen "github.com/tinyrange/jit/internal/codegen/amd64"
	"github.com/tinyrange/jit/internal/disasm"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/jit"
	"github.com/tinyrange/jit/internal/regalloc"
)

func init() {
	jit.RegisterBackend("amd64", backend{})
}

type backend struct{}

func (backend) Target() regalloc.Target { return codegen.Target() }

func (backend) Generate(l *ir.List, strict bool) (jit.Generated, error) {
	res, err := codegen.Generate(l, codegen.Options{Strict: strict})
	if err != nil {
		return jit.Generated{}, err
	}
	out := jit.Generated{Program: res.Program}
	for _, d := range res.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, d.String())
	}
	return out, nil
}

func (backend) Load(prog asm.Program) (jit.Image, error) { return load(prog) }

func (backend) RegisterName(hw int, float bool) string { return codegen.RegisterName(hw, float) }

func (backend) Disassemble(code []byte) []disasm.Line { return disasm.Decode(code, 0) }
