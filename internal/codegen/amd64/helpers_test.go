package amd64

import (
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/testutil"
	"github.com/tinyrange/jit/internal/disasm"
	"github.com/tinyrange/jit/internal/ir"
)

// pins is a hand-made register assignment.
type pins map[ir.Reg]asm.Variable

// pin annotates every node with the same register map. Every pinned value
// is treated as live everywhere, which is the conservative view for the
// scratch and save decisions.
func pin(l *ir.List, p pins) {
	m := ir.RegMap{}
	live := ir.NewSet()
	for r, hw := range p {
		m[r] = int(hw)
		live.Add(r)
	}
	for _, n := range l.All() {
		n.RegMap = m
		n.LiveIn = live
		n.LiveOut = live
	}
}

// pinLive is pin with an explicit live set.
func pinLive(l *ir.List, p pins, live ...ir.Reg) {
	pin(l, p)
	set := ir.NewSet(live...)
	for _, n := range l.All() {
		n.LiveIn = set
		n.LiveOut = set
	}
}

func generate(t *testing.T, l *ir.List) *Result {
	t.Helper()
	res, err := Generate(l, Options{Strict: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return res
}

// nodeCode returns the bytes emitted for node id.
func nodeCode(l *ir.List, res *Result, id ir.NodeID) []byte {
	code := res.Program.Bytes()
	n := l.Node(id)
	end := len(code)
	if next := n.Next(); next != ir.NoNode {
		end = l.Node(next).Code
	}
	return code[n.Code:end]
}

func nodeLines(t *testing.T, l *ir.List, res *Result, id ir.NodeID) []disasm.Line {
	t.Helper()
	return testutil.Disassemble(t, nodeCode(l, res, id))
}
