package amd64

import (
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/asm/testutil"
	"github.com/tinyrange/jit/internal/ir"
)

func TestEveryOpHasHandler(t *testing.T) {
	for _, op := range ir.Ops() {
		if _, ok := generic[op]; ok {
			continue
		}
		_, reg := byMode[mode{op, false}]
		_, imm := byMode[mode{op, true}]
		if !reg || !imm {
			t.Errorf("%s: no handler (reg=%v imm=%v)", op, reg, imm)
		}
	}
}

func TestSubtractAliasing(t *testing.T) {
	tests := []struct {
		name string
		op   ir.Op
		dst  asm.Variable
		want []string
	}{
		{"sub into fresh register", ir.OpSub, amd64.R8, []string{"mov", "sub"}},
		{"sub into first operand", ir.OpSub, amd64.RCX, []string{"sub"}},
		{"sub into second operand", ir.OpSub, amd64.RDX, []string{"sub", "neg"}},
		{"rsb into fresh register", ir.OpRsb, amd64.R8, []string{"mov", "sub"}},
		{"rsb into first operand", ir.OpRsb, amd64.RCX, []string{"sub", "neg"}},
		{"rsb into second operand", ir.OpRsb, amd64.RDX, []string{"sub"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			id := l.Binary(tt.op, ir.R(2), ir.R(0), ir.R(1))
			l.Ret(ir.Imm(0))
			pin(l, pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RDX, ir.R(2): tt.dst})

			res := generate(t, l)
			lines := nodeLines(t, l, res, id)
			if got := testutil.Mnemonics(lines); !slices.Equal(got, tt.want) {
				t.Fatalf("mnemonics = %v, want %v\n%s", got, tt.want, testutil.Listing(lines))
			}
		})
	}
}

func TestAddressArithmeticUsesLea(t *testing.T) {
	tests := []struct {
		name  string
		build func(l *ir.List) ir.NodeID
		dst   asm.Variable
		want  []string
	}{
		{"add reg", func(l *ir.List) ir.NodeID { return l.Add(ir.R(2), ir.R(0), ir.R(1)) }, amd64.R8, []string{"lea"}},
		{"add reg in place", func(l *ir.List) ir.NodeID { return l.Add(ir.R(2), ir.R(0), ir.R(1)) }, amd64.RCX, []string{"add"}},
		{"add imm", func(l *ir.List) ir.NodeID { return l.Add(ir.R(2), ir.R(0), ir.Imm(24)) }, amd64.R8, []string{"lea"}},
		{"sub imm", func(l *ir.List) ir.NodeID { return l.Sub(ir.R(2), ir.R(0), ir.Imm(24)) }, amd64.R8, []string{"lea"}},
		{"add wide imm", func(l *ir.List) ir.NodeID { return l.Add(ir.R(2), ir.R(0), ir.Imm(1<<40)) }, amd64.R8, []string{"mov", "mov", "add"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			id := tt.build(l)
			l.Ret(ir.Imm(0))
			pin(l, pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RDX, ir.R(2): tt.dst})

			res := generate(t, l)
			lines := nodeLines(t, l, res, id)
			if got := testutil.Mnemonics(lines); !slices.Equal(got, tt.want) {
				t.Fatalf("mnemonics = %v, want %v\n%s", got, tt.want, testutil.Listing(lines))
			}
		})
	}
}

func TestCondThroughAccumulator(t *testing.T) {
	for _, tc := range []struct {
		dst  asm.Variable
		want []string
	}{
		{amd64.R8, []string{"cmp", "mov", "setl"}},
		{amd64.RSI, []string{"cmp", "xchg", "mov", "setl", "xchg"}},
		{amd64.RDI, []string{"cmp", "xchg", "mov", "setl", "xchg"}},
	} {
		l := ir.NewList()
		l.Prolog("f")
		id := l.Binary(ir.OpLt, ir.R(2), ir.R(0), ir.R(1))
		l.Ret(ir.Imm(0))
		pin(l, pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RDX, ir.R(2): tc.dst})

		res := generate(t, l)
		lines := nodeLines(t, l, res, id)
		if got := testutil.Mnemonics(lines); !slices.Equal(got, tc.want) {
			t.Errorf("dst %s: mnemonics = %v, want %v", amd64.RegisterName(tc.dst), got, tc.want)
		}
	}
}

func TestFixedRegisterSaves(t *testing.T) {
	tests := []struct {
		name string
		dst  asm.Variable
		live pins
		want []string
	}{
		{"nothing live", amd64.R8, nil, []string{"mov", "imul", "mov"}},
		{"both live", amd64.R8, pins{ir.R(3): amd64.RAX, ir.R(4): amd64.RDX},
			[]string{"push", "push", "mov", "imul", "mov", "pop", "pop"}},
		{"result in rax", amd64.RAX, pins{ir.R(4): amd64.RDX}, []string{"push", "mov", "imul", "pop"}},
		{"result in rdx", amd64.RDX, pins{ir.R(3): amd64.RAX}, []string{"push", "mov", "imul", "mov", "pop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			id := l.Mul(ir.R(2), ir.R(0), ir.R(1))
			l.Ret(ir.Imm(0))
			p := pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RSI, ir.R(2): tt.dst}
			live := []ir.Reg{ir.R(0), ir.R(1)}
			for r, hw := range tt.live {
				p[r] = hw
				live = append(live, r)
			}
			pinLive(l, p, live...)

			res := generate(t, l)
			lines := nodeLines(t, l, res, id)
			if got := testutil.Mnemonics(lines); !slices.Equal(got, tt.want) {
				t.Fatalf("mnemonics = %v, want %v\n%s", got, tt.want, testutil.Listing(lines))
			}
		})
	}
}

func TestDivideByImmediate(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	div := l.Div(ir.R(2), ir.R(0), ir.Imm(7))
	pow := l.Div(ir.R(3), ir.R(0), ir.Imm(8))
	l.Ret(ir.Imm(0))
	pinLive(l, pins{ir.R(0): amd64.RCX, ir.R(2): amd64.R8, ir.R(3): amd64.R9}, ir.R(0))

	res := generate(t, l)
	lines := nodeLines(t, l, res, div)
	if got, want := testutil.Mnemonics(lines), []string{"mov", "mov", "cqo", "idiv", "mov"}; !slices.Equal(got, want) {
		t.Fatalf("div by 7 = %v, want %v\n%s", got, want, testutil.Listing(lines))
	}
	testutil.VerifyExpectations(t, lines, []testutil.Expectation{
		{Name: "divisor to red zone", Mnemonic: "mov", Contains: []string{"rsp-0x8"}},
	})
	lines = nodeLines(t, l, res, pow)
	for _, line := range lines {
		if line.Mnemonic == "idiv" {
			t.Fatalf("division by 8 uses idiv\n%s", testutil.Listing(lines))
		}
	}
}

func TestShiftBorrowsCountRegister(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	id := l.Lsh(ir.R(2), ir.R(0), ir.R(1))
	l.Ret(ir.Imm(0))
	pin(l, pins{ir.R(0): amd64.RSI, ir.R(1): amd64.RDX, ir.R(2): amd64.R8, ir.R(3): amd64.RCX})

	res := generate(t, l)
	lines := nodeLines(t, l, res, id)
	want := []string{"push", "mov", "mov", "shl", "pop"}
	if got := testutil.Mnemonics(lines); !slices.Equal(got, want) {
		t.Fatalf("mnemonics = %v, want %v\n%s", got, want, testutil.Listing(lines))
	}
	if !lines[3].Contains("cl") {
		t.Errorf("shift is not by cl: %s", lines[3].Text)
	}
}

func TestMovZeroKeepsPendingCarry(t *testing.T) {
	tests := []struct {
		name    string
		between func(l *ir.List)
	}{
		{"adjacent", func(l *ir.List) {}},
		{"load between", func(l *ir.List) { l.Ld(ir.R(4), ir.R(1), 8) }},
		{"store and getarg between", func(l *ir.List) {
			l.St(ir.R(1), ir.R(0), 8)
			l.GetArg(ir.R(4), 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			l.DeclareArg(ir.ArgSigned, 8)
			l.AddC(ir.R(0), ir.R(0), ir.R(1))
			zero := l.Mov(ir.R(2), ir.Imm(0))
			tt.between(l)
			l.AddX(ir.R(2), ir.R(2), ir.R(2))
			plain := l.Mov(ir.R(3), ir.Imm(0))
			l.Ret(ir.Imm(0))
			pin(l, pins{
				ir.R(0): amd64.RCX, ir.R(1): amd64.RDX, ir.R(2): amd64.R8, ir.R(3): amd64.R9,
				ir.R(4): amd64.R10, ir.ArgReg(0, false): amd64.RDI,
			})

			res := generate(t, l)
			if got := testutil.Mnemonics(nodeLines(t, l, res, zero)); !slices.Equal(got, []string{"mov"}) {
				t.Errorf("zero before addx = %v, want mov", got)
			}
			if got := testutil.Mnemonics(nodeLines(t, l, res, plain)); !slices.Equal(got, []string{"xor"}) {
				t.Errorf("plain zero = %v, want xor", got)
			}
		})
	}
}

func rel32At(code []byte, field int) int {
	return field + 4 + int(int32(binary.LittleEndian.Uint32(code[field:])))
}

func TestBranchesResolveToLabelAndPatch(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	lbl := l.NewLabel()
	back := l.Here()
	toLabel := l.Branch(ir.OpBlt, lbl, ir.R(0), ir.R(1))
	forward := l.Branch(ir.OpBeq, nil, ir.R(0), ir.Imm(3))
	loop := l.Jmp(back)
	patch := l.Patch(forward)
	l.Ret(ir.Imm(1))
	placed := l.Label(lbl)
	l.Ret(ir.Imm(2))
	pin(l, pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RDX})

	res := generate(t, l)
	code := res.Program.Bytes()
	for _, tc := range []struct {
		name   string
		site   ir.NodeID
		target ir.NodeID
	}{
		{"label", toLabel, placed},
		{"patch", forward, patch},
		{"backward jump", loop, l.LabelNode(back)},
	} {
		n := l.Node(tc.site)
		if n.PatchKind != ir.PatchRel32 {
			t.Errorf("%s: patch kind %s", tc.name, n.PatchKind)
			continue
		}
		if got, want := rel32At(code, n.Patch), l.Node(tc.target).Code; got != want {
			t.Errorf("%s: branch lands at %#x, want %#x", tc.name, got, want)
		}
	}
}

func TestFloatNotEqualPatchesBothJumps(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	lbl := l.NewLabel()
	br := l.FBranch(ir.OpFBne, lbl, ir.FR(0), ir.FR(1))
	l.Ret(ir.Imm(0))
	target := l.Label(lbl)
	l.Ret(ir.Imm(1))
	pin(l, pins{ir.FR(0): 2, ir.FR(1): 3})

	res := generate(t, l)
	n := l.Node(br)
	if n.PatchKind != ir.PatchRel32Pair {
		t.Fatalf("patch kind %s", n.PatchKind)
	}
	code := res.Program.Bytes()
	want := l.Node(target).Code
	if got := rel32At(code, n.Patch); got != want {
		t.Errorf("jne lands at %#x, want %#x", got, want)
	}
	if got := rel32At(code, n.Patch+6); got != want {
		t.Errorf("jp lands at %#x, want %#x", got, want)
	}
	got := testutil.Mnemonics(nodeLines(t, l, res, br))
	if !slices.Equal(got, []string{"ucomisd", "jne", "jp"}) {
		t.Errorf("mnemonics = %v", got)
	}
}

func TestReferencesAreRelocated(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	lbl := l.NewLabel()
	ref := l.RefCode(ir.R(0), lbl)
	l.Ret(ir.R(0))
	data := l.DataRefData(lbl)
	target := l.Label(lbl)
	l.DataByte(0x2a)
	pin(l, pins{ir.R(0): amd64.RAX})

	res := generate(t, l)
	code := res.Program.Bytes()
	want := uint64(l.Node(target).Code)
	relocs := res.Program.Relocations()
	for _, id := range []ir.NodeID{ref, data} {
		n := l.Node(id)
		if got := binary.LittleEndian.Uint64(code[n.Patch:]); got != want {
			t.Errorf("%s: address %#x, want %#x", n.Op, got, want)
		}
		if !slices.Contains(relocs, n.Patch) {
			t.Errorf("%s: slot %#x not relocated (%v)", n.Op, n.Patch, relocs)
		}
	}
	if n := l.Node(ref); n.Patch != n.Code+2 {
		t.Errorf("movabs immediate at %#x, node at %#x", n.Patch, n.Code)
	}
}

func TestCodeAlign(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	l.Ret(ir.Imm(0))
	l.DataByte(1)
	l.CodeAlign(16)
	after := l.DataByte(2)
	pin(l, nil)

	generate(t, l)
	if off := l.Node(after).Code; off%16 != 0 {
		t.Fatalf("aligned node at %#x", off)
	}
}

func TestCalleeSavedRegistersAreSaved(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	prolog := l.Tail()
	l.Mov(ir.R(0), ir.Imm(1))
	ret := l.Ret(ir.R(0))
	pin(l, pins{ir.R(0): amd64.RBX})

	res := generate(t, l)
	var saved, restored bool
	for _, line := range nodeLines(t, l, res, prolog) {
		saved = saved || (line.Mnemonic == "mov" && line.Contains("rbx") && line.Contains("rsp"))
	}
	for _, line := range nodeLines(t, l, res, ret) {
		restored = restored || (line.Mnemonic == "mov" && strings.HasPrefix(line.Text, "mov rbx"))
	}
	if !saved || !restored {
		t.Fatalf("rbx saved=%v restored=%v", saved, restored)
	}
}

func TestCallSavesLiveCallerSavedRegisters(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	prep := l.Prepare()
	l.PutArg(ir.Imm(1))
	call := l.Call(ir.Imm(0x1000))
	l.Ret(ir.Imm(0))
	pinLive(l, pins{ir.R(1): amd64.R8, ir.FR(0): 3}, ir.R(1), ir.FR(0))

	res := generate(t, l)
	testutil.VerifyExpectations(t, nodeLines(t, l, res, prep), []testutil.Expectation{
		{Name: "one reservation", Mnemonic: "sub", Contains: []string{"rsp", "0x20"}},
	})
	lines := nodeLines(t, l, res, call)
	testutil.VerifyExpectations(t, lines, []testutil.Expectation{
		{Name: "save r8", Mnemonic: "mov", Contains: []string{"rsp+0x8", "r8"}},
		{Name: "save xmm3", Mnemonic: "movsd", Contains: []string{"rsp+0x10", "xmm3"}},
		{Name: "load argument", Mnemonic: "mov", Contains: []string{"rdi"}},
		{Name: "vector count", Mnemonic: "mov", Contains: []string{"eax"}},
		{Name: "target", Mnemonic: "mov", Contains: []string{"r11"}},
		{Name: "call", Mnemonic: "call"},
		{Name: "restore xmm3", Mnemonic: "movsd", Contains: []string{"xmm3"}},
		{Name: "restore r8", Mnemonic: "mov", Contains: []string{"r8"}},
		{Name: "release", Mnemonic: "add", Contains: []string{"rsp", "0x20"}},
	})
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(l *ir.List)
		want  error
	}{
		{"unplaced label", func(l *ir.List) {
			l.Jmp(l.NewLabel())
		}, ir.ErrUnplacedLabel},
		{"forward branch never patched", func(l *ir.List) {
			l.Branch(ir.OpBne, nil, ir.R(0), ir.Imm(0))
		}, ir.ErrBadReference},
		{"transfer never closed", func(l *ir.List) {
			l.Transfer(ir.R(0), ir.R(1), ir.Imm(4), 1)
		}, ErrTransferState},
		{"transfer op without transfer", func(l *ir.List) {
			nop := l.Nop()
			l.TransferCpy(nop)
		}, ErrTransferState},
		{"unassigned register", func(l *ir.List) {
			l.Mov(ir.R(0), ir.R(9))
		}, ErrUnassigned},
		{"unknown opcode", func(l *ir.List) {
			l.Append(ir.Node{Op: ir.Op(250)})
		}, ErrUnknownOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			tt.build(l)
			l.Ret(ir.Imm(0))
			pin(l, pins{ir.R(0): amd64.RCX, ir.R(1): amd64.RDX})

			_, err := Generate(l, Options{Strict: true})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnknownOpcodeDiagnostic(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	bad := l.Append(ir.Node{Op: ir.Op(250)})
	l.Ret(ir.Imm(0))
	pin(l, nil)

	res, err := Generate(l, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Node != bad {
		t.Fatalf("diagnostics = %v", res.Diagnostics)
	}
	if len(nodeCode(l, res, bad)) != 0 {
		t.Errorf("unknown opcode emitted code")
	}
}
