//go:build linux && amd64

package amd64

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"testing"
	"unsafe"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/opt"
	"github.com/tinyrange/jit/internal/regalloc"
)

// allocate runs the allocator and the peephole passes the way the
// compile pipeline does.
func allocate(t *testing.T, l *ir.List) {
	t.Helper()
	if err := regalloc.Allocate(l, Target()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	opt.Run(l, opt.DefaultConfig())
}

func load(t *testing.T, l *ir.List, name string) amd64.Func {
	t.Helper()
	res := generate(t, l)
	mod, err := amd64.Load(res.Program)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = mod.Release() })
	fn, err := mod.Func(name)
	if err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestIfLessThan(t *testing.T) {
	tests := []struct {
		name     string
		unsigned bool
		imm      bool
		a, b     int64
		want     int64
	}{
		{"signed reg taken", false, false, 42, 60, -10},
		{"signed reg not taken", false, false, 60, 42, 10},
		{"signed imm taken", false, true, 42, 60, -10},
		{"signed imm not taken", false, true, 60, 42, 10},
		{"unsigned reg taken", true, false, 42, 60, -10},
		{"unsigned reg not taken", true, false, 60, 42, 10},
		{"unsigned imm taken", true, true, 42, 60, -10},
		{"unsigned imm not taken", true, true, 60, 42, 10},
		{"signed minus one", false, false, -1, 1, -10},
		{"unsigned minus one", true, false, -1, 1, 10},
		{"signed imm minus one", false, true, -1, 1, -10},
		{"unsigned imm minus one", true, true, -1, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := ir.ArgSigned
			if tt.unsigned {
				kind = ir.ArgUnsigned
			}
			l := ir.NewList()
			l.Prolog("f")
			l.DeclareArg(kind, 8)
			l.DeclareArg(kind, 8)
			l.GetArg(ir.R(0), 0)
			var b ir.Value = ir.Imm(tt.b)
			if !tt.imm {
				l.GetArg(ir.R(1), 1)
				b = ir.R(1)
			}
			var br ir.NodeID
			if tt.unsigned {
				br = l.BranchU(ir.OpBlt, nil, ir.R(0), b)
			} else {
				br = l.Branch(ir.OpBlt, nil, ir.R(0), b)
			}
			l.Ret(ir.Imm(10))
			l.Patch(br)
			l.Ret(ir.Imm(-10))
			allocate(t, l)

			fn := load(t, l, "f")
			if got := int64(fn.Call(tt.a, tt.b)); got != tt.want {
				t.Fatalf("f(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// twoArgs builds f(a, b) with a in r0 and b in r1.
func twoArgs(l *ir.List) {
	l.Prolog("f")
	l.DeclareArg(ir.ArgSigned, 8)
	l.DeclareArg(ir.ArgSigned, 8)
	l.GetArg(ir.R(0), 0)
	l.GetArg(ir.R(1), 1)
}

func argPins() pins {
	return pins{ir.ArgReg(0, false): amd64.RDI, ir.ArgReg(1, false): amd64.RSI}
}

func TestSubtractAliasingExecutes(t *testing.T) {
	for _, op := range []ir.Op{ir.OpSub, ir.OpRsb} {
		for _, dst := range []asm.Variable{amd64.R8, amd64.RCX, amd64.RDX} {
			t.Run(fmt.Sprintf("%s into %s", op, amd64.RegisterName(dst)), func(t *testing.T) {
				l := ir.NewList()
				twoArgs(l)
				l.Binary(op, ir.R(2), ir.R(0), ir.R(1))
				l.Ret(ir.R(2))
				p := argPins()
				p[ir.R(0)], p[ir.R(1)], p[ir.R(2)] = amd64.RCX, amd64.RDX, dst
				pin(l, p)

				fn := load(t, l, "f")
				want := int64(100 - 37)
				if op == ir.OpRsb {
					want = -want
				}
				if got := int64(fn.Call(100, 37)); got != want {
					t.Fatalf("got %d, want %d", got, want)
				}
			})
		}
	}
}

func TestFixedRegisterOpsExecute(t *testing.T) {
	type opCase struct {
		name     string
		op       ir.Op
		unsigned bool
		imm      bool
		a, b     int64
		want     int64
	}
	hi, _ := bits.Mul64(3<<40, 5<<40)
	ops := []opCase{
		{"mul", ir.OpMul, false, false, -47, 5, -235},
		{"mul imm", ir.OpMul, false, true, -47, 7, -329},
		{"hmul", ir.OpHmul, false, false, 3 << 40, 5 << 40, int64(hi)},
		{"hmul unsigned", ir.OpHmul, true, false, 3 << 40, 5 << 40, int64(hi)},
		{"div", ir.OpDiv, false, false, -47, 5, -9},
		{"mod", ir.OpMod, false, false, -47, 5, -2},
		{"div imm", ir.OpDiv, false, true, -47, 3, -15},
		{"mod imm", ir.OpMod, false, true, -47, 3, -2},
		{"div unsigned", ir.OpDiv, true, false, -47, 5, int64(uint64(math.MaxUint64-46) / 5)},
		{"mod unsigned", ir.OpMod, true, false, -47, 5, int64(uint64(math.MaxUint64-46) % 5)},
	}
	layouts := []struct {
		name     string
		dst      asm.Variable
		dividend asm.Variable
		divisor  asm.Variable
	}{
		{"result elsewhere", amd64.R8, amd64.RCX, amd64.R10},
		{"result in rax", amd64.RAX, amd64.RCX, amd64.R10},
		{"result in rdx", amd64.RDX, amd64.RCX, amd64.R10},
		{"divisor in rax", amd64.R8, amd64.RCX, amd64.RAX},
		{"divisor in rdx", amd64.R8, amd64.RCX, amd64.RDX},
		{"dividend in rax", amd64.R8, amd64.RAX, amd64.R10},
		{"dividend in rdx", amd64.R8, amd64.RDX, amd64.R10},
		{"dividend in rax result in rdx", amd64.RDX, amd64.RAX, amd64.R10},
		{"dividend in rdx result in rax", amd64.RAX, amd64.RDX, amd64.R10},
		{"dividend in rax divisor in rdx", amd64.R8, amd64.RAX, amd64.RDX},
		{"dividend in rdx divisor in rax", amd64.R8, amd64.RDX, amd64.RAX},
	}
	for _, oc := range ops {
		for _, lay := range layouts {
			t.Run(oc.name+"/"+lay.name, func(t *testing.T) {
				l := ir.NewList()
				twoArgs(l)
				p := argPins()
				p[ir.R(0)], p[ir.R(1)], p[ir.R(2)] = lay.dividend, lay.divisor, lay.dst
				p[ir.R(5)] = amd64.R9

				// Witnesses sit in whichever fixed registers hold neither
				// an operand nor the result.
				want := oc.want
				var witnesses []ir.Reg
				for i, hw := range []asm.Variable{amd64.RAX, amd64.RDX} {
					if hw == lay.dst || hw == lay.dividend || hw == lay.divisor {
						continue
					}
					r := ir.R(3 + i)
					p[r] = hw
					v := int64(1000 * (i + 1))
					l.Mov(r, ir.Imm(v))
					witnesses = append(witnesses, r)
					want += v
				}

				var b ir.Value = ir.R(1)
				if oc.imm {
					b = ir.Imm(oc.b)
				}
				if oc.unsigned {
					l.BinaryU(oc.op, ir.R(2), ir.R(0), b)
				} else {
					l.Binary(oc.op, ir.R(2), ir.R(0), b)
				}
				l.Mov(ir.R(5), ir.R(2))
				for _, w := range witnesses {
					l.Add(ir.R(5), ir.R(5), w)
				}
				l.Ret(ir.R(5))
				pin(l, p)

				fn := load(t, l, "f")
				if got := int64(fn.Call(oc.a, oc.b)); got != want {
					t.Fatalf("got %d, want %d", got, want)
				}
			})
		}
	}
}

func TestDivModPowerOfTwo(t *testing.T) {
	values := []int64{-9, -8, -7, -5, -1, 0, 1, 5, 7, 8, 9, math.MinInt64, math.MaxInt64}
	for _, k := range []int64{2, 4, 8} {
		for _, op := range []ir.Op{ir.OpDiv, ir.OpMod} {
			for _, unsigned := range []bool{false, true} {
				name := fmt.Sprintf("%s by %d unsigned=%v", op, k, unsigned)
				t.Run(name, func(t *testing.T) {
					l := ir.NewList()
					l.Prolog("f")
					l.DeclareArg(ir.ArgSigned, 8)
					l.GetArg(ir.R(0), 0)
					if unsigned {
						l.BinaryU(op, ir.R(1), ir.R(0), ir.Imm(k))
					} else {
						l.Binary(op, ir.R(1), ir.R(0), ir.Imm(k))
					}
					l.Ret(ir.R(1))
					allocate(t, l)
					fn := load(t, l, "f")

					for _, v := range values {
						var want int64
						switch {
						case unsigned && op == ir.OpDiv:
							want = int64(uint64(v) / uint64(k))
						case unsigned:
							want = int64(uint64(v) % uint64(k))
						case op == ir.OpDiv:
							want = v / k
						default:
							want = v % k
						}
						if got := int64(fn.Call(v)); got != want {
							t.Errorf("%d: got %d, want %d", v, got, want)
						}
					}
				})
			}
		}
	}
}

func TestStoreImmediateExecutes(t *testing.T) {
	tests := []struct {
		size  int
		value int64
		fused bool
	}{
		{1, 0x7f, true},
		{2, -2, true},
		{4, 0x11223344, true},
		{8, -5, true},
		{8, 0x1122334455667788, false},
	}
	for _, tt := range tests {
		for _, keep := range []bool{false, true} {
			t.Run(fmt.Sprintf("size %d value %#x live=%v", tt.size, tt.value, keep), func(t *testing.T) {
				l := ir.NewList()
				l.Prolog("f")
				l.DeclareArg(ir.ArgUnsigned, 8)
				l.GetArg(ir.R(0), 0)
				mov := l.Mov(ir.R(1), ir.Imm(tt.value))
				st := l.St(ir.R(0), ir.R(1), tt.size)
				if keep {
					l.Ret(ir.R(1))
				} else {
					l.Ret(ir.Imm(0))
				}
				allocate(t, l)

				wantFused := tt.fused && !keep
				if fused := l.Node(st).Op == ir.OpStoreImm; fused != wantFused {
					t.Fatalf("store is %s, fused=%v want %v", l.Node(st), fused, wantFused)
				}
				if wantFused && l.Node(mov).Op != ir.OpNop {
					t.Fatalf("fused move left as %s", l.Node(mov))
				}

				fn := load(t, l, "f")
				buf := bytes.Repeat([]byte{0xaa}, 16)
				got := int64(fn.Call(unsafe.Pointer(&buf[0])))
				runtime.KeepAlive(buf)

				want := bytes.Repeat([]byte{0xaa}, 16)
				for i := 0; i < tt.size; i++ {
					want[i] = byte(uint64(tt.value) >> (8 * i))
				}
				if !bytes.Equal(buf, want) {
					t.Errorf("memory = % x, want % x", buf, want)
				}
				if keep && got != tt.value {
					t.Errorf("returned %#x, want %#x", got, tt.value)
				}
			})
		}
	}
}

func TestCarryChainSurvivesDeadAssignments(t *testing.T) {
	for _, tc := range []struct {
		name   string
		lo, hi ir.Op
		a0, b0 int64
		a1, b1 int64
		want   int64
	}{
		{"add with carry", ir.OpAddC, ir.OpAddX, -1, 1, 5, 6, 12},
		{"add without carry", ir.OpAddC, ir.OpAddX, 1, 1, 5, 6, 11},
		{"sub with borrow", ir.OpSubC, ir.OpSubX, 0, 1, 10, 3, 6},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			for range 4 {
				l.DeclareArg(ir.ArgSigned, 8)
			}
			for i := range 4 {
				l.GetArg(ir.R(i), i)
			}
			lo := l.Binary(tc.lo, ir.R(4), ir.R(0), ir.R(1))
			l.Binary(tc.hi, ir.R(5), ir.R(2), ir.R(3))
			l.Ret(ir.R(5))
			allocate(t, l)
			if op := l.Node(lo).Op; op != tc.lo {
				t.Fatalf("low half became %s", op)
			}

			fn := load(t, l, "f")
			if got := int64(fn.Call(tc.a0, tc.b0, tc.a1, tc.b1)); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

// pressure keeps this many values live across a block operation so the
// loop registers have to be borrowed and restored.
const pressure = 11

func witnesses(l *ir.List) (sum int64) {
	for i := range pressure {
		v := int64(i*1000 + 7)
		l.Mov(ir.R(10+i), ir.Imm(v))
		sum += v
	}
	return sum
}

func sumWitnesses(l *ir.List, extra ...ir.Reg) ir.Reg {
	acc := ir.R(40)
	l.Add(acc, ir.R(10), ir.R(11))
	for i := 2; i < pressure; i++ {
		l.Add(acc, acc, ir.R(10+i))
	}
	for _, r := range extra {
		l.Add(acc, acc, r)
	}
	return acc
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 1)
	}
	return out
}

func TestBlockCopy(t *testing.T) {
	for _, count := range []int{0, 1, 17} {
		for _, size := range []int{1, 2, 4, 8} {
			for _, form := range []string{"imm", "reg", "reg kept"} {
				t.Run(fmt.Sprintf("%dx%d %s", count, size, form), func(t *testing.T) {
					l := ir.NewList()
					l.Prolog("f")
					for range 3 {
						l.DeclareArg(ir.ArgUnsigned, 8)
					}
					l.GetArg(ir.R(0), 0)
					l.GetArg(ir.R(1), 1)
					var n ir.Value = ir.Imm(count)
					if form != "imm" {
						l.GetArg(ir.R(2), 2)
						n = ir.R(2)
					}
					want := witnesses(l)
					l.Memcpy(ir.R(0), ir.R(1), n, size)
					var extra []ir.Reg
					if form == "reg kept" {
						extra = append(extra, ir.R(2))
						want += int64(count)
					}
					l.Ret(sumWitnesses(l, extra...))
					allocate(t, l)

					bytesLen := count * size
					src := pattern(bytesLen + 16)
					dst := bytes.Repeat([]byte{0xee}, bytesLen+16)
					fn := load(t, l, "f")
					got := int64(fn.Call(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), count))
					runtime.KeepAlive(src)
					runtime.KeepAlive(dst)

					if !bytes.Equal(dst[:bytesLen], src[:bytesLen]) {
						t.Errorf("copied % x, want % x", dst[:bytesLen], src[:bytesLen])
					}
					if !bytes.Equal(dst[bytesLen:], bytes.Repeat([]byte{0xee}, 16)) {
						t.Errorf("wrote past the block: % x", dst[bytesLen:])
					}
					if got != want {
						t.Errorf("live values sum to %d, want %d", got, want)
					}
				})
			}
		}
	}
}

func TestBlockFill(t *testing.T) {
	for _, count := range []int{0, 3, 17} {
		for _, size := range []int{1, 2, 4, 8} {
			for _, value := range []int64{0x5a, -3, 0x1122334455667788} {
				for _, reg := range []bool{false, true} {
					t.Run(fmt.Sprintf("%dx%d value %#x reg=%v", count, size, value, reg), func(t *testing.T) {
						l := ir.NewList()
						l.Prolog("f")
						l.DeclareArg(ir.ArgUnsigned, 8)
						l.DeclareArg(ir.ArgUnsigned, 8)
						l.GetArg(ir.R(0), 0)
						l.GetArg(ir.R(1), 1)
						var v ir.Value = ir.Imm(value)
						if reg {
							l.Mov(ir.R(2), ir.Imm(value))
							v = ir.R(2)
						}
						want := witnesses(l)
						l.Memset(ir.R(0), ir.R(1), v, size)
						l.Ret(sumWitnesses(l))
						allocate(t, l)

						bytesLen := count * size
						dst := bytes.Repeat([]byte{0xee}, bytesLen+16)
						fn := load(t, l, "f")
						got := int64(fn.Call(unsafe.Pointer(&dst[0]), count))
						runtime.KeepAlive(dst)

						for i := 0; i < bytesLen; i++ {
							if b := byte(uint64(value) >> (8 * (i % size))); dst[i] != b {
								t.Fatalf("byte %d = %#x, want %#x (% x)", i, dst[i], b, dst[:bytesLen])
							}
						}
						if !bytes.Equal(dst[bytesLen:], bytes.Repeat([]byte{0xee}, 16)) {
							t.Errorf("wrote past the block: % x", dst[bytesLen:])
						}
						if got != want {
							t.Errorf("live values sum to %d, want %d", got, want)
						}
					})
				}
			}
		}
	}
}

func element(buf []byte, i, size int) uint64 {
	var v uint64
	for j := 0; j < size; j++ {
		v |= uint64(buf[i*size+j]) << (8 * j)
	}
	return v
}

func TestTransferCombinesElements(t *testing.T) {
	const key = 0x0f0f0f0f0f0f0f0f
	for _, count := range []int{0, 5} {
		for _, size := range []int{1, 2, 4, 8} {
			for _, closeWithCpy := range []bool{false, true} {
				t.Run(fmt.Sprintf("%dx%d cpy=%v", count, size, closeWithCpy), func(t *testing.T) {
					l := ir.NewList()
					l.Prolog("f")
					for range 4 {
						l.DeclareArg(ir.ArgUnsigned, 8)
					}
					for i := range 4 {
						l.GetArg(ir.R(i), i)
					}
					open := l.Transfer(ir.R(0), ir.R(1), ir.R(2), size)
					l.TransferOp(ir.OpTransferXor, open, ir.R(3), false)
					if closeWithCpy {
						l.TransferCpy(open)
					} else {
						l.TransferOp(ir.OpTransferAdd, open, ir.Out, true)
					}
					l.Ret(ir.Imm(0))
					allocate(t, l)

					bytesLen := count * size
					src := pattern(bytesLen + 16)
					dst := pattern(bytesLen + 16)
					for i := range dst {
						dst[i] ^= 0x5c
					}
					before := bytes.Clone(dst)
					fn := load(t, l, "f")
					fn.Call(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), count, uint64(key))
					runtime.KeepAlive(src)
					runtime.KeepAlive(dst)

					mask := uint64(math.MaxUint64)
					if size < 8 {
						mask = 1<<(8*size) - 1
					}
					for i := 0; i < count; i++ {
						want := element(src, i, size) ^ key
						if !closeWithCpy {
							want += element(before, i, size)
						}
						if got := element(dst, i, size); got != want&mask {
							t.Errorf("element %d = %#x, want %#x", i, got, want&mask)
						}
					}
					if !bytes.Equal(dst[bytesLen:], before[bytesLen:]) {
						t.Errorf("wrote past the block")
					}
				})
			}
		}
	}
}

func TestCallPreservesLiveValues(t *testing.T) {
	l := ir.NewList()
	callee := l.NewLabel()

	l.Prolog("f")
	l.DeclareArg(ir.ArgSigned, 8)
	l.GetArg(ir.R(0), 0)
	l.Mov(ir.R(1), ir.Imm(100))
	l.Mov(ir.R(4), ir.Imm(1000))
	l.Prepare()
	l.PutArg(ir.R(0))
	l.PutArg(ir.Imm(5))
	l.Call(callee)
	l.Retval(ir.R(2))
	l.Add(ir.R(3), ir.R(2), ir.R(1))
	l.Add(ir.R(3), ir.R(3), ir.R(4))
	l.Ret(ir.R(3))

	l.Label(callee)
	l.Prolog("g")
	l.DeclareArg(ir.ArgSigned, 8)
	l.DeclareArg(ir.ArgSigned, 8)
	l.GetArg(ir.R(0), 0)
	l.GetArg(ir.R(1), 1)
	l.Sub(ir.R(2), ir.R(0), ir.R(1))
	l.Ret(ir.R(2))
	allocate(t, l)

	fn := load(t, l, "f")
	if got := int64(fn.Call(42)); got != 42-5+1100 {
		t.Fatalf("f(42) = %d, want %d", got, 42-5+1100)
	}
}

func TestFloatArithmetic(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	l.DeclareArg(ir.ArgFloat, 8)
	l.DeclareArg(ir.ArgFloat, 8)
	l.GetArg(ir.FR(0), 0)
	l.GetArg(ir.FR(1), 1)
	l.FMul(ir.FR(2), ir.FR(0), ir.FR(1))
	l.FAdd(ir.FR(3), ir.FR(2), ir.Float(1.5))
	l.FSub(ir.FR(4), ir.FR(3), ir.FR(0))
	l.FBinary(ir.OpFRsb, ir.FR(5), ir.FR(4), ir.FR(1))
	l.FDiv(ir.FR(6), ir.FR(5), ir.Float(2))
	l.FNeg(ir.FR(7), ir.FR(6))
	l.FRet(ir.FR(7), 8)
	allocate(t, l)

	var f func(a, b float64) float64
	load(t, l, "f").Bind(&f)
	for _, in := range [][2]float64{{3, 4}, {-2.5, 0.5}, {0, 1e10}} {
		a, b := in[0], in[1]
		want := -((b - ((a*b + 1.5) - a)) / 2)
		if got := f(a, b); got != want {
			t.Errorf("f(%g, %g) = %g, want %g", a, b, got, want)
		}
	}
}

func TestFloatBranches(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		op   ir.Op
		eval func(a, b float64) bool
	}{
		{ir.OpFBlt, func(a, b float64) bool { return a < b }},
		{ir.OpFBle, func(a, b float64) bool { return a <= b }},
		{ir.OpFBgt, func(a, b float64) bool { return a > b }},
		{ir.OpFBge, func(a, b float64) bool { return a >= b }},
		{ir.OpFBeq, func(a, b float64) bool { return a == b }},
		{ir.OpFBne, func(a, b float64) bool { return a != b }},
	}
	inputs := [][2]float64{{1, 2}, {2, 1}, {2, 2}, {nan, 1}, {1, nan}, {math.Inf(-1), 0}}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			l.DeclareArg(ir.ArgFloat, 8)
			l.DeclareArg(ir.ArgFloat, 8)
			l.GetArg(ir.FR(0), 0)
			l.GetArg(ir.FR(1), 1)
			br := l.FBranch(tt.op, nil, ir.FR(0), ir.FR(1))
			l.Ret(ir.Imm(0))
			l.Patch(br)
			l.Ret(ir.Imm(1))
			allocate(t, l)

			var f func(a, b float64) int64
			load(t, l, "f").Bind(&f)
			for _, in := range inputs {
				want := int64(0)
				if tt.eval(in[0], in[1]) {
					want = 1
				}
				if got := f(in[0], in[1]); got != want {
					t.Errorf("%s(%g, %g) = %d, want %d", tt.op, in[0], in[1], got, want)
				}
			}
		})
	}
}

func TestFloatConversionsAndMemory(t *testing.T) {
	l := ir.NewList()
	l.Prolog("f")
	l.DeclareArg(ir.ArgSigned, 8)
	l.DeclareArg(ir.ArgUnsigned, 8)
	l.GetArg(ir.R(0), 0)
	l.GetArg(ir.R(1), 1)
	l.Ext(ir.FR(0), ir.R(0))
	l.FMul(ir.FR(1), ir.FR(0), ir.Float(2.5))
	l.FSt(ir.R(1), ir.FR(1), 8)
	l.FStx(ir.R(1), ir.Imm(8), ir.FR(1), 4)
	l.FLdx(ir.FR(2), ir.R(1), ir.Imm(8), 4)
	l.FAdd(ir.FR(3), ir.FR(2), ir.FR(1))
	l.Trunc(ir.R(2), ir.FR(3))
	l.Ret(ir.R(2))
	allocate(t, l)

	fn := load(t, l, "f")
	mem := make([]byte, 16)
	got := int64(fn.Call(-7, unsafe.Pointer(&mem[0])))
	runtime.KeepAlive(mem)
	if got != -35 {
		t.Fatalf("got %d, want -35", got)
	}
	if v := math.Float64frombits(element(mem, 0, 8)); v != -17.5 {
		t.Errorf("double slot = %g", v)
	}
	if v := math.Float32frombits(uint32(element(mem[8:], 0, 4))); v != -17.5 {
		t.Errorf("single slot = %g", v)
	}
}

func TestRoundingExecute(t *testing.T) {
	inputs := []float64{
		-7.000001, -2.5, -2.4, -2, -1.5, -0.5, math.Nextafter(-0.5, 0), 0,
		math.Nextafter(0.5, 0), 0.5, 1.5, 2.4999, 2.5, 3, 1e15 + 0.5, -1e15 - 0.5,
	}
	for _, tc := range []struct {
		op   ir.Op
		emit func(l *ir.List, dst, src ir.Reg) ir.NodeID
		eval func(float64) float64
	}{
		{ir.OpCeil, (*ir.List).Ceil, math.Ceil},
		{ir.OpFloor, (*ir.List).Floor, math.Floor},
		{ir.OpRound, (*ir.List).Round, math.Round},
	} {
		t.Run(tc.op.String(), func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			l.DeclareArg(ir.ArgFloat, 8)
			l.GetArg(ir.FR(0), 0)
			tc.emit(l, ir.R(0), ir.FR(0))
			l.Ret(ir.R(0))
			allocate(t, l)

			var f func(float64) int64
			load(t, l, "f").Bind(&f)
			for _, x := range inputs {
				if got, want := f(x), int64(tc.eval(x)); got != want {
					t.Errorf("%s(%v) = %d, want %d", tc.op, x, got, want)
				}
			}
		})
	}
}

func TestShiftsExecute(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func(l *ir.List, count ir.Value)
		eval  func(a int64, n uint) int64
	}{
		{"lsh", func(l *ir.List, c ir.Value) { l.Lsh(ir.R(2), ir.R(0), c) }, func(a int64, n uint) int64 { return a << n }},
		{"rsh", func(l *ir.List, c ir.Value) { l.Rsh(ir.R(2), ir.R(0), c) }, func(a int64, n uint) int64 { return a >> n }},
		{"rsh unsigned", func(l *ir.List, c ir.Value) { l.RshU(ir.R(2), ir.R(0), c) }, func(a int64, n uint) int64 { return int64(uint64(a) >> n) }},
	} {
		for _, imm := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s imm=%v", tc.name, imm), func(t *testing.T) {
				const n = 5
				l := ir.NewList()
				twoArgs(l)
				var c ir.Value = ir.R(1)
				if imm {
					c = ir.Imm(n)
				}
				tc.build(l, c)
				l.Add(ir.R(3), ir.R(2), ir.R(1))
				l.Ret(ir.R(3))
				allocate(t, l)

				fn := load(t, l, "f")
				a := int64(-1000)
				if got, want := int64(fn.Call(a, n)), tc.eval(a, n)+n; got != want {
					t.Fatalf("got %d, want %d", got, want)
				}
			})
		}
	}
}

func TestShiftLayoutsExecute(t *testing.T) {
	regs := []asm.Variable{amd64.RCX, amd64.RDX, amd64.R8, amd64.R9}
	ops := []struct {
		op       ir.Op
		unsigned bool
		eval     func(a int64, n uint) int64
	}{
		{ir.OpLsh, false, func(a int64, n uint) int64 { return a << n }},
		{ir.OpRsh, false, func(a int64, n uint) int64 { return a >> n }},
		{ir.OpRsh, true, func(a int64, n uint) int64 { return int64(uint64(a) >> n) }},
	}
	const (
		a       = int64(-1000)
		n       = 5
		witness = int64(7000)
	)
	for _, oc := range ops {
		for _, dst := range regs {
			for _, val := range regs {
				for _, count := range regs {
					if val == count {
						continue
					}
					// The witness takes a register outside the layout,
					// preferring the count register.
					var held asm.Variable
					for _, r := range regs {
						if r != dst && r != val && r != count {
							held = r
							break
						}
					}
					name := fmt.Sprintf("%s u=%v dst=%s val=%s count=%s", oc.op, oc.unsigned,
						amd64.RegisterName(dst), amd64.RegisterName(val), amd64.RegisterName(count))
					t.Run(name, func(t *testing.T) {
						l := ir.NewList()
						twoArgs(l)
						l.Mov(ir.R(2), ir.R(0))
						l.Mov(ir.R(3), ir.R(1))
						l.Mov(ir.R(5), ir.Imm(witness))
						if oc.unsigned {
							l.BinaryU(oc.op, ir.R(4), ir.R(2), ir.R(3))
						} else {
							l.Binary(oc.op, ir.R(4), ir.R(2), ir.R(3))
						}
						l.Add(ir.R(6), ir.R(4), ir.R(5))
						l.Ret(ir.R(6))
						p := argPins()
						p[ir.R(0)], p[ir.R(1)] = amd64.R10, amd64.R11
						p[ir.R(2)], p[ir.R(3)], p[ir.R(4)] = val, count, dst
						p[ir.R(5)], p[ir.R(6)] = held, amd64.RAX
						pin(l, p)

						fn := load(t, l, "f")
						if got, want := int64(fn.Call(a, n)), oc.eval(a, n)+witness; got != want {
							t.Fatalf("got %d, want %d", got, want)
						}
					})
				}
			}
		}
	}
}

func TestConditionsExecute(t *testing.T) {
	ops := []struct {
		op       ir.Op
		unsigned bool
		eval     func(a, b int64) bool
	}{
		{ir.OpLt, false, func(a, b int64) bool { return a < b }},
		{ir.OpLe, false, func(a, b int64) bool { return a <= b }},
		{ir.OpGt, false, func(a, b int64) bool { return a > b }},
		{ir.OpGe, false, func(a, b int64) bool { return a >= b }},
		{ir.OpEq, false, func(a, b int64) bool { return a == b }},
		{ir.OpNe, false, func(a, b int64) bool { return a != b }},
		{ir.OpLt, true, func(a, b int64) bool { return uint64(a) < uint64(b) }},
		{ir.OpGe, true, func(a, b int64) bool { return uint64(a) >= uint64(b) }},
	}
	pairs := [][2]int64{{1, 2}, {2, 1}, {3, 3}, {-1, 1}}
	for _, oc := range ops {
		t.Run(fmt.Sprintf("%s unsigned=%v", oc.op, oc.unsigned), func(t *testing.T) {
			l := ir.NewList()
			twoArgs(l)
			if oc.unsigned {
				l.BinaryU(oc.op, ir.R(2), ir.R(0), ir.R(1))
			} else {
				l.Binary(oc.op, ir.R(2), ir.R(0), ir.R(1))
			}
			l.Ret(ir.R(2))
			allocate(t, l)
			fn := load(t, l, "f")
			for _, p := range pairs {
				want := int64(0)
				if oc.eval(p[0], p[1]) {
					want = 1
				}
				if got := int64(fn.Call(p[0], p[1])); got != want {
					t.Errorf("(%d, %d) = %d, want %d", p[0], p[1], got, want)
				}
			}
		})
	}
}

func TestLoadsExtend(t *testing.T) {
	mem := []byte{0xf0, 0xff, 0xff, 0xff, 0x01, 0x02, 0x03, 0x04}
	for _, tc := range []struct {
		size     int
		unsigned bool
		want     int64
	}{
		{1, false, -16},
		{1, true, 0xf0},
		{2, false, -16},
		{2, true, 0xfff0},
		{4, false, -16},
		{4, true, 0xfffffff0},
		{8, false, 0x04030201fffffff0},
	} {
		t.Run(fmt.Sprintf("%d unsigned=%v", tc.size, tc.unsigned), func(t *testing.T) {
			l := ir.NewList()
			l.Prolog("f")
			l.DeclareArg(ir.ArgUnsigned, 8)
			l.GetArg(ir.R(0), 0)
			if tc.unsigned {
				l.LdxU(ir.R(1), ir.R(0), ir.Imm(0), tc.size)
			} else {
				l.Ldx(ir.R(1), ir.R(0), ir.Imm(0), tc.size)
			}
			l.Ret(ir.R(1))
			allocate(t, l)
			fn := load(t, l, "f")
			got := int64(fn.Call(unsafe.Pointer(&mem[0])))
			runtime.KeepAlive(mem)
			if got != tc.want {
				t.Fatalf("got %#x, want %#x", got, tc.want)
			}
		})
	}
}
