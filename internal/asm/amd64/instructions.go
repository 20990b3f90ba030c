package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// ALUOp selects one of the eight classic two-operand integer instructions.
// The value doubles as the ModRM digit of the immediate form.
type ALUOp byte

const (
	ALUAdd ALUOp = 0
	ALUOr  ALUOp = 1
	ALUAdc ALUOp = 2
	ALUSbb ALUOp = 3
	ALUAnd ALUOp = 4
	ALUSub ALUOp = 5
	ALUXor ALUOp = 6
	ALUCmp ALUOp = 7
)

// UnaryOp selects an F7 /digit instruction.
type UnaryOp byte

const (
	UnaryNot  UnaryOp = 2
	UnaryNeg  UnaryOp = 3
	UnaryMul  UnaryOp = 4
	UnaryImul UnaryOp = 5
	UnaryDiv  UnaryOp = 6
	UnaryIdiv UnaryOp = 7
)

type ShiftOp byte

const (
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

// SSEOp selects a scalar double arithmetic instruction.
type SSEOp byte

const (
	SSEAdd SSEOp = 0x58
	SSEMul SSEOp = 0x59
	SSESub SSEOp = 0x5C
	SSEDiv SSEOp = 0x5E
)

func encoded(fn func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := fn()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func raw(bytes ...byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

func width(w int) (operandSize, error) {
	switch w {
	case 1, 2, 4, 8:
		return operandSize(w), nil
	}
	return 0, fmt.Errorf("unsupported width %d", w)
}

// Assemble encodes fragments into a standalone byte slice.
func Assemble(frags ...asm.Fragment) ([]byte, error) {
	buf := asm.NewBuffer(32)
	if err := asm.Group(frags).Emit(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MovImmediate loads value using the shortest encoding for the register width.
func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

// MovAbs always emits the ten byte imm64 form. The immediate occupies the
// final eight bytes of the instruction.
func MovAbs(dst Reg, value uint64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovAbs(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// MovImmToMemory stores a sign-extended 32-bit immediate of w bytes.
func MovImmToMemory(mem Memory, w int, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) {
		size, err := width(w)
		if err != nil {
			return nil, err
		}
		return encodeMovMemImm(mem, size, value)
	})
}

// MovZX loads w bytes from mem and zero-extends them into dst.
func MovZX(dst Reg, mem Memory, w int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		size, err := width(w)
		if err != nil {
			return nil, err
		}
		if size == size64 {
			return encodeMovRegMem(dst, mem)
		}
		return encodeMovZXRegMem(dst, mem, size)
	})
}

// MovSX loads w bytes from mem and sign-extends them into dst.
func MovSX(dst Reg, mem Memory, w int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		size, err := width(w)
		if err != nil {
			return nil, err
		}
		if size == size64 {
			return encodeMovRegMem(dst, mem)
		}
		return encodeMovSXRegMem(dst, mem, size)
	})
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func ALU(op ALUOp, dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(op, dst, src) })
}

func ALUImm(op ALUOp, dst Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(op, dst, value) })
}

func AddRegImm(dst Reg, value int32) asm.Fragment { return ALUImm(ALUAdd, dst, value) }
func SubRegImm(dst Reg, value int32) asm.Fragment { return ALUImm(ALUSub, dst, value) }
func CmpRegImm(dst Reg, value int32) asm.Fragment { return ALUImm(ALUCmp, dst, value) }
func AddRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUAdd, dst, src) }
func SubRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUSub, dst, src) }
func CmpRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUCmp, dst, src) }
func XorRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUXor, dst, src) }

func Unary(op UnaryOp, reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnary(op, reg) })
}

// UnaryMem applies op to a w byte memory operand (e.g. "div qword [rsp]").
func UnaryMem(op UnaryOp, w int, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) {
		size, err := width(w)
		if err != nil {
			return nil, err
		}
		return encodeUnaryMem(op, size, mem)
	})
}

func Neg(reg Reg) asm.Fragment { return Unary(UnaryNeg, reg) }
func Not(reg Reg) asm.Fragment { return Unary(UnaryNot, reg) }

// Cqo sign-extends RAX into RDX:RAX.
func Cqo() asm.Fragment { return raw(0x48, 0x99) }

func ShiftImm(op ShiftOp, reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftImm(op, reg, count) })
}

// ShiftCL shifts reg by the count held in CL.
func ShiftCL(op ShiftOp, reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftCL(op, reg) })
}

func Test(a, b Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegReg(a, b) })
}

func TestImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegImm(reg, value) })
}

func Xchg(a, b Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeXchg(a, b) })
}

// Setcc writes 1 or 0 into the low byte of dst.
func Setcc(cond Cond, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, Reg8(dst.id)) })
}

func Push(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x50, reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x58, reg) })
}

// JccRel32 emits a six byte conditional branch. rel is relative to the end
// of the instruction; the displacement is the final four bytes.
func JccRel32(cond Cond, rel int32) asm.Fragment {
	return raw(binary.LittleEndian.AppendUint32([]byte{0x0F, 0x80 | byte(cond)}, uint32(rel))...)
}

// JmpRel32 emits a five byte unconditional branch.
func JmpRel32(rel int32) asm.Fragment {
	return raw(binary.LittleEndian.AppendUint32([]byte{0xE9}, uint32(rel))...)
}

// CallRel32 emits a five byte relative call.
func CallRel32(rel int32) asm.Fragment {
	return raw(binary.LittleEndian.AppendUint32([]byte{0xE8}, uint32(rel))...)
}

func JccRel8(cond Cond, rel int8) asm.Fragment {
	return raw(0x70|byte(cond), byte(rel))
}

func JmpRel8(rel int8) asm.Fragment {
	return raw(0xEB, byte(rel))
}

func JumpReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeIndirect(4, target) })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeIndirect(2, target) })
}

func Ret() asm.Fragment { return raw(0xC3) }

func Nop() asm.Fragment { return raw(0x90) }

// Btc complements a single bit of reg.
func Btc(reg Reg, bit uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeBtc(reg, bit) })
}

func MovsdReg(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x10, dst, src) })
}

func MovsdLoad(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF2, 0x10, dst, mem) })
}

func MovsdStore(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF2, 0x11, src, mem) })
}

func MovssLoad(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF3, 0x10, dst, mem) })
}

func MovssStore(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF3, 0x11, src, mem) })
}

func SSEArith(op SSEOp, dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, byte(op), dst, src) })
}

func Cvtss2sd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF3, 0x5A, dst, src) })
}

func Cvtsd2ss(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF2, 0x5A, dst, src) })
}

// Ucomisd compares a with b and sets ZF, PF and CF.
func Ucomisd(a, b Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0x66, 0x2E, a, b) })
}

func Cvtsi2sd(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGP(0xF2, 0x2A, dst, src, true) })
}

func Cvttsd2si(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGP(0xF2, 0x2C, src, dst, false) })
}

func MovqToXmm(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGP(0x66, 0x6E, dst, src, true) })
}

func MovqFromXmm(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGP(0x66, 0x7E, src, dst, true) })
}

// ALUMem applies op to dst and a memory operand of the same width.
func ALUMem(op ALUOp, dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegMem(op, dst, mem) })
}

// MovExtend copies the low w bytes of src into dst, sign- or zero-extending.
func MovExtend(dst Reg, src Reg, w int, signed bool) asm.Fragment {
	return encoded(func() ([]byte, error) {
		size, err := width(w)
		if err != nil {
			return nil, err
		}
		return encodeMovExtend(dst, Reg{id: src.id, size: size}, signed)
	})
}
