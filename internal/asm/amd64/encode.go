package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// field is one register slot of a ModRM byte.
type field struct {
	code    byte
	high    bool
	byteRex bool
}

func gpField(id asm.Variable) (field, error) {
	info, err := regInfo(id)
	if err != nil {
		return field{}, err
	}
	return field{code: info.code, high: info.high, byteRex: needsByteREX(id)}, nil
}

func xmmField(x Xmm) (field, error) {
	if x > 15 {
		return field{}, fmt.Errorf("unsupported xmm register %d", x)
	}
	return field{code: byte(x) & 7, high: x >= 8}, nil
}

func digit(d byte) field { return field{code: d} }

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	enc := memEncoding{rex: rexState{b: baseInfo.high}}

	switch disp := mem.disp; {
	case disp == 0 && baseInfo.code != 5:
		// [rbp] and [r13] have no disp0 form and fall through to disp8.
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(disp))}
	default:
		enc.modrm = 0x80
		enc.disp = binary.LittleEndian.AppendUint32(nil, uint32(disp))
	}

	rm := baseInfo.code
	if mem.hasIndex || baseInfo.code == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexInfo, err := regInfo(mem.index.id)
			if err != nil {
				return memEncoding{}, err
			}
			if mem.index.id == RSP {
				return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
			}
			indexCode = indexInfo.code
			enc.rex.x = indexInfo.high
		}

		var scaleBits byte
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}

		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | baseInfo.code}
		rm = 4
	}

	enc.modrm |= rm
	return enc, nil
}

// form describes one "opcode /r" instruction shape.
type form struct {
	prefix  byte
	opcode  []byte
	w       bool
	byteReg bool
	byteRM  bool
}

// sized picks the byte or full-width opcode and the prefixes for size.
func sized(size operandSize, wide, narrow []byte) form {
	f := form{opcode: wide, w: size == size64}
	switch size {
	case size8:
		f.opcode = narrow
		f.byteReg = true
		f.byteRM = true
	case size16:
		f.prefix = 0x66
	}
	return f
}

func (f form) assemble(rex rexState, modrm byte, sib, disp, imm []byte) []byte {
	out := make([]byte, 0, 2+len(f.opcode)+1+len(sib)+len(disp)+len(imm))
	if f.prefix != 0 {
		out = append(out, f.prefix)
	}
	rex.w = f.w
	if b := rex.prefix(); b != 0 {
		out = append(out, b)
	}
	out = append(out, f.opcode...)
	out = append(out, modrm)
	out = append(out, sib...)
	out = append(out, disp...)
	out = append(out, imm...)
	return out
}

func (f form) regReg(reg, rm field, imm ...byte) []byte {
	rex := rexState{
		r:     reg.high,
		b:     rm.high,
		force: (f.byteReg && reg.byteRex) || (f.byteRM && rm.byteRex),
	}
	return f.assemble(rex, 0xC0|reg.code<<3|rm.code, nil, nil, imm)
}

func (f form) regMem(reg field, mem Memory, imm ...byte) ([]byte, error) {
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := enc.rex
	rex.r = reg.high
	rex.force = f.byteReg && reg.byteRex
	return f.assemble(rex, enc.modrm|reg.code<<3, enc.sib, enc.disp, imm), nil
}

func checkSize(size operandSize) error {
	switch size {
	case size8, size16, size32, size64:
		return nil
	}
	return fmt.Errorf("unsupported register width %d", size)
}

func sameWidth(a, b Reg) error {
	if a.size != b.size {
		return fmt.Errorf("mismatched register widths: %d vs %d", a.size, b.size)
	}
	return checkSize(a.size)
}

func imm8(v int32) []byte  { return []byte{byte(int8(v))} }
func imm16(v int32) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(v)) }
func imm32(v int32) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(v)) }

func fitsInt8(v int64) bool  { return v >= math.MinInt8 && v <= math.MaxInt8 }
func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// FitsImm32 reports whether v can be encoded as a sign-extended 32-bit immediate.
func FitsImm32(v int64) bool { return fitsInt32(v) }

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	rex := rexState{b: info.high, force: reg.size == size8 && info.needsRex}
	var prefix []byte
	var opcode byte
	var imm []byte

	switch reg.size {
	case size64:
		switch {
		case value >= 0 && value <= math.MaxUint32:
			// 32-bit moves zero-extend into the full register.
			opcode = 0xB8 + info.code
			imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
		case fitsInt32(value):
			return sized(size64, []byte{0xC7}, nil).regReg(digit(0), field{code: info.code, high: info.high}, imm32(int32(value))...), nil
		default:
			return encodeMovAbs(reg, uint64(value))
		}
	case size32:
		opcode = 0xB8 + info.code
		imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
	case size16:
		prefix = []byte{0x66}
		opcode = 0xB8 + info.code
		imm = binary.LittleEndian.AppendUint16(nil, uint16(value))
	case size8:
		opcode = 0xB0 + info.code
		imm = []byte{byte(value)}
	default:
		return nil, fmt.Errorf("unsupported register width %d", reg.size)
	}

	out := prefix
	if b := rex.prefix(); b != 0 {
		out = append(out, b)
	}
	out = append(out, opcode)
	return append(out, imm...), nil
}

// encodeMovAbs always produces the ten byte "movabs reg, imm64" form so the
// immediate can be rewritten in place later.
func encodeMovAbs(reg Reg, value uint64) ([]byte, error) {
	if reg.size != size64 {
		return nil, fmt.Errorf("movabs requires a 64-bit register")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	out := []byte{rexState{w: true, b: info.high}.prefix(), 0xB8 + info.code}
	return binary.LittleEndian.AppendUint64(out, value), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if err := sameWidth(dst, src); err != nil {
		return nil, err
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	s, err := gpField(src.id)
	if err != nil {
		return nil, err
	}
	return sized(dst.size, []byte{0x89}, []byte{0x88}).regReg(s, d), nil
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	if err := checkSize(src.size); err != nil {
		return nil, err
	}
	s, err := gpField(src.id)
	if err != nil {
		return nil, err
	}
	return sized(src.size, []byte{0x89}, []byte{0x88}).regMem(s, mem)
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	if err := checkSize(dst.size); err != nil {
		return nil, err
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	return sized(dst.size, []byte{0x8B}, []byte{0x8A}).regMem(d, mem)
}

func encodeMovMemImm(mem Memory, width operandSize, value int32) ([]byte, error) {
	f := sized(width, []byte{0xC7}, []byte{0xC6})
	f.byteReg, f.byteRM = false, false
	switch width {
	case size8:
		return f.regMem(digit(0), mem, imm8(value)...)
	case size16:
		return f.regMem(digit(0), mem, imm16(value)...)
	case size32, size64:
		return f.regMem(digit(0), mem, imm32(value)...)
	}
	return nil, fmt.Errorf("unsupported store width %d", width)
}

func encodeMovZXRegMem(dst Reg, mem Memory, srcSize operandSize) ([]byte, error) {
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("movzx requires 32- or 64-bit destination, got %d", dst.size*8)
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	switch srcSize {
	case size8:
		return form{opcode: []byte{0x0F, 0xB6}, w: dst.size == size64}.regMem(d, mem)
	case size16:
		return form{opcode: []byte{0x0F, 0xB7}, w: dst.size == size64}.regMem(d, mem)
	case size32:
		// A 32-bit load zero-extends into the full register.
		return encodeMovRegMem(Reg32(dst.id), mem)
	}
	return nil, fmt.Errorf("movzx supports 8-, 16- or 32-bit source, got %d", srcSize*8)
}

func encodeMovSXRegMem(dst Reg, mem Memory, srcSize operandSize) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("movsx requires a 64-bit destination, got %d", dst.size*8)
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	switch srcSize {
	case size8:
		return form{opcode: []byte{0x0F, 0xBE}, w: true}.regMem(d, mem)
	case size16:
		return form{opcode: []byte{0x0F, 0xBF}, w: true}.regMem(d, mem)
	case size32:
		return form{opcode: []byte{0x63}, w: true}.regMem(d, mem)
	}
	return nil, fmt.Errorf("movsx supports 8-, 16- or 32-bit source, got %d", srcSize*8)
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if dst.size != size64 && dst.size != size32 {
		return nil, fmt.Errorf("lea requires a 32- or 64-bit destination")
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	return form{opcode: []byte{0x8D}, w: dst.size == size64}.regMem(d, mem)
}

func encodeALURegReg(op ALUOp, dst, src Reg) ([]byte, error) {
	if err := sameWidth(dst, src); err != nil {
		return nil, err
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	s, err := gpField(src.id)
	if err != nil {
		return nil, err
	}
	base := byte(op) << 3
	return sized(dst.size, []byte{base | 1}, []byte{base}).regReg(s, d), nil
}

func encodeALURegImm(op ALUOp, reg Reg, value int32) ([]byte, error) {
	if err := checkSize(reg.size); err != nil {
		return nil, err
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	switch {
	case reg.size == size8:
		return sized(size8, nil, []byte{0x80}).regReg(digit(byte(op)), r, imm8(value)...), nil
	case fitsInt8(int64(value)):
		return sized(reg.size, []byte{0x83}, nil).regReg(digit(byte(op)), r, imm8(value)...), nil
	case reg.size == size16:
		return sized(size16, []byte{0x81}, nil).regReg(digit(byte(op)), r, imm16(value)...), nil
	default:
		return sized(reg.size, []byte{0x81}, nil).regReg(digit(byte(op)), r, imm32(value)...), nil
	}
}

func encodeUnary(op UnaryOp, reg Reg) ([]byte, error) {
	if err := checkSize(reg.size); err != nil {
		return nil, err
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	return sized(reg.size, []byte{0xF7}, []byte{0xF6}).regReg(digit(byte(op)), r), nil
}

func encodeUnaryMem(op UnaryOp, width operandSize, mem Memory) ([]byte, error) {
	if err := checkSize(width); err != nil {
		return nil, err
	}
	f := sized(width, []byte{0xF7}, []byte{0xF6})
	f.byteReg, f.byteRM = false, false
	return f.regMem(digit(byte(op)), mem)
}

func encodeShiftImm(op ShiftOp, reg Reg, count uint8) ([]byte, error) {
	if count == 0 {
		return nil, fmt.Errorf("shift count must be non-zero")
	}
	if err := checkSize(reg.size); err != nil {
		return nil, err
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	return sized(reg.size, []byte{0xC1}, []byte{0xC0}).regReg(digit(byte(op)), r, count), nil
}

func encodeShiftCL(op ShiftOp, reg Reg) ([]byte, error) {
	if err := checkSize(reg.size); err != nil {
		return nil, err
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	return sized(reg.size, []byte{0xD3}, []byte{0xD2}).regReg(digit(byte(op)), r), nil
}

func encodeTestRegReg(a, b Reg) ([]byte, error) {
	if err := sameWidth(a, b); err != nil {
		return nil, err
	}
	fa, err := gpField(a.id)
	if err != nil {
		return nil, err
	}
	fb, err := gpField(b.id)
	if err != nil {
		return nil, err
	}
	return sized(a.size, []byte{0x85}, []byte{0x84}).regReg(fb, fa), nil
}

func encodeTestRegImm(reg Reg, value int32) ([]byte, error) {
	if reg.size != size64 && reg.size != size32 {
		return nil, fmt.Errorf("test immediate requires a 32- or 64-bit register")
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	return sized(reg.size, []byte{0xF7}, nil).regReg(digit(0), r, imm32(value)...), nil
}

func encodeXchg(a, b Reg) ([]byte, error) {
	if err := sameWidth(a, b); err != nil {
		return nil, err
	}
	fa, err := gpField(a.id)
	if err != nil {
		return nil, err
	}
	fb, err := gpField(b.id)
	if err != nil {
		return nil, err
	}
	return sized(a.size, []byte{0x87}, []byte{0x86}).regReg(fb, fa), nil
}

func encodeSetcc(cond Cond, dst Reg) ([]byte, error) {
	if dst.size != size8 {
		return nil, fmt.Errorf("setcc requires an 8-bit register")
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	return form{opcode: []byte{0x0F, 0x90 | byte(cond)}, byteRM: true}.regReg(digit(0), d), nil
}

func encodePushPop(opcode byte, reg Reg) ([]byte, error) {
	if reg.size != size64 {
		return nil, fmt.Errorf("push/pop requires a 64-bit register")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	if info.high {
		return []byte{0x41, opcode + info.code}, nil
	}
	return []byte{opcode + info.code}, nil
}

func encodeIndirect(d byte, target Reg) ([]byte, error) {
	if target.size != size64 {
		return nil, fmt.Errorf("indirect branch target must be a 64-bit register")
	}
	r, err := gpField(target.id)
	if err != nil {
		return nil, err
	}
	return form{opcode: []byte{0xFF}}.regReg(digit(d), r), nil
}

func encodeBtc(reg Reg, bit uint8) ([]byte, error) {
	if reg.size != size64 {
		return nil, fmt.Errorf("btc requires a 64-bit register")
	}
	r, err := gpField(reg.id)
	if err != nil {
		return nil, err
	}
	return form{opcode: []byte{0x0F, 0xBA}, w: true}.regReg(digit(7), r, bit), nil
}

func encodeSSERegReg(prefix byte, opcode byte, dst, src Xmm) ([]byte, error) {
	d, err := xmmField(dst)
	if err != nil {
		return nil, err
	}
	s, err := xmmField(src)
	if err != nil {
		return nil, err
	}
	return form{prefix: prefix, opcode: []byte{0x0F, opcode}}.regReg(d, s), nil
}

func encodeSSEMem(prefix byte, opcode byte, reg Xmm, mem Memory) ([]byte, error) {
	r, err := xmmField(reg)
	if err != nil {
		return nil, err
	}
	return form{prefix: prefix, opcode: []byte{0x0F, opcode}}.regMem(r, mem)
}

// encodeSSEGP encodes an instruction with an xmm in one ModRM slot and a
// 64-bit general-purpose register in the other.
func encodeSSEGP(prefix, opcode byte, x Xmm, gp Reg, xmmInReg bool) ([]byte, error) {
	if gp.size != size64 {
		return nil, fmt.Errorf("expected 64-bit register, got %d-bit", gp.size*8)
	}
	xf, err := xmmField(x)
	if err != nil {
		return nil, err
	}
	gf, err := gpField(gp.id)
	if err != nil {
		return nil, err
	}
	f := form{prefix: prefix, opcode: []byte{0x0F, opcode}, w: true}
	if xmmInReg {
		return f.regReg(xf, gf), nil
	}
	return f.regReg(gf, xf), nil
}

func encodeALURegMem(op ALUOp, dst Reg, mem Memory) ([]byte, error) {
	if err := checkSize(dst.size); err != nil {
		return nil, err
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	base := byte(op) << 3
	return sized(dst.size, []byte{base | 3}, []byte{base | 2}).regMem(d, mem)
}

// encodeMovExtend widens the low width bytes of src into the 64-bit dst.
func encodeMovExtend(dst Reg, src Reg, signed bool) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("extension requires a 64-bit destination")
	}
	d, err := gpField(dst.id)
	if err != nil {
		return nil, err
	}
	s, err := gpField(src.id)
	if err != nil {
		return nil, err
	}
	var f form
	switch {
	case src.size == size8 && signed:
		f = form{opcode: []byte{0x0F, 0xBE}, w: true, byteRM: true}
	case src.size == size8:
		f = form{opcode: []byte{0x0F, 0xB6}, w: true, byteRM: true}
	case src.size == size16 && signed:
		f = form{opcode: []byte{0x0F, 0xBF}, w: true}
	case src.size == size16:
		f = form{opcode: []byte{0x0F, 0xB7}, w: true}
	case src.size == size32 && signed:
		f = form{opcode: []byte{0x63}, w: true}
	case src.size == size32:
		return encodeMovRegReg(Reg32(dst.id), Reg32(src.id))
	default:
		return encodeMovRegReg(dst, Reg64(src.id))
	}
	return f.regReg(d, s), nil
}
