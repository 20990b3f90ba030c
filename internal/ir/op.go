package ir

import "fmt"

// Op is the operation tag of a node.
type Op uint16

const (
	OpNop Op = iota
	OpLabel
	OpPatch
	OpProlog
	OpDeclareArg
	OpGetArg
	OpAlloca

	OpMov
	OpAdd
	OpAddC
	OpAddX
	OpSub
	OpSubC
	OpSubX
	OpRsb
	OpNeg
	OpNot
	OpOr
	OpXor
	OpAnd
	OpLsh
	OpRsh
	OpMul
	OpHmul
	OpDiv
	OpMod

	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe

	OpBlt
	OpBle
	OpBgt
	OpBge
	OpBeq
	OpBne
	OpBms
	OpBmc
	OpBoAdd
	OpBoSub
	OpBnoAdd
	OpBnoSub
	OpJmp

	OpPrepare
	OpPutArg
	OpCall
	OpRetval
	OpRet

	OpLd
	OpLdx
	OpSt
	OpStx
	OpStoreImm
	OpStoreIndexImm

	OpMemcpy
	OpMemset
	OpTransfer
	OpTransferCpy
	OpTransferAdd
	OpTransferSub
	OpTransferAnd
	OpTransferOr
	OpTransferXor

	OpRefCode
	OpRefData
	OpDataByte
	OpDataRefCode
	OpDataRefData
	OpCodeAlign

	OpUreg
	OpLreg
	OpSyncReg

	OpFMov
	OpFAdd
	OpFSub
	OpFRsb
	OpFMul
	OpFDiv
	OpFNeg
	OpFBlt
	OpFBle
	OpFBgt
	OpFBge
	OpFBeq
	OpFBne
	OpExt
	OpTrunc
	OpCeil
	OpFloor
	OpRound
	OpFLd
	OpFLdx
	OpFSt
	OpFStx
	OpFPutArg
	OpFRetval
	OpFRet

	numOps
)

var opNames = [numOps]string{
	OpNop: "nop", OpLabel: "label", OpPatch: "patch", OpProlog: "prolog",
	OpDeclareArg: "declare_arg", OpGetArg: "getarg", OpAlloca: "alloca",
	OpMov: "mov", OpAdd: "add", OpAddC: "addc", OpAddX: "addx",
	OpSub: "sub", OpSubC: "subc", OpSubX: "subx", OpRsb: "rsb",
	OpNeg: "neg", OpNot: "not", OpOr: "or", OpXor: "xor", OpAnd: "and",
	OpLsh: "lsh", OpRsh: "rsh", OpMul: "mul", OpHmul: "hmul",
	OpDiv: "div", OpMod: "mod",
	OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge", OpEq: "eq", OpNe: "ne",
	OpBlt: "blt", OpBle: "ble", OpBgt: "bgt", OpBge: "bge", OpBeq: "beq",
	OpBne: "bne", OpBms: "bms", OpBmc: "bmc", OpBoAdd: "boadd",
	OpBoSub: "bosub", OpBnoAdd: "bnoadd", OpBnoSub: "bnosub", OpJmp: "jmp",
	OpPrepare: "prepare", OpPutArg: "putarg", OpCall: "call",
	OpRetval: "retval", OpRet: "ret",
	OpLd: "ld", OpLdx: "ldx", OpSt: "st", OpStx: "stx",
	OpStoreImm: "sti", OpStoreIndexImm: "stxi",
	OpMemcpy: "memcpy", OpMemset: "memset", OpTransfer: "transfer",
	OpTransferCpy: "transfer_cpy", OpTransferAdd: "transfer_add",
	OpTransferSub: "transfer_sub", OpTransferAnd: "transfer_and",
	OpTransferOr: "transfer_or", OpTransferXor: "transfer_xor",
	OpRefCode: "ref_code", OpRefData: "ref_data", OpDataByte: "data_byte",
	OpDataRefCode: "data_ref_code", OpDataRefData: "data_ref_data",
	OpCodeAlign: "code_align",
	OpUreg: "ureg", OpLreg: "lreg", OpSyncReg: "syncreg",
	OpFMov: "fmov", OpFAdd: "fadd", OpFSub: "fsub", OpFRsb: "frsb",
	OpFMul: "fmul", OpFDiv: "fdiv", OpFNeg: "fneg",
	OpFBlt: "fblt", OpFBle: "fble", OpFBgt: "fbgt", OpFBge: "fbge",
	OpFBeq: "fbeq", OpFBne: "fbne", OpExt: "ext", OpTrunc: "trunc",
	OpCeil: "ceil", OpFloor: "floor", OpRound: "round",
	OpFLd: "fld", OpFLdx: "fldx", OpFSt: "fst", OpFStx: "fstx",
	OpFPutArg: "fputarg", OpFRetval: "fretval", OpFRet: "fret",
}

func (op Op) String() string {
	if op < numOps && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint16(op))
}

// ParseOp looks an operation up by mnemonic.
func ParseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return Op(op), true
		}
	}
	return 0, false
}

// Ops lists every defined operation.
func Ops() []Op {
	out := make([]Op, 0, numOps)
	for op := Op(0); op < numOps; op++ {
		out = append(out, op)
	}
	return out
}

// Flags refine an operation's addressing mode.
type Flags uint8

const (
	// FlagImm is set when the operation's immediate-capable operand holds
	// a constant instead of a register.
	FlagImm Flags = 1 << iota
	// FlagUnsigned selects unsigned comparison, division, shift or load
	// extension.
	FlagUnsigned
	// FlagClose marks a transfer operation that also closes its loop.
	FlagClose
)

func (f Flags) Has(o Flags) bool { return f&o != 0 }

// IsBranch reports whether the op is a conditional branch.
func (op Op) IsBranch() bool {
	switch op {
	case OpBlt, OpBle, OpBgt, OpBge, OpBeq, OpBne, OpBms, OpBmc,
		OpBoAdd, OpBoSub, OpBnoAdd, OpBnoSub,
		OpFBlt, OpFBle, OpFBgt, OpFBge, OpFBeq, OpFBne:
		return true
	}
	return false
}

// IsFloat reports whether the op works on floating-point registers.
func (op Op) IsFloat() bool { return op >= OpFMov && op < numOps }

// SetsCarry reports whether the op produces or consumes the carry flag
// across node boundaries.
func (op Op) SetsCarry() bool {
	switch op {
	case OpAddC, OpAddX, OpSubC, OpSubX:
		return true
	}
	return false
}

// IsTransferBody reports whether the op belongs to an open transfer loop.
func (op Op) IsTransferBody() bool {
	return op >= OpTransferCpy && op <= OpTransferXor
}

// WritesArg0 reports whether the first operand is a register the op writes.
func (op Op) WritesArg0() bool {
	switch op {
	case OpGetArg, OpMov, OpAdd, OpAddC, OpAddX, OpSub, OpSubC, OpSubX,
		OpRsb, OpNeg, OpNot, OpOr, OpXor, OpAnd, OpLsh, OpRsh, OpMul, OpHmul,
		OpDiv, OpMod, OpLt, OpLe, OpGt, OpGe, OpEq, OpNe, OpRetval,
		OpLd, OpLdx, OpRefCode, OpRefData, OpLreg,
		OpFMov, OpFAdd, OpFSub, OpFRsb, OpFMul, OpFDiv, OpFNeg, OpExt,
		OpTrunc, OpCeil, OpFloor, OpRound, OpFLd, OpFLdx, OpFRetval:
		return true
	}
	return false
}
