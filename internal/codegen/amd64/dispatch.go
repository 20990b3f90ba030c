package amd64

import "github.com/tinyrange/jit/internal/ir"

type handler func(c *compiler, id ir.NodeID, n *ir.Node) error

// mode keys handlers that only cover one addressing form of an opcode.
type mode struct {
	op  ir.Op
	imm bool
}

var (
	generic map[ir.Op]handler
	byMode  map[mode]handler
)

func init() {
	byMode = map[mode]handler{
		{ir.OpMov, false}:  (*compiler).lowerMovReg,
		{ir.OpMov, true}:   (*compiler).lowerMovImm,
		{ir.OpAdd, false}:  (*compiler).lowerAddReg,
		{ir.OpAdd, true}:   (*compiler).lowerAddImm,
		{ir.OpSub, false}:  (*compiler).lowerSubReg,
		{ir.OpSub, true}:   (*compiler).lowerSubImm,
		{ir.OpRsb, false}:  (*compiler).lowerRsbReg,
		{ir.OpRsb, true}:   (*compiler).lowerRsbImm,
		{ir.OpFMov, false}: (*compiler).lowerFMovReg,
		{ir.OpFMov, true}:  (*compiler).lowerFMovImm,
	}

	generic = map[ir.Op]handler{
		ir.OpNop:        (*compiler).lowerNothing,
		ir.OpDeclareArg: (*compiler).lowerNothing,
		ir.OpAlloca:     (*compiler).lowerNothing,
		ir.OpLabel:      (*compiler).lowerLabel,
		ir.OpPatch:      (*compiler).lowerPatch,
		ir.OpProlog:     (*compiler).lowerProlog,
		ir.OpGetArg:     (*compiler).lowerGetArg,

		ir.OpAddC: (*compiler).lowerALU,
		ir.OpAddX: (*compiler).lowerALU,
		ir.OpSubC: (*compiler).lowerALU,
		ir.OpSubX: (*compiler).lowerALU,
		ir.OpOr:   (*compiler).lowerALU,
		ir.OpXor:  (*compiler).lowerALU,
		ir.OpAnd:  (*compiler).lowerALU,
		ir.OpNeg:  (*compiler).lowerUnary,
		ir.OpNot:  (*compiler).lowerUnary,
		ir.OpLsh:  (*compiler).lowerShift,
		ir.OpRsh:  (*compiler).lowerShift,
		ir.OpMul:  (*compiler).lowerMul,
		ir.OpHmul: (*compiler).lowerMul,
		ir.OpDiv:  (*compiler).lowerDiv,
		ir.OpMod:  (*compiler).lowerDiv,

		ir.OpLt: (*compiler).lowerCond,
		ir.OpLe: (*compiler).lowerCond,
		ir.OpGt: (*compiler).lowerCond,
		ir.OpGe: (*compiler).lowerCond,
		ir.OpEq: (*compiler).lowerCond,
		ir.OpNe: (*compiler).lowerCond,

		ir.OpBlt:    (*compiler).lowerBranch,
		ir.OpBle:    (*compiler).lowerBranch,
		ir.OpBgt:    (*compiler).lowerBranch,
		ir.OpBge:    (*compiler).lowerBranch,
		ir.OpBeq:    (*compiler).lowerBranch,
		ir.OpBne:    (*compiler).lowerBranch,
		ir.OpBms:    (*compiler).lowerBranch,
		ir.OpBmc:    (*compiler).lowerBranch,
		ir.OpBoAdd:  (*compiler).lowerOverflowBranch,
		ir.OpBoSub:  (*compiler).lowerOverflowBranch,
		ir.OpBnoAdd: (*compiler).lowerOverflowBranch,
		ir.OpBnoSub: (*compiler).lowerOverflowBranch,
		ir.OpJmp:    (*compiler).lowerJmp,

		ir.OpPrepare: (*compiler).lowerPrepare,
		ir.OpPutArg:  (*compiler).lowerPutArg,
		ir.OpCall:    (*compiler).lowerCall,
		ir.OpRetval:  (*compiler).lowerRetval,
		ir.OpRet:     (*compiler).lowerRet,

		ir.OpLd:             (*compiler).lowerLd,
		ir.OpLdx:            (*compiler).lowerLdx,
		ir.OpSt:             (*compiler).lowerSt,
		ir.OpStx:            (*compiler).lowerStx,
		ir.OpStoreImm:       (*compiler).lowerStoreImm,
		ir.OpStoreIndexImm:  (*compiler).lowerStoreIndexImm,
		ir.OpMemcpy:         (*compiler).lowerMemcpy,
		ir.OpMemset:         (*compiler).lowerMemset,
		ir.OpTransfer:       (*compiler).lowerTransfer,
		ir.OpTransferCpy:    (*compiler).lowerTransferOp,
		ir.OpTransferAdd:    (*compiler).lowerTransferOp,
		ir.OpTransferSub:    (*compiler).lowerTransferOp,
		ir.OpTransferAnd:    (*compiler).lowerTransferOp,
		ir.OpTransferOr:     (*compiler).lowerTransferOp,
		ir.OpTransferXor:    (*compiler).lowerTransferOp,
		ir.OpRefCode:        (*compiler).lowerRef,
		ir.OpRefData:        (*compiler).lowerRef,
		ir.OpDataByte:       (*compiler).lowerDataByte,
		ir.OpDataRefCode:    (*compiler).lowerDataRef,
		ir.OpDataRefData:    (*compiler).lowerDataRef,
		ir.OpCodeAlign:      (*compiler).lowerCodeAlign,
		ir.OpUreg:           (*compiler).lowerSpill,
		ir.OpSyncReg:        (*compiler).lowerSpill,
		ir.OpLreg:           (*compiler).lowerReload,

		ir.OpFAdd:    (*compiler).lowerFArith,
		ir.OpFSub:    (*compiler).lowerFArith,
		ir.OpFRsb:    (*compiler).lowerFArith,
		ir.OpFMul:    (*compiler).lowerFArith,
		ir.OpFDiv:    (*compiler).lowerFArith,
		ir.OpFNeg:    (*compiler).lowerFNeg,
		ir.OpFBlt:    (*compiler).lowerFBranch,
		ir.OpFBle:    (*compiler).lowerFBranch,
		ir.OpFBgt:    (*compiler).lowerFBranch,
		ir.OpFBge:    (*compiler).lowerFBranch,
		ir.OpFBeq:    (*compiler).lowerFBranch,
		ir.OpFBne:    (*compiler).lowerFBranch,
		ir.OpExt:     (*compiler).lowerExt,
		ir.OpTrunc:   (*compiler).lowerTrunc,
		ir.OpCeil:    (*compiler).lowerRound,
		ir.OpFloor:   (*compiler).lowerRound,
		ir.OpRound:   (*compiler).lowerRound,
		ir.OpFLd:     (*compiler).lowerFLd,
		ir.OpFLdx:    (*compiler).lowerFLdx,
		ir.OpFSt:     (*compiler).lowerFSt,
		ir.OpFStx:    (*compiler).lowerFStx,
		ir.OpFPutArg: (*compiler).lowerPutArg,
		ir.OpFRetval: (*compiler).lowerFRetval,
		ir.OpFRet:    (*compiler).lowerFRet,
	}
}

// lookupHandler prefers a handler registered for the node's exact
// addressing form over the opcode-wide one.
func lookupHandler(n *ir.Node) (handler, bool) {
	if h, ok := byMode[mode{n.Op, n.IsImm()}]; ok {
		return h, true
	}
	h, ok := generic[n.Op]
	return h, ok
}

func (c *compiler) lowerNothing(ir.NodeID, *ir.Node) error { return nil }
