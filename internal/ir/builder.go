package ir

import "fmt"

// Emit appends a node with the given operands. FlagImm is derived from the
// operand kinds; any other flags are taken from flags.
func (l *List) Emit(op Op, flags Flags, size int, args ...Value) NodeID {
	if len(args) > 3 {
		panic(fmt.Sprintf("ir: %s takes at most 3 operands", op))
	}
	n := Node{Op: op, Flags: flags &^ FlagImm, Size: size}
	for i, a := range args {
		n.Args[i] = OperandOf(a)
		if k := n.Args[i].Kind; k == KindImm || k == KindFloat {
			n.Flags |= FlagImm
		}
	}
	return l.Append(n)
}

func unsignedFlag(u bool) Flags {
	if u {
		return FlagUnsigned
	}
	return 0
}

// Prolog opens a new function. Every later node up to the next Prolog
// belongs to it.
func (l *List) Prolog(name string) *Func {
	fn := &Func{Name: name, NeedsFramePointer: true}
	l.cur = fn
	l.Append(Node{Op: OpProlog, Func: fn})
	return fn
}

// DeclareArg adds an incoming argument to the current function and returns
// its index.
func (l *List) DeclareArg(kind ArgKind, size int) int {
	fn := l.mustFunc()
	fn.Args = append(fn.Args, ArgDecl{Kind: kind, Size: size})
	l.Emit(OpDeclareArg, 0, size, Imm(kind))
	return len(fn.Args) - 1
}

// GetArg copies argument index into dst, widening it to a full register.
func (l *List) GetArg(dst Reg, index int) NodeID {
	fn := l.mustFunc()
	if index < 0 || index >= len(fn.Args) {
		panic(fmt.Sprintf("ir: getarg of undeclared argument %d", index))
	}
	d := fn.Args[index]
	return l.Emit(OpGetArg, unsignedFlag(d.Kind == ArgUnsigned), d.Size, dst, Imm(index))
}

// Alloca reserves size bytes of local memory and returns its offset from FP.
func (l *List) Alloca(size int) int {
	fn := l.mustFunc()
	size = (size + 15) &^ 15
	fn.AllocaSize += size
	l.Emit(OpAlloca, 0, 0, Imm(size))
	return -fn.AllocaSize
}

func (l *List) mustFunc() *Func {
	if l.cur == nil {
		panic("ir: no open function, call Prolog first")
	}
	return l.cur
}

func (l *List) Mov(dst Reg, src Value) NodeID { return l.Emit(OpMov, 0, 0, dst, src) }

// Binary appends a three-operand integer operation dst = a op b.
func (l *List) Binary(op Op, dst, a Reg, b Value) NodeID { return l.Emit(op, 0, 0, dst, a, b) }

// BinaryU is Binary with unsigned semantics.
func (l *List) BinaryU(op Op, dst, a Reg, b Value) NodeID {
	return l.Emit(op, FlagUnsigned, 0, dst, a, b)
}

func (l *List) Add(dst, a Reg, b Value) NodeID  { return l.Binary(OpAdd, dst, a, b) }
func (l *List) AddC(dst, a Reg, b Value) NodeID { return l.Binary(OpAddC, dst, a, b) }
func (l *List) AddX(dst, a Reg, b Value) NodeID { return l.Binary(OpAddX, dst, a, b) }
func (l *List) Sub(dst, a Reg, b Value) NodeID  { return l.Binary(OpSub, dst, a, b) }
func (l *List) SubC(dst, a Reg, b Value) NodeID { return l.Binary(OpSubC, dst, a, b) }
func (l *List) SubX(dst, a Reg, b Value) NodeID { return l.Binary(OpSubX, dst, a, b) }
func (l *List) Rsb(dst, a Reg, b Value) NodeID  { return l.Binary(OpRsb, dst, a, b) }
func (l *List) And(dst, a Reg, b Value) NodeID  { return l.Binary(OpAnd, dst, a, b) }
func (l *List) Or(dst, a Reg, b Value) NodeID   { return l.Binary(OpOr, dst, a, b) }
func (l *List) Xor(dst, a Reg, b Value) NodeID  { return l.Binary(OpXor, dst, a, b) }
func (l *List) Lsh(dst, a Reg, b Value) NodeID  { return l.Binary(OpLsh, dst, a, b) }
func (l *List) Rsh(dst, a Reg, b Value) NodeID  { return l.Binary(OpRsh, dst, a, b) }
func (l *List) RshU(dst, a Reg, b Value) NodeID { return l.BinaryU(OpRsh, dst, a, b) }
func (l *List) Mul(dst, a Reg, b Value) NodeID  { return l.Binary(OpMul, dst, a, b) }
func (l *List) Hmul(dst, a Reg, b Value) NodeID { return l.Binary(OpHmul, dst, a, b) }
func (l *List) Div(dst, a Reg, b Value) NodeID  { return l.Binary(OpDiv, dst, a, b) }
func (l *List) DivU(dst, a Reg, b Value) NodeID { return l.BinaryU(OpDiv, dst, a, b) }
func (l *List) Mod(dst, a Reg, b Value) NodeID  { return l.Binary(OpMod, dst, a, b) }
func (l *List) ModU(dst, a Reg, b Value) NodeID { return l.BinaryU(OpMod, dst, a, b) }

func (l *List) Neg(dst, src Reg) NodeID { return l.Emit(OpNeg, 0, 0, dst, src) }
func (l *List) Not(dst, src Reg) NodeID { return l.Emit(OpNot, 0, 0, dst, src) }

// Branch appends a conditional branch comparing a with b. target is a
// LabelID, or nil for a forward branch resolved by a later Patch.
func (l *List) Branch(op Op, target Value, a Reg, b Value) NodeID {
	return l.Emit(op, 0, 0, target, a, b)
}

// BranchU is Branch with an unsigned comparison.
func (l *List) BranchU(op Op, target Value, a Reg, b Value) NodeID {
	return l.Emit(op, FlagUnsigned, 0, target, a, b)
}

// Jmp jumps to a LabelID, through a register, or (nil) forward.
func (l *List) Jmp(target Value) NodeID { return l.Emit(OpJmp, 0, 0, target) }

// Patch resolves the forward reference made by node at to the current
// position.
func (l *List) Patch(at NodeID) NodeID { return l.Emit(OpPatch, 0, 0, at) }

// Ld loads size bytes from addr (a register or absolute address),
// sign-extending narrow values.
func (l *List) Ld(dst Reg, addr Value, size int) NodeID { return l.Emit(OpLd, 0, size, dst, addr) }

// LdU loads and zero-extends.
func (l *List) LdU(dst Reg, addr Value, size int) NodeID {
	return l.Emit(OpLd, FlagUnsigned, size, dst, addr)
}

func (l *List) Ldx(dst, base Reg, index Value, size int) NodeID {
	return l.Emit(OpLdx, 0, size, dst, base, index)
}

func (l *List) LdxU(dst, base Reg, index Value, size int) NodeID {
	return l.Emit(OpLdx, FlagUnsigned, size, dst, base, index)
}

// St stores the low size bytes of value at addr.
func (l *List) St(addr Value, value Reg, size int) NodeID {
	return l.Emit(OpSt, 0, size, addr, value)
}

// Stx stores the low size bytes of value at base+index.
func (l *List) Stx(base Reg, index Value, value Reg, size int) NodeID {
	return l.Emit(OpStx, 0, size, base, index, value)
}

// Memcpy copies count elements of size bytes from src to dst.
func (l *List) Memcpy(dst, src Reg, count Value, size int) NodeID {
	return l.Emit(OpMemcpy, 0, size, dst, src, count)
}

// Memset fills count elements of size bytes at dst with value.
func (l *List) Memset(dst Reg, count Value, value Value, size int) NodeID {
	return l.Emit(OpMemset, 0, size, dst, count, value)
}

// Transfer opens a block loop over count elements of size bytes. Each
// element of src is loaded into a scratch register that the following
// TransferOp nodes combine before TransferCpy or a closing TransferOp
// stores it to dst.
func (l *List) Transfer(dst, src Reg, count Value, size int) NodeID {
	return l.Emit(OpTransfer, 0, size, dst, src, count)
}

// TransferOp combines the loaded element with operand, a register or Out
// for the element already at dst. With close set the node also stores the
// element and closes the loop.
func (l *List) TransferOp(op Op, open NodeID, operand Reg, close bool) NodeID {
	if !op.IsTransferBody() || op == OpTransferCpy {
		panic(fmt.Sprintf("ir: %s is not a transfer operation", op))
	}
	var flags Flags
	if close {
		flags = FlagClose
	}
	return l.Emit(op, flags, 0, open, operand)
}

// TransferCpy stores the element and closes the loop.
func (l *List) TransferCpy(open NodeID) NodeID {
	return l.Emit(OpTransferCpy, FlagClose, 0, open)
}

// Prepare starts a call sequence.
func (l *List) Prepare() NodeID { return l.Emit(OpPrepare, 0, 0) }

func (l *List) PutArg(v Value) NodeID { return l.Emit(OpPutArg, 0, 8, v) }

// FPutArg passes a float argument of size 4 or 8.
func (l *List) FPutArg(v Value, size int) NodeID { return l.Emit(OpFPutArg, 0, size, v) }

// Call calls a LabelID, a register, an absolute address (Imm) or, with
// nil, a forward target resolved by Patch.
func (l *List) Call(target Value) NodeID { return l.Emit(OpCall, 0, 0, target) }

func (l *List) Retval(dst Reg) NodeID { return l.Emit(OpRetval, 0, 0, dst) }

func (l *List) FRetval(dst Reg, size int) NodeID { return l.Emit(OpFRetval, 0, size, dst) }

func (l *List) Ret(v Value) NodeID { return l.Emit(OpRet, 0, 0, v) }

func (l *List) FRet(v Value, size int) NodeID { return l.Emit(OpFRet, 0, size, v) }

// RefCode loads the absolute address of target (a LabelID, or nil for a
// Patch) into dst.
func (l *List) RefCode(dst Reg, target Value) NodeID { return l.Emit(OpRefCode, 0, 0, dst, target) }

func (l *List) RefData(dst Reg, target Value) NodeID { return l.Emit(OpRefData, 0, 0, dst, target) }

func (l *List) DataByte(b byte) NodeID { return l.Emit(OpDataByte, 0, 1, Imm(b)) }

// DataRefCode emits an 8-byte absolute address of target in place.
func (l *List) DataRefCode(target Value) NodeID { return l.Emit(OpDataRefCode, 0, 8, target) }

func (l *List) DataRefData(target Value) NodeID { return l.Emit(OpDataRefData, 0, 8, target) }

// CodeAlign pads with nops to a multiple of n bytes.
func (l *List) CodeAlign(n int) NodeID { return l.Emit(OpCodeAlign, 0, 0, Imm(n)) }

// Ureg stores r to its spill slot.
func (l *List) Ureg(r Reg) NodeID { return l.Emit(OpUreg, 0, 0, r) }

// Lreg reloads r from its spill slot.
func (l *List) Lreg(r Reg) NodeID { return l.Emit(OpLreg, 0, 0, r) }

func (l *List) SyncReg(r Reg) NodeID { return l.Emit(OpSyncReg, 0, 0, r) }

func (l *List) Nop() NodeID { return l.Emit(OpNop, 0, 0) }

func (l *List) FMov(dst Reg, src Value) NodeID { return l.Emit(OpFMov, 0, 0, dst, src) }

func (l *List) FBinary(op Op, dst, a Reg, b Value) NodeID { return l.Emit(op, 0, 0, dst, a, b) }

func (l *List) FAdd(dst, a Reg, b Value) NodeID { return l.FBinary(OpFAdd, dst, a, b) }
func (l *List) FSub(dst, a Reg, b Value) NodeID { return l.FBinary(OpFSub, dst, a, b) }
func (l *List) FMul(dst, a Reg, b Value) NodeID { return l.FBinary(OpFMul, dst, a, b) }
func (l *List) FDiv(dst, a Reg, b Value) NodeID { return l.FBinary(OpFDiv, dst, a, b) }

func (l *List) FNeg(dst, src Reg) NodeID { return l.Emit(OpFNeg, 0, 0, dst, src) }

func (l *List) FBranch(op Op, target Value, a, b Reg) NodeID {
	return l.Emit(op, 0, 0, target, a, b)
}

// Ext converts a signed integer to double.
func (l *List) Ext(dst, src Reg) NodeID { return l.Emit(OpExt, 0, 0, dst, src) }

// Trunc converts a double to a signed integer, rounding toward zero.
func (l *List) Trunc(dst, src Reg) NodeID { return l.Emit(OpTrunc, 0, 0, dst, src) }

// Ceil, Floor and Round convert a double to the nearest integer above,
// below, or away from zero on a tie.
func (l *List) Ceil(dst, src Reg) NodeID  { return l.Emit(OpCeil, 0, 0, dst, src) }
func (l *List) Floor(dst, src Reg) NodeID { return l.Emit(OpFloor, 0, 0, dst, src) }
func (l *List) Round(dst, src Reg) NodeID { return l.Emit(OpRound, 0, 0, dst, src) }

func (l *List) FLd(dst Reg, addr Value, size int) NodeID { return l.Emit(OpFLd, 0, size, dst, addr) }

func (l *List) FLdx(dst, base Reg, index Value, size int) NodeID {
	return l.Emit(OpFLdx, 0, size, dst, base, index)
}

func (l *List) FSt(addr Value, value Reg, size int) NodeID {
	return l.Emit(OpFSt, 0, size, addr, value)
}

func (l *List) FStx(base Reg, index Value, value Reg, size int) NodeID {
	return l.Emit(OpFStx, 0, size, base, index, value)
}
