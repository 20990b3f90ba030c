package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var registerNames = [...]string{
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RSP: "rsp", RBP: "rbp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
}

// RegisterName returns the 64-bit assembler name of a general-purpose register.
func RegisterName(id asm.Variable) string {
	if id < 0 || int(id) >= len(registerNames) {
		return fmt.Sprintf("reg%d", int(id))
	}
	return registerNames[id]
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0}, nil
	case RBX:
		return registerCode{code: 3}, nil
	case RCX:
		return registerCode{code: 1}, nil
	case RDX:
		return registerCode{code: 2}, nil
	case RSI:
		return registerCode{code: 6, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, needsRex: true}, nil
	case R8, R9, R10, R11, R12, R13, R14, R15:
		return registerCode{code: byte(v-R8) & 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

// needsByteREX reports whether the low byte of id is only addressable with a
// REX prefix (SPL, BPL, SIL, DIL and R8B-R15B).
func needsByteREX(id asm.Variable) bool {
	switch id {
	case RSP, RBP, RSI, RDI:
		return true
	}
	if id >= R8 && id <= R15 {
		return true
	}
	return false
}
