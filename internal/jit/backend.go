package jit

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/disasm"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regalloc"
)

var (
	ErrNoBackend   = errors.New("jit: no backend for architecture")
	ErrNotRunnable = errors.New("jit: generated code cannot run on this host")
)

// Func is a loaded, callable entry point.
type Func interface {
	asm.NativeFunc
	// Bind fills fptr, a pointer to a Go func variable, with a trampoline
	// into the function. Float arguments and results go through it.
	Bind(fptr any)
}

// Image is a program mapped into executable memory.
type Image interface {
	Func(name string) (Func, error)
	Release() error
}

// Generated is the output of a backend's code generator.
type Generated struct {
	Program     asm.Program
	Diagnostics []string
}

// Backend lowers allocated IR for one architecture.
type Backend interface {
	Target() regalloc.Target
	Generate(l *ir.List, strict bool) (Generated, error)
	// Load maps a program for execution. Backends for a foreign host
	// return ErrNotRunnable.
	Load(prog asm.Program) (Image, error)
	RegisterName(hw int, float bool) string
	// Disassemble decodes code as loaded at address zero.
	Disassemble(code []byte) []disasm.Line
}

var backends = struct {
	sync.RWMutex
	m map[string]Backend
}{m: make(map[string]Backend)}

// RegisterBackend makes b available under arch. Registering an arch twice
// panics.
func RegisterBackend(arch string, b Backend) {
	backends.Lock()
	defer backends.Unlock()
	if _, dup := backends.m[arch]; dup {
		panic(fmt.Sprintf("jit: backend %q registered twice", arch))
	}
	backends.m[arch] = b
}

func LookupBackend(arch string) (Backend, error) {
	backends.RLock()
	defer backends.RUnlock()
	b, ok := backends.m[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoBackend, arch)
	}
	return b, nil
}

// Backends lists the registered architectures.
func Backends() []string {
	backends.RLock()
	defer backends.RUnlock()
	out := make([]string, 0, len(backends.m))
	for arch := range backends.m {
		out = append(out, arch)
	}
	slices.Sort(out)
	return out
}
