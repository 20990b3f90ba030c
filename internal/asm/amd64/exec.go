//go:build linux && amd64

package amd64

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/jit/internal/asm"
	"golang.org/x/sys/unix"
)

// Module is a Program mapped into executable memory.
type Module struct {
	mem  []byte
	base uintptr
	prog asm.Program
}

type Func struct {
	entry uintptr
	prog  asm.Program
}

var (
	_ asm.NativeFunc = Func{}
)

// Call executes the compiled code with the provided arguments.
func (fn Func) Call(args ...any) uintptr {
	if fn.entry == 0 {
		panic("amd64.Func: call on zero value")
	}
	if len(args) > maxAssemblyArguments {
		panic(fmt.Sprintf("assembly call accepts at most %d arguments, got %d", maxAssemblyArguments, len(args)))
	}

	buf := make([]uintptr, len(args))
	for idx, arg := range args {
		value, err := assemblyArgValue(arg)
		if err != nil {
			panic(err)
		}
		buf[idx] = value
	}

	r1, _, _ := purego.SyscallN(fn.entry, buf...)
	return r1
}

// Bind fills fptr, a pointer to a Go func variable, with a trampoline into
// the compiled code. Float arguments and results are passed in XMM registers.
func (fn Func) Bind(fptr any) {
	purego.RegisterFunc(fptr, fn.entry)
}

// Entry returns the entrypoint address of the compiled function.
func (fn Func) Entry() uintptr {
	return fn.entry
}

// Program returns a deep copy of the Program backing the compiled function.
func (fn Func) Program() asm.Program {
	return fn.prog.Clone()
}

// Load maps prog into fresh memory, rebases its relocations and flips the
// pages to read+execute.
func Load(prog asm.Program) (*Module, error) {
	code := prog.Bytes()
	size := len(code)
	if size == 0 {
		return nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code region: %w", err)
	}
	release := true
	defer func() {
		if release {
			_ = unix.Munmap(mem)
		}
	}()

	copy(mem, code)
	base := uintptr(unsafe.Pointer(&mem[0]))

	for _, offset := range prog.Relocations() {
		if offset < 0 || offset+8 > size {
			return nil, fmt.Errorf("relocation offset %d out of range (code len %d)", offset, size)
		}
		value := binary.LittleEndian.Uint64(mem[offset:])
		binary.LittleEndian.PutUint64(mem[offset:], value+uint64(base))
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}

	release = false
	return &Module{mem: mem, base: base, prog: prog.Clone()}, nil
}

// Base returns the address the program was loaded at.
func (m *Module) Base() uintptr {
	return m.base
}

// Func returns the named entry point.
func (m *Module) Func(name string) (Func, error) {
	off, ok := m.prog.Entry(name)
	if !ok {
		return Func{}, fmt.Errorf("no entry point %q", name)
	}
	return Func{entry: m.base + uintptr(off), prog: m.prog}, nil
}

// Release unmaps the code. Functions obtained from the module must not be
// called afterwards.
func (m *Module) Release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Compile assembles a fragment into a single-entry module.
func Compile(f asm.Fragment) (Func, func(), error) {
	buf := asm.NewBuffer(64)
	buf.SetEntry("main")
	if err := f.Emit(buf); err != nil {
		return Func{}, nil, fmt.Errorf("emit assembly program: %w", err)
	}

	mod, err := Load(buf.Program())
	if err != nil {
		return Func{}, nil, fmt.Errorf("load assembly program: %w", err)
	}

	fn, err := mod.Func("main")
	if err != nil {
		_ = mod.Release()
		return Func{}, nil, err
	}
	return fn, func() { _ = mod.Release() }, nil
}

func MustCompile(f asm.Fragment) Func {
	fn, _, err := Compile(f)
	if err != nil {
		panic(err)
	}
	return fn
}

const maxAssemblyArguments = 15

func assemblyArgValue(arg any) (uintptr, error) {
	switch v := arg.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return v, nil
	case unsafe.Pointer:
		return uintptr(v), nil
	case int:
		return uintptr(v), nil
	case int8:
		return uintptr(uint8(v)), nil
	case int16:
		return uintptr(uint16(v)), nil
	case int32:
		return uintptr(uint32(v)), nil
	case int64:
		return uintptr(v), nil
	case uint:
		return uintptr(v), nil
	case uint8:
		return uintptr(v), nil
	case uint16:
		return uintptr(v), nil
	case uint32:
		return uintptr(v), nil
	case uint64:
		return uintptr(v), nil
	}

	val := reflect.ValueOf(arg)
	if !val.IsValid() {
		return 0, fmt.Errorf("unsupported argument <invalid>")
	}

	switch val.Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		if val.IsNil() {
			return 0, nil
		}
		return uintptr(val.Pointer()), nil
	}

	return 0, fmt.Errorf("unsupported argument type %T", arg)
}
