//go:build linux && amd64

package amd64

import (
	"github.com/tinyrange/jit/internal/asm"
	asmamd64 "github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/jit"
)

type image struct {
	mod *asmamd64.Module
}

func (i image) Func(name string) (jit.Func, error) {
	fn, err := i.mod.Func(name)
	if err != nil {
		return nil, err
	}
	return fn, nil
}

func (i image) Release() error { return i.mod.Release() }

func load(prog asm.Program) (jit.Image, error) {
	mod, err := asmamd64.Load(prog)
	if err != nil {
		return nil, err
	}
	return image{mod: mod}, nil
}
