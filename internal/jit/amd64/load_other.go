//go:build !(linux && amd64)

package amd64

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/jit"
)

func load(asm.Program) (jit.Image, error) {
	return nil, fmt.Errorf("%w: %s/%s", jit.ErrNotRunnable, runtime.GOOS, runtime.GOARCH)
}
