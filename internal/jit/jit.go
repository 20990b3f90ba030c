// Package jit drives a list of IR nodes through register allocation, the
// peephole passes and a backend's code generator, and loads the result.
package jit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/opt"
	"github.com/tinyrange/jit/internal/regalloc"
	"github.com/tinyrange/jit/internal/timeslice"
)

var timeslicePeephole = timeslice.RegisterKind("jit::peephole", timeslice.SliceFlagCompile)

// Program is compiled machine code plus what Compile learned on the way.
type Program struct {
	asm.Program
	Arch        string
	Diagnostics []string
	Peephole    opt.Stats

	backend Backend
}

// Compile allocates registers for l, runs the enabled peephole passes and
// generates code. The nodes of l are annotated and rewritten in place.
func Compile(l *ir.List, opts Options) (*Program, error) {
	b, err := LookupBackend(opts.Arch)
	if err != nil {
		return nil, err
	}
	if err := l.Check(); err != nil {
		return nil, fmt.Errorf("jit: %w", err)
	}
	if err := regalloc.Allocate(l, b.Target()); err != nil {
		return nil, fmt.Errorf("jit: %w", err)
	}

	rec := timeslice.NewRecorder()
	stats := opt.Run(l, opts.peephole())
	rec.Record(timeslicePeephole)

	gen, err := b.Generate(l, opts.Strict)
	if err != nil {
		return nil, fmt.Errorf("jit: %w", err)
	}
	for _, d := range gen.Diagnostics {
		slog.Warn("jit: diagnostic", "arch", opts.Arch, "detail", d)
	}
	slog.Debug("jit: compiled", "arch", opts.Arch, "nodes", l.Len(), "bytes", len(gen.Program.Bytes()),
		"relocations", len(gen.Program.Relocations()), "entries", gen.Program.EntryNames())

	return &Program{
		Program:     gen.Program,
		Arch:        opts.Arch,
		Diagnostics: gen.Diagnostics,
		Peephole:    stats,
		backend:     b,
	}, nil
}

// Load maps p for execution on this host.
func Load(p *Program) (Image, error) {
	if p.backend == nil {
		return nil, fmt.Errorf("jit: program was not produced by Compile")
	}
	img, err := p.backend.Load(p.Program)
	if err != nil {
		return nil, fmt.Errorf("jit: load %s program: %w", p.Arch, err)
	}
	return img, nil
}

type traceCloser struct {
	rec io.Closer
	f   *os.File
}

func (t traceCloser) Close() error {
	return errors.Join(t.rec.Close(), t.f.Close())
}

// OpenTrace creates path and records every following timeslice into it
// until the returned Closer is closed.
func OpenTrace(path string) (io.Closer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("jit: create trace: %w", err)
	}
	rec, err := timeslice.StartRecording(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("jit: start trace: %w", err)
	}
	slog.Debug("jit: tracing", "path", path)
	return traceCloser{rec: rec, f: f}, nil
}
