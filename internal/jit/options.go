package jit

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/tinyrange/jit/internal/opt"
	"gopkg.in/yaml.v3"
)

// OptionsFilename is the name cmd/jit looks for next to the program file.
const OptionsFilename = "jit.yml"

// PeepholeOptions selects the IR-level rewrites run before code generation.
type PeepholeOptions struct {
	StoreImm     bool `yaml:"store_imm"`
	FramePointer bool `yaml:"frame_pointer"`
	DeadCode     bool `yaml:"dead_code"`
}

// Options configures Compile. Fields left out of a YAML document keep their
// defaults.
type Options struct {
	Arch     string          `yaml:"arch"`
	Peephole PeepholeOptions `yaml:"peephole"`
	// Strict makes unknown opcodes fatal instead of diagnostics.
	Strict   bool   `yaml:"strict"`
	LogLevel string `yaml:"log_level"`
	// Trace names a file that receives a binary timeslice trace.
	Trace string `yaml:"trace"`
}

func DefaultOptions() Options {
	cfg := opt.DefaultConfig()
	return Options{
		Arch: "amd64",
		Peephole: PeepholeOptions{
			StoreImm:     cfg.StoreImm,
			FramePointer: cfg.FramePointer,
			DeadCode:     cfg.DeadCode,
		},
		LogLevel: "info",
	}
}

func (o Options) peephole() opt.Config {
	return opt.Config{
		StoreImm:     o.Peephole.StoreImm,
		FramePointer: o.Peephole.FramePointer,
		DeadCode:     o.Peephole.DeadCode,
	}
}

// Level parses LogLevel, falling back to info.
func (o Options) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(o.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseOptions decodes a YAML options document over the defaults.
func ParseOptions(data []byte) (Options, error) {
	o := DefaultOptions()
	if err := yaml.Unmarshal(data, &o); err != nil {
		return DefaultOptions(), fmt.Errorf("jit: parse options: %w", err)
	}
	if o.Arch == "" {
		o.Arch = DefaultOptions().Arch
	}
	return o, nil
}

// LoadOptions reads path. A missing, unreadable or malformed file yields
// the defaults.
func LoadOptions(path string) Options {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to stat jit options", "path", path, "error", err)
		}
		return DefaultOptions()
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		slog.Error("jit options are world-writable, refusing to load", "path", path, "mode", info.Mode())
		return DefaultOptions()
	}

	const maxOptionsSize = 1024 * 1024
	if info.Size() > maxOptionsSize {
		slog.Warn("jit options file too large", "path", path, "size", info.Size())
		return DefaultOptions()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read jit options", "path", path, "error", err)
		return DefaultOptions()
	}

	o, err := ParseOptions(data)
	if err != nil {
		slog.Warn("failed to parse jit options", "path", path, "error", err)
		return DefaultOptions()
	}

	slog.Debug("loaded jit options", "path", path, "arch", o.Arch, "strict", o.Strict)
	return o
}
