package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/jit/internal/disasm"
	"github.com/tinyrange/jit/internal/irfile"
	"github.com/tinyrange/jit/internal/jit"
	_ "github.com/tinyrange/jit/internal/jit/amd64"
	"github.com/tinyrange/jit/internal/timeslice"
	"golang.org/x/term"
)

var errFailed = errors.New("test vectors failed")

type globalFlags struct {
	config   string
	logLevel string
	trace    string
	arch     string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.config, "config", "", "options file (default: "+jit.OptionsFilename+" next to the input)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&g.trace, "trace", "", "record timeslices to this file")
	fs.StringVar(&g.arch, "arch", "", "target architecture")
}

// setup loads the options for input and applies the command line on top.
// The returned func stops tracing.
func (g *globalFlags) setup(input string) (jit.Options, func(), error) {
	config := g.config
	if config == "" {
		config = filepath.Join(filepath.Dir(input), jit.OptionsFilename)
	}
	opts := jit.LoadOptions(config)
	if g.logLevel != "" {
		opts.LogLevel = g.logLevel
	}
	if g.trace != "" {
		opts.Trace = g.trace
	}
	if g.arch != "" {
		opts.Arch = g.arch
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level()})))

	stop := func() {}
	if opts.Trace != "" {
		tr, err := jit.OpenTrace(opts.Trace)
		if err != nil {
			return opts, stop, err
		}
		stop = func() {
			if err := tr.Close(); err != nil {
				slog.Warn("jit: close trace", "error", err)
			}
		}
	}
	return opts, stop, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `jit - compile and run IR test documents

USAGE:
  jit <command> [flags] <file>

COMMANDS:
  run FILE.yaml     Compile every function, load it and check the test vectors
  dump FILE.yaml    Print the annotated IR and the disassembly
  bench FILE.yaml   Compile repeatedly and print per-phase timings
  trace FILE        Print the records of a timeslice trace

FLAGS (run, dump, bench):
  -config FILE      Options file (default: %s next to the input)
  -log-level LEVEL  debug, info, warn or error
  -trace FILE       Record timeslices to FILE
  -arch NAME        Target architecture (available: %v)

EXAMPLES:
  jit run internal/irfile/testdata/arith.yaml
  jit dump -log-level debug branches.yaml
  jit bench -n 1000 memory.yaml
  jit trace -sums compile.trace
`, jit.OptionsFilename, jit.Backends())
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var g globalFlags
	g.register(fs)
	verbose := fs.Bool("v", false, "print passing vectors too")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("run takes one file")
	}
	input := fs.Arg(0)

	opts, stop, err := g.setup(input)
	if err != nil {
		return err
	}
	defer stop()

	f, err := irfile.Load(input)
	if err != nil {
		return err
	}
	prog, _, err := f.Compile(opts)
	if err != nil {
		return err
	}
	img, err := jit.Load(prog)
	if err != nil {
		return err
	}
	defer img.Release()

	failed := 0
	results := f.RunTests(img, func(r irfile.Result) {
		if !r.Passed() {
			failed++
		}
		if *verbose || !r.Passed() {
			fmt.Println(r)
		}
	})
	fmt.Printf("%d/%d vectors passed\n", len(results)-failed, len(results))
	if failed > 0 {
		return errFailed
	}
	return nil
}

func dumpCommand(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var g globalFlags
	g.register(fs)
	color := fs.Bool("color", term.IsTerminal(int(os.Stdout.Fd())), "colour the disassembly")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("dump takes one file")
	}
	input := fs.Arg(0)

	opts, stop, err := g.setup(input)
	if err != nil {
		return err
	}
	defer stop()

	f, err := irfile.Load(input)
	if err != nil {
		return err
	}
	prog, l, err := f.Compile(opts)
	if err != nil {
		if l != nil {
			// Show how far the list got before the failure.
			_ = l.Dump(os.Stderr, false, nil)
		}
		return err
	}
	backend, err := jit.LookupBackend(prog.Arch)
	if err != nil {
		return err
	}

	if err := l.Dump(os.Stdout, true, backend.RegisterName); err != nil {
		return err
	}
	fmt.Printf("\n%d bytes, %d relocations, peephole %+v\n\n",
		len(prog.Bytes()), len(prog.Relocations()), prog.Peephole)

	labels := map[uint64]string{}
	for _, name := range prog.EntryNames() {
		off, _ := prog.Entry(name)
		labels[uint64(off)] = name
	}
	p := disasm.Printer{W: os.Stdout, Color: *color, Labels: labels}
	return p.Print(backend.Disassemble(prog.Bytes()))
}

func benchCommand(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var g globalFlags
	g.register(fs)
	n := fs.Int("n", 100, "number of compilations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *n <= 0 {
		fs.Usage()
		return fmt.Errorf("bench takes one file and a positive -n")
	}
	input := fs.Arg(0)

	opts, stop, err := g.setup(input)
	if err != nil {
		return err
	}
	defer stop()

	f, err := irfile.Load(input)
	if err != nil {
		return err
	}

	summary := timeslice.NewSummary()
	stopCollect := timeslice.Collect(summary)
	bar := progressbar.Default(int64(*n), "compiling")
	start := time.Now()
	for i := 0; i < *n; i++ {
		if _, _, err := f.Compile(opts); err != nil {
			stopCollect()
			return err
		}
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	stopCollect()
	_ = bar.Close()

	fmt.Printf("%d compilations in %s (%s each)\n", *n, elapsed, elapsed/time.Duration(*n))
	_, err = summary.WriteTo(os.Stdout)
	return err
}

func traceCommand(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	sums := fs.Bool("sums", false, "print per-phase totals instead of every record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace takes one file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open timeslice file: %w", err)
	}
	defer f.Close()

	return printTrace(f, os.Stdout, *sums)
}

func printTrace(r io.Reader, w io.Writer, sums bool) error {
	summary := timeslice.NewSummary()
	if err := timeslice.ReadAllRecords(r, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
		if sums {
			summary.Add(id, flags, duration)
			return nil
		}
		_, err := fmt.Fprintf(w, "%s %s %s\n", id, flags, duration)
		return err
	}); err != nil {
		return fmt.Errorf("failed to read timeslice file: %w", err)
	}
	if sums {
		_, err := summary.WriteTo(w)
		return err
	}
	return nil
}

func run() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "run":
		return runCommand(args)
	case "dump":
		return dumpCommand(args)
	case "bench":
		return benchCommand(args)
	case "trace":
		return traceCommand(args)
	case "help":
		flag.Usage()
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
