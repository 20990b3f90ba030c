// Package irfile reads IR programs written as YAML documents. A document
// names a format version, a list of functions whose bodies are one IR
// operation per line, and test vectors that cmd/jit runs against the
// compiled code.
//
//	version: v1.0.0
//	functions:
//	  - name: less
//	    args: [i64, i64]
//	    returns: i64
//	    body: |
//	      getarg r0 0
//	      getarg r1 1
//	      blt %br _ r0 r1
//	      ret 10
//	      patch %br
//	      ret -10
//	    tests:
//	      - args: [42, 60]
//	        want: -10
package irfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the newest document format this package reads.
const CurrentVersion = "v1.1.0"

var (
	ErrVersion = errors.New("irfile: unsupported version")
	ErrSyntax  = errors.New("irfile: syntax error")
)

// File is a decoded program document.
type File struct {
	Version   string     `yaml:"version"`
	Functions []Function `yaml:"functions"`

	// Path is where the document was read from, if anywhere.
	Path string `yaml:"-"`
}

// Function is one function of a program. Its name is both the entry point
// and a label other functions can call.
type Function struct {
	Name    string   `yaml:"name"`
	Args    []string `yaml:"args"`
	Returns string   `yaml:"returns"`
	Body    string   `yaml:"body"`
	Tests   []Test   `yaml:"tests"`
}

// Test is one call of a function with its expected outcome.
type Test struct {
	Name string  `yaml:"name"`
	Args []Value `yaml:"args"`
	Want *Value  `yaml:"want"`
	// WantMemory maps argument indexes of buffer arguments to their
	// expected contents after the call.
	WantMemory map[int]Bytes `yaml:"want_memory"`
}

// Parse decodes and validates a document.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrSyntax)
		}
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("irfile: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// CheckVersion accepts any version with the same major number as
// CurrentVersion that is not newer than it. A missing "v" is tolerated.
func CheckVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: no version given", ErrVersion)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrVersion, v)
	}
	if semver.Major(v) != semver.Major(CurrentVersion) {
		return fmt.Errorf("%w: major version %s, want %s", ErrVersion, semver.Major(v), semver.Major(CurrentVersion))
	}
	if semver.Compare(v, CurrentVersion) > 0 {
		return fmt.Errorf("%w: %s is newer than %s", ErrVersion, v, CurrentVersion)
	}
	return nil
}

func (f *File) validate() error {
	if err := CheckVersion(f.Version); err != nil {
		return err
	}
	if len(f.Functions) == 0 {
		return fmt.Errorf("%w: no functions", ErrSyntax)
	}
	seen := map[string]bool{}
	for i, fn := range f.Functions {
		if fn.Name == "" {
			return fmt.Errorf("%w: function %d has no name", ErrSyntax, i)
		}
		if seen[fn.Name] {
			return fmt.Errorf("%w: function %q defined twice", ErrSyntax, fn.Name)
		}
		seen[fn.Name] = true
		for _, a := range fn.Args {
			if _, err := parseType(a); err != nil {
				return fmt.Errorf("%s: %w", fn.Name, err)
			}
		}
		if fn.Returns != "" {
			if _, err := parseType(fn.Returns); err != nil {
				return fmt.Errorf("%s: %w", fn.Name, err)
			}
		}
		for j, tc := range fn.Tests {
			if len(tc.Args) != len(fn.Args) {
				return fmt.Errorf("%w: %s test %d has %d args, want %d", ErrSyntax, fn.Name, j, len(tc.Args), len(fn.Args))
			}
			for idx := range tc.WantMemory {
				if idx < 0 || idx >= len(tc.Args) || !tc.Args[idx].IsBuffer() {
					return fmt.Errorf("%w: %s test %d expects memory of argument %d, which is not a buffer", ErrSyntax, fn.Name, j, idx)
				}
			}
		}
	}
	return nil
}

// Function returns the function called name.
func (f *File) Function(name string) (*Function, bool) {
	for i := range f.Functions {
		if f.Functions[i].Name == name {
			return &f.Functions[i], true
		}
	}
	return nil, false
}
