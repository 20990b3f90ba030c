// Package testutil holds byte-level helpers shared by the backend tests.
package testutil

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/disasm"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line disasm.Line) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Text)
		}
	}
	return nil
}

// Disassemble decodes code at address zero and fails the test on any
// undecodable byte.
func Disassemble(t *testing.T, code []byte) []disasm.Line {
	t.Helper()
	lines := disasm.Decode(code, 0)
	for _, line := range lines {
		if line.Bad {
			t.Fatalf("undecodable byte at %#x in % x", line.Addr, code)
		}
	}
	return lines
}

// VerifyExpectations walks the disassembly and ensures each expectation is
// satisfied in order. Extra trailing instructions are ignored.
func VerifyExpectations(t *testing.T, lines []disasm.Line, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d\n%s", len(lines), len(expect), Listing(lines))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\n%s", exp.Name, idx, err, Listing(lines))
		}
	}
}

// Mnemonics returns the mnemonic column of lines.
func Mnemonics(lines []disasm.Line) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Mnemonic
	}
	return out
}

// Listing renders lines as plain text for failure messages.
func Listing(lines []disasm.Line) string {
	var buf bytes.Buffer
	_ = disasm.Printer{W: &buf}.Print(lines)
	return buf.String()
}

// ExpectBytes compares an encoding against a hex string such as "48 89 d8".
func ExpectBytes(t *testing.T, name string, got []byte, want string) {
	t.Helper()
	wantBytes, err := hex.DecodeString(strings.ReplaceAll(want, " ", ""))
	if err != nil {
		t.Fatalf("%s: bad expectation %q: %v", name, want, err)
	}
	if !bytes.Equal(got, wantBytes) {
		t.Fatalf("%s: got % x, want % x", name, got, wantBytes)
	}
}
