// Package disasm decodes emitted amd64 code into (address, bytes, length)
// triples for listings and byte-level tests.
package disasm

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction.
type Line struct {
	Addr     uint64
	Bytes    []byte
	Len      int
	Text     string
	Mnemonic string
	Bad      bool
}

// Contains reports whether the instruction text contains substr.
func (l Line) Contains(substr string) bool {
	return strings.Contains(l.Text, substr)
}

// Decode disassembles code as if it were loaded at base. Undecodable bytes
// become single-byte "(bad)" lines so the stream never stalls.
func Decode(code []byte, base uint64) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		addr := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, Line{
				Addr:     addr,
				Bytes:    code[off : off+1],
				Len:      1,
				Text:     "(bad)",
				Mnemonic: "(bad)",
				Bad:      true,
			})
			off++
			continue
		}
		lines = append(lines, Line{
			Addr:     addr,
			Bytes:    code[off : off+inst.Len],
			Len:      inst.Len,
			Text:     x86asm.IntelSyntax(inst, addr, nil),
			Mnemonic: mnemonic(inst),
		})
		off += inst.Len
	}
	return lines
}

func mnemonic(inst x86asm.Inst) string {
	name := strings.ToLower(inst.Op.String())
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		name = name[:idx]
	}
	return name
}

var (
	addrStyle  = ansi.NewStyle().ForegroundColor(ansi.BrightBlack)
	bytesStyle = ansi.NewStyle().ForegroundColor(ansi.Yellow)
	opStyle    = ansi.NewStyle().Bold().ForegroundColor(ansi.Cyan)
	badStyle   = ansi.NewStyle().ForegroundColor(ansi.Red)
	labelStyle = ansi.NewStyle().Bold().ForegroundColor(ansi.Green)
)

const bytesColumn = 30

// Printer writes listings, optionally with SGR colouring.
type Printer struct {
	W     io.Writer
	Color bool
	// Labels maps an address to a name printed above the instruction.
	Labels map[uint64]string
}

func (p Printer) style(s ansi.Style, text string) string {
	if !p.Color {
		return text
	}
	return s.Styled(text)
}

// Print writes one line per instruction.
func (p Printer) Print(lines []Line) error {
	for _, line := range lines {
		if name, ok := p.Labels[line.Addr]; ok {
			if _, err := fmt.Fprintf(p.W, "%s\n", p.style(labelStyle, name+":")); err != nil {
				return err
			}
		}

		hex := make([]string, len(line.Bytes))
		for i, b := range line.Bytes {
			hex[i] = fmt.Sprintf("%02x", b)
		}
		raw := p.style(bytesStyle, strings.Join(hex, " "))
		if pad := bytesColumn - ansi.StringWidth(raw); pad > 0 {
			raw += strings.Repeat(" ", pad)
		}

		text := line.Text
		switch {
		case line.Bad:
			text = p.style(badStyle, text)
		default:
			if op, rest, ok := strings.Cut(text, " "); ok {
				text = p.style(opStyle, op) + " " + rest
			} else {
				text = p.style(opStyle, text)
			}
		}

		addr := p.style(addrStyle, fmt.Sprintf("%6x:", line.Addr))
		if _, err := fmt.Fprintf(p.W, "%s  %s %s\n", addr, raw, text); err != nil {
			return err
		}
	}
	return nil
}
