package irfile

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unsafe"

	"github.com/tinyrange/jit/internal/ir"
	"gopkg.in/yaml.v3"
)

// Type is an argument or result type of a function.
type Type struct {
	Name    string
	Kind    ir.ArgKind
	Size    int
	Pointer bool
}

var types = map[string]Type{
	"i8":  {Kind: ir.ArgSigned, Size: 1},
	"i16": {Kind: ir.ArgSigned, Size: 2},
	"i32": {Kind: ir.ArgSigned, Size: 4},
	"i64": {Kind: ir.ArgSigned, Size: 8},
	"u8":  {Kind: ir.ArgUnsigned, Size: 1},
	"u16": {Kind: ir.ArgUnsigned, Size: 2},
	"u32": {Kind: ir.ArgUnsigned, Size: 4},
	"u64": {Kind: ir.ArgUnsigned, Size: 8},
	"ptr": {Kind: ir.ArgUnsigned, Size: 8, Pointer: true},
	"f32": {Kind: ir.ArgFloat, Size: 4},
	"f64": {Kind: ir.ArgFloat, Size: 8},
}

func parseType(name string) (Type, error) {
	t, ok := types[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: unknown type %q", ErrSyntax, name)
	}
	t.Name = name
	return t, nil
}

// goType is the Go type a native call uses for t.
func (t Type) goType() reflect.Type {
	switch {
	case t.Pointer:
		return reflect.TypeFor[unsafe.Pointer]()
	case t.Kind == ir.ArgFloat && t.Size == 4:
		return reflect.TypeFor[float32]()
	case t.Kind == ir.ArgFloat:
		return reflect.TypeFor[float64]()
	}
	signed := t.Kind == ir.ArgSigned
	switch t.Size {
	case 1:
		if signed {
			return reflect.TypeFor[int8]()
		}
		return reflect.TypeFor[uint8]()
	case 2:
		if signed {
			return reflect.TypeFor[int16]()
		}
		return reflect.TypeFor[uint16]()
	case 4:
		if signed {
			return reflect.TypeFor[int32]()
		}
		return reflect.TypeFor[uint32]()
	}
	if signed {
		return reflect.TypeFor[int64]()
	}
	return reflect.TypeFor[uint64]()
}

type valueKind uint8

const (
	valueInt valueKind = iota
	valueFloat
	valueBuffer
)

// Value is a test argument or expected result: an integer, a float, or a
// buffer of bytes passed by pointer.
//
//	args: [42, 1.5, {bytes: "01 02 03", size: 16}]
type Value struct {
	kind   valueKind
	Int    int64
	Float  float64
	Buffer []byte
}

func IntValue(v int64) Value     { return Value{kind: valueInt, Int: v} }
func FloatValue(v float64) Value { return Value{kind: valueFloat, Float: v} }

func (v Value) IsBuffer() bool { return v.kind == valueBuffer }
func (v Value) IsFloat() bool  { return v.kind == valueFloat }

func (v Value) String() string {
	switch v.kind {
	case valueFloat:
		return fmt.Sprint(v.Float)
	case valueBuffer:
		return fmt.Sprintf("[% x]", v.Buffer)
	}
	return fmt.Sprint(v.Int)
}

func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!int":
			var i int64
			if err := n.Decode(&i); err != nil {
				// Values above MaxInt64 are written as unsigned.
				var u uint64
				if uerr := n.Decode(&u); uerr != nil {
					return err
				}
				i = int64(u)
			}
			*v = IntValue(i)
			return nil
		case "!!float":
			var f float64
			if err := n.Decode(&f); err != nil {
				return err
			}
			*v = FloatValue(f)
			return nil
		}
		return fmt.Errorf("line %d: %q is not a number", n.Line, n.Value)
	case yaml.MappingNode:
		var buf struct {
			Bytes Bytes `yaml:"bytes"`
			Size  int   `yaml:"size"`
		}
		if err := n.Decode(&buf); err != nil {
			return err
		}
		size := max(buf.Size, len(buf.Bytes), 1)
		data := make([]byte, size)
		copy(data, buf.Bytes)
		*v = Value{kind: valueBuffer, Buffer: data}
		return nil
	}
	return fmt.Errorf("line %d: unsupported value", n.Line)
}

// Bytes is a byte string written as hex ("de ad be ef") or a list of
// numbers.
type Bytes []byte

func (b *Bytes) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		data, err := hex.DecodeString(strings.Join(strings.Fields(n.Value), ""))
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*b = data
		return nil
	case yaml.SequenceNode:
		var ints []int64
		if err := n.Decode(&ints); err != nil {
			return err
		}
		out := make([]byte, len(ints))
		for i, x := range ints {
			if x < math.MinInt8 || x > math.MaxUint8 {
				return fmt.Errorf("line %d: byte %d out of range", n.Line, x)
			}
			out[i] = byte(x)
		}
		*b = out
		return nil
	}
	return fmt.Errorf("line %d: bytes must be a hex string or a list", n.Line)
}
