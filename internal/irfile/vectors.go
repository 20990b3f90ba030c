package irfile

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/jit"
)

// Compile builds the document's IR and compiles it.
func (f *File) Compile(opts jit.Options) (*jit.Program, *ir.List, error) {
	l, err := f.Build()
	if err != nil {
		return nil, nil, err
	}
	prog, err := jit.Compile(l, opts)
	if err != nil {
		return nil, l, err
	}
	return prog, l, nil
}

// Result is the outcome of one test vector.
type Result struct {
	Function string
	Index    int
	Name     string
	Got      Value
	Err      error
}

func (r Result) Passed() bool { return r.Err == nil }

func (r Result) String() string {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("#%d", r.Index)
	}
	if r.Err != nil {
		return fmt.Sprintf("FAIL %s %s: %v", r.Function, name, r.Err)
	}
	return fmt.Sprintf("ok   %s %s = %s", r.Function, name, r.Got)
}

// Tests counts the vectors in the document.
func (f *File) Tests() int {
	n := 0
	for _, fn := range f.Functions {
		n += len(fn.Tests)
	}
	return n
}

// RunTests calls every function that has vectors through img and checks
// the results. progress, if not nil, is called after each vector.
func (f *File) RunTests(img jit.Image, progress func(Result)) []Result {
	var out []Result
	for i := range f.Functions {
		fn := &f.Functions[i]
		if len(fn.Tests) == 0 {
			continue
		}
		call, err := fn.bind(img)
		for j, tc := range fn.Tests {
			r := Result{Function: fn.Name, Index: j, Name: tc.Name, Err: err}
			if err == nil {
				r.Got, r.Err = fn.run(call, tc)
			}
			slog.Debug("jit: test vector", "func", fn.Name, "index", j, "passed", r.Passed())
			if progress != nil {
				progress(r)
			}
			out = append(out, r)
		}
	}
	return out
}

// bind returns a reflected Go func that calls the native entry point.
func (fn *Function) bind(img jit.Image) (reflect.Value, error) {
	native, err := img.Func(fn.Name)
	if err != nil {
		return reflect.Value{}, err
	}
	in := make([]reflect.Type, len(fn.Args))
	for i, a := range fn.Args {
		t, err := parseType(a)
		if err != nil {
			return reflect.Value{}, err
		}
		in[i] = t.goType()
	}
	var outTypes []reflect.Type
	if fn.Returns != "" {
		t, err := parseType(fn.Returns)
		if err != nil {
			return reflect.Value{}, err
		}
		outTypes = append(outTypes, t.goType())
	}
	ptr := reflect.New(reflect.FuncOf(in, outTypes, false))
	native.Bind(ptr.Interface())
	return ptr.Elem(), nil
}

func (fn *Function) run(call reflect.Value, tc Test) (Value, error) {
	args := make([]reflect.Value, len(tc.Args))
	buffers := make(map[int][]byte)
	for i, a := range tc.Args {
		t := call.Type().In(i)
		switch {
		case a.IsBuffer():
			if t != reflect.TypeFor[unsafe.Pointer]() {
				return Value{}, fmt.Errorf("argument %d: buffer passed as %s", i, fn.Args[i])
			}
			buf := bytes.Clone(a.Buffer)
			buffers[i] = buf
			args[i] = reflect.ValueOf(unsafe.Pointer(&buf[0]))
		case a.IsFloat():
			if k := t.Kind(); k != reflect.Float32 && k != reflect.Float64 {
				return Value{}, fmt.Errorf("argument %d: float passed as %s", i, fn.Args[i])
			}
			args[i] = reflect.ValueOf(a.Float).Convert(t)
		default:
			if t == reflect.TypeFor[unsafe.Pointer]() {
				return Value{}, fmt.Errorf("argument %d: integer passed as ptr", i)
			}
			args[i] = reflect.ValueOf(a.Int).Convert(t)
		}
	}

	results := call.Call(args)
	runtime.KeepAlive(buffers)

	var got Value
	if len(results) == 1 {
		got = fromReflect(results[0])
	}
	if tc.Want != nil {
		if len(results) == 0 {
			return got, fmt.Errorf("%s returns nothing", fn.Name)
		}
		if !matches(results[0], *tc.Want) {
			return got, fmt.Errorf("got %s, want %s", got, tc.Want)
		}
	}
	for idx, want := range tc.WantMemory {
		if mem := buffers[idx]; !bytes.HasPrefix(mem, want) {
			return got, fmt.Errorf("argument %d memory = % x, want % x", idx, mem[:min(len(mem), len(want))], []byte(want))
		}
	}
	return got, nil
}

func fromReflect(v reflect.Value) Value {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return FloatValue(v.Float())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return IntValue(int64(v.Uint()))
	case reflect.UnsafePointer:
		return IntValue(int64(uintptr(v.UnsafePointer())))
	}
	return IntValue(v.Int())
}

// matches compares a native result with an expectation, truncating integer
// expectations to the result's width.
func matches(got reflect.Value, want Value) bool {
	switch got.Kind() {
	case reflect.Float32, reflect.Float64:
		w := want.Float
		if !want.IsFloat() {
			w = float64(want.Int)
		}
		if got.Kind() == reflect.Float32 {
			w = float64(float32(w))
		}
		g := got.Float()
		return g == w || (math.IsNaN(g) && math.IsNaN(w))
	case reflect.UnsafePointer:
		return !want.IsFloat() && uintptr(got.UnsafePointer()) == uintptr(want.Int)
	}
	if want.IsFloat() || want.IsBuffer() {
		return false
	}
	return reflect.ValueOf(want.Int).Convert(got.Type()).Interface() == got.Interface()
}
