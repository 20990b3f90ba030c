package timeslice

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var (
	timesliceLower = RegisterKind("test::lower", SliceFlagCompile)
	timesliceRun   = RegisterKind("test::run", SliceFlagExec)
)

func readNames(t testing.TB, trace []byte) ([]string, []SliceFlags) {
	t.Helper()
	var names []string
	var flags []SliceFlags
	if err := ReadAllRecords(bytes.NewReader(trace), func(id string, f SliceFlags, duration time.Duration) error {
		names = append(names, id)
		flags = append(flags, f)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	return names, flags
}

func TestRecordingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	Record(timesliceLower, 100*time.Millisecond)
	Record(timesliceRun, 200*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if buf.Len()%pageSize != 2*recordSize {
		t.Fatalf("trace is %d bytes, records do not start on a page", buf.Len())
	}
	names, flags := readNames(t, buf.Bytes())
	if len(names) != 2 || names[0] != "test::lower" || names[1] != "test::run" {
		t.Fatalf("records = %v, want [test::lower test::run]", names)
	}
	if flags[0] != SliceFlagCompile || flags[1] != SliceFlagExec {
		t.Fatalf("flags = %v", flags)
	}
}

func TestRecorderAttributesConsecutivePhases(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	rec := NewRecorder()
	time.Sleep(time.Millisecond)
	rec.Record(timesliceLower)
	rec.Record(timesliceRun)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var durations []time.Duration
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(id string, f SliceFlags, d time.Duration) error {
		durations = append(durations, d)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(durations) != 2 || durations[0] < time.Millisecond {
		t.Fatalf("durations = %v", durations)
	}
}

func TestSecondRecordingRejected(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := StartRecording(&buf); !errors.Is(err, ErrTraceOpen) {
		t.Fatalf("second StartRecording: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrTraceClosed) {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReadRejectsForeignFile(t *testing.T) {
	junk := bytes.Repeat([]byte{0xff}, 64)
	if err := ReadAllRecords(bytes.NewReader(junk), func(string, SliceFlags, time.Duration) error { return nil }); err == nil {
		t.Fatal("ReadAllRecords accepted a file without the trace magic")
	}
}

func TestKindLookup(t *testing.T) {
	info, ok := Kind(timesliceLower)
	if !ok || info.Name != "test::lower" || info.Flags != SliceFlagCompile {
		t.Fatalf("Kind = %+v, %v", info, ok)
	}
	if _, ok := Kind(0); ok {
		t.Fatal("kind 0 is registered")
	}
	if s := (SliceFlagCompile | SliceFlagExec).String(); s != "compile,exec" {
		t.Fatalf("flags string = %q", s)
	}
}

func TestSummary(t *testing.T) {
	s := NewSummary()
	stop := Collect(s)
	Record(timesliceRun, 30*time.Millisecond)
	Record(timesliceLower, 10*time.Millisecond)
	Record(timesliceRun, 10*time.Millisecond)
	stop()
	Record(timesliceLower, time.Second)

	stats := s.Stats()
	if len(stats) != 2 {
		t.Fatalf("got %d stats, want 2", len(stats))
	}
	run, lower := stats[0], stats[1]
	if run.Name != "test::run" || run.Count != 2 || run.Sum != 40*time.Millisecond || run.Min != 10*time.Millisecond || run.Max != 30*time.Millisecond {
		t.Fatalf("run = %+v", run)
	}
	if run.Avg() != 20*time.Millisecond {
		t.Fatalf("run avg = %s", run.Avg())
	}
	if lower.Name != "test::lower" || lower.Count != 1 || lower.Sum != 10*time.Millisecond {
		t.Fatalf("lower = %+v", lower)
	}

	var out strings.Builder
	if _, err := s.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(out.String(), "\n"); lines != 2 {
		t.Fatalf("summary has %d lines:\n%s", lines, out.String())
	}
}

func BenchmarkRecordToBuffer(b *testing.B) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	count := 0
	for b.Loop() {
		Record(timesliceLower, 100*time.Microsecond)
		count++
	}
	if err := w.Close(); err != nil {
		b.Fatalf("Close: %v", err)
	}
	b.ReportMetric(float64(count), "records")

	if names, _ := readNames(b, buf.Bytes()); len(names) != count {
		b.Fatalf("read %d records, wrote %d", len(names), count)
	}
}

func BenchmarkRecordToFile(b *testing.B) {
	path := filepath.Join(b.TempDir(), "compile.trace")
	f, err := os.Create(path)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w, err := StartRecording(f)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	count := 0
	for b.Loop() {
		Record(timesliceLower, 100*time.Microsecond)
		count++
	}
	if err := w.Close(); err != nil {
		b.Fatalf("Close: %v", err)
	}
	b.ReportMetric(float64(count), "records")

	data, err := os.ReadFile(path)
	if err != nil {
		b.Fatalf("ReadFile: %v", err)
	}
	if names, _ := readNames(b, data); len(names) != count {
		b.Fatalf("read %d records, wrote %d", len(names), count)
	}
}
