// Package timeslice records how long each compilation phase takes. Durations
// go to an in-memory Summary and, when a trace is open, to a compact binary
// trace file that can be summarised later.
//
// A trace is a fixed header, the JSON table of registered kinds, zero padding
// up to the next page and then one 16 byte record per phase run.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x4a53544c // "LTSJ"
	Version uint32 = 3

	pageSize = 4096
)

var (
	ErrTraceOpen   = errors.New("timeslice: a trace is already open")
	ErrTraceClosed = errors.New("timeslice: trace already closed")
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

// KindID identifies a registered phase. Zero is never handed out.
type KindID uint64

type KindInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagCompile marks work done while turning IR into code.
	SliceFlagCompile SliceFlags = 1 << iota
	// SliceFlagExec marks time spent running generated code.
	SliceFlagExec
)

func (f SliceFlags) String() string {
	var names []string
	if f&SliceFlagCompile != 0 {
		names = append(names, "compile")
	}
	if f&SliceFlagExec != 0 {
		names = append(names, "exec")
	}
	return strings.Join(names, ",")
}

var kinds = make(map[KindID]KindInfo)

// RegisterKind names a phase, usually "pkg::phase". Call it from
// package-level variable initialisers; it is not safe for concurrent use.
func RegisterKind(name string, flags SliceFlags) KindID {
	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// Kind returns the registered description of id.
func Kind(id KindID) (KindInfo, bool) {
	info, ok := kinds[id]
	return info, ok
}

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

// trace drains records from the compile goroutines and appends them to the
// output on its own goroutine, so Record never waits on I/O unless the queue
// is full.
type trace struct {
	out     *bufio.Writer
	records chan record
	done    chan error
}

func (t *trace) drain() {
	var rec [16]byte
	var err error
	for r := range t.records {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint64(rec[0:8], uint64(r.ID))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(r.Duration))
		_, err = t.out.Write(rec[:recordSize])
	}
	if err == nil {
		err = t.out.Flush()
	}
	t.done <- err
}

// Close stops the trace and waits until every queued record is written.
func (t *trace) Close() error {
	if !openTrace.CompareAndSwap(t, nil) {
		return ErrTraceClosed
	}
	close(t.records)
	if err := <-t.done; err != nil {
		return fmt.Errorf("timeslice: write trace: %w", err)
	}
	return nil
}

var (
	openTrace      atomic.Pointer[trace]
	currentSummary atomic.Pointer[Summary]
)

// Recorder times consecutive phases of one compilation. Not for concurrent
// use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous call (or NewRecorder) to id.
func (r *Recorder) Record(id KindID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record adds one phase run to the collecting summary and the open trace, if
// any.
func Record(id KindID, duration time.Duration) {
	if s := currentSummary.Load(); s != nil {
		if info, ok := kinds[id]; ok {
			s.Add(info.Name, info.Flags, duration)
		}
	}
	if t := openTrace.Load(); t != nil {
		t.records <- record{ID: id, Duration: duration.Nanoseconds()}
	}
}

// StartRecording writes the trace header and kind table to w and streams
// every following Record to it until the returned Closer is closed. Only one
// trace may be open at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if openTrace.Load() != nil {
		return nil, ErrTraceOpen
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	out := bufio.NewWriterSize(w, pageSize)
	if err := binary.Write(out, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := out.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := out.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	t := &trace{
		out:     out,
		records: make(chan record, pageSize),
		done:    make(chan error, 1),
	}
	if !openTrace.CompareAndSwap(nil, t) {
		return nil, ErrTraceOpen
	}
	go t.drain()
	return t, nil
}

func padding(n int) int {
	if n%pageSize == 0 {
		return 0
	}
	return pageSize - n%pageSize
}

// ReadAllRecords decodes a trace written by StartRecording and calls fn for
// every record in the order the phases ran.
func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	in := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(in, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: not a trace (magic %#x)", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: trace version %d, want %d", h.Version, Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(in, int64(h.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	if pad := padding(binary.Size(h) + int(h.KindsBytes)); pad > 0 {
		if _, err := in.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: read padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(in, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: record for unknown kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Stat aggregates every run of one phase.
type Stat struct {
	Name  string
	Flags SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Stat) Add(duration time.Duration) {
	s.Count++
	s.Sum += duration
	if s.Count == 1 || duration < s.Min {
		s.Min = duration
	}
	if duration > s.Max {
		s.Max = duration
	}
}

func (s Stat) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s Stat) String() string {
	return fmt.Sprintf("% 16s flags=% 8s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		s.Name, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

// Summary keeps per-phase totals in first-seen order. It is safe for
// concurrent use.
type Summary struct {
	mu    sync.Mutex
	order []string
	stats map[string]*Stat
}

func NewSummary() *Summary {
	return &Summary{stats: make(map[string]*Stat)}
}

func (s *Summary) Add(name string, flags SliceFlags, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &Stat{Name: name, Flags: flags}
		s.stats[name] = st
		s.order = append(s.order, name)
	}
	st.Add(duration)
}

// Stats returns a snapshot of the totals.
func (s *Summary) Stats() []Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stat, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.stats[name])
	}
	return out
}

func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, st := range s.Stats() {
		n, err := fmt.Fprintln(w, st.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Collect routes every following Record into s until stop is called.
func Collect(s *Summary) (stop func()) {
	prev := currentSummary.Swap(s)
	return func() { currentSummary.CompareAndSwap(s, prev) }
}
