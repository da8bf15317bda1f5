// Package timeslice records how wall time is split between host work and
// guest execution on each VCPU thread.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

// NoCPU marks records that are not attributed to a VCPU.
const NoCPU = ^uint32(0)

var TimesliceInit = RegisterKind("init", SliceFlagInitTime)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind declares a new kind of slice. Kinds registered after a
// recording started are not described in that recording's header.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

// record is 16 bytes on disk: kind, cpu, duration in nanoseconds.
type record struct {
	ID       TimesliceID
	CPU      uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w          io.Writer
	records    chan record
	completion chan error
}

func (w *writer) run() {
	defer close(w.completion)

	var buf [4096]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.completion <- err
				// keep draining so Record never blocks
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[off+4:], rec.CPU)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.completion <- err
			return
		}
	}
	w.completion <- nil
}

func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.completion; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Recorder measures consecutive slices on one thread. It is not safe for
// concurrent use.
type Recorder struct {
	cpu  uint32
	last time.Time
}

func NewRecorder() *Recorder {
	return NewCPURecorder(NoCPU)
}

// NewCPURecorder returns a Recorder whose slices are attributed to cpu.
func NewCPURecorder(cpu uint32) *Recorder {
	return &Recorder{cpu: cpu, last: time.Now()}
}

// Record closes the current slice as kind id and starts the next one.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	RecordCPU(id, r.cpu, now.Sub(r.last))
	r.last = now
}

func Record(id TimesliceID, duration time.Duration) {
	RecordCPU(id, NoCPU, duration)
}

func RecordCPU(id TimesliceID, cpu uint32, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.records <- record{ID: id, CPU: cpu, Duration: duration.Nanoseconds()}
	}
}

// StartRecording writes the header to w and records every slice until the
// returned Closer is closed. Only one recording may be active.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already recording")
	}

	kindsMu.Lock()
	described, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(described)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(described); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// records start on a 4096 byte boundary
	off := binary.Size(header{}) + len(described)
	if pad := off % 4096; pad != 0 {
		if _, err := w.Write(make([]byte, 4096-pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:          w,
		records:    make(chan record, 4096),
		completion: make(chan error, 1),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already recording")
	}
	go wr.run()

	return wr, nil
}

// Entry is one decoded slice.
type Entry struct {
	Kind     string
	Flags    SliceFlags
	CPU      uint32
	Duration time.Duration
}

// ReadAllRecords decodes a recording and calls fn for each slice in order.
func ReadAllRecords(r io.Reader, fn func(e Entry) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var described map[TimesliceID]SliceInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&described); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if pad := off % 4096; pad != 0 {
		if _, err := buf.Discard(4096 - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := described[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(Entry{
			Kind:     kind.Name,
			Flags:    kind.Flags,
			CPU:      rec.CPU,
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// Summary aggregates the slices of one kind on one CPU.
type Summary struct {
	Kind  string
	Flags SliceFlags
	CPU   uint32
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) Add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func (s *Summary) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Summary) String() string {
	cpu := "-"
	if s.CPU != NoCPU {
		cpu = fmt.Sprint(s.CPU)
	}
	return fmt.Sprintf("% 24s cpu=% 3s flags=% 10s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		s.Kind, cpu, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

// Summarize aggregates a recording by kind and CPU in first-seen order.
func Summarize(r io.Reader) ([]*Summary, error) {
	type key struct {
		kind string
		cpu  uint32
	}
	index := map[key]*Summary{}
	var order []*Summary

	err := ReadAllRecords(r, func(e Entry) error {
		k := key{e.Kind, e.CPU}
		s, ok := index[k]
		if !ok {
			s = &Summary{Kind: e.Kind, Flags: e.Flags, CPU: e.CPU}
			index[k] = s
			order = append(order, s)
		}
		s.Add(e.Duration)
		return nil
	})
	return order, err
}
