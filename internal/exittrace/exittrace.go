// Package exittrace is a lock-free binary trace of VCPU exits.
//
// Every record is 32 bytes, little endian:
//   - 4 bytes cpu index
//   - 4 bytes outcome of the dispatch (0 = continue)
//   - 8 bytes exit reason
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - 8 bytes detail (gpa for memory exits, port for I/O, msr number, ...)
//
// Writers reserve space by atomically advancing the file offset, so records
// from concurrent VCPU threads never interleave.
package exittrace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const RecordSize = 32

// Record is one traced exit.
type Record struct {
	CPU     uint32
	Outcome uint32
	Reason  uint64
	Time    time.Time
	Detail  uint64
}

func (r Record) encode(buf *[RecordSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], r.CPU)
	binary.LittleEndian.PutUint32(buf[4:8], r.Outcome)
	binary.LittleEndian.PutUint64(buf[8:16], r.Reason)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Time.UnixNano()))
	binary.LittleEndian.PutUint64(buf[24:32], r.Detail)
}

func decode(buf []byte) Record {
	return Record{
		CPU:     binary.LittleEndian.Uint32(buf[0:4]),
		Outcome: binary.LittleEndian.Uint32(buf[4:8]),
		Reason:  binary.LittleEndian.Uint64(buf[8:16]),
		Time:    time.Unix(0, int64(binary.LittleEndian.Uint64(buf[16:24]))),
		Detail:  binary.LittleEndian.Uint64(buf[24:32]),
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
	dropped atomic.Uint64
)

// OpenFile truncates filename and traces into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. The error is a warning: a previous writer was
// still open and has been discarded without being closed.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return fmt.Errorf("exittrace: already open, discarded old writer")
	}
	return nil
}

// Close stops tracing and closes the writer.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Enabled reports whether a trace is being written.
func Enabled() bool { return current.Load() != nil }

// Dropped returns the number of records lost to write errors.
func Dropped() uint64 { return dropped.Load() }

// Emit appends a record. It is a no-op when tracing is off.
func Emit(rec Record) {
	s := current.Load()
	if s == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	var buf [RecordSize]byte
	rec.encode(&buf)
	off := offset.Add(RecordSize) - RecordSize
	if _, err := s.w.WriteAt(buf[:], off); err != nil {
		dropped.Add(1)
	}
}

// Buffer is an in-memory Writer, mostly useful for tests.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the buffered trace.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

type SearchOptions struct {
	// The start and end timestamps to search within.
	Start time.Time
	End   time.Time

	// Only return records for the given CPUs.
	CPUs []uint32

	// Only return records with the given exit reasons.
	Reasons []uint64

	// Limit only returns the last N matching records.
	Limit int
}

// Reader gives indexed access to a trace.
type Reader struct {
	r     io.ReaderAt
	index map[uint32][]int64

	earliest int64
	latest   int64
	total    int
}

// NewReader indexes the trace in r of the given size. A trailing partial
// record, left by a writer that was killed mid-write, is ignored.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{r: r, index: make(map[uint32][]int64)}

	var buf [RecordSize]byte
	for off := int64(0); off+RecordSize <= size; off += RecordSize {
		if _, err := r.ReadAt(buf[:], off); err != nil {
			return nil, fmt.Errorf("exittrace: read record at %d: %w", off, err)
		}
		rec := decode(buf[:])
		ts := rec.Time.UnixNano()
		if ts == 0 {
			// reserved but never written
			continue
		}
		if ret.earliest == 0 || ts < ret.earliest {
			ret.earliest = ts
		}
		if ts > ret.latest {
			ret.latest = ts
		}
		ret.index[rec.CPU] = append(ret.index[rec.CPU], off)
		ret.total++
	}
	return ret, nil
}

// NewReaderFromFile opens and indexes filename.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("exittrace: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("exittrace: stat: %w", err)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// CPUs returns the traced CPU indices in ascending order.
func (r *Reader) CPUs() []uint32 {
	cpus := make([]uint32, 0, len(r.index))
	for cpu := range r.index {
		cpus = append(cpus, cpu)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	return cpus
}

func (r *Reader) Len() int { return r.total }

func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// Search calls fn for every matching record in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(rec Record) error) error {
	reasons := make(map[uint64]struct{}, len(opts.Reasons))
	for _, reason := range opts.Reasons {
		reasons[reason] = struct{}{}
	}

	cpus := opts.CPUs
	if len(cpus) == 0 {
		cpus = r.CPUs()
	}

	var matched []Record
	var buf [RecordSize]byte
	for _, cpu := range cpus {
		for _, off := range r.index[cpu] {
			if _, err := r.r.ReadAt(buf[:], off); err != nil {
				return fmt.Errorf("exittrace: read record at %d: %w", off, err)
			}
			rec := decode(buf[:])
			if !opts.Start.IsZero() && rec.Time.Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && rec.Time.After(opts.End) {
				continue
			}
			if len(reasons) > 0 {
				if _, ok := reasons[rec.Reason]; !ok {
					continue
				}
			}
			matched = append(matched, rec)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Time.Before(matched[j].Time)
	})
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[len(matched)-opts.Limit:]
	}

	for _, rec := range matched {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Histogram counts records per exit reason for one CPU, or for all CPUs
// when cpu is nil.
func (r *Reader) Histogram(cpu *uint32) (map[uint64]int, error) {
	opts := SearchOptions{}
	if cpu != nil {
		opts.CPUs = []uint32{*cpu}
	}
	counts := make(map[uint64]int)
	err := r.Search(opts, func(rec Record) error {
		counts[rec.Reason]++
		return nil
	})
	return counts, err
}
