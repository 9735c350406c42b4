package osdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// TraceEntry is one captured frame, attributed to a connection and
// (when determinable) a device address.
type TraceEntry struct {
	Connection string
	Address    *uint8
	Direction  Direction
	Timestamp  time.Time
	Raw        []byte
	Kind       FrameKind
}

// TraceFilter narrows a snapshot read; filters are never applied during
// capture.
type TraceFilter struct {
	DropPoll bool
	DropAck  bool
}

func (f TraceFilter) keep(e TraceEntry) bool {
	if f.DropPoll && e.Kind == KindPoll {
		return false
	}
	if f.DropAck && e.Kind == KindAck {
		return false
	}
	return true
}

// Trace is a bounded, FIFO-eviction ring buffer of TraceEntry, shared by
// every Bus that has tracing enabled (single-producer-per-bus,
// multi-consumer-snapshot).
type Trace struct {
	mu       sync.Mutex
	entries  []TraceEntry
	capacity int
	start    int // index of oldest entry
	count    int
	seq      uint64
}

// DefaultTraceCapacity is the ring's default entry count.
const DefaultTraceCapacity = 10000

// NewTrace constructs a ring buffer holding up to capacity entries. A
// non-positive capacity falls back to DefaultTraceCapacity.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &Trace{entries: make([]TraceEntry, capacity), capacity: capacity}
}

// Capture appends one entry, evicting the oldest when the ring is full.
// It never blocks and never filters — filtering happens only on read.
func (t *Trace) Capture(e TraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if t.count < t.capacity {
		idx := (t.start + t.count) % t.capacity
		t.entries[idx] = e
		t.count++
		return
	}
	t.entries[t.start] = e
	t.start = (t.start + 1) % t.capacity
}

// Len reports the number of entries currently retained.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Snapshot returns a read-only copy of every retained entry, oldest
// first, with filter applied on read only.
func (t *Trace) Snapshot(filter TraceFilter) []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, 0, t.count)
	for i := 0; i < t.count; i++ {
		e := t.entries[(t.start+i)%t.capacity]
		if filter.keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// traceMagic and traceVersion identify the OSDPCAP-compatible export
// container.
var traceMagic = [4]byte{'O', 'S', 'P', 'C'}

const traceVersion uint16 = 1

// Export writes every retained entry (oldest first, filter applied) to w
// in the OSDPCAP-compatible container: a header (magic, version, capture
// start/end, device name) followed by length-prefixed entries. The
// container uses encoding/binary directly — it is a fixed custom layout,
// not a general object-serialization problem, so no third-party codec
// earns its keep here (see DESIGN.md).
func (t *Trace) Export(w io.Writer, deviceName string, filter TraceFilter) error {
	entries := t.Snapshot(filter)

	var start, end time.Time
	if len(entries) > 0 {
		start = entries[0].Timestamp
		end = entries[len(entries)-1].Timestamp
	}

	if err := binary.Write(w, binary.BigEndian, traceMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, traceVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, start.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, end.UnixNano()); err != nil {
		return err
	}
	nameBytes := []byte(deviceName)
	if len(nameBytes) > 0xFFFF {
		return fmt.Errorf("osdp: device name too long for export header")
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(nameBytes))); err != nil {
		return err
	}
	if _, err := w.Write(nameBytes); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeTraceEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeTraceEntry(w io.Writer, e TraceEntry) error {
	var buf bytes.Buffer

	conn := []byte(e.Connection)
	binary.Write(&buf, binary.BigEndian, uint16(len(conn)))
	buf.Write(conn)

	var hasAddr byte
	var addr byte
	if e.Address != nil {
		hasAddr = 1
		addr = *e.Address
	}
	buf.WriteByte(hasAddr)
	buf.WriteByte(addr)

	buf.WriteByte(byte(e.Direction))
	binary.Write(&buf, binary.BigEndian, e.Timestamp.UnixNano())
	buf.WriteByte(byte(e.Kind))
	binary.Write(&buf, binary.BigEndian, uint32(len(e.Raw)))
	buf.Write(e.Raw)

	if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
