package osdp

import (
	"bytes"
	"testing"
	"time"
)

func TestTraceCaptureAndSnapshotOrder(t *testing.T) {
	tr := NewTrace(10)
	tr.Capture(TraceEntry{Connection: "/dev/ttyUSB0", Raw: []byte{1}, Kind: KindPoll, Timestamp: time.Now()})
	tr.Capture(TraceEntry{Connection: "/dev/ttyUSB0", Raw: []byte{2}, Kind: KindAck, Timestamp: time.Now()})

	entries := tr.Snapshot(TraceFilter{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Raw[0] != 1 || entries[1].Raw[0] != 2 {
		t.Fatalf("expected oldest-first ordering, got %+v", entries)
	}
}

func TestTraceEvictsOldestWhenFull(t *testing.T) {
	tr := NewTrace(2)
	tr.Capture(TraceEntry{Raw: []byte{1}})
	tr.Capture(TraceEntry{Raw: []byte{2}})
	tr.Capture(TraceEntry{Raw: []byte{3}})

	entries := tr.Snapshot(TraceFilter{})
	if len(entries) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(entries))
	}
	if entries[0].Raw[0] != 2 || entries[1].Raw[0] != 3 {
		t.Fatalf("expected [2,3] after eviction, got %+v", entries)
	}
}

func TestTraceSnapshotFiltersPollAndAck(t *testing.T) {
	tr := NewTrace(10)
	tr.Capture(TraceEntry{Kind: KindPoll})
	tr.Capture(TraceEntry{Kind: KindAck})
	tr.Capture(TraceEntry{Kind: KindCardRead})

	entries := tr.Snapshot(TraceFilter{DropPoll: true, DropAck: true})
	if len(entries) != 1 || entries[0].Kind != KindCardRead {
		t.Fatalf("expected only the card-read entry, got %+v", entries)
	}
}

func TestTraceExportRoundTripsHeader(t *testing.T) {
	tr := NewTrace(10)
	tr.Capture(TraceEntry{Connection: "/dev/ttyUSB0", Raw: []byte{0xFF, 0x01}, Kind: KindPoll, Timestamp: time.Now()})

	var buf bytes.Buffer
	if err := tr.Export(&buf, "Front Door", TraceFilter{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty export")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("OSPC")) {
		t.Fatalf("expected export to start with OSPC magic, got %v", buf.Bytes()[:4])
	}
}
