package osdp

import (
	"testing"
	"time"
)

func newTestCollector(clock *fakeClock) (*PinCollector, *[]PinDigitEvent, *[]PinReadEvent) {
	var digits []PinDigitEvent
	var reads []PinReadEvent
	c := NewPinCollector(
		func(e PinDigitEvent) { digits = append(digits, e) },
		func(e PinReadEvent) { reads = append(reads, e) },
		WithClock(clock.now),
		WithInterDigitTimeout(50*time.Millisecond),
		WithMaxTotalTime(time.Second),
	)
	return c, &digits, &reads
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestPinCollectorCompletesOnPound(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c, digits, reads := newTestCollector(clock)

	c.Digit("r1", "Front", '1')
	c.Digit("r1", "Front", '2')
	c.Digit("r1", "Front", '3')
	c.Digit("r1", "Front", 0x0D) // '#'

	if len(*digits) != 3 {
		t.Fatalf("expected 3 digit events, got %d", len(*digits))
	}
	if len(*reads) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(*reads))
	}
	if (*reads)[0].Pin != "123" || (*reads)[0].Reason != PoundKey {
		t.Fatalf("unexpected completion: %+v", (*reads)[0])
	}
	if c.Active("r1") {
		t.Fatal("expected reader to be inactive after completion")
	}
}

func TestPinCollectorClearsOnStar(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c, _, reads := newTestCollector(clock)

	c.Digit("r1", "Front", '1')
	c.Digit("r1", "Front", 0x7F) // '*'
	if c.Active("r1") {
		t.Fatal("expected clear to end the collection")
	}
	if len(*reads) != 0 {
		t.Fatalf("expected no completion event from a clear, got %d", len(*reads))
	}
}

func TestPinCollectorMaxLengthCompletes(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	var reads []PinReadEvent
	c := NewPinCollector(
		func(PinDigitEvent) {},
		func(e PinReadEvent) { reads = append(reads, e) },
		WithClock(clock.now),
		WithMaxPinLength(4),
	)
	for _, d := range []byte{'1', '2', '3', '4'} {
		c.Digit("r1", "Front", d)
	}
	if len(reads) != 1 || reads[0].Reason != MaxLength {
		t.Fatalf("expected a MaxLength completion, got %+v", reads)
	}
}

func TestPinCollectorIgnoresUnknownReaderPound(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c, _, reads := newTestCollector(clock)
	c.Digit("unknown", "Ghost", 0x0D)
	if len(*reads) != 0 {
		t.Fatalf("expected no completion for an idle reader, got %d", len(*reads))
	}
}

func TestPinCollectorTimesOutBetweenDigits(t *testing.T) {
	var reads []PinReadEvent
	done := make(chan struct{})
	c := NewPinCollector(
		func(PinDigitEvent) {},
		func(e PinReadEvent) { reads = append(reads, e); close(done) },
		WithInterDigitTimeout(10*time.Millisecond),
	)
	c.Digit("r1", "Front", '5')
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected inter-digit timeout to fire")
	}
	if len(reads) != 1 || reads[0].Reason != Timeout {
		t.Fatalf("expected a Timeout completion, got %+v", reads)
	}
}
