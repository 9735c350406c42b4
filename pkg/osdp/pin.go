package osdp

import (
	"sync"
	"time"
)

const (
	defaultInterDigitTimeout = 5 * time.Second
	defaultMaxTotalTime      = 30 * time.Second
	defaultMaxPinLength      = 16
)

type pinState struct {
	buffer      []byte
	startedAt   time.Time
	seq         int
	interTimer  *time.Timer
	totalTimer  *time.Timer
}

// PinCollector aggregates keypad digits per reader into completed PINs
//. State is keyed by reader UUID; readers collect
// independently and each digit's handling is short and non-blocking.
type PinCollector struct {
	mu sync.Mutex

	interDigitTimeout time.Duration
	maxTotalTime      time.Duration
	maxLength         int
	now               func() time.Time

	readers map[string]*pinState

	emitDigit    func(PinDigitEvent)
	emitComplete func(PinReadEvent)
}

// PinCollectorOption configures a PinCollector's timing defaults.
type PinCollectorOption func(*PinCollector)

func WithInterDigitTimeout(d time.Duration) PinCollectorOption {
	return func(c *PinCollector) { c.interDigitTimeout = d }
}

func WithMaxTotalTime(d time.Duration) PinCollectorOption {
	return func(c *PinCollector) { c.maxTotalTime = d }
}

func WithMaxPinLength(n int) PinCollectorOption {
	return func(c *PinCollector) { c.maxLength = n }
}

func WithClock(now func() time.Time) PinCollectorOption {
	return func(c *PinCollector) { c.now = now }
}

// NewPinCollector constructs a collector that calls emitDigit for every
// mapped keystroke and emitComplete whenever a collection finishes.
func NewPinCollector(emitDigit func(PinDigitEvent), emitComplete func(PinReadEvent), opts ...PinCollectorOption) *PinCollector {
	c := &PinCollector{
		interDigitTimeout: defaultInterDigitTimeout,
		maxTotalTime:      defaultMaxTotalTime,
		maxLength:         defaultMaxPinLength,
		now:               time.Now,
		readers:           make(map[string]*pinState),
		emitDigit:         emitDigit,
		emitComplete:      emitComplete,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Digit feeds one raw keypad byte for readerID through the collector's
// per-reader aggregation state machine.
func (c *PinCollector) Digit(readerID, readerName string, raw byte) {
	ch := mapPinByte(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ch {
	case '*':
		c.clearLocked(readerID)
		return
	case '#':
		st := c.readers[readerID]
		if st == nil {
			// '#' with no active collection: nothing to complete.
			return
		}
		c.finishLocked(readerID, readerName, st, PoundKey)
		return
	}

	if ch < '0' || ch > '9' {
		return // non-digit, non-terminator, non-clear bytes are ignored
	}

	st := c.readers[readerID]
	if st == nil {
		st = c.newStateLocked(readerID, readerName)
		c.readers[readerID] = st
	}

	seq := st.seq + 1
	st.seq = seq
	st.buffer = append(st.buffer, ch)

	now := c.now()
	c.emitDigit(PinDigitEvent{
		ReaderID:   readerID,
		ReaderName: readerName,
		Character:  ch,
		Timestamp:  now,
		Sequence:   seq,
	})

	if st.interTimer != nil {
		st.interTimer.Stop()
	}
	st.interTimer = time.AfterFunc(c.interDigitTimeout, func() {
		c.completeByTimeout(readerID, readerName)
	})

	if len(st.buffer) >= c.maxLength {
		c.finishLocked(readerID, readerName, st, MaxLength)
	}
}

func (c *PinCollector) newStateLocked(readerID, readerName string) *pinState {
	st := &pinState{startedAt: c.now()}
	st.totalTimer = time.AfterFunc(c.maxTotalTime, func() {
		c.completeByTimeout(readerID, readerName)
	})
	return st
}

func (c *PinCollector) completeByTimeout(readerID, readerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.readers[readerID]
	if st == nil {
		return
	}
	c.finishLocked(readerID, readerName, st, Timeout)
}

// finishLocked must be called with c.mu held; it stops timers, emits the
// completion event, and returns the reader to Inactive.
func (c *PinCollector) finishLocked(readerID, readerName string, st *pinState, reason PinCompletionReason) {
	c.stopTimers(st)
	delete(c.readers, readerID)
	c.emitComplete(PinReadEvent{
		ReaderID:   readerID,
		ReaderName: readerName,
		Pin:        string(st.buffer),
		Reason:     reason,
		Timestamp:  c.now(),
	})
}

func (c *PinCollector) clearLocked(readerID string) {
	st := c.readers[readerID]
	if st == nil {
		return
	}
	c.stopTimers(st)
	delete(c.readers, readerID)
}

func (c *PinCollector) stopTimers(st *pinState) {
	if st.interTimer != nil {
		st.interTimer.Stop()
	}
	if st.totalTimer != nil {
		st.totalTimer.Stop()
	}
}

// Active reports whether readerID currently has an in-progress
// collection, for diagnostics and tests.
func (c *PinCollector) Active(readerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.readers[readerID]
	return ok
}
