package osdp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultReplyTimeout    = 200 * time.Millisecond
	defaultRoundTripFloor  = 100 * time.Millisecond
	defaultOfflineThresh   = 3
	transportBackoffFloor  = 100 * time.Millisecond
	transportBackoffCeil   = time.Second
	unmountDrainGrace      = 500 * time.Millisecond
)

// MountedSession is the subset of DeviceSession a Bus needs to drive
// polling and dispatch. DeviceSession implements this; tests may
// supply a fake.
type MountedSession interface {
	Address() uint8
	PollIntervalHint() time.Duration
	SecureChannel() *SecureChannel
	NextSequence() uint8
	ResetSequence()
	OnFrame(f *Frame)
	OnOffline()
	OnOnline()
}

type sendRequest struct {
	ctx     context.Context
	address uint8
	command byte
	payload []byte
	result  chan sendResult
}

type sendResult struct {
	payload []byte
	err     error
}

type mountedEntry struct {
	session MountedSession
	missed  int
	online  bool
}

// Bus owns one serial transport and the single cooperative polling loop
// for every device mounted on it. All I/O on the
// transport happens exclusively from Run's goroutine.
type Bus struct {
	Connection string
	Baud       BaudRate

	transport Transport
	trace     *Trace
	metrics   *Metrics
	log       *slog.Logger

	replyTimeout   time.Duration
	roundTripFloor time.Duration
	offlineThresh  int

	mu       sync.Mutex
	mounted  map[uint8]*mountedEntry
	schedule []uint8
	cursor   int

	sendCh   chan *sendRequest
	frames   chan frameResult
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// frameResult is one frame (or read failure) handed from the bus's single
// read pump goroutine to Run.
type frameResult struct {
	data []byte
	err  error
}

// NewBus constructs a Bus over an already-open transport. trace may be
// nil to disable capture for this bus.
func NewBus(connection string, baud BaudRate, transport Transport, trace *Trace, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		Connection:     connection,
		Baud:           baud,
		transport:      transport,
		trace:          trace,
		log:            log.With("connection", connection),
		replyTimeout:   defaultReplyTimeout,
		roundTripFloor: defaultRoundTripFloor,
		offlineThresh:  defaultOfflineThresh,
		mounted:        make(map[uint8]*mountedEntry),
		sendCh:         make(chan *sendRequest, 8),
		frames:         make(chan frameResult, 1),
		closed:         make(chan struct{}),
	}
}

// SetMetrics attaches a Metrics collector; nil disables observation.
func (b *Bus) SetMetrics(m *Metrics) { b.metrics = m }

// Mount adds address to the polling schedule, idempotently.
func (b *Bus) Mount(address uint8, session MountedSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.mounted[address]; exists {
		return
	}
	b.mounted[address] = &mountedEntry{session: session}
	b.schedule = append(b.schedule, address)
}

// Unmount removes address from the schedule after letting any in-flight
// reply drain.
func (b *Bus) Unmount(address uint8) {
	b.mu.Lock()
	if _, exists := b.mounted[address]; !exists {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	time.Sleep(unmountDrainGrace)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mounted, address)
	for i, a := range b.schedule {
		if a == address {
			b.schedule = append(b.schedule[:i], b.schedule[i+1:]...)
			break
		}
	}
}

// Send implements Sender: it enqueues command as the next outgoing slot
// for address, preempting the next scheduled Poll, and blocks until the
// matching reply is decoded, ctx is cancelled, or replyTimeout elapses.
func (b *Bus) Send(ctx context.Context, address uint8, command byte, payload []byte) ([]byte, error) {
	select {
	case <-b.closed:
		return nil, &TransportError{Connection: b.Connection, Op: "send", Cause: ErrTransportClosed}
	default:
	}

	b.mu.Lock()
	_, mounted := b.mounted[address]
	b.mu.Unlock()
	if !mounted {
		return nil, fmt.Errorf("osdp: address %d not mounted on %s: %w", address, b.Connection, ErrDeviceOffline)
	}

	req := &sendRequest{ctx: ctx, address: address, command: command, payload: payload, result: make(chan sendResult, 1)}
	select {
	case b.sendCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, &TransportError{Connection: b.Connection, Op: "send", Cause: ErrTransportClosed}
	}

	select {
	case res := <-req.result:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, &TransportError{Connection: b.Connection, Op: "send", Cause: ErrTransportClosed}
	}
}

// Shutdown closes the transport; all pending and future sends fail with
// ErrTransportClosed. Idempotent.
func (b *Bus) Shutdown() {
	b.once.Do(func() {
		close(b.closed)
		b.transport.Close()
	})
}

// Run drives the poll/reply cycle until ctx is cancelled or Shutdown is
// called. It is meant to be run on its own goroutine, one per bus:
// exactly one logical task owns this bus's transport.
func (b *Bus) Run(ctx context.Context) error {
	reader := bufio.NewReaderSize(b.transport, maxFrameLength)
	go b.pumpFrames(ctx, reader)
	backoff := transportBackoffFloor

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		default:
		}

		addr, entry, ok := b.nextScheduled()
		if !ok {
			time.Sleep(b.roundTripFloor)
			continue
		}

		req := b.takePending(addr)
		command := CmdPoll
		var payload []byte
		if req != nil {
			command = req.command
			payload = req.payload
		}

		sc := entry.session.SecureChannel()
		seq := entry.session.NextSequence()
		frame, err := EncodeFrame(Outgoing, addr, seq, true, command, payload, sc)
		if err != nil {
			b.completeSend(req, nil, err)
			b.advance()
			continue
		}

		if _, werr := b.transport.Write(frame); werr != nil {
			b.log.Warn("transport write failed", "address", addr, "error", werr)
			b.completeSend(req, nil, &TransportError{Connection: b.Connection, Op: "write", Cause: werr})
			b.recordMiss(addr)
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, transportBackoffCeil)
			b.advance()
			continue
		}
		backoff = transportBackoffFloor
		b.captureTrace(addr, Outgoing, frame, command, false)

		reply, rerr := b.waitFrame(b.replyTimeout)
		if rerr != nil {
			b.completeSend(req, nil, rerr)
			b.recordMiss(addr)
			b.advance()
			continue
		}

		decoded, derr := DecodeFrame(reply, sc)
		if derr != nil {
			b.completeSend(req, nil, derr)
			b.recordMiss(addr)
			b.advance()
			continue
		}
		b.captureTrace(addr, Incoming, reply, decoded.Command, decoded.Reply)

		if decoded.Address != addr&0x7F {
			b.completeSend(req, nil, &ProtocolError{Address: addr, Reason: "address-mismatch"})
			b.recordMiss(addr)
			b.advance()
			continue
		}
		if decoded.Sequence != seq {
			entry.session.ResetSequence()
			b.completeSend(req, nil, &ProtocolError{Address: addr, Reason: "sequence-mismatch"})
			b.recordMiss(addr)
			b.advance()
			continue
		}

		b.recordSuccess(addr)
		entry.session.OnFrame(decoded)
		if req != nil && decoded.Command == ReplyNak {
			b.completeSend(req, decoded.Payload, &ProtocolError{Address: addr, Reason: "nak"})
		} else {
			b.completeSend(req, decoded.Payload, nil)
		}
		b.advance()
	}
}

func (b *Bus) nextScheduled() (uint8, *mountedEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.schedule) == 0 {
		return 0, nil, false
	}
	if b.cursor >= len(b.schedule) {
		b.cursor = 0
	}
	addr := b.schedule[b.cursor]
	entry := b.mounted[addr]
	return addr, entry, entry != nil
}

func (b *Bus) advance() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.schedule) == 0 {
		return
	}
	b.cursor = (b.cursor + 1) % len(b.schedule)
}

func (b *Bus) takePending(address uint8) *sendRequest {
	select {
	case req := <-b.sendCh:
		if req.address == address {
			return req
		}
		// Not for this slot; requeue and fall through to a Poll this cycle.
		go func() { b.sendCh <- req }()
		return nil
	default:
		return nil
	}
}

func (b *Bus) completeSend(req *sendRequest, payload []byte, err error) {
	if req == nil {
		return
	}
	req.result <- sendResult{payload: payload, err: err}
}

func (b *Bus) recordMiss(address uint8) {
	b.mu.Lock()
	entry := b.mounted[address]
	if entry == nil {
		b.mu.Unlock()
		return
	}
	entry.missed++
	wasOnline := entry.online
	goOffline := entry.missed >= b.offlineThresh && wasOnline
	if goOffline {
		entry.online = false
	}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ObserveMissedReply(b.Connection)
	}
	if goOffline {
		entry.session.OnOffline()
	}
}

func (b *Bus) recordSuccess(address uint8) {
	b.mu.Lock()
	entry := b.mounted[address]
	if entry == nil {
		b.mu.Unlock()
		return
	}
	entry.missed = 0
	wasOnline := entry.online
	entry.online = true
	b.mu.Unlock()
	if !wasOnline {
		entry.session.OnOnline()
	}
}

func (b *Bus) captureTrace(address uint8, dir Direction, raw []byte, command byte, reply bool) {
	if b.trace == nil {
		return
	}
	addr := address
	kind := Classify(&Frame{Command: command, Reply: reply})
	dir = b.frameDirection(raw, dir)
	b.trace.Capture(TraceEntry{
		Connection: b.Connection,
		Address:    &addr,
		Direction:  dir,
		Timestamp:  time.Now(),
		Raw:        append([]byte{}, raw...),
		Kind:       kind,
	})
	if b.metrics != nil {
		b.metrics.ObserveTraceLen(b.Connection, b.trace.Len())
	}
}

// frameDirection resolves the direction a trace entry is stamped with.
// It prefers the transport's own DirectionTagger, when the transport
// implements it and has an opinion; otherwise it falls back to the
// decoded frame's ADDR bit 7 (set on every reply, per §4.1), and only
// falls back to the statically-known call-site direction if raw is too
// short to carry an ADDR byte at all.
func (b *Bus) frameDirection(raw []byte, fallback Direction) Direction {
	if tagger, ok := b.transport.(DirectionTagger); ok {
		if tagged, ok := tagger.LastDirection(); ok {
			return tagged
		}
	}
	if len(raw) < 2 {
		return fallback
	}
	if raw[1]&0x80 != 0 {
		return Incoming
	}
	return Outgoing
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// pumpFrames is the bus's single, long-lived reader of its transport. It
// is started once from Run and owns r exclusively for Run's entire
// lifetime: no other goroutine ever touches r, so a reply that arrives
// after replyTimeout has already given up on it is still read in full
// (never leaving a blocked, abandoned goroutine racing the next read)
// and simply queued on b.frames for the next waitFrame call to pick up.
// After a transport read error it backs off (transportBackoffFloor,
// doubling up to transportBackoffCeil) and reads again. It exits once
// ctx or b.closed fire.
func (b *Bus) pumpFrames(ctx context.Context, r *bufio.Reader) {
	backoff := transportBackoffFloor
	for {
		data, err := readOneFrame(r)
		select {
		case b.frames <- frameResult{data: data, err: err}:
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		}
		if _, failed := err.(*TransportError); failed {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
			backoff = minDuration(backoff*2, transportBackoffCeil)
			continue
		}
		backoff = transportBackoffFloor
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		default:
		}
	}
}

// readOneFrame reads one complete OSDP frame from r. A malformed framing
// byte or declared length is a FrameError (non-fatal: the caller resyncs
// on the next SOM); an I/O failure on r itself is a TransportError
// (pumpFrames backs off and reads again).
func readOneFrame(r *bufio.Reader) ([]byte, error) {
	som, err := r.ReadByte()
	if err != nil {
		return nil, &TransportError{Op: "read", Cause: err}
	}
	if som != 0xFF {
		return nil, &FrameError{Reason: "som-missing"}
	}
	header := make([]byte, headerLen-1)
	if _, err := ioReadFull(r, header); err != nil {
		return nil, &TransportError{Op: "read", Cause: err}
	}
	length := int(header[1]) | int(header[2])<<8
	if length < headerLen || length > maxFrameLength+headerLen+2 {
		return nil, &FrameError{Reason: "length-mismatch", Cause: fmt.Errorf("declared length %d", length)}
	}
	rest := make([]byte, length-headerLen)
	if _, err := ioReadFull(r, rest); err != nil {
		return nil, &TransportError{Op: "read", Cause: err}
	}
	buf := make([]byte, 0, length)
	buf = append(buf, som)
	buf = append(buf, header...)
	buf = append(buf, rest...)
	return buf, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// waitFrame waits up to timeout for the next frame the read pump hands
// off. A timeout here means no reply arrived in time, not that the read
// itself is abandoned; the pump keeps running and the eventual reply (or
// whatever the PD sends next) is queued for the following call.
func (b *Bus) waitFrame(timeout time.Duration) ([]byte, error) {
	select {
	case res := <-b.frames:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, &TransportError{Op: "read", Cause: ErrSendTimeout}
	}
}
