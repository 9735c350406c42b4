package osdp

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// SecurityModeUpdateService is the external collaborator (§6) notified of
// a successful Install->Secure transition so the new key can be
// persisted. A failure here is logged and the session continues in Secure
// mode; UpdateSecurityMode is not called again for that key.
type SecurityModeUpdateService interface {
	UpdateSecurityMode(deviceID string, newMode SecurityMode, newKey []byte) bool
}

// sessionState is DeviceSession's position in its online/offline and
// secure-channel state machine.
type sessionState int

const (
	sessionCreated sessionState = iota
	sessionPolling
	sessionOnline
	sessionOffline
	sessionKeyInstalling
	sessionSecureTransition
)

const handshakeTimeout = 2 * time.Second

// DeviceSession is one PD's state machine: offline/online tracking,
// sequence counter, and secure-channel handshake/key-install
// orchestration. It implements MountedSession so a Bus can drive it.
type DeviceSession struct {
	config DeviceConfig
	sender Sender
	router *EventRouter
	pins   *PinCollector

	secUpdate SecurityModeUpdateService
	feedback  *FeedbackController
	metrics   *Metrics
	log       *slog.Logger

	mu    sync.Mutex
	state sessionState
	seq   uint8

	sc *SecureChannel

	lastActivity time.Time
}

// NewDeviceSession constructs a session bound to config. sc must be nil
// for ClearText devices; for Install or Secure mode it must be a fresh
// *SecureChannel over the appropriate base key (the default install key,
// or the device's stored key, respectively — the Manager decides which).
func NewDeviceSession(config DeviceConfig, sender Sender, router *EventRouter, pins *PinCollector, sc *SecureChannel, secUpdate SecurityModeUpdateService, feedback *FeedbackController, log *slog.Logger) *DeviceSession {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceSession{
		config:    config,
		sender:    sender,
		router:    router,
		pins:      pins,
		sc:        sc,
		secUpdate: secUpdate,
		feedback:  feedback,
		log:       log.With("reader", config.Name, "address", config.Address),
		state:     sessionCreated,
	}
}

// SetMetrics attaches a Metrics collector; nil disables observation.
func (d *DeviceSession) SetMetrics(m *Metrics) { d.metrics = m }

func (d *DeviceSession) Address() uint8 { return d.config.Address }

func (d *DeviceSession) PollIntervalHint() time.Duration { return d.config.PollInterval }

func (d *DeviceSession) SecureChannel() *SecureChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sc
}

// IsOnline reports the session's current online/offline posture for
// console and control-socket consumers.
func (d *DeviceSession) IsOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == sessionOnline || d.state == sessionKeyInstalling || d.state == sessionSecureTransition
}

func (d *DeviceSession) NextSequence() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.seq
	if d.seq == 0 {
		d.seq = 1
	} else {
		d.seq = (d.seq % 3) + 1
	}
	return s
}

func (d *DeviceSession) ResetSequence() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq = 0
	if d.sc != nil {
		d.sc.Reset()
	}
}

// OnOffline is invoked by the Bus once offline_threshold consecutive
// misses accumulate.
func (d *DeviceSession) OnOffline() {
	d.mu.Lock()
	wasOnline := d.state == sessionOnline || d.state == sessionKeyInstalling || d.state == sessionSecureTransition
	d.state = sessionOffline
	d.mu.Unlock()

	if d.feedback != nil {
		d.feedback.Stop()
	}
	if d.metrics != nil {
		d.metrics.ObserveOnline(d.config.Name, false)
	}
	if wasOnline {
		d.router.Status.Publish(StatusChanged{DeviceID: d.config.ID, Online: false, Timestamp: time.Now()})
	}
}

// OnOnline is invoked by the Bus on the first successful poll/reply,
// whether from Created or from a prior Offline. It resets the sequence
// counter and, for Install/Secure devices, kicks off the secure-channel
// handshake on its own goroutine so the bus polling loop is never
// blocked by it.
func (d *DeviceSession) OnOnline() {
	d.mu.Lock()
	wasOffline := d.state != sessionOnline
	d.state = sessionOnline
	mode := d.config.Mode
	d.mu.Unlock()

	if d.feedback != nil {
		d.feedback.Start()
	}
	if d.metrics != nil {
		d.metrics.ObserveOnline(d.config.Name, true)
	}
	if wasOffline {
		d.ResetSequence()
		d.router.Status.Publish(StatusChanged{DeviceID: d.config.ID, Online: true, Timestamp: time.Now()})
	}
	if wasOffline && mode != ClearText {
		go d.runHandshake()
	}
}

// runHandshake drives CHLNG -> CCRYPT and, for Install mode, the
// subsequent KEYSET exchange. A CHLNG/CCRYPT failure falls back to
// ClearText: the session stays Online but sc is left un-Established, so
// EncodeFrame never wraps outgoing frames. A KEYSET failure leaves the
// install-key channel established and the mode at Install.
func (d *DeviceSession) runHandshake() {
	d.mu.Lock()
	sc := d.sc
	mode := d.config.Mode
	d.mu.Unlock()
	if sc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	chlng, err := sc.BeginHandshake()
	if err != nil {
		d.log.Warn("handshake failed to start", "error", err)
		return
	}
	reply, err := d.sender.Send(ctx, d.config.Address, CmdChlng, chlng)
	if err != nil {
		d.log.Warn("CHLNG send failed, falling back to clear text", "error", err)
		sc.Reset()
		return
	}
	if err := sc.CompleteHandshake(reply); err != nil {
		d.log.Warn("secure channel handshake rejected, falling back to clear text", "error", err)
		sc.Reset()
		return
	}

	if mode != Install {
		return
	}

	d.mu.Lock()
	d.state = sessionKeyInstalling
	d.mu.Unlock()

	newKey := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		d.log.Error("failed to generate installation key", "error", err)
		return
	}
	payload := append([]byte{byte(len(newKey))}, newKey...)
	if _, err := d.sender.Send(ctx, d.config.Address, CmdKeyset, payload); err != nil {
		d.log.Warn("KEYSET rejected, remaining in Install mode", "error", err)
		d.mu.Lock()
		d.state = sessionOnline
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.state = sessionSecureTransition
	d.config.Mode = Secure
	d.config.Key = newKey
	d.mu.Unlock()

	if d.secUpdate != nil && !d.secUpdate.UpdateSecurityMode(d.config.ID, Secure, newKey) {
		d.log.Warn("security mode persistence rejected")
	}

	d.router.SecurityChanges.Publish(SecurityModeChange{
		DeviceID:  d.config.ID,
		NewMode:   Secure,
		NewKey:    newKey,
		Timestamp: time.Now(),
	})

	// Re-key the running channel to the freshly installed key and redo the
	// handshake so subsequent frames are wrapped under it.
	fresh, err := NewSecureChannel(newKey)
	if err != nil {
		d.log.Error("failed to rekey secure channel", "error", err)
		return
	}
	d.mu.Lock()
	d.sc = fresh
	d.state = sessionOnline
	d.mu.Unlock()
	d.runHandshake()
}

// OnFrame dispatches an unsolicited reply (card read, keypad digit)
// decoded by the Bus. Replies to explicit Sends (ACK/NAK/CCRYPT) are
// observed here too but produce no additional side effect beyond
// updating lastActivity; their outcome is handled by the goroutine that
// issued the Send.
func (d *DeviceSession) OnFrame(f *Frame) {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()

	switch f.Command {
	case ReplyRaw:
		d.handleCardRead(f.Payload)
	case ReplyKeypad:
		d.handleKeypad(f.Payload)
	}
}

// handleCardRead expects payload [readerNum, formatTag, bitLenLSB,
// bitLenMSB, bits...].
func (d *DeviceSession) handleCardRead(payload []byte) {
	if len(payload) < 4 {
		d.log.Debug("short RAW payload, dropping", "length", len(payload))
		return
	}
	formatTag := fmt.Sprintf("%d", payload[1])
	bitLength := int(payload[2]) | int(payload[3])<<8
	bits := extractBitString(payload[4:], bitLength)
	d.router.CardReads.Publish(CardReadEvent{
		ReaderID:   d.config.ID,
		ReaderName: d.config.Name,
		CardNumber: bitsToDecimal(bits),
		BitLength:  bitLength,
		FormatTag:  formatTag,
		Timestamp:  time.Now(),
		RawBits:    bits,
	})
}

// handleKeypad expects payload [readerNum, digitCount, digits...].
func (d *DeviceSession) handleKeypad(payload []byte) {
	if len(payload) < 2 {
		d.log.Debug("short KEYPAD payload, dropping", "length", len(payload))
		return
	}
	count := int(payload[1])
	digits := payload[2:]
	if count > len(digits) {
		count = len(digits)
	}
	for i := 0; i < count; i++ {
		d.pins.Digit(d.config.ID, d.config.Name, digits[i])
	}
}

// SendFeedback proxies to the session's FeedbackController, if any.
func (d *DeviceSession) SendFeedback(ctx context.Context, fb Feedback) error {
	if d.feedback == nil {
		return nil
	}
	return d.feedback.SendFeedback(ctx, fb)
}
