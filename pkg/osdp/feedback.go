package osdp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatFlashMs  = 400
	buzzerOnOffMs     = 200
)

// FeedbackConfigurationService is the external collaborator (§6) that
// supplies idle LED colors and default success/failure feedback. A
// failure here always falls back to Black/Black — a no-op heartbeat
// flash — never to an error surfaced to the caller.
type FeedbackConfigurationService interface {
	GetIdleState() (IdleState, error)
	GetDefaultFeedback() (DefaultFeedback, error)
}

// FeedbackController drives one reader's LED/buzzer affordances and idle
// heartbeat cadence. One controller exists per DeviceSession; all its
// Sends are serialized onto the owning Bus.
type FeedbackController struct {
	address uint8
	reader  string
	sender  Sender
	config  FeedbackConfigurationService
	log     *slog.Logger
	clock   func() time.Time

	mu         sync.Mutex
	online     bool
	pauseUntil time.Time
	heartbeat  *time.Timer
}

// NewFeedbackController constructs a controller for one device. config
// may be nil, in which case idle colors default to Black/Black.
func NewFeedbackController(address uint8, reader string, sender Sender, config FeedbackConfigurationService, log *slog.Logger) *FeedbackController {
	if log == nil {
		log = slog.Default()
	}
	return &FeedbackController{
		address: address,
		reader:  reader,
		sender:  sender,
		config:  config,
		log:     log.With("reader", reader, "address", address),
		clock:   time.Now,
	}
}

// Start begins the idle heartbeat cadence; it is idempotent.
func (f *FeedbackController) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online {
		return
	}
	f.online = true
	f.scheduleHeartbeatLocked(heartbeatInterval)
}

// Stop halts the heartbeat cadence, e.g. on an Offline transition or
// disconnect.
func (f *FeedbackController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = false
	if f.heartbeat != nil {
		f.heartbeat.Stop()
		f.heartbeat = nil
	}
}

func (f *FeedbackController) scheduleHeartbeatLocked(d time.Duration) {
	if f.heartbeat != nil {
		f.heartbeat.Stop()
	}
	f.heartbeat = time.AfterFunc(d, f.fireHeartbeat)
}

func (f *FeedbackController) fireHeartbeat() {
	f.mu.Lock()
	if !f.online {
		f.mu.Unlock()
		return
	}
	now := f.clock()
	if now.Before(f.pauseUntil) {
		wait := f.pauseUntil.Sub(now)
		f.scheduleHeartbeatLocked(wait)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	idle := f.idleState()
	payload := []byte{0, byte(idle.HeartbeatColor), heartbeatFlashMs / 100, byte(idle.PermanentColor)}
	if _, err := f.sender.Send(context.Background(), f.address, CmdLED, payload); err != nil {
		f.log.Debug("heartbeat LED send failed", "error", err)
	}

	f.mu.Lock()
	if f.online {
		f.scheduleHeartbeatLocked(heartbeatInterval)
	}
	f.mu.Unlock()
}

// SendFeedback sends the LED and/or buzzer commands for fb, pausing the
// idle heartbeat for fb.LEDDurationS seconds. Each command waits for the
// device's reply (or the bus's reply timeout) before the next is sent, so
// the caller is blocked until all of them have completed.
func (f *FeedbackController) SendFeedback(ctx context.Context, fb Feedback) error {
	idle := f.idleState()

	if fb.LEDColor != nil {
		tempTimer := fb.LEDDurationS * 10 // 100ms units
		if tempTimer > 0xFF {
			tempTimer = 0xFF
		}
		payload := []byte{0, byte(*fb.LEDColor), byte(tempTimer), byte(idle.PermanentColor)}
		if _, err := f.sender.Send(ctx, f.address, CmdLED, payload); err != nil {
			return err
		}
	}
	if fb.BeepCount > 0 {
		count := fb.BeepCount
		if count > 0xFF {
			count = 0xFF
		}
		payload := []byte{0, byte(count), buzzerOnOffMs / 100, buzzerOnOffMs / 100}
		if _, err := f.sender.Send(ctx, f.address, CmdBuz, payload); err != nil {
			return err
		}
	}
	if fb.DisplayMessage != "" {
		// Best-effort; not every reader honors TEXT.
		if _, err := f.sender.Send(ctx, f.address, CmdText, []byte(fb.DisplayMessage)); err != nil {
			f.log.Debug("display message not honored", "error", err)
		}
	}

	if fb.LEDDurationS > 0 {
		f.pauseFor(time.Duration(fb.LEDDurationS) * time.Second)
	}
	return nil
}

func (f *FeedbackController) pauseFor(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until := f.clock().Add(d)
	if until.After(f.pauseUntil) {
		f.pauseUntil = until
	}
	if f.online {
		f.scheduleHeartbeatLocked(d)
	}
}

func (f *FeedbackController) idleState() IdleState {
	if f.config == nil {
		return IdleState{PermanentColor: Black, HeartbeatColor: Black}
	}
	st, err := f.config.GetIdleState()
	if err != nil {
		f.log.Warn("feedback configuration unavailable, falling back to Black/Black", "error", err)
		return IdleState{PermanentColor: Black, HeartbeatColor: Black}
	}
	return st
}
