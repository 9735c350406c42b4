package osdp

import (
	"context"
	"testing"
	"time"
)

func newTestSession(t *testing.T, sender Sender) (*DeviceSession, *EventRouter) {
	t.Helper()
	router := NewEventRouter(4)
	pins := NewPinCollector(
		func(e PinDigitEvent) { router.PinDigits.Publish(e) },
		func(e PinReadEvent) { router.PinReads.Publish(e) },
	)
	config := DeviceConfig{ID: "r1", Name: "Front Door", Address: 3, ConnectionString: "/dev/ttyUSB0", Baud: Baud9600, Mode: ClearText, PollInterval: time.Second}
	session := NewDeviceSession(config, sender, router, pins, nil, nil, nil, nil)
	return session, router
}

func TestSequenceResetIdempotence(t *testing.T) {
	session, _ := newTestSession(t, &recordingSender{})

	if got := session.NextSequence(); got != 0 {
		t.Fatalf("first sequence should be 0, got %d", got)
	}
	if got := session.NextSequence(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := session.NextSequence(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := session.NextSequence(); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := session.NextSequence(); got != 1 {
		t.Fatalf("expected cycle back to 1, got %d", got)
	}

	session.ResetSequence()
	if got := session.NextSequence(); got != 0 {
		t.Fatalf("after reset, expected 0 again, got %d", got)
	}
}

func TestOnOnlineOnOfflinePublishesStatus(t *testing.T) {
	session, router := newTestSession(t, &recordingSender{})
	statusCh, unsub := router.Status.Subscribe()
	defer unsub()

	session.OnOnline()
	if !session.IsOnline() {
		t.Fatal("expected session to be online")
	}
	st := <-statusCh
	if !st.Online || st.DeviceID != "r1" {
		t.Fatalf("unexpected status event: %+v", st)
	}

	session.OnOffline()
	if session.IsOnline() {
		t.Fatal("expected session to be offline")
	}
	st = <-statusCh
	if st.Online {
		t.Fatalf("expected offline status event, got %+v", st)
	}
}

func TestOnOnlineIsIdempotentForStatusEvents(t *testing.T) {
	session, router := newTestSession(t, &recordingSender{})
	statusCh, unsub := router.Status.Subscribe()
	defer unsub()

	session.OnOnline()
	<-statusCh
	session.OnOnline() // already online: must not publish again

	select {
	case st := <-statusCh:
		t.Fatalf("expected no second status event, got %+v", st)
	default:
	}
}

func TestOnFrameCardReadPublishesEvent(t *testing.T) {
	session, router := newTestSession(t, &recordingSender{})
	cardCh, unsub := router.CardReads.Subscribe()
	defer unsub()

	payload := []byte{0, 1, 4, 0, 0b10100000} // readerNum, formatTag, bitLen=4, bits
	session.OnFrame(&Frame{Command: ReplyRaw, Payload: payload})

	ev := <-cardCh
	if ev.BitLength != 4 || ev.CardNumber != "10" {
		t.Fatalf("unexpected card event: %+v", ev)
	}
}

func (s *recordingSender) countCommand(cmd byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sc := range s.sends {
		if sc.command == cmd {
			n++
		}
	}
	return n
}

// ccryptSender records every send like recordingSender and answers each
// CHLNG with a client random, standing in for the PD's CCRYPT reply.
type ccryptSender struct {
	recordingSender
}

func (s *ccryptSender) Send(ctx context.Context, address uint8, command byte, payload []byte) ([]byte, error) {
	s.recordingSender.Send(ctx, address, command, payload)
	if command == CmdChlng {
		return make([]byte, scsRandomLen), nil
	}
	return nil, nil
}

func TestInstallModeSendsAtMostOneKeyset(t *testing.T) {
	router := NewEventRouter(4)
	pins := NewPinCollector(
		func(e PinDigitEvent) { router.PinDigits.Publish(e) },
		func(e PinReadEvent) { router.PinReads.Publish(e) },
	)
	sc, err := NewSecureChannel(make([]byte, 16))
	if err != nil {
		t.Fatalf("new secure channel: %v", err)
	}
	config := DeviceConfig{ID: "r1", Name: "Front Door", Address: 3, ConnectionString: "/dev/ttyUSB0", Baud: Baud9600, Mode: Install, PollInterval: time.Second}
	sender := &ccryptSender{}
	session := NewDeviceSession(config, sender, router, pins, sc, nil, nil, nil)

	session.OnOnline()

	deadline := time.After(2 * time.Second)
	for sender.countCommand(CmdChlng) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the post-install re-handshake; sends so far: %d chlng, %d keyset",
				sender.countCommand(CmdChlng), sender.countCommand(CmdKeyset))
		case <-time.After(time.Millisecond):
		}
	}

	if got := sender.countCommand(CmdKeyset); got != 1 {
		t.Fatalf("expected exactly one KEYSET for one Install transition, got %d", got)
	}
}

func TestOnFrameKeypadFeedsPinCollector(t *testing.T) {
	session, router := newTestSession(t, &recordingSender{})
	pinCh, unsub := router.PinDigits.Subscribe()
	defer unsub()

	payload := []byte{0, 1, 0x35} // readerNum, count=1, '5'
	session.OnFrame(&Frame{Command: ReplyKeypad, Payload: payload})

	ev := <-pinCh
	if ev.Character != '5' {
		t.Fatalf("unexpected digit event: %+v", ev)
	}
}
