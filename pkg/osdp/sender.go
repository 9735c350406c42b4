package osdp

import "context"

// Sender is the half of the Bus (§4.2) that DeviceSession and
// FeedbackController use to push outgoing commands onto a bus's
// schedule. Send enqueues command as the next outgoing slot for address,
// preempting the next scheduled Poll, and returns the matching decoded
// reply payload or an error (a *TransportError, *FrameError or
// *ProtocolError, ErrDeviceOffline, or the context's error).
type Sender interface {
	Send(ctx context.Context, address uint8, command byte, payload []byte) ([]byte, error)
}
