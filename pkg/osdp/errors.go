package osdp

import (
	"errors"
	"fmt"
)

// TransportError wraps a transient read/write failure on a bus's serial
// transport. The bus driver retries reads and writes after a backoff.
type TransportError struct {
	Connection string
	Op         string // "read", "write", "open", "close"
	Cause      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Connection, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// FrameError is a per-frame, non-fatal decode failure. The bus treats it
// as a missed reply and advances the schedule.
type FrameError struct {
	Reason string // "som-missing", "length-mismatch", "crc-mismatch", "checksum-mismatch", "mac-invalid"
	Cause  error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("frame error (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("frame error: %s", e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Cause }

// ProtocolError is a per-exchange failure: an address mismatch, a NAK, or
// a sequence number mismatch. A sequence mismatch also resets the
// session's sequence counter.
type ProtocolError struct {
	Address uint8
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on address %d: %s", e.Address, e.Reason)
}

// SecurityError reports a handshake or key-set failure. The session falls
// back to ClearText and surfaces this as a warning-level event; it never
// crashes the bus.
type SecurityError struct {
	DeviceID string
	Step     string // "chlng", "ccrypt", "keyset"
	Cause    error
}

func (e *SecurityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("secure channel %s failed for %s: %v", e.Step, e.DeviceID, e.Cause)
	}
	return fmt.Sprintf("secure channel %s failed for %s", e.Step, e.DeviceID)
}

func (e *SecurityError) Unwrap() error { return e.Cause }

// ConfigError is fatal at add-device/start time only.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// ErrCancelled reports an operation terminated by stop()/disconnect().
var ErrCancelled = errors.New("osdp: operation cancelled")

// Sentinel causes surfaced by Bus.Send, EncodeFrame and DecodeFrame.
var (
	ErrPayloadTooLarge        = errors.New("osdp: payload too large")
	ErrSecureChannelNotReady  = errors.New("osdp: secure channel not ready")
	ErrSendTimeout            = errors.New("osdp: send timeout")
	ErrDeviceOffline          = errors.New("osdp: device offline")
	ErrTransportClosed        = errors.New("osdp: transport closed")
	ErrMacInvalid             = errors.New("osdp: mac invalid")
)

// ClassifySecurityError extracts structured detail from a SecurityError
// for logging and metrics.
func ClassifySecurityError(err error) (step string, deviceID string, ok bool) {
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Step, se.DeviceID, true
	}
	return "", "", false
}
