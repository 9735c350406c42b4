package osdp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"
)

// SecureChannelState tracks where a DeviceSession's secure channel sits in
// the CHLNG/CCRYPT/KEYSET handshake.
type SecureChannelState uint8

const (
	// SCSIdle means no handshake has been attempted (ClearText mode, or
	// not yet started).
	SCSIdle SecureChannelState = iota
	// SCSPending means CHLNG has been sent and CCRYPT is awaited.
	SCSPending
	// SCSEstablished means S-ENC/S-MAC1/S-MAC2 are derived and frames may
	// be wrapped.
	SCSEstablished
)

const scsRandomLen = 8

// kdfContext bytes steer one CMAC derivation into three distinct derived
// keys: one for encryption, two for MAC.
const (
	kdfContextEnc  byte = 0x01
	kdfContextMAC1 byte = 0x02
	kdfContextMAC2 byte = 0x03
)

// SecureChannel holds one DeviceSession's secure-channel handshake state
// and derived keys. It is never promoted to a global — it
// lives embedded in the owning DeviceSession.
type SecureChannel struct {
	state SecureChannelState

	baseKey [16]byte

	serverRnd [scsRandomLen]byte
	clientRnd [scsRandomLen]byte

	sEnc  [16]byte
	sMAC1 [16]byte
	sMAC2 [16]byte

	// chain is the running MAC-chain value. Reset clears it (a sequence
	// reset calls Reset); it is rebuilt only by a new CHLNG/CCRYPT
	// exchange, which the session starts on an Offline->Online transition.
	chain [16]byte
}

// NewSecureChannel constructs a handshake state bound to baseKey: the
// default OSDP install key for Install mode, or the stored per-device key
// for Secure mode.
func NewSecureChannel(baseKey []byte) (*SecureChannel, error) {
	if len(baseKey) != 16 {
		return nil, errors.New("osdp: secure channel key must be 16 bytes")
	}
	sc := &SecureChannel{}
	copy(sc.baseKey[:], baseKey)
	return sc, nil
}

func (sc *SecureChannel) Established() bool { return sc.state == SCSEstablished }

// BeginHandshake generates the server random (CSPRNG) and returns the
// CHLNG command payload to send to the PD.
func (sc *SecureChannel) BeginHandshake() ([]byte, error) {
	if _, err := io.ReadFull(rand.Reader, sc.serverRnd[:]); err != nil {
		return nil, &SecurityError{Step: "chlng", Cause: err}
	}
	sc.state = SCSPending
	out := make([]byte, scsRandomLen)
	copy(out, sc.serverRnd[:])
	return out, nil
}

// CompleteHandshake consumes the PD's CCRYPT reply (the client random plus
// a verification cryptogram) and derives S-ENC/S-MAC1/S-MAC2. On any
// failure the caller falls back to ClearText — this
// function never panics and always returns a *SecurityError on failure.
func (sc *SecureChannel) CompleteHandshake(ccrypt []byte) error {
	if sc.state != SCSPending {
		return &SecurityError{Step: "ccrypt", Cause: errors.New("handshake not pending")}
	}
	if len(ccrypt) < scsRandomLen {
		return &SecurityError{Step: "ccrypt", Cause: errors.New("short ccrypt payload")}
	}
	copy(sc.clientRnd[:], ccrypt[:scsRandomLen])

	enc, err := sc.deriveKey(kdfContextEnc)
	if err != nil {
		return &SecurityError{Step: "ccrypt", Cause: err}
	}
	mac1, err := sc.deriveKey(kdfContextMAC1)
	if err != nil {
		return &SecurityError{Step: "ccrypt", Cause: err}
	}
	mac2, err := sc.deriveKey(kdfContextMAC2)
	if err != nil {
		return &SecurityError{Step: "ccrypt", Cause: err}
	}
	copy(sc.sEnc[:], enc)
	copy(sc.sMAC1[:], mac1)
	copy(sc.sMAC2[:], mac2)
	copy(sc.chain[:], sc.sMAC2[:])
	sc.state = SCSEstablished
	return nil
}

// deriveKey computes CMAC(baseKey, context || serverRnd || clientRnd).
func (sc *SecureChannel) deriveKey(context byte) ([]byte, error) {
	msg := make([]byte, 0, 1+2*scsRandomLen)
	msg = append(msg, context)
	msg = append(msg, sc.serverRnd[:]...)
	msg = append(msg, sc.clientRnd[:]...)
	return aesCMAC(sc.baseKey[:], msg)
}

// Reset forces the handshake back to idle and clears both randoms and the
// MAC chain, so the old chain is never continued. Reset itself sends no
// CHLNG; frames go out unwrapped until a new handshake completes.
func (sc *SecureChannel) Reset() {
	sc.state = SCSIdle
	sc.serverRnd = [scsRandomLen]byte{}
	sc.clientRnd = [scsRandomLen]byte{}
	sc.chain = [16]byte{}
}

// WrapPayload encrypts payload under S-ENC and returns the ciphertext plus
// a 4-byte MAC computed over the running chain value, advancing the chain
// for the next frame.
func (sc *SecureChannel) WrapPayload(payload []byte) (cipherText, mac []byte, err error) {
	if sc.state != SCSEstablished {
		return nil, nil, ErrSecureChannelNotReady
	}
	padded := padISO9797M2(payload)
	iv := sc.chain[:]
	enc, err := aesCBCEncrypt(sc.sEnc[:], iv, padded)
	if err != nil {
		return nil, nil, err
	}
	macInput := append(append([]byte{}, sc.chain[:]...), enc...)
	full, err := aesCMAC(sc.sMAC1[:], macInput)
	if err != nil {
		return nil, nil, err
	}
	copy(sc.chain[:], full)
	return enc, truncateMAC4(full), nil
}

// UnwrapPayload authenticates and decrypts a received SCS block. A MAC
// mismatch is reported as ErrMacInvalid so the bus treats the reply as
// lost rather than dispatching tampered data.
func (sc *SecureChannel) UnwrapPayload(cipherText, mac []byte) ([]byte, error) {
	if sc.state != SCSEstablished {
		return nil, ErrSecureChannelNotReady
	}
	macInput := append(append([]byte{}, sc.chain[:]...), cipherText...)
	full, err := aesCMAC(sc.sMAC1[:], macInput)
	if err != nil {
		return nil, err
	}
	expect := truncateMAC4(full)
	if !constantTimeEqual(expect, mac) {
		return nil, ErrMacInvalid
	}
	iv := sc.chain[:]
	dec, err := aesCBCDecrypt(sc.sEnc[:], iv, cipherText)
	if err != nil {
		return nil, err
	}
	copy(sc.chain[:], full)
	return unpadISO9797M2(dec)
}

func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
