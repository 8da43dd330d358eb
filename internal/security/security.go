// Package security provides per-packet authenticated encryption for beam
// media and the proof a client presents when registering its UDP endpoint.
//
// A SecurityContext is created by the host for each control connection and
// delivered to the client in the hello response. Both sides derive the same
// PacketKey from it. Every media packet is sealed with ChaCha20-Poly1305
// using a nonce built from the packet's header identity and the direction of
// travel, and the serialized header as additional data.
package security

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/zsiec/beam/internal/wire"
)

const (
	// AuthTagLength is the number of bytes Seal appends to a payload.
	AuthTagLength = chacha20poly1305.Overhead

	// KeySize is the length of session keys and registration tokens.
	KeySize = 32

	packetKeyInfo = "beam media v1"
)

var (
	// ErrAuthenticationFailure is returned when a sealed payload fails
	// verification. No plaintext is returned alongside it.
	ErrAuthenticationFailure = errors.New("security: authentication failure")

	// ErrInvalidKeyMaterial is returned for key material of the wrong length.
	ErrInvalidKeyMaterial = errors.New("security: invalid key material")
)

// Direction is the travel direction of a packet. It is part of the nonce so
// host and client never reuse each other's nonces under the shared key.
type Direction uint8

// Directions.
const (
	HostToClient Direction = 1
	ClientToHost Direction = 2
)

func (d Direction) String() string {
	switch d {
	case HostToClient:
		return "hostToClient"
	case ClientToHost:
		return "clientToHost"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// SecurityContext holds the secrets issued for one control connection.
type SecurityContext struct {
	SessionKey        [KeySize]byte
	RegistrationToken [KeySize]byte
}

// NewSecurityContext generates fresh secrets.
func NewSecurityContext() (SecurityContext, error) {
	var sc SecurityContext
	if _, err := io.ReadFull(rand.Reader, sc.SessionKey[:]); err != nil {
		return sc, fmt.Errorf("generate session key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, sc.RegistrationToken[:]); err != nil {
		return sc, fmt.Errorf("generate registration token: %w", err)
	}
	return sc, nil
}

// ContextFromBytes rebuilds a SecurityContext from the hello response fields.
func ContextFromBytes(sessionKey, token []byte) (SecurityContext, error) {
	var sc SecurityContext
	if len(sessionKey) != KeySize || len(token) != KeySize {
		return sc, fmt.Errorf("%w: key %d bytes, token %d bytes", ErrInvalidKeyMaterial, len(sessionKey), len(token))
	}
	copy(sc.SessionKey[:], sessionKey)
	copy(sc.RegistrationToken[:], token)
	return sc, nil
}

// Header is a media header that can key and authenticate a payload.
type Header interface {
	NonceFields() wire.NonceFields
	AppendBinary(buf []byte) []byte
}

// PacketKey seals and opens media payloads. It is safe for concurrent use.
type PacketKey struct {
	aead cipher.AEAD
}

// DerivePacketKey derives the media key for sc. Derivation is deterministic,
// so host and client arrive at the same key independently.
func DerivePacketKey(sc SecurityContext) (*PacketKey, error) {
	r := hkdf.New(sha256.New, sc.SessionKey[:], sc.RegistrationToken[:], []byte(packetKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive packet key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &PacketKey{aead: aead}, nil
}

// Nonce builds the 96-bit nonce for a packet:
//
//	[direction][kind][streamID u16][epoch u16][0 0][sequence u32]
//
// Every input occupies its own bytes, so distinct inputs give distinct
// nonces.
func Nonce(f wire.NonceFields, dir Direction) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	n[0] = byte(dir)
	n[1] = f.Kind
	binary.BigEndian.PutUint16(n[2:4], f.StreamID)
	binary.BigEndian.PutUint16(n[4:6], f.Epoch)
	binary.BigEndian.PutUint32(n[8:12], f.Sequence)
	return n
}

func headerAAD(h Header) []byte {
	return h.AppendBinary(make([]byte, 0, wire.FrameHeaderSize))
}

// Seal encrypts view and returns payload||tag in a new buffer. view is not
// modified, so it may point into a capture buffer the caller does not own.
func (k *PacketKey) Seal(view []byte, h Header, dir Direction) []byte {
	nonce := Nonce(h.NonceFields(), dir)
	out := make([]byte, 0, len(view)+AuthTagLength)
	return k.aead.Seal(out, nonce[:], view, headerAAD(h))
}

// SealInPlace encrypts buf in its own storage, growing it only if its
// capacity is short of the tag. The result is byte-identical to Seal.
func (k *PacketKey) SealInPlace(buf []byte, h Header, dir Direction) []byte {
	nonce := Nonce(h.NonceFields(), dir)
	return k.aead.Seal(buf[:0], nonce[:], buf, headerAAD(h))
}

// Open verifies and decrypts payload||tag into a new buffer.
func (k *PacketKey) Open(sealed []byte, h Header, dir Direction) ([]byte, error) {
	if len(sealed) < AuthTagLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the tag", ErrAuthenticationFailure, len(sealed))
	}
	nonce := Nonce(h.NonceFields(), dir)
	pt, err := k.aead.Open(nil, nonce[:], sealed, headerAAD(h))
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}

// OpenInPlace is Open decrypting into sealed's storage. On failure the
// contents of sealed are unspecified.
func (k *PacketKey) OpenInPlace(sealed []byte, h Header, dir Direction) ([]byte, error) {
	if len(sealed) < AuthTagLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the tag", ErrAuthenticationFailure, len(sealed))
	}
	nonce := Nonce(h.NonceFields(), dir)
	pt, err := k.aead.Open(sealed[:0], nonce[:], sealed, headerAAD(h))
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}

// RegistrationProof binds a device ID to the registration token issued over
// the control channel.
func RegistrationProof(token [KeySize]byte, deviceID uuid.UUID) [sha256.Size]byte {
	mac := hmac.New(sha256.New, token[:])
	mac.Write([]byte("beam register v1"))
	mac.Write(deviceID[:])
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyRegistrationProof reports whether proof was made with token for
// deviceID. The comparison is constant time.
func VerifyRegistrationProof(token [KeySize]byte, deviceID uuid.UUID, proof []byte) bool {
	want := RegistrationProof(token, deviceID)
	return hmac.Equal(want[:], proof)
}
