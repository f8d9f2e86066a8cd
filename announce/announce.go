// Package announce builds and parses the canonical binary announce message
// that binds a peer's routing ID, Noise static key, Ed25519 signing key,
// nickname, and timestamp under a single Ed25519 signature (spec §4.6).
//
// Grounded on the teacher's crypto/toxid.go: a fixed-layout canonical byte
// encoding over public key material with a trailing integrity field,
// generalized here from toxid's public-key+nospam+checksum layout to this
// protocol's seven-field, two-length-prefixed-field announce layout.
package announce

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/umangparnami/bitchat/identity"
)

// protocolContext is mixed into every signed announce so a signature from a
// future, incompatible wire format can never verify against this one.
const protocolContext = "bitchat-announce-v1"

const (
	peerIDFieldLen      = 8
	staticKeyFieldLen   = 32
	signingKeyFieldLen  = 32
	timestampFieldLen   = 8
	signatureFieldLen   = 64
	maxVariableFieldLen = 255
)

// Sentinel errors.
var (
	ErrTruncated = errors.New("announce: truncated input")
)

// Announce is the in-memory form of the message peers broadcast to bind
// their identity. PeerID is truncated or zero-padded to 8 bytes in the
// canonical form; callers should keep PeerID at or under that length for a
// lossless round trip.
type Announce struct {
	PeerID            string
	NoiseStaticPublic [32]byte
	Ed25519Public     [32]byte
	Nickname          string
	TimestampMs       uint64
	Signature         [64]byte
}

// CanonicalBytesForSigning returns the exact byte layout spec §4.6 mandates
// be both signed and verified: a length-prefixed context, the fixed-width
// peer ID, the two public keys, a length-prefixed nickname, and the
// big-endian timestamp. The signature field itself is never part of this
// form — it covers everything else.
func (a Announce) CanonicalBytesForSigning() []byte {
	ctx := []byte(protocolContext)
	if len(ctx) > maxVariableFieldLen {
		ctx = ctx[:maxVariableFieldLen]
	}

	nickname := []byte(a.Nickname)
	if len(nickname) > maxVariableFieldLen {
		nickname = nickname[:maxVariableFieldLen]
	}

	var buf bytes.Buffer
	buf.Grow(1 + len(ctx) + peerIDFieldLen + staticKeyFieldLen + signingKeyFieldLen + 1 + len(nickname) + timestampFieldLen)

	buf.WriteByte(byte(len(ctx)))
	buf.Write(ctx)

	var peerIDField [peerIDFieldLen]byte
	copy(peerIDField[:], a.PeerID) // left-truncated or zero-right-padded to 8
	buf.Write(peerIDField[:])

	buf.Write(a.NoiseStaticPublic[:])
	buf.Write(a.Ed25519Public[:])

	buf.WriteByte(byte(len(nickname)))
	buf.Write(nickname)

	var ts [timestampFieldLen]byte
	binary.BigEndian.PutUint64(ts[:], a.TimestampMs)
	buf.Write(ts[:])

	return buf.Bytes()
}

// Build constructs and signs a fresh Announce using vault's Ed25519 signing
// key.
func Build(vault *identity.Vault, peerID string, staticPublic, signingPublic [32]byte, nickname string, timestampMs uint64) (*Announce, error) {
	a := &Announce{
		PeerID:            peerID,
		NoiseStaticPublic: staticPublic,
		Ed25519Public:     signingPublic,
		Nickname:          nickname,
		TimestampMs:       timestampMs,
	}
	sig, err := vault.Sign(a.CanonicalBytesForSigning())
	if err != nil {
		return nil, err
	}
	a.Signature = sig
	return a, nil
}

// Verify checks a's signature against signingPublicKey, the announce's own
// claimed Ed25519Public unless the caller supplies a different trust anchor
// (e.g. a previously pinned key for this PeerId).
func Verify(a Announce, signingPublicKey [32]byte) bool {
	return identity.Verify(a.CanonicalBytesForSigning(), a.Signature, signingPublicKey)
}

// Encode serializes a for transport: canonical bytes followed by the
// 64-byte signature.
func Encode(a Announce) []byte {
	canonical := a.CanonicalBytesForSigning()
	out := make([]byte, 0, len(canonical)+signatureFieldLen)
	out = append(out, canonical...)
	out = append(out, a.Signature[:]...)
	return out
}

// Decode parses the wire form produced by Encode back into an Announce,
// without verifying it — callers must call Verify separately.
func Decode(data []byte) (Announce, error) {
	var a Announce

	if len(data) < 1 {
		return a, ErrTruncated
	}
	ctxLen := int(data[0])
	data = data[1:]
	if len(data) < ctxLen {
		return a, ErrTruncated
	}
	data = data[ctxLen:] // context value itself is not retained on decode

	if len(data) < peerIDFieldLen {
		return a, ErrTruncated
	}
	a.PeerID = string(bytes.TrimRight(data[:peerIDFieldLen], "\x00"))
	data = data[peerIDFieldLen:]

	if len(data) < staticKeyFieldLen+signingKeyFieldLen {
		return a, ErrTruncated
	}
	copy(a.NoiseStaticPublic[:], data[:staticKeyFieldLen])
	data = data[staticKeyFieldLen:]
	copy(a.Ed25519Public[:], data[:signingKeyFieldLen])
	data = data[signingKeyFieldLen:]

	if len(data) < 1 {
		return a, ErrTruncated
	}
	nickLen := int(data[0])
	data = data[1:]
	if len(data) < nickLen {
		return a, ErrTruncated
	}
	a.Nickname = string(data[:nickLen])
	data = data[nickLen:]

	if len(data) < timestampFieldLen {
		return a, ErrTruncated
	}
	a.TimestampMs = binary.BigEndian.Uint64(data[:timestampFieldLen])
	data = data[timestampFieldLen:]

	if len(data) < signatureFieldLen {
		return a, ErrTruncated
	}
	copy(a.Signature[:], data[:signatureFieldLen])

	return a, nil
}
