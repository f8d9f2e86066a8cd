// Package securemem provides best-effort secure erasure of key material held
// in process memory. It is used by every package in this module that carries
// private keys, cipher states, or session secrets once they are no longer
// needed.
package securemem

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// ErrNilData is returned when Wipe is called with a nil slice.
var ErrNilData = errors.New("securemem: cannot wipe nil data")

// Wipe overwrites data with zeros using a constant-time XOR so the compiler
// cannot optimize the write away, then pins the slice alive long enough for
// the write to be observed.
func Wipe(data []byte) error {
	if data == nil {
		return ErrNilData
	}
	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)
	return nil
}

// Zero is a convenience wrapper around Wipe that ignores the nil-slice error,
// for call sites where a nil slice is a harmless no-op.
func Zero(data []byte) {
	_ = Wipe(data)
}

// Zero32 wipes a fixed-size 32-byte key array in place.
func Zero32(key *[32]byte) {
	if key == nil {
		return
	}
	Zero(key[:])
}

// Zero64 wipes a fixed-size 64-byte key array in place.
func Zero64(key *[64]byte) {
	if key == nil {
		return
	}
	Zero(key[:])
}
