// Package config holds the tunable policy constants for rate limiting,
// message-size validation, and session rekeying, constructed the way the
// teacher codebase builds its top-level Options: a single struct with a
// constructor that fills in conservative, protocol-compliant defaults.
package config

import "time"

// Policy bundles every tunable threshold the core's components read. Callers
// may construct a zero Policy and fill in only the fields they want to
// override, merging the rest from DefaultPolicy via Policy.withDefaults, or
// simply start from DefaultPolicy() and adjust fields directly.
type Policy struct {
	// RateLimiter (spec §4.2).
	HandshakeWindow    time.Duration // window over which handshake attempts are counted
	HandshakeBurst     int           // handshake attempts allowed per window
	MessageWindow      time.Duration // window over which messages are counted
	MessageBurst       int           // messages allowed per window

	// Validator (spec §4.3). Sized for a BLE MTU of 247 bytes times a
	// fragmentation ceiling, matching spec §4.3's framing rationale.
	MaxPeerIDLength           int
	MaxHandshakeMessageSize   int
	MaxTransportMessageSize   int

	// NoiseSession rekey budget (spec §4.4).
	RekeyMessageThreshold uint64
	RekeyByteThreshold    uint64
	RekeyTimeThreshold    time.Duration

	// EncryptionService rekey timer (spec §4.8).
	RekeyCheckInterval time.Duration
}

// DefaultPolicy returns the spec's conservative defaults: a handful of
// handshake attempts per few seconds per peer, a generous but bounded
// message rate, BLE-MTU-scaled size ceilings, and rekey thresholds well
// inside ChaChaPoly's safe usage bounds.
func DefaultPolicy() Policy {
	return Policy{
		HandshakeWindow: 10 * time.Second,
		HandshakeBurst:  3,

		MessageWindow: time.Second,
		MessageBurst:  64,

		MaxPeerIDLength:         64,
		MaxHandshakeMessageSize: 2048,  // BLE MTU (247B) * fragmentation ceiling
		MaxTransportMessageSize: 4096,

		RekeyMessageThreshold: 1_000_000,
		RekeyByteThreshold:    1 << 30, // 1 GiB
		RekeyTimeThreshold:    time.Hour,

		RekeyCheckInterval: 60 * time.Second,
	}
}
