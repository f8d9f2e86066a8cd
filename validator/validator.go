// Package validator implements the stateless peer-identifier and
// message-size checks described in spec §4.3, generalized from the teacher's
// plaintext/encrypted/storage size tiers to this protocol's handshake- and
// transport-message tiers.
package validator

import (
	"errors"

	"github.com/umangparnami/bitchat/config"
)

// Sentinel errors surfaced across the boundary (spec §6).
var (
	ErrInvalidPeerID    = errors.New("validator: invalid peer id")
	ErrMessageEmpty     = errors.New("validator: empty message")
	ErrMessageTooLarge  = errors.New("validator: message too large")
)

// Validator performs stateless checks against a fixed Policy. It holds no
// mutable state and is safe for concurrent use by construction.
type Validator struct {
	policy config.Policy
}

// New creates a Validator bound to policy's size ceilings.
func New(policy config.Policy) *Validator {
	return &Validator{policy: policy}
}

// ValidatePeerID rejects empty identifiers and identifiers exceeding the
// configured bound.
func (v *Validator) ValidatePeerID(id string) error {
	if id == "" {
		return ErrInvalidPeerID
	}
	if len(id) > v.policy.MaxPeerIDLength {
		return ErrInvalidPeerID
	}
	return nil
}

// ValidateHandshakeMessageSize rejects empty frames and frames above the
// handshake-message ceiling (sized for BLE MTU times a fragmentation
// ceiling, per spec §4.3).
func (v *Validator) ValidateHandshakeMessageSize(data []byte) error {
	return validateSize(data, v.policy.MaxHandshakeMessageSize)
}

// ValidateTransportMessageSize rejects empty frames and frames above the
// transport-message ceiling.
func (v *Validator) ValidateTransportMessageSize(data []byte) error {
	return validateSize(data, v.policy.MaxTransportMessageSize)
}

func validateSize(data []byte, max int) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > max {
		return ErrMessageTooLarge
	}
	return nil
}
