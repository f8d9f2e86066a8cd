// Package packetsign signs and verifies routed packets whose wire layout is
// owned by the transport layer (spec §4.7). The core never defines that
// layout itself; it consumes it through the Packet accessor below, matching
// spec §6's "canonical_bytes_for_signing() accessor" contract.
//
// Grounded on the same canonical-bytes discipline as package announce
// (itself grounded on crypto/toxid.go), combined with crypto/ed25519.go's
// Sign/Verify.
package packetsign

import "github.com/umangparnami/bitchat/identity"

// Packet is any transport packet type that can render itself into the exact
// bytes that must be signed: its full layout with the signature field set
// to zero bytes of its declared length, regardless of what is currently
// stored there. Implementations MUST zero the signature field themselves so
// that signing is idempotent under spec §8 testable property 7: a packet
// carrying a stale or garbage signature value canonicalizes identically to
// one carrying an all-zero signature.
type Packet interface {
	CanonicalBytesForSigning() []byte
}

// Signer produces detached signatures over Packet values using an
// IdentityVault's Ed25519 signing key.
type Signer struct {
	vault *identity.Vault
}

// New creates a Signer bound to vault.
func New(vault *identity.Vault) *Signer {
	return &Signer{vault: vault}
}

// Sign returns the detached signature over p's canonical (zero-signature)
// bytes.
func (s *Signer) Sign(p Packet) ([64]byte, error) {
	return s.vault.Sign(p.CanonicalBytesForSigning())
}

// Verify checks a detached signature over p's canonical bytes against
// signingPublicKey. This is a package-level function, not a Signer method,
// since verification needs only the sender's public key, never a vault.
func Verify(p Packet, signature [64]byte, signingPublicKey [32]byte) bool {
	return identity.Verify(p.CanonicalBytesForSigning(), signature, signingPublicKey)
}
