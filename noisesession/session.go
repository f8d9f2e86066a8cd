// Package noisesession implements the per-peer Noise XX state machine
// described in spec §4.4: handshake progression, established-session
// encrypt/decrypt, and the rekey-budget predicate that bounds nonce, byte,
// and time usage per session.
//
// It is grounded on the teacher's noise.XXHandshake (github.com/flynn/noise
// driving the Noise XX pattern), generalized to also carry the counters and
// nonce-overflow protection that a production rekey policy needs and that
// XXHandshake alone does not track.
package noisesession

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/umangparnami/bitchat/config"
	"github.com/umangparnami/bitchat/securemem"
)

// Role mirrors spec §3's NoiseSession.role field.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Phase mirrors spec §3's NoiseSession.phase field. Uninitialized is not
// represented as a distinct value: a Session only exists once construction
// has put it into Handshaking.
type Phase uint8

const (
	PhaseHandshaking Phase = iota
	PhaseEstablished
	PhaseFailed
)

// Sentinel errors surfaced by this package (spec §6, §7).
var (
	ErrHandshakeFailure    = errors.New("noisesession: handshake failed")
	ErrNotEstablished      = errors.New("noisesession: session not established")
	ErrAlreadyEstablished  = errors.New("noisesession: handshake already complete")
	ErrHandshakeNotRunning = errors.New("noisesession: handshake not in progress")
	ErrDecryptionFailure   = errors.New("noisesession: decryption failed")
)

// maxConsecutiveDecryptFailures bounds how many spurious/replayed frames in
// a row a session tolerates before it is marked Failed (spec §8 scenario S4:
// a single bad frame must not fail the session, but repeated failure may).
const maxConsecutiveDecryptFailures = 5

// Session is the per-peer Noise XX state machine. Handshake and transport
// state are mutually exclusive by construction (spec §3 invariant 3): the
// handshake fields are only meaningful while phase is PhaseHandshaking, and
// the cipher states only while PhaseEstablished.
type Session struct {
	mu sync.Mutex

	role  Role
	phase Phase

	hs         *noise.HandshakeState
	localKey   noise.DHKey
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState

	remoteStatic     [32]byte
	haveRemoteStatic bool

	createdAt    time.Time
	lastActivity time.Time
	bytesSent    uint64
	messagesSent uint64

	consecutiveFailures int

	policy config.Policy
	clock  func() time.Time
}

// NewInitiator creates a fresh Initiator session (spec §4.4 new(initiator)).
func NewInitiator(staticPrivate [32]byte, policy config.Policy, clock func() time.Time) (*Session, error) {
	return newSession(Initiator, staticPrivate, policy, clock)
}

// NewResponder creates a fresh Responder session (spec §4.4 new(responder)).
func NewResponder(staticPrivate [32]byte, policy config.Policy, clock func() time.Time) (*Session, error) {
	return newSession(Responder, staticPrivate, policy, clock)
}

func newSession(role Role, staticPrivate [32]byte, policy config.Policy, clock func() time.Time) (*Session, error) {
	if clock == nil {
		clock = time.Now
	}

	localKey, err := dhKeyFromPrivate(staticPrivate)
	if err != nil {
		return nil, fmt.Errorf("noisesession: failed to derive static keypair: %w", err)
	}

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: localKey,
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noisesession: failed to create handshake state: %w", err)
	}

	now := clock()
	return &Session{
		role:         role,
		phase:        PhaseHandshaking,
		hs:           hs,
		localKey:     localKey,
		createdAt:    now,
		lastActivity: now,
		policy:       policy,
		clock:        clock,
	}, nil
}

// Role returns whether this session is acting as Initiator or Responder.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// CurrentPhase returns the session's current lifecycle phase.
func (s *Session) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// WriteMessage advances the handshake by writing the next message this
// party owes the peer (msg1 for a fresh initiator, msg2 for a responder that
// has just read msg1, msg3 for an initiator that has just read msg2). It is
// an error to call this out of turn; the underlying Noise library enforces
// strict message ordering.
func (s *Session) WriteMessage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseEstablished {
		return nil, ErrAlreadyEstablished
	}
	if s.phase == PhaseFailed {
		return nil, ErrHandshakeFailure
	}

	msg, send, recv, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	s.lastActivity = s.clock()
	if send != nil && recv != nil {
		s.establish(send, recv)
	}
	return msg, nil
}

// ReadMessage processes an incoming handshake message (msg1 for a fresh
// responder, msg2 for an initiator, msg3 for a responder). Returns the
// (always empty, in this protocol) handshake payload.
func (s *Session) ReadMessage(message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseEstablished {
		return nil, ErrAlreadyEstablished
	}
	if s.phase == PhaseFailed {
		return nil, ErrHandshakeFailure
	}

	payload, send, recv, err := s.hs.ReadMessage(nil, message)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	s.lastActivity = s.clock()
	if send != nil && recv != nil {
		s.establish(send, recv)
	}
	return payload, nil
}

// establish transitions the session to Established, recording the learned
// remote static key and wiring up the transport cipher states. Caller must
// hold s.mu.
func (s *Session) establish(send, recv *noise.CipherState) {
	s.sendCipher = send
	s.recvCipher = recv
	s.phase = PhaseEstablished

	remote := s.hs.PeerStatic()
	if len(remote) == 32 {
		copy(s.remoteStatic[:], remote)
		s.haveRemoteStatic = true
	}

	// The handshake object itself is no longer needed; drop the reference so
	// the ephemeral/static private key material it held can be collected.
	s.hs = nil
}

// fail transitions the session into Failed. Caller must hold s.mu.
func (s *Session) fail() {
	s.phase = PhaseFailed
	s.wipeCiphersLocked()
}

// IsEstablished reports whether the handshake has completed.
func (s *Session) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseEstablished
}

// RemoteStaticKey returns the peer's static public key, once learned.
func (s *Session) RemoteStaticKey() (key [32]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStatic, s.haveRemoteStatic
}

// Encrypt seals plaintext for the peer. Requires an Established session
// (spec §4.4/§4.5 encrypt contract).
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseEstablished {
		return nil, ErrNotEstablished
	}

	ciphertext := s.sendCipher.Encrypt(nil, nil, plaintext)
	s.messagesSent++
	s.bytesSent += uint64(len(plaintext))
	s.lastActivity = s.clock()
	return ciphertext, nil
}

// Decrypt opens ciphertext from the peer. Requires an Established session.
// A single authentication failure does not fail the session (spec §8 S4);
// repeated consecutive failures do, guarding against a peer hammering a
// stale or forged frame.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseEstablished {
		return nil, ErrNotEstablished
	}

	plaintext, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		s.consecutiveFailures++
		if s.consecutiveFailures >= maxConsecutiveDecryptFailures {
			s.fail()
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	s.consecutiveFailures = 0
	s.lastActivity = s.clock()
	return plaintext, nil
}

// NeedsRekey reports whether any of the spec §4.4 rekey thresholds have been
// crossed: message count, byte count, or session age.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished {
		return false
	}
	if s.messagesSent >= s.policy.RekeyMessageThreshold {
		return true
	}
	if s.bytesSent >= s.policy.RekeyByteThreshold {
		return true
	}
	if s.clock().Sub(s.createdAt) >= s.policy.RekeyTimeThreshold {
		return true
	}
	return false
}

// Stats returns the counters spec §3 lists on NoiseSession, for diagnostics
// and tests.
func (s *Session) Stats() (messagesSent, bytesSent uint64, createdAt, lastActivity time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesSent, s.bytesSent, s.createdAt, s.lastActivity
}

// ResetForRekey discards the current transport cipher states and
// re-initializes this session as a fresh Initiator handshake, returning the
// new msg1 to send. The PeerId mapping that owns this Session is preserved
// by the caller (SessionManager); the previously learned remote static key
// is kept only as an expectation for logging, not enforced, since Noise XX
// re-establishes it cryptographically regardless (spec §3: "Rekey does not
// destroy the session").
func (s *Session) ResetForRekey(staticPrivate [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wipeCiphersLocked()

	localKey, err := dhKeyFromPrivate(staticPrivate)
	if err != nil {
		return nil, fmt.Errorf("noisesession: failed to derive static keypair for rekey: %w", err)
	}

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: localKey,
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noisesession: failed to reinitialize handshake state: %w", err)
	}

	s.role = Initiator
	s.phase = PhaseHandshaking
	s.hs = hs
	s.localKey = localKey
	s.messagesSent = 0
	s.bytesSent = 0
	s.consecutiveFailures = 0
	s.createdAt = s.clock()
	s.lastActivity = s.createdAt
	// s.remoteStatic / haveRemoteStatic intentionally retained as the
	// expectation for the peer this rekey should reconnect to.

	msg, send, recv, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	if send != nil && recv != nil {
		// XX never completes on message 1; defensive only.
		s.establish(send, recv)
	}
	return msg, nil
}

// Close zeros cipher and handshake key material. The session must not be
// used afterward.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeCiphersLocked()
	securemem.Zero32(&s.localKey.Private)
	securemem.Zero32(&s.remoteStatic)
}

func (s *Session) wipeCiphersLocked() {
	s.sendCipher = nil
	s.recvCipher = nil
}

// dhKeyFromPrivate clamps priv per Curve25519 convention and derives the
// matching public key, wrapping both into the noise.DHKey shape flynn/noise
// expects for a Config.StaticKeypair.
func dhKeyFromPrivate(priv [32]byte) (noise.DHKey, error) {
	if isZero(priv) {
		return noise.DHKey{}, errors.New("invalid static private key: all zeros")
	}

	var clamped [32]byte
	copy(clamped[:], priv[:])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &clamped)
	securemem.Zero32(&clamped)

	return noise.DHKey{Private: priv[:], Public: pub[:]}, nil
}

func isZero(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
