// Package session implements SessionManager: the PeerId→NoiseSession map,
// simultaneous-handshake tie-break, rekey orchestration, and the
// PeerId↔Fingerprint index (spec §3 SessionMap, §4.5).
//
// Grounded on the teacher's friend-map concurrency idiom in toxcore.go (a
// sync.RWMutex guarding a map[uint32]*friend.Friend, with callback dispatch
// copied out from under the lock before invocation), generalized from
// uint32 friend IDs to string PeerIds, and on crypto/replay_protection.go's
// bidirectional-index-under-lock pattern.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umangparnami/bitchat/config"
	"github.com/umangparnami/bitchat/identity"
	"github.com/umangparnami/bitchat/logging"
	"github.com/umangparnami/bitchat/noisesession"
)

// Sentinel errors surfaced across the boundary (spec §6).
var (
	ErrHandshakeRequired    = errors.New("session: handshake required")
	ErrSessionNotEstablished = errors.New("session: not established")
	ErrAlreadyEstablished   = errors.New("session: already established and rekey not due")
	ErrHandshakeInProgress  = errors.New("session: handshake already in progress")
	ErrHandshakeFailure     = errors.New("session: handshake failed")
	ErrDecryptionFailure    = errors.New("session: decryption failed")
)

// EstablishedHandler is invoked exactly once per successful handshake
// establishment, outside any lock held by the Manager.
type EstablishedHandler func(peerID string, fingerprint string)

// Manager owns the PeerId→NoiseSession map under a reader-writer discipline:
// status reads proceed concurrently; mutations (initiate, process, remove,
// rekey) take the exclusive lock for the duration of the map edit only —
// callbacks are always invoked after releasing it.
type Manager struct {
	mu sync.RWMutex

	localPeerID   string
	staticPrivate [32]byte
	policy        config.Policy
	clock         func() time.Time

	sessions           map[string]*noisesession.Session
	fingerprintOf      map[string]string // peerID -> fingerprint
	peerIDByFingerprint map[string]string

	onEstablished []EstablishedHandler
}

// New creates a Manager for the local peer identified by localPeerID, using
// staticPrivate as the Curve25519 static private key every session
// negotiates with.
func New(localPeerID string, staticPrivate [32]byte, policy config.Policy) *Manager {
	return &Manager{
		localPeerID:         localPeerID,
		staticPrivate:       staticPrivate,
		policy:              policy,
		clock:               time.Now,
		sessions:            make(map[string]*noisesession.Session),
		fingerprintOf:       make(map[string]string),
		peerIDByFingerprint: make(map[string]string),
	}
}

// SetClock overrides the manager's (and every session it creates) time
// source, for deterministic rekey tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	m.clock = clock
}

// OnSessionEstablished registers a handler invoked whenever a handshake
// completes. Handlers are appended; all are invoked on every establishment.
func (m *Manager) OnSessionEstablished(handler EstablishedHandler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEstablished = append(m.onEstablished, handler)
}

// HasSession reports whether any session (handshaking or established)
// exists for peerID.
func (m *Manager) HasSession(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[peerID]
	return ok
}

// HasEstablishedSession reports whether peerID has a fully established
// session.
func (m *Manager) HasEstablishedSession(peerID string) bool {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()
	return ok && sess.IsEstablished()
}

// RemoteStatic returns the learned remote static key for peerID, once
// established.
func (m *Manager) RemoteStatic(peerID string) (key [32]byte, ok bool) {
	m.mu.RLock()
	sess, exists := m.sessions[peerID]
	m.mu.RUnlock()
	if !exists {
		return [32]byte{}, false
	}
	return sess.RemoteStaticKey()
}

// Fingerprint returns the fingerprint recorded for peerID at the time its
// session was established.
func (m *Manager) Fingerprint(peerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.fingerprintOf[peerID]
	return fp, ok
}

// PeerIDForFingerprint is the reverse lookup of Fingerprint.
func (m *Manager) PeerIDForFingerprint(fingerprint string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.peerIDByFingerprint[fingerprint]
	return id, ok
}

// InitiateHandshake creates a fresh Initiator session for peerID and
// returns message 1. If an Established session already exists it is
// replaced only when it needs rekeying; otherwise ErrAlreadyEstablished is
// returned. A session already mid-handshake yields ErrHandshakeInProgress.
func (m *Manager) InitiateHandshake(peerID string) ([]byte, error) {
	m.mu.Lock()
	existing, ok := m.sessions[peerID]

	if ok {
		if existing.IsEstablished() {
			if !existing.NeedsRekey() {
				m.mu.Unlock()
				return nil, ErrAlreadyEstablished
			}
			m.mu.Unlock()
			msg, err := existing.ResetForRekey(m.staticPrivate)
			if err != nil {
				m.removeSession(peerID)
				return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
			}
			logging.For(logging.Fields{Component: "session", PeerID: peerID}).Info("rekey initiated")
			return msg, nil
		}
		m.mu.Unlock()
		return nil, ErrHandshakeInProgress
	}

	attemptID := uuid.New()
	sess, err := noisesession.NewInitiator(m.staticPrivate, m.policy, m.clock)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	m.sessions[peerID] = sess
	m.mu.Unlock()

	logging.For(logging.Fields{Component: "session", PeerID: peerID}).
		WithField("attempt_id", attemptID.String()).
		WithField("role", "initiator").
		Debug("handshake started")

	msg, err := sess.WriteMessage()
	if err != nil {
		m.removeSession(peerID)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return msg, nil
}

// HandleIncomingHandshake advances (or creates) peerID's session with an
// inbound handshake message, returning the response to send back, or nil
// when the handshake completed on this side with no message owed.
//
// On first contact from peerID this message is assumed to be msg1, creating
// a Responder session. If a local Initiator session for peerID is already
// mid-handshake (both sides raced to initiate), the simultaneous-handshake
// tie-break in spec §4.5 applies: the side whose own PeerId sorts smaller
// keeps its Initiator attempt and discards the inbound msg1; the other side
// discards its Initiator attempt and becomes Responder.
func (m *Manager) HandleIncomingHandshake(peerID string, message []byte) ([]byte, error) {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]

	// msg1 is always exactly the 32-byte raw ephemeral public key (spec
	// §4.5 classification); only a message of that shape can be a
	// competing Initiator attempt or a peer-initiated rekey. Anything else
	// is a continuation of whatever handshake is already in flight for
	// this peer and is fed straight to the existing session below.
	looksLikeMsg1 := len(message) == 32

	switch {
	case ok && looksLikeMsg1 && sess.Role() == noisesession.Initiator && !sess.IsEstablished():
		if m.localPeerID < peerID {
			m.mu.Unlock()
			logging.For(logging.Fields{Component: "session", PeerID: peerID}).
				Debug("discarding inbound msg1: local peer wins simultaneous-handshake tie-break")
			return nil, nil
		}

		logging.For(logging.Fields{Component: "session", PeerID: peerID}).
			Debug("local peer loses simultaneous-handshake tie-break, switching to responder")
		fresh, err := noisesession.NewResponder(m.staticPrivate, m.policy, m.clock)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
		}
		m.sessions[peerID] = fresh
		sess = fresh

	case ok && looksLikeMsg1 && sess.IsEstablished():
		// The peer is starting a fresh handshake (rekey) against a session
		// we still consider Established. A fresh inbound msg1 always
		// supersedes it: start a new Responder session for this attempt.
		logging.For(logging.Fields{Component: "session", PeerID: peerID}).
			Debug("inbound msg1 supersedes established session, treating as peer-initiated rekey")
		fresh, err := noisesession.NewResponder(m.staticPrivate, m.policy, m.clock)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
		}
		m.sessions[peerID] = fresh
		sess = fresh

	case !ok:
		fresh, err := noisesession.NewResponder(m.staticPrivate, m.policy, m.clock)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
		}
		m.sessions[peerID] = fresh
		sess = fresh
	}
	m.mu.Unlock()

	if _, err := sess.ReadMessage(message); err != nil {
		m.removeSession(peerID)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	if sess.IsEstablished() {
		m.handleEstablished(peerID, sess)
		return nil, nil
	}

	out, err := sess.WriteMessage()
	if err != nil {
		m.removeSession(peerID)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	if sess.IsEstablished() {
		m.handleEstablished(peerID, sess)
	}
	return out, nil
}

// handleEstablished updates the fingerprint index and invokes every
// registered handler exactly once, entirely outside the manager's lock.
func (m *Manager) handleEstablished(peerID string, sess *noisesession.Session) {
	remoteStatic, ok := sess.RemoteStaticKey()
	if !ok {
		return
	}
	fingerprint := identity.FingerprintOf(remoteStatic)

	m.mu.Lock()
	m.fingerprintOf[peerID] = fingerprint
	m.peerIDByFingerprint[fingerprint] = peerID
	handlers := append([]EstablishedHandler(nil), m.onEstablished...)
	m.mu.Unlock()

	logging.For(logging.Fields{Component: "session", PeerID: peerID, Fingerprint: fingerprint}).
		Info("session established")

	for _, handler := range handlers {
		handler(peerID, fingerprint)
	}
}

// Encrypt seals plaintext for peerID. Requires an Established session;
// otherwise returns ErrHandshakeRequired without side effects.
func (m *Manager) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()
	if !ok || !sess.IsEstablished() {
		return nil, ErrHandshakeRequired
	}
	ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRequired, err)
	}
	return ciphertext, nil
}

// Decrypt opens ciphertext from peerID. Requires an Established session;
// otherwise returns ErrSessionNotEstablished.
func (m *Manager) Decrypt(peerID string, ciphertext []byte) ([]byte, error) {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()
	if !ok || !sess.IsEstablished() {
		return nil, ErrSessionNotEstablished
	}
	plaintext, err := sess.Decrypt(ciphertext)
	if err != nil {
		if sess.CurrentPhase() == noisesession.PhaseFailed {
			m.removeSession(peerID)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// InitiateRekey resets peerID's session to a fresh Initiator handshake,
// returning the new msg1. The PeerId mapping (and prior fingerprint
// expectation) is preserved; the caller is responsible for transmitting the
// returned bytes.
func (m *Manager) InitiateRekey(peerID string) ([]byte, error) {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotEstablished
	}
	msg, err := sess.ResetForRekey(m.staticPrivate)
	if err != nil {
		m.removeSession(peerID)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return msg, nil
}

// SessionsNeedingRekey returns a snapshot of peer IDs whose established
// sessions have crossed a rekey threshold.
func (m *Manager) SessionsNeedingRekey() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []string
	for peerID, sess := range m.sessions {
		if sess.NeedsRekey() {
			due = append(due, peerID)
		}
	}
	return due
}

// RemoveSession evicts peerID's session and its fingerprint mapping, zeroing
// its key material.
func (m *Manager) RemoveSession(peerID string) {
	m.removeSession(peerID)
}

func (m *Manager) removeSession(peerID string) {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	delete(m.sessions, peerID)
	fp, hasFP := m.fingerprintOf[peerID]
	delete(m.fingerprintOf, peerID)
	if hasFP {
		delete(m.peerIDByFingerprint, fp)
	}
	m.mu.Unlock()

	if ok {
		sess.Close()
	}
}

// RemoveAllSessions evicts every session, zeroing their key material and
// clearing both fingerprint indices (spec §4.8 clear_ephemeral_for_panic).
func (m *Manager) RemoveAllSessions() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*noisesession.Session)
	m.fingerprintOf = make(map[string]string)
	m.peerIDByFingerprint = make(map[string]string)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	logging.For(logging.Fields{Component: "session"}).Info("all sessions cleared")
}
