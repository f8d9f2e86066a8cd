// Package bitchat is the public surface of the secure peer-to-peer session
// engine: encrypt/decrypt for established peers, handshake initiation and
// processing, fingerprint lookup, periodic rekeying, peer eviction, and the
// panic (emergency wipe) path.
//
// Grounded on the teacher's toxcore.go: an Options-configured top-level type
// that owns its subsystem instances, dispatches callbacks outside any held
// lock, and drives a periodic background timer, narrowed here to exactly the
// orchestration surface this engine needs: RateLimiter and Validator in
// front of a SessionManager.
package bitchat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/umangparnami/bitchat/config"
	"github.com/umangparnami/bitchat/identity"
	"github.com/umangparnami/bitchat/keystore"
	"github.com/umangparnami/bitchat/logging"
	"github.com/umangparnami/bitchat/ratelimiter"
	"github.com/umangparnami/bitchat/session"
	"github.com/umangparnami/bitchat/validator"
)

// PeerID is the transport-assigned routing handle for a peer.
type PeerID string

// Fingerprint is the lowercase hex SHA-256 digest of a peer's static public
// key: the stable, user-visible identity.
type Fingerprint string

// Sentinel errors surfaced across the boundary (spec §6).
var (
	ErrInvalidPeerID         = errors.New("bitchat: invalid peer id")
	ErrMessageTooLarge       = errors.New("bitchat: message too large")
	ErrRateLimitExceeded     = errors.New("bitchat: rate limit exceeded")
	ErrHandshakeRequired     = errors.New("bitchat: handshake required")
	ErrSessionNotEstablished = errors.New("bitchat: session not established")
	ErrHandshakeFailure      = errors.New("bitchat: handshake failed")
	ErrDecryptionFailure     = errors.New("bitchat: decryption failed")
	ErrPersistenceFailure    = errors.New("bitchat: persistence failure")
)

// AuthenticatedHandler is invoked once per peer, on every successful
// handshake establishment.
type AuthenticatedHandler func(peer PeerID, fingerprint Fingerprint)

// HandshakeRequiredHandler is the single slot fired when encryption is
// attempted without an established session, or when a rekey becomes due.
type HandshakeRequiredHandler func(peer PeerID)

// EncryptionService is the engine's public façade: it owns the identity
// vault, the per-peer session map, the rate limiter, the validator, and the
// periodic rekey timer.
type EncryptionService struct {
	mu sync.RWMutex

	vault     *identity.Vault
	validator *validator.Validator
	limiter   *ratelimiter.Limiter
	sessions  *session.Manager
	policy    config.Policy

	onAuthenticated     []AuthenticatedHandler
	onHandshakeRequired HandshakeRequiredHandler

	rekeyTicker *time.Ticker
	stopRekey   chan struct{}
	rekeyDone   sync.WaitGroup

	// pendingRekeyMsg holds the fresh msg1 produced by a rekey the caller
	// has not yet retrieved and transmitted; see TakePendingHandshakeMessage.
	pendingRekeyMsg map[string][]byte
}

// New constructs an EncryptionService for localPeerID, loading (or
// generating) the device's identity from store. The rekey timer is not
// started automatically; call Start.
func New(localPeerID PeerID, store keystore.Store, policy config.Policy) (*EncryptionService, error) {
	vault, err := identity.LoadOrCreate(store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if vault.NotPersisted() {
		logging.For(logging.Fields{Component: "bitchat"}).
			Warn("identity keys are not persisted; this identity is ephemeral for the process lifetime")
	}

	staticPriv, err := vault.StaticPrivate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	svc := &EncryptionService{
		vault:     vault,
		validator: validator.New(policy),
		limiter:   ratelimiter.New(policy),
		sessions:        session.New(string(localPeerID), staticPriv, policy),
		policy:          policy,
		stopRekey:       make(chan struct{}),
		pendingRekeyMsg: make(map[string][]byte),
	}
	svc.sessions.OnSessionEstablished(svc.dispatchAuthenticated)
	return svc, nil
}

// OnPeerAuthenticated registers a handler invoked on every successful
// handshake establishment. Multiple handlers may be registered; all run.
func (s *EncryptionService) OnPeerAuthenticated(handler AuthenticatedHandler) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthenticated = append(s.onAuthenticated, handler)
}

// SetHandshakeRequiredHandler installs the single handler fired when
// encryption is attempted without a session, or a rekey becomes due.
// Passing nil clears it.
func (s *EncryptionService) SetHandshakeRequiredHandler(handler HandshakeRequiredHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHandshakeRequired = handler
}

func (s *EncryptionService) dispatchAuthenticated(peerID, fingerprint string) {
	s.mu.RLock()
	handlers := append([]AuthenticatedHandler(nil), s.onAuthenticated...)
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(PeerID(peerID), Fingerprint(fingerprint))
	}
}

func (s *EncryptionService) dispatchHandshakeRequired(peer PeerID) {
	s.mu.RLock()
	handler := s.onHandshakeRequired
	s.mu.RUnlock()
	if handler != nil {
		handler(peer)
	}
}

// Encrypt validates size, applies the message rate limiter, and seals
// plaintext for peer. If no established session exists, the
// HandshakeRequiredHandler fires and ErrHandshakeRequired is returned.
func (s *EncryptionService) Encrypt(peer PeerID, plaintext []byte) ([]byte, error) {
	if err := s.validator.ValidateTransportMessageSize(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	if !s.limiter.AllowMessage(string(peer)) {
		return nil, ErrRateLimitExceeded
	}

	ciphertext, err := s.sessions.Encrypt(string(peer), plaintext)
	if err != nil {
		if errors.Is(err, session.ErrHandshakeRequired) {
			s.dispatchHandshakeRequired(peer)
			return nil, ErrHandshakeRequired
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return ciphertext, nil
}

// Decrypt validates size, applies the message rate limiter, and opens
// ciphertext from peer. Requires an established session.
func (s *EncryptionService) Decrypt(peer PeerID, ciphertext []byte) ([]byte, error) {
	if err := s.validator.ValidateTransportMessageSize(ciphertext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	if !s.limiter.AllowMessage(string(peer)) {
		return nil, ErrRateLimitExceeded
	}

	plaintext, err := s.sessions.Decrypt(string(peer), ciphertext)
	if err != nil {
		if errors.Is(err, session.ErrDecryptionFailure) {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionNotEstablished, err)
	}
	return plaintext, nil
}

// InitiateHandshake validates peer and applies the handshake rate limiter,
// then asks the SessionManager for a fresh msg1.
func (s *EncryptionService) InitiateHandshake(peer PeerID) ([]byte, error) {
	if err := s.validator.ValidatePeerID(string(peer)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if !s.limiter.AllowHandshake(string(peer)) {
		return nil, ErrRateLimitExceeded
	}

	msg, err := s.sessions.InitiateHandshake(string(peer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return msg, nil
}

// ProcessHandshakeMessage validates peer and message size and applies the
// handshake rate limiter, then delegates to the SessionManager, returning
// the response to send back (or nil when the handshake completed on this
// side with no message owed).
func (s *EncryptionService) ProcessHandshakeMessage(peer PeerID, message []byte) ([]byte, error) {
	if err := s.validator.ValidatePeerID(string(peer)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if err := s.validator.ValidateHandshakeMessageSize(message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	if !s.limiter.AllowHandshake(string(peer)) {
		return nil, ErrRateLimitExceeded
	}

	out, err := s.sessions.HandleIncomingHandshake(string(peer), message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return out, nil
}

// HasEstablishedSession reports whether peer has a completed handshake.
func (s *EncryptionService) HasEstablishedSession(peer PeerID) bool {
	return s.sessions.HasEstablishedSession(string(peer))
}

// FingerprintOf returns the fingerprint recorded for peer, once
// established.
func (s *EncryptionService) FingerprintOf(peer PeerID) (Fingerprint, bool) {
	fp, ok := s.sessions.Fingerprint(string(peer))
	return Fingerprint(fp), ok
}

// PeerForFingerprint is the reverse lookup of FingerprintOf.
func (s *EncryptionService) PeerForFingerprint(fingerprint Fingerprint) (PeerID, bool) {
	id, ok := s.sessions.PeerIDForFingerprint(string(fingerprint))
	return PeerID(id), ok
}

// RemovePeer evicts peer's session and fingerprint mapping.
func (s *EncryptionService) RemovePeer(peer PeerID) {
	s.sessions.RemoveSession(string(peer))
}

// Vault exposes the identity vault so callers can request a signed
// announce or packet signature without the façade needing to know about
// either wire format.
func (s *EncryptionService) Vault() *identity.Vault {
	return s.vault
}

// ClearEphemeralForPanic evicts every session, clears both fingerprint
// tables, and resets the rate limiter to full admission. The identity vault
// is NOT wiped here; see ClearPersistentIdentity for that separate,
// caller-invoked operation (spec §9 design note: panic vs. identity wipe
// must not be conflated).
func (s *EncryptionService) ClearEphemeralForPanic() {
	s.sessions.RemoveAllSessions()
	s.limiter.ResetAll()
	logging.For(logging.Fields{Component: "bitchat"}).Warn("ephemeral state cleared for panic")
}

// ClearPersistentIdentity stops the rekey timer and wipes the identity
// vault's keys from the backing store. This is the caller's separate
// "emergency wipe" operation; it does not evict sessions on its own — pair
// it with ClearEphemeralForPanic to fully compose the UI-triggered wipe.
func (s *EncryptionService) ClearPersistentIdentity() {
	s.Stop()
	s.vault.Wipe()
	logging.For(logging.Fields{Component: "bitchat"}).Warn("persistent identity wiped")
}

// Start begins the periodic rekey timer: every policy.RekeyCheckInterval,
// every peer whose session needs rekeying is handed a fresh Initiator
// handshake and the HandshakeRequiredHandler fires so the transport can
// schedule the new msg1.
//
// Grounded on crypto/advanced_session_management.go's RekeyManager: a
// time.Ticker driving a select loop with a stop channel, generalized from
// its own ad hoc per-session rekey state to this engine's
// SessionsNeedingRekey/InitiateRekey pair.
func (s *EncryptionService) Start() {
	s.mu.Lock()
	if s.rekeyTicker != nil {
		s.mu.Unlock()
		return
	}
	s.rekeyTicker = time.NewTicker(s.policy.RekeyCheckInterval)
	ticker := s.rekeyTicker
	stop := make(chan struct{})
	s.stopRekey = stop
	s.mu.Unlock()

	s.rekeyDone.Add(1)
	go s.rekeyLoop(ticker, stop)
}

func (s *EncryptionService) rekeyLoop(ticker *time.Ticker, stop chan struct{}) {
	defer s.rekeyDone.Done()
	for {
		select {
		case <-ticker.C:
			s.checkRekeys()
		case <-stop:
			return
		}
	}
}

func (s *EncryptionService) checkRekeys() {
	for _, peerID := range s.sessions.SessionsNeedingRekey() {
		msg, err := s.sessions.InitiateRekey(peerID)
		if err != nil {
			logging.For(logging.Fields{Component: "bitchat", PeerID: peerID}).
				WithError(err).Warn("rekey attempt failed")
			continue
		}
		s.mu.Lock()
		s.pendingRekeyMsg[peerID] = msg
		s.mu.Unlock()
		s.dispatchHandshakeRequired(PeerID(peerID))
	}
}

// TakePendingHandshakeMessage returns and clears the fresh msg1 produced by
// a rekey the transport has not yet sent, in response to
// HandshakeRequiredHandler firing for a rekey (spec §4.8). Returns false if
// no rekey message is pending for peer.
func (s *EncryptionService) TakePendingHandshakeMessage(peer PeerID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pendingRekeyMsg[string(peer)]
	if ok {
		delete(s.pendingRekeyMsg, string(peer))
	}
	return msg, ok
}

// Stop halts the rekey timer, if running. Sessions are left intact; pair
// with ClearEphemeralForPanic or RemovePeer to also drop them.
func (s *EncryptionService) Stop() {
	s.mu.Lock()
	ticker := s.rekeyTicker
	stop := s.stopRekey
	s.rekeyTicker = nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	s.rekeyDone.Wait()
}
