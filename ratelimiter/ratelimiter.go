// Package ratelimiter implements per-peer token-bucket admission control for
// handshake attempts and transport messages (spec §4.2). Noise handshakes are
// cryptographically expensive, and an unauthenticated flood is a denial-of-
// service vector; bucketing by peer localizes the damage instead of
// punishing every peer on a single attacker's account.
package ratelimiter

import (
	"sync"
	"time"

	"github.com/umangparnami/bitchat/config"
	"github.com/umangparnami/bitchat/logging"
)

// bucket is a single token bucket: tokens refill continuously at
// capacity/window nanoseconds-per-token, capped at capacity, and each Allow
// call that succeeds spends exactly one token.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

func newBucket(capacity int) *bucket {
	return &bucket{tokens: float64(capacity), lastFill: time.Now()}
}

func (b *bucket) allow(capacity int, window time.Duration, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if window <= 0 || capacity <= 0 {
		return false
	}

	elapsed := now.Sub(b.lastFill)
	b.lastFill = now
	refillRate := float64(capacity) / window.Seconds()
	b.tokens += elapsed.Seconds() * refillRate
	if b.tokens > float64(capacity) {
		b.tokens = float64(capacity)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// perPeerState holds the two independent buckets RateLimiterState tracks for
// a single peer (spec §3).
type perPeerState struct {
	handshake *bucket
	message   *bucket
}

// Limiter admits handshake attempts and transport messages per peer against
// a shared Policy. Safe for concurrent use.
type Limiter struct {
	mu     sync.RWMutex
	policy config.Policy
	peers  map[string]*perPeerState
	now    func() time.Time
}

// New creates a Limiter governed by policy.
func New(policy config.Policy) *Limiter {
	return &Limiter{
		policy: policy,
		peers:  make(map[string]*perPeerState),
		now:    time.Now,
	}
}

// SetClock overrides the limiter's time source, for deterministic tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	l.now = now
}

func (l *Limiter) stateFor(peer string) *perPeerState {
	l.mu.RLock()
	st, ok := l.peers[peer]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.peers[peer]; ok {
		return st
	}
	st = &perPeerState{
		handshake: newBucket(l.policy.HandshakeBurst),
		message:   newBucket(l.policy.MessageBurst),
	}
	l.peers[peer] = st
	return st
}

// AllowHandshake reports whether peer may attempt another handshake right
// now, atomically consuming one token from its handshake bucket if so.
func (l *Limiter) AllowHandshake(peer string) bool {
	st := l.stateFor(peer)
	ok := st.handshake.allow(l.policy.HandshakeBurst, l.policy.HandshakeWindow, l.now())
	if !ok {
		logging.For(logging.Fields{Component: "ratelimiter", PeerID: peer}).
			WithField("bucket", "handshake").Warn("rate limit exceeded")
	}
	return ok
}

// AllowMessage reports whether peer may send another transport message right
// now, atomically consuming one token from its message bucket if so.
func (l *Limiter) AllowMessage(peer string) bool {
	st := l.stateFor(peer)
	ok := st.message.allow(l.policy.MessageBurst, l.policy.MessageWindow, l.now())
	if !ok {
		logging.For(logging.Fields{Component: "ratelimiter", PeerID: peer}).
			WithField("bucket", "message").Warn("rate limit exceeded")
	}
	return ok
}

// ResetAll clears every peer's buckets, restoring full admission. Invoked by
// the façade's panic path (spec §4.8, testable property 8).
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = make(map[string]*perPeerState)
	logging.For(logging.Fields{Component: "ratelimiter"}).Info("rate limiter reset")
}

// Forget drops bucket state for a single peer, e.g. on explicit peer
// removal, so a returning peer starts with a full bucket.
func (l *Limiter) Forget(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, peer)
}
