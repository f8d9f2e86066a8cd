package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/umangparnami/bitchat/config"
)

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.HandshakeBurst = 3
	p.HandshakeWindow = 10 * time.Second
	p.MessageBurst = 5
	p.MessageWindow = time.Second
	return p
}

func TestAllowHandshakeAdmitsExactlyConfiguredBurst(t *testing.T) {
	lim := New(testPolicy())

	for i := 0; i < 3; i++ {
		assert.True(t, lim.AllowHandshake("peer-a"), "attempt %d should be admitted", i)
	}
	assert.False(t, lim.AllowHandshake("peer-a"), "burst+1 should be rejected")
}

func TestBucketsAreIndependentPerPeer(t *testing.T) {
	lim := New(testPolicy())
	for i := 0; i < 3; i++ {
		assert.True(t, lim.AllowHandshake("peer-a"))
	}
	assert.False(t, lim.AllowHandshake("peer-a"))
	assert.True(t, lim.AllowHandshake("peer-b"), "a different peer must have its own bucket")
}

func TestHandshakeAndMessageBucketsAreIndependent(t *testing.T) {
	lim := New(testPolicy())
	for i := 0; i < 3; i++ {
		lim.AllowHandshake("peer-a")
	}
	assert.False(t, lim.AllowHandshake("peer-a"))
	assert.True(t, lim.AllowMessage("peer-a"), "message bucket must not be exhausted by handshake bucket")
}

func TestTokensRefillOverTime(t *testing.T) {
	lim := New(testPolicy())
	now := time.Now()
	lim.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, lim.AllowHandshake("peer-a"))
	}
	assert.False(t, lim.AllowHandshake("peer-a"))

	now = now.Add(11 * time.Second)
	assert.True(t, lim.AllowHandshake("peer-a"), "bucket should have refilled after the window elapses")
}

func TestResetAllRestoresFullAdmission(t *testing.T) {
	lim := New(testPolicy())
	for i := 0; i < 3; i++ {
		lim.AllowHandshake("peer-a")
	}
	assert.False(t, lim.AllowHandshake("peer-a"))

	lim.ResetAll()

	assert.True(t, lim.AllowHandshake("peer-a"))
}

func TestForgetDropsPeerState(t *testing.T) {
	lim := New(testPolicy())
	for i := 0; i < 3; i++ {
		lim.AllowHandshake("peer-a")
	}
	lim.Forget("peer-a")
	assert.True(t, lim.AllowHandshake("peer-a"))
}
