package bitchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umangparnami/bitchat/config"
	"github.com/umangparnami/bitchat/keystore"
)

func newService(t *testing.T, peerID PeerID) *EncryptionService {
	t.Helper()
	svc, err := New(peerID, keystore.NewMemoryStore(), config.DefaultPolicy())
	require.NoError(t, err)
	return svc
}

// driveHandshake runs a full 3-message Noise XX exchange between two
// services, purely through the façade's public handshake operations.
func driveHandshake(t *testing.T, a, b *EncryptionService, peerA, peerB PeerID) {
	t.Helper()

	msg1, err := a.InitiateHandshake(peerB)
	require.NoError(t, err)

	msg2, err := b.ProcessHandshakeMessage(peerA, msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := a.ProcessHandshakeMessage(peerB, msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	final, err := b.ProcessHandshakeMessage(peerA, msg3)
	require.NoError(t, err)
	require.Nil(t, final)

	require.True(t, a.HasEstablishedSession(peerB))
	require.True(t, b.HasEstablishedSession(peerA))
}

func TestFirstContactHandshakeEstablishesMutualFingerprints(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)
	b := newService(t, peerB)

	var authenticatedOnA, authenticatedOnB []PeerID
	a.OnPeerAuthenticated(func(peer PeerID, _ Fingerprint) { authenticatedOnA = append(authenticatedOnA, peer) })
	b.OnPeerAuthenticated(func(peer PeerID, _ Fingerprint) { authenticatedOnB = append(authenticatedOnB, peer) })

	driveHandshake(t, a, b, peerA, peerB)

	assert.Equal(t, []PeerID{peerB}, authenticatedOnA)
	assert.Equal(t, []PeerID{peerA}, authenticatedOnB)

	fpOfBOnA, ok := a.FingerprintOf(peerB)
	require.True(t, ok)
	fpOfAOnB, ok := b.FingerprintOf(peerA)
	require.True(t, ok)
	assert.NotEmpty(t, fpOfBOnA)
	assert.NotEmpty(t, fpOfAOnB)

	reversePeer, ok := a.PeerForFingerprint(fpOfBOnA)
	require.True(t, ok)
	assert.Equal(t, peerB, reversePeer)
}

func TestEncryptDecryptRoundTripThroughFacade(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)
	b := newService(t, peerB)
	driveHandshake(t, a, b, peerA, peerB)

	ciphertext, err := a.Encrypt(peerB, []byte("hello there"))
	require.NoError(t, err)

	plaintext, err := b.Decrypt(peerA, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello there"), plaintext)
}

func TestEncryptWithoutSessionFiresHandshakeRequiredHandler(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)

	var requiredFor PeerID
	a.SetHandshakeRequiredHandler(func(peer PeerID) { requiredFor = peer })

	_, err := a.Encrypt(peerB, []byte("hi"))
	assert.ErrorIs(t, err, ErrHandshakeRequired)
	assert.Equal(t, peerB, requiredFor)
}

func TestDecryptWithoutSessionReturnsSessionNotEstablished(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)

	_, err := a.Decrypt(peerB, []byte("not even a real frame"))
	assert.ErrorIs(t, err, ErrSessionNotEstablished)
}

func TestOversizedMessageRejectedBeforeTouchingSession(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)
	b := newService(t, peerB)
	driveHandshake(t, a, b, peerA, peerB)

	huge := make([]byte, config.DefaultPolicy().MaxTransportMessageSize+1)
	_, err := a.Encrypt(peerB, huge)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestInvalidPeerIDRejectedOnHandshakeInitiation(t *testing.T) {
	a := newService(t, PeerID("aaaa1111"))
	tooLong := make([]byte, config.DefaultPolicy().MaxPeerIDLength+1)
	for i := range tooLong {
		tooLong[i] = 'x'
	}
	_, err := a.InitiateHandshake(PeerID(tooLong))
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

func TestHandshakeRateLimitExceeded(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.HandshakeBurst = 1
	a, err := New(PeerID("aaaa1111"), keystore.NewMemoryStore(), policy)
	require.NoError(t, err)

	_, err = a.InitiateHandshake(PeerID("bbbb2222"))
	require.NoError(t, err)

	_, err = a.InitiateHandshake(PeerID("cccc3333"))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestClearEphemeralForPanicDropsSessionsButKeepsIdentity(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)
	b := newService(t, peerB)
	driveHandshake(t, a, b, peerA, peerB)

	fpBefore, err := a.vault.Fingerprint()
	require.NoError(t, err)

	a.ClearEphemeralForPanic()
	assert.False(t, a.HasEstablishedSession(peerB))

	fpAfter, err := a.vault.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fpBefore, fpAfter, "identity must survive an ephemeral panic wipe")
}

func TestClearPersistentIdentityWipesVault(t *testing.T) {
	a := newService(t, PeerID("aaaa1111"))
	a.ClearPersistentIdentity()
	assert.True(t, a.vault.NotPersisted())
}

func TestStartAndStopRekeyTimerIsIdempotentAndSafe(t *testing.T) {
	a := newService(t, PeerID("aaaa1111"))
	a.Start()
	a.Start() // second call must be a no-op, not a double-start panic
	a.Stop()
	a.Stop() // second stop must also be a safe no-op
}

func TestRemovePeerEvictsSessionOnly(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	a := newService(t, peerA)
	b := newService(t, peerB)
	driveHandshake(t, a, b, peerA, peerB)

	a.RemovePeer(peerB)
	assert.False(t, a.HasEstablishedSession(peerB))

	_, err := a.Encrypt(peerB, []byte("hi"))
	assert.ErrorIs(t, err, ErrHandshakeRequired)
}

func TestRekeyTimerFiresHandshakeRequiredWhenDue(t *testing.T) {
	const peerA, peerB = PeerID("aaaa1111"), PeerID("bbbb2222")
	policy := config.DefaultPolicy()
	policy.RekeyMessageThreshold = 1
	policy.RekeyCheckInterval = 20 * time.Millisecond

	a, err := New(peerA, keystore.NewMemoryStore(), policy)
	require.NoError(t, err)
	b, err := New(peerB, keystore.NewMemoryStore(), policy)
	require.NoError(t, err)
	driveHandshake(t, a, b, peerA, peerB)

	_, err = a.Encrypt(peerB, []byte("one message crosses the rekey threshold"))
	require.NoError(t, err)

	fired := make(chan PeerID, 1)
	a.SetHandshakeRequiredHandler(func(peer PeerID) {
		select {
		case fired <- peer:
		default:
		}
	})
	a.Start()
	defer a.Stop()

	select {
	case peer := <-fired:
		assert.Equal(t, peerB, peer)
	case <-time.After(time.Second):
		t.Fatal("rekey timer never fired HandshakeRequiredHandler")
	}

	rekeyMsg, ok := a.TakePendingHandshakeMessage(peerB)
	require.True(t, ok)
	assert.NotEmpty(t, rekeyMsg)

	_, ok = a.TakePendingHandshakeMessage(peerB)
	assert.False(t, ok, "pending message must be cleared once taken")
}
