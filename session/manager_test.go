package session

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umangparnami/bitchat/config"
)

func randomStatic(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

// driveHandshake runs a full S1-style basic handshake between two managers
// that have already each called InitiateHandshake/HandleIncomingHandshake
// appropriately, feeding bytes between them until both report established.
func driveHandshake(t *testing.T, a, b *Manager, peerA, peerB string) {
	t.Helper()

	msg1, err := a.InitiateHandshake(peerB)
	require.NoError(t, err)

	msg2, err := b.HandleIncomingHandshake(peerA, msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := a.HandleIncomingHandshake(peerB, msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	out, err := b.HandleIncomingHandshake(peerA, msg3)
	require.NoError(t, err)
	assert.Nil(t, out, "responder owes no reply after msg3")

	assert.True(t, a.HasEstablishedSession(peerB))
	assert.True(t, b.HasEstablishedSession(peerA))
}

func TestBasicHandshakeEstablishesBothSidesWithFingerprints(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222"

	a := New(peerA, randomStatic(t), config.DefaultPolicy())
	b := New(peerB, randomStatic(t), config.DefaultPolicy())

	var aAuthenticated, bAuthenticated []string
	a.OnSessionEstablished(func(peerID, fingerprint string) {
		aAuthenticated = append(aAuthenticated, peerID+":"+fingerprint)
	})
	b.OnSessionEstablished(func(peerID, fingerprint string) {
		bAuthenticated = append(bAuthenticated, peerID+":"+fingerprint)
	})

	driveHandshake(t, a, b, peerA, peerB)

	require.Len(t, aAuthenticated, 1)
	require.Len(t, bAuthenticated, 1)

	fpOfBAtA, ok := a.Fingerprint(peerB)
	require.True(t, ok)
	assert.Len(t, fpOfBAtA, 64)

	fpOfAAtB, ok := b.Fingerprint(peerA)
	require.True(t, ok)
	assert.Len(t, fpOfAAtB, 64)
}

func TestEncryptRoundTripAfterHandshake(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222"
	a := New(peerA, randomStatic(t), config.DefaultPolicy())
	b := New(peerB, randomStatic(t), config.DefaultPolicy())
	driveHandshake(t, a, b, peerA, peerB)

	ciphertext, err := a.Encrypt(peerB, []byte("hello"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ciphertext), len("hello")+16)

	plaintext, err := b.Decrypt(peerA, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestEncryptWithoutSessionReturnsHandshakeRequired(t *testing.T) {
	m := New("aaaa1111", randomStatic(t), config.DefaultPolicy())
	_, err := m.Encrypt("bbbb2222", []byte("x"))
	assert.ErrorIs(t, err, ErrHandshakeRequired)
}

func TestDecryptWithoutSessionReturnsSessionNotEstablished(t *testing.T) {
	m := New("aaaa1111", randomStatic(t), config.DefaultPolicy())
	_, err := m.Decrypt("bbbb2222", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotEstablished)
}

func TestSimultaneousHandshakeConvergesViaPeerIDTieBreak(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222" // peerA < peerB lexicographically

	a := New(peerA, randomStatic(t), config.DefaultPolicy())
	b := New(peerB, randomStatic(t), config.DefaultPolicy())

	msg1FromA, err := a.InitiateHandshake(peerB)
	require.NoError(t, err)
	msg1FromB, err := b.InitiateHandshake(peerA)
	require.NoError(t, err)

	// Each side now receives the other's msg1 "at roughly the same time".
	// peerA < peerB: A keeps its Initiator attempt (discards B's inbound
	// msg1); B discards its Initiator attempt and becomes Responder.
	out, err := a.HandleIncomingHandshake(peerB, msg1FromB)
	require.NoError(t, err)
	assert.Nil(t, out, "the tie-break winner discards the loser's msg1 silently")

	msg2, err := b.HandleIncomingHandshake(peerA, msg1FromA)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := a.HandleIncomingHandshake(peerB, msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)

	out, err = b.HandleIncomingHandshake(peerA, msg3)
	require.NoError(t, err)
	assert.Nil(t, out)

	assert.True(t, a.HasEstablishedSession(peerB))
	assert.True(t, b.HasEstablishedSession(peerA))
}

func TestReplayedCiphertextIsRejectedButSessionSurvives(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222"
	a := New(peerA, randomStatic(t), config.DefaultPolicy())
	b := New(peerB, randomStatic(t), config.DefaultPolicy())
	driveHandshake(t, a, b, peerA, peerB)

	ciphertext, err := a.Encrypt(peerB, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := b.Decrypt(peerA, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	// Replaying the same ciphertext must fail (nonce no longer expected).
	_, err = b.Decrypt(peerA, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailure)

	// The session must still be usable for the next legitimate message.
	ciphertext2, err := a.Encrypt(peerB, []byte("still good"))
	require.NoError(t, err)
	plaintext2, err := b.Decrypt(peerA, ciphertext2)
	require.NoError(t, err)
	assert.Equal(t, []byte("still good"), plaintext2)
}

func TestRekeyProducesNewSessionThatCannotDecryptOldCiphertext(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222"
	policy := config.DefaultPolicy()
	policy.RekeyMessageThreshold = 1

	a := New(peerA, randomStatic(t), policy)
	b := New(peerB, randomStatic(t), policy)
	driveHandshake(t, a, b, peerA, peerB)

	oldCiphertext, err := a.Encrypt(peerB, []byte("before rekey"))
	require.NoError(t, err)
	_, err = b.Decrypt(peerA, oldCiphertext)
	require.NoError(t, err)

	due := a.SessionsNeedingRekey()
	require.Contains(t, due, peerB)

	msg1, err := a.InitiateHandshake(peerB)
	require.NoError(t, err)

	msg2, err := b.HandleIncomingHandshake(peerA, msg1)
	require.NoError(t, err)
	msg3, err := a.HandleIncomingHandshake(peerB, msg2)
	require.NoError(t, err)
	_, err = b.HandleIncomingHandshake(peerA, msg3)
	require.NoError(t, err)

	newCiphertext, err := a.Encrypt(peerB, []byte("after rekey"))
	require.NoError(t, err)
	newPlaintext, err := b.Decrypt(peerA, newCiphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rekey"), newPlaintext)

	_, err = b.Decrypt(peerA, oldCiphertext)
	assert.Error(t, err, "old ciphertext must not decrypt under the rekeyed session")
}

func TestRemoveAllSessionsClearsEverything(t *testing.T) {
	const peerA, peerB = "aaaa1111", "bbbb2222"
	a := New(peerA, randomStatic(t), config.DefaultPolicy())
	b := New(peerB, randomStatic(t), config.DefaultPolicy())
	driveHandshake(t, a, b, peerA, peerB)

	a.RemoveAllSessions()

	assert.False(t, a.HasSession(peerB))
	_, ok := a.Fingerprint(peerB)
	assert.False(t, ok)

	_, err := a.Encrypt(peerB, []byte("x"))
	assert.ErrorIs(t, err, ErrHandshakeRequired)
}

func TestSetClockIsUsedByNewSessions(t *testing.T) {
	m := New("aaaa1111", randomStatic(t), config.DefaultPolicy())
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	_, err := m.InitiateHandshake("bbbb2222")
	require.NoError(t, err)
	assert.True(t, m.HasSession("bbbb2222"))
}
