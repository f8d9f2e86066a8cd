package announce

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umangparnami/bitchat/identity"
	"github.com/umangparnami/bitchat/keystore"
)

func testVault(t *testing.T) *identity.Vault {
	t.Helper()
	v, err := identity.LoadOrCreate(keystore.NewMemoryStore())
	require.NoError(t, err)
	return v
}

func randomKey32(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	vault := testVault(t)
	staticPub := randomKey32(t)
	signingPub, err := vault.SigningPublic()
	require.NoError(t, err)

	a, err := Build(vault, "aaaa1111", staticPub, signingPub, "alice", 1_700_000_000_000)
	require.NoError(t, err)

	assert.True(t, Verify(*a, signingPub))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vault := testVault(t)
	staticPub := randomKey32(t)
	signingPub, err := vault.SigningPublic()
	require.NoError(t, err)

	a, err := Build(vault, "aaaa1111", staticPub, signingPub, "alice", 1_700_000_000_000)
	require.NoError(t, err)

	wire := Encode(*a)
	decoded, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, a.PeerID, decoded.PeerID)
	assert.Equal(t, a.NoiseStaticPublic, decoded.NoiseStaticPublic)
	assert.Equal(t, a.Ed25519Public, decoded.Ed25519Public)
	assert.Equal(t, a.Nickname, decoded.Nickname)
	assert.Equal(t, a.TimestampMs, decoded.TimestampMs)
	assert.Equal(t, a.Signature, decoded.Signature)
	assert.True(t, Verify(decoded, signingPub))
}

func TestSingleBitMutationBreaksVerification(t *testing.T) {
	vault := testVault(t)
	staticPub := randomKey32(t)
	signingPub, err := vault.SigningPublic()
	require.NoError(t, err)

	base, err := Build(vault, "aaaa1111", staticPub, signingPub, "alice", 1_700_000_000_000)
	require.NoError(t, err)
	require.True(t, Verify(*base, signingPub))

	mutatePeerID := *base
	mutatePeerID.PeerID = "aaaa1112"
	assert.False(t, Verify(mutatePeerID, signingPub))

	mutateStatic := *base
	mutateStatic.NoiseStaticPublic[0] ^= 0x01
	assert.False(t, Verify(mutateStatic, signingPub))

	mutateSigning := *base
	mutateSigning.Ed25519Public[0] ^= 0x01
	assert.False(t, Verify(mutateSigning, signingPub))

	mutateNickname := *base
	mutateNickname.Nickname = "alicee"
	assert.False(t, Verify(mutateNickname, signingPub))

	mutateTimestamp := *base
	mutateTimestamp.TimestampMs++
	assert.False(t, Verify(mutateTimestamp, signingPub))
}

func TestVerifyFailsForWrongSigningKey(t *testing.T) {
	vault := testVault(t)
	staticPub := randomKey32(t)
	signingPub, err := vault.SigningPublic()
	require.NoError(t, err)

	a, err := Build(vault, "aaaa1111", staticPub, signingPub, "alice", 1)
	require.NoError(t, err)

	wrongKey := randomKey32(t)
	assert.False(t, Verify(*a, wrongKey))
}
