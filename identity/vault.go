// Package identity implements IdentityVault: the device's long-term
// key-agreement and signing keypairs, loaded from (or generated into) a
// pluggable secure store, with fingerprint derivation, detached signing, and
// panic wipe.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/umangparnami/bitchat/keystore"
	"github.com/umangparnami/bitchat/logging"
	"github.com/umangparnami/bitchat/securemem"
)

// ErrVaultWiped is returned by every operation once Wipe has been called.
var ErrVaultWiped = errors.New("identity: vault has been wiped")

// ErrSignFailed wraps lower-level signing failures.
var ErrSignFailed = errors.New("identity: signing failed")

// Keypair is a Curve25519 key-agreement or Ed25519 signing private/public
// pair held in memory.
type Keypair struct {
	Private [32]byte
	Public  [32]byte
}

// Vault holds the device's static key-agreement keypair and its separate
// Ed25519 signing keypair. Construct with LoadOrCreate; a Vault must not be
// copied after construction because it guards key material with a mutex.
type Vault struct {
	mu           sync.RWMutex
	store        keystore.Store
	staticKeys   Keypair
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
	wiped        bool
	notPersisted bool // true if either keypair could not be saved to the store
}

// LoadOrCreate loads the device's static and signing keypairs from store,
// generating and persisting fresh ones on a miss or parse failure.
// Persistence failures are logged and do not prevent LoadOrCreate from
// returning a usable, ephemeral-for-this-process Vault; callers can inspect
// NotPersisted to decide whether to surface a warning.
func LoadOrCreate(store keystore.Store) (*Vault, error) {
	v := &Vault{store: store}

	staticPriv, err := v.loadOrGenerateStatic()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to initialize static keypair: %w", err)
	}
	v.staticKeys = *staticPriv

	signPriv, signPub, err := v.loadOrGenerateSigning()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to initialize signing keypair: %w", err)
	}
	v.signingPriv = signPriv
	v.signingPub = signPub

	return v, nil
}

func (v *Vault) loadOrGenerateStatic() (*Keypair, error) {
	logger := logging.For(logging.Fields{Component: "identity"}).WithField("key", "static")

	if raw, ok := v.store.Get(keystore.StaticKeyTag); ok && len(raw) == 32 {
		var priv [32]byte
		copy(priv[:], raw)
		kp, err := keypairFromPrivate(priv)
		if err == nil {
			logger.Info("loaded static keypair from store")
			return kp, nil
		}
		logger.WithError(err).Warn("stored static key failed to parse, generating fresh keypair")
	}

	kp, err := generateKeypair()
	if err != nil {
		return nil, err
	}
	if !v.store.Put(keystore.StaticKeyTag, kp.Private[:]) {
		v.notPersisted = true
		logger.Warn("failed to persist static keypair, continuing with ephemeral identity")
	} else {
		logger.Info("generated and persisted new static keypair")
	}
	return kp, nil
}

func (v *Vault) loadOrGenerateSigning() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	logger := logging.For(logging.Fields{Component: "identity"}).WithField("key", "signing")

	if raw, ok := v.store.Get(keystore.SigningKeyTag); ok && len(raw) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(raw)
		logger.Info("loaded signing keypair from store")
		return priv, priv.Public().(ed25519.PublicKey), nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	if !v.store.Put(keystore.SigningKeyTag, seed) {
		v.notPersisted = true
		logger.Warn("failed to persist signing keypair, continuing with ephemeral identity")
	} else {
		logger.Info("generated and persisted new signing keypair")
	}
	securemem.Zero(seed)

	return priv, priv.Public().(ed25519.PublicKey), nil
}

// StaticPublic returns the 32-byte Curve25519 public key used for the Noise
// handshake.
func (v *Vault) StaticPublic() ([32]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.wiped {
		return [32]byte{}, ErrVaultWiped
	}
	return v.staticKeys.Public, nil
}

// StaticPrivate returns a copy of the Curve25519 private key. Callers that
// need to hand the key to the Noise library must not retain it beyond the
// handshake construction call.
func (v *Vault) StaticPrivate() ([32]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.wiped {
		return [32]byte{}, ErrVaultWiped
	}
	return v.staticKeys.Private, nil
}

// SigningPublic returns the 32-byte Ed25519 public key.
func (v *Vault) SigningPublic() ([32]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.wiped {
		return [32]byte{}, ErrVaultWiped
	}
	var pub [32]byte
	copy(pub[:], v.signingPub)
	return pub, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of the static public
// key: the stable, user-visible identity for this device.
func (v *Vault) Fingerprint() (string, error) {
	pub, err := v.StaticPublic()
	if err != nil {
		return "", err
	}
	return FingerprintOf(pub), nil
}

// FingerprintOf computes the fingerprint of an arbitrary raw 32-byte public
// key, matching the definition used for Fingerprint().
func FingerprintOf(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}

// Sign produces a 64-byte Ed25519 detached signature over data using the
// vault's signing key.
func (v *Vault) Sign(data []byte) ([64]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.wiped {
		return [64]byte{}, ErrVaultWiped
	}
	sig := ed25519.Sign(v.signingPriv, data)
	var out [64]byte
	copy(out[:], sig)
	return out, nil
}

// Verify checks an Ed25519 detached signature against data and an arbitrary
// public key (not necessarily this vault's).
func Verify(data []byte, signature [64]byte, publicKey [32]byte) bool {
	return ed25519.Verify(publicKey[:], data, signature[:])
}

// NotPersisted reports whether the most recent load/generate of either
// keypair failed to persist to the store; the identity is then only
// self-consistent for the lifetime of this process.
func (v *Vault) NotPersisted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.notPersisted
}

// Wipe deletes both keys from the backing store and zeros the in-memory
// copies. Every subsequent Vault operation fails with ErrVaultWiped until the
// caller constructs a fresh Vault via LoadOrCreate.
func (v *Vault) Wipe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.wiped {
		return
	}

	logger := logging.For(logging.Fields{Component: "identity"})
	if !v.store.Delete(keystore.StaticKeyTag) {
		logger.Warn("failed to delete static key from store during wipe")
	}
	if !v.store.Delete(keystore.SigningKeyTag) {
		logger.Warn("failed to delete signing key from store during wipe")
	}

	securemem.Zero32(&v.staticKeys.Private)
	securemem.Zero32(&v.staticKeys.Public)
	securemem.Zero(v.signingPriv)
	securemem.Zero(v.signingPub)
	v.wiped = true

	logger.Info("identity vault wiped")
}

func generateKeypair() (*Keypair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return keypairFromPrivate(priv)
}

// keypairFromPrivate clamps priv per Curve25519 convention and derives the
// matching public key, returning the original (unclamped) private key
// alongside it — matching NaCl's storage convention where clamping happens
// at use time, not at rest.
func keypairFromPrivate(priv [32]byte) (*Keypair, error) {
	if isZero(priv) {
		return nil, errors.New("invalid private key: all zeros")
	}

	var clamped [32]byte
	copy(clamped[:], priv[:])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &clamped)
	securemem.Zero32(&clamped)

	return &Keypair{Private: priv, Public: pub}, nil
}

func isZero(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
