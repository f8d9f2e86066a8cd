package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/umangparnami/bitchat/logging"
	"github.com/umangparnami/bitchat/securemem"
)

// Key derivation and on-disk format constants for FileStore.
const (
	keyDerivationIterations = 100000
	saltLength              = 32
	fileMagic               = "bcks"
	fileFormatVersion       = 1
)

// FileStore persists tagged key material to disk, encrypted at rest with
// AES-256-GCM. Rather than using one master key directly to seal every tag's
// blob, a master key is derived from the passphrase via PBKDF2 and then a
// distinct per-tag subkey is derived from it via HMAC-SHA256, with the tag
// name itself bound into the AEAD as associated data. This means a blob
// written for one tag can never be substituted for another tag (an attacker
// who swaps two on-disk files, or relabels one, is caught by GCM
// authentication failing rather than silently decrypting under the wrong
// key). Writes are atomic (temp file + rename) so a crash mid-write never
// corrupts the previous value.
type FileStore struct {
	mu        sync.RWMutex
	masterKey [32]byte
	dataDir   string
	saltFile  string
}

// NewFileStore derives a master key from masterPassword and opens (or
// creates) dataDir as the backing directory. masterPassword is wiped after
// the key is derived.
func NewFileStore(dataDir string, masterPassword []byte) (*FileStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("keystore: master password cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: failed to create data directory: %w", err)
	}

	fs := &FileStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := fs.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(masterPassword, salt, keyDerivationIterations, 32, sha256.New)
	copy(fs.masterKey[:], derived)
	securemem.Zero(derived)
	securemem.Zero(masterPassword)

	return fs, nil
}

func (fs *FileStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)

	data, err := os.ReadFile(fs.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(fs.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltLength {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltLength)
	}
	copy(salt, data)
	return salt, nil
}

// subkeyFor derives the AES key used for tag's blob: HMAC-SHA256 of the tag
// name under the master key, so every tag gets an independent key instead of
// every file on disk sharing one raw key.
func (fs *FileStore) subkeyFor(tag string) [32]byte {
	mac := hmac.New(sha256.New, fs.masterKey[:])
	mac.Write([]byte(tag))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func (fs *FileStore) filename(tag string) string {
	return filepath.Join(fs.dataDir, tag+".key")
}

// Get implements Store.
func (fs *FileStore) Get(tag string) ([]byte, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.filename(tag))
	if err != nil {
		return nil, false
	}

	plaintext, err := fs.decrypt(tag, data)
	if err != nil {
		logging.For(logging.Fields{Component: "keystore"}).
			WithField("tag", tag).WithError(err).Error("failed to decrypt stored key material")
		return nil, false
	}
	return plaintext, true
}

// Put implements Store.
func (fs *FileStore) Put(tag string, value []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	output, err := fs.encrypt(tag, value)
	if err != nil {
		logging.For(logging.Fields{Component: "keystore"}).
			WithField("tag", tag).WithError(err).Error("failed to encrypt key material")
		return false
	}

	tmp := fs.filename(tag) + ".tmp"
	final := fs.filename(tag)

	if err := os.WriteFile(tmp, output, 0o600); err != nil {
		logging.For(logging.Fields{Component: "keystore"}).
			WithField("tag", tag).WithError(err).Error("failed to write temporary key file")
		return false
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		logging.For(logging.Fields{Component: "keystore"}).
			WithField("tag", tag).WithError(err).Error("failed to persist key file")
		return false
	}
	return true
}

// Delete implements Store.
func (fs *FileStore) Delete(tag string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.filename(tag)
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}

	zeros := make([]byte, info.Size())
	_ = os.WriteFile(path, zeros, 0o600)

	return os.Remove(path) == nil
}

// Close securely wipes the master key from memory. After Close the
// FileStore must not be used.
func (fs *FileStore) Close() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	securemem.Zero32(&fs.masterKey)
}

// encrypt seals plaintext under tag's derived subkey, binding tag as AEAD
// associated data. Wire format: magic(4) || format version(1) || nonce(12)
// || ciphertext+tag(N). The tag itself is never written to the blob: it is
// only ever supplied by the caller (the filename already carries it), which
// is what lets it double as authenticated context.
func (fs *FileStore) encrypt(tag string, plaintext []byte) ([]byte, error) {
	subkey := fs.subkeyFor(tag)
	defer securemem.Zero32(&subkey)

	block, err := aes.NewCipher(subkey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(tag))

	header := len(fileMagic) + 1
	out := make([]byte, header+len(nonce)+len(ciphertext))
	copy(out[0:len(fileMagic)], fileMagic)
	out[len(fileMagic)] = fileFormatVersion
	copy(out[header:header+len(nonce)], nonce)
	copy(out[header+len(nonce):], ciphertext)
	return out, nil
}

func (fs *FileStore) decrypt(tag string, data []byte) ([]byte, error) {
	header := len(fileMagic) + 1
	if len(data) < header+12+16 {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}
	if string(data[0:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("not a recognized key file")
	}
	version := data[len(fileMagic)]
	if version != fileFormatVersion {
		return nil, fmt.Errorf("unsupported key file format version: %d", version)
	}

	subkey := fs.subkeyFor(tag)
	defer securemem.Zero32(&subkey)

	block, err := aes.NewCipher(subkey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < header+nonceSize {
		return nil, fmt.Errorf("file too short for nonce")
	}
	nonce := data[header : header+nonceSize]
	ciphertext := data[header+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(tag))
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password, corrupted data, or mismatched tag): %w", err)
	}
	return plaintext, nil
}
