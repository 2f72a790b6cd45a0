package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
)

var (
	encryptionKey    []byte
	keyMutex         sync.RWMutex
	keyInitialized   bool
	ErrNoKey         = errors.New("encryption key not initialized")
	ErrDecryptFailed = errors.New("decryption failed")
)

// InitializeKey derives the credential encryption key from the configured
// secret. Must be called before any storage account credential is read.
func InitializeKey(secret string) error {
	if secret == "" {
		return ErrNoKey
	}

	keyMutex.Lock()
	defer keyMutex.Unlock()

	// Derive 32-byte key using SHA-256
	hash := sha256.Sum256([]byte(secret))
	encryptionKey = hash[:]
	keyInitialized = true

	return nil
}

func currentKey() ([]byte, error) {
	keyMutex.RLock()
	defer keyMutex.RUnlock()

	if !keyInitialized {
		return nil, ErrNoKey
	}
	key := make([]byte, len(encryptionKey))
	copy(key, encryptionKey)
	return key, nil
}

// EncryptCredential encrypts an account credential with AES-256-GCM.
// Returns hex-encoded ciphertext, nonce and auth tag stored as separate
// columns on the storage account row.
func EncryptCredential(plaintext string) (blob, iv, tag string, err error) {
	key, err := currentKey()
	if err != nil {
		return "", "", "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	// gcm.Seal appends the 16-byte auth tag to the ciphertext
	tagSize := gcm.Overhead()
	ct, at := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(ct), hex.EncodeToString(nonce), hex.EncodeToString(at), nil
}

// DecryptCredential reverses EncryptCredential
func DecryptCredential(blob, iv, tag string) (string, error) {
	key, err := currentKey()
	if err != nil {
		return "", err
	}

	ct, err := hex.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptFailed
	}
	nonce, err := hex.DecodeString(iv)
	if err != nil {
		return "", ErrDecryptFailed
	}
	at, err := hex.DecodeString(tag)
	if err != nil {
		return "", ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(nonce) != gcm.NonceSize() {
		return "", ErrDecryptFailed
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, at...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}
