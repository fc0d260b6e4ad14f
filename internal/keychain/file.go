package keychain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
)

// FileStore is an encrypted, file-backed credential store.
//
// Layout under the store directory (mode 0700):
//
//	key            32 random bytes, created on first use (mode 0600)
//	<hash>.cred    one entry per key: 24-byte nonce || XChaCha20-Poly1305 box
//
// Entry filenames are the hex SHA-256 of the logical key, so arbitrary
// endpoint ids never reach the filesystem as path components.
type FileStore struct {
	dir string
	key []byte
}

// NewFileStore opens the credential store at dir, creating the directory
// and encryption key on first use.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keychain directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, "key"))
	if err != nil {
		return nil, err
	}

	return &FileStore{dir: dir, key: key}, nil
}

// Save encrypts and persists credentials under the given key, replacing any
// existing entry.
func (f *FileStore) Save(key string, creds *pairing.Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKeychainSaveFailed, "encode credentials", err)
	}

	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKeychainSaveFailed, "init cipher", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return apperrors.Wrap(apperrors.CodeKeychainSaveFailed, "generate nonce", err)
	}

	// Entry format: nonce || ciphertext. The logical key is bound into the
	// AEAD as associated data, so entries cannot be swapped between files.
	box := aead.Seal(nonce, nonce, plaintext, []byte(key))

	if err := os.WriteFile(f.entryPath(key), box, 0600); err != nil {
		return apperrors.Wrap(apperrors.CodeKeychainSaveFailed, "write entry", err)
	}
	return nil
}

// Retrieve decrypts the entry stored under key.
func (f *FileStore) Retrieve(key string) (*pairing.Credentials, error) {
	box, err := os.ReadFile(f.entryPath(key))
	if os.IsNotExist(err) {
		return nil, apperrors.KeychainNotFound(key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKeychainSealed, "read entry", err)
	}

	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKeychainSealed, "init cipher", err)
	}

	if len(box) < chacha20poly1305.NonceSizeX {
		return nil, apperrors.New(apperrors.CodeKeychainSealed, "credential entry is truncated")
	}
	nonce, ciphertext := box[:chacha20poly1305.NonceSizeX], box[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKeychainSealed, "credential entry failed authentication", err)
	}

	var creds pairing.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKeychainSealed, "decode credentials", err)
	}
	return &creds, nil
}

// Delete removes the entry stored under key. Missing entries are not an
// error.
func (f *FileStore) Delete(key string) error {
	err := os.Remove(f.entryPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential entry: %w", err)
	}
	return nil
}

func (f *FileStore) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".cred")
}

// loadOrCreateKey reads the store key, generating a fresh one on first use.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("keychain key file %s has wrong size %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keychain key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate keychain key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write keychain key: %w", err)
	}
	return key, nil
}
