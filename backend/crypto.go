package backend

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize     = 32 // AES-256
	keyFileName = ".keystore.key"
	// encPrefix marks encrypted values in the database. Every value this
	// backend writes carries it; anything without it is rejected on read.
	encPrefix = "enc:v1:"

	// kdfIterations is the PBKDF2-SHA256 work factor for passphrase-derived
	// keys.
	kdfIterations = 210_000
	saltSize      = 16
)

// loadKeyFile reads an existing cipher key from keyPath.
// Returns nil, nil if the file doesn't exist (key not yet created).
func loadKeyFile(keyPath string) ([]byte, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read key file: %w", err)
	}
	defer f.Close()

	// Check permissions on the same file descriptor to avoid TOCTOU races.
	// Skip on Windows where Go returns synthetic mode bits (0666/0444).
	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil {
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				log.Printf("[Keystore] WARNING: key file %s has overly permissive mode 0%o (expected 0600)", keyPath, perm)
			}
		} else {
			log.Printf("[Keystore] WARNING: could not check permissions on key file %s: %v", keyPath, statErr)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("keystore: read key file: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("keystore: key file %s has invalid size %d (expected %d)", keyPath, len(data), keySize)
	}
	return data, nil
}

// createKeyFile generates a new 32-byte AES key and writes it to keyPath.
// Uses a temp-file + hard-link pattern for atomic creation, so concurrent
// first opens cannot each mint their own key.
//
// The key is fully written to a temporary file first, then linked to the
// final path. os.Link fails with EEXIST if another process already created
// the file, guaranteeing exactly one key wins and keyPath is never
// partially written.
//
// Callers must verify that creating a new key is safe (no encrypted rows
// in the database) before calling this.
func createKeyFile(keyPath string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(keyPath), keyFileName+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("keystore: create key temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(key); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("keystore: write key temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("keystore: chmod key temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("keystore: close key temp: %w", err)
	}

	if err := os.Link(tmpPath, keyPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			// Another process won the race; read the key it created.
			raceKey, loadErr := loadKeyFile(keyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			if raceKey == nil {
				return nil, fmt.Errorf("keystore: key file %s disappeared after creation race", keyPath)
			}
			return raceKey, nil
		}
		return nil, fmt.Errorf("keystore: link key file: %w", err)
	}
	os.Remove(tmpPath)

	return key, nil
}

// keyFilePath returns the key file location for a keystore directory.
func keyFilePath(dir string) string {
	return filepath.Join(dir, keyFileName)
}

// deriveKey computes the cipher key from a passphrase and the store's
// persistent salt. Same passphrase and salt always yield the same key.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keySize, sha256.New)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	return salt, nil
}

// hasEncryptedRows reports whether the secrets table already holds
// encrypted values. Used to refuse minting a fresh key that would strand
// them.
func hasEncryptedRows(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM secrets WHERE value LIKE ?`,
		encPrefix+"%",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("keystore: check encrypted values: %w", err)
	}
	return count > 0, nil
}

// encryptValue seals a payload with AES-256-GCM and returns a prefixed
// base64 string, nonce prepended.
func encryptValue(key, payload []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, payload, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptValue opens an encrypted value. The value must carry the enc:v1:
// prefix; this backend never stores anything without it.
func decryptValue(key []byte, stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return nil, fmt.Errorf("keystore: value is not encrypted (missing %s prefix)", encPrefix)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("keystore: decode encrypted value: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("keystore: encrypted value too short")
	}

	payload, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt value: %w", err)
	}

	return payload, nil
}
