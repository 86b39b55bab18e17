package cache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

const (
	// EncryptionKeyEnvVar is the environment variable holding the index encryption key.
	EncryptionKeyEnvVar = "PANTRY_INDEX_ENCRYPTION_KEY"

	encryptedHeader = "# PANTRY_ENCRYPTED_INDEX\n"
)

// EncryptIndex seals content with AES-256-GCM when a key is configured,
// and returns it unchanged otherwise.
func EncryptIndex(content []byte) ([]byte, error) {
	gcm, err := indexCipher()
	if err != nil || gcm == nil {
		return content, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// DecryptIndex opens content sealed by EncryptIndex. Plain content is
// returned unchanged.
func DecryptIndex(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	gcm, err := indexCipher()
	if err != nil {
		return nil, err
	}
	if gcm == nil {
		return nil, fmt.Errorf("cache index is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := bytes.TrimSpace(bytes.TrimPrefix(content, []byte(encryptedHeader)))
	ciphertext, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted index: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt index (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether content carries the encrypted-index header.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}

// indexCipher returns nil when no key is configured.
func indexCipher() (cipher.AEAD, error) {
	secret := os.Getenv(EncryptionKeyEnvVar)
	if secret == "" {
		return nil, nil
	}
	key := blake3.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
