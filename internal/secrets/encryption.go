package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/rendis/credvault/pkg/schema"
)

const (
	// KeySize is the decoded master key length (AES-256).
	KeySize = 32
	// IVSize is the GCM nonce length stored in EncryptedBlob.IV.
	IVSize = 16
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// Encryption encrypts opaque payloads with AES-256-GCM under a master key.
// It knows nothing about credentials.
type Encryption struct {
	aead cipher.AEAD
}

// NewEncryption decodes masterKeyHex once and builds the AEAD.
// The key must be exactly 64 hex characters.
func NewEncryption(masterKeyHex string) (*Encryption, error) {
	key, err := decodeMasterKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidKeyFormat, "aes cipher").WithCause(err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Encryption{aead: aead}, nil
}

func decodeMasterKey(masterKeyHex string) ([]byte, error) {
	if masterKeyHex == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidKeyFormat, "master key is required")
	}
	if len(masterKeyHex) != 2*KeySize {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidKeyFormat,
			"master key must be a %d-character hex string (%d bytes), got %d characters",
			2*KeySize, KeySize, len(masterKeyHex))
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidKeyFormat, "master key is not valid hex").WithCause(err)
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (e *Encryption) Encrypt(plaintext string) (schema.EncryptedBlob, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return schema.EncryptedBlob{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := e.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - TagSize
	return schema.EncryptedBlob{
		IV:      hex.EncodeToString(iv),
		Content: hex.EncodeToString(sealed[:split]),
		AuthTag: hex.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt verifies the tag and returns the plaintext. Any mismatch between
// key, iv, content and tag fails with AUTHENTICATION_FAILURE.
func (e *Encryption) Decrypt(blob schema.EncryptedBlob) (string, error) {
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != IVSize {
		return "", authFailure("malformed iv", err)
	}
	content, err := hex.DecodeString(blob.Content)
	if err != nil {
		return "", authFailure("malformed content", err)
	}
	tag, err := hex.DecodeString(blob.AuthTag)
	if err != nil || len(tag) != TagSize {
		return "", authFailure("malformed auth tag", err)
	}

	sealed := make([]byte, 0, len(content)+len(tag))
	sealed = append(sealed, content...)
	sealed = append(sealed, tag...)
	plaintext, err := e.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", authFailure("unable to authenticate data", err)
	}
	return string(plaintext), nil
}

func authFailure(msg string, cause error) *schema.VaultError {
	e := schema.NewError(schema.ErrCodeAuthFailure, msg)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// GenerateMasterKey returns a fresh 64-character hex key from crypto/rand.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
