// Package credentials decrypts stored provider API keys. Two on-disk formats
// exist: the current format is base64-encoded AES-GCM with the nonce
// prefixed to the ciphertext; the legacy format is AES-CBC encoded as
// "hexIV:hexCiphertext". The formats are distinguished structurally by the
// colon delimiter, so callers never need to know which one is in play.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecrypt is wrapped by every decryption failure, including structurally
// successful decryptions that yield an implausibly short credential.
var ErrDecrypt = errors.New("credential decrypt failed")

// MinPlaintextLength is the shortest credential we accept. Real provider API
// keys are far longer; anything shorter means a corrupt blob or a key that
// was encrypted under a since-rotated master key.
const MinPlaintextLength = 16

// Resolver decrypts stored credentials under a single 32-byte master key.
type Resolver struct {
	key []byte
}

// NewResolver creates a Resolver. The master key must be exactly 32 bytes
// (AES-256).
func NewResolver(key []byte) (*Resolver, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return &Resolver{key: key}, nil
}

// IsLegacy reports whether blob uses the legacy "hexIV:hexCiphertext"
// encoding. Detection is purely structural: exactly two colon-separated
// fields, the first decoding to a 16-byte IV.
func IsLegacy(blob string) bool {
	parts := strings.Split(blob, ":")
	if len(parts) != 2 {
		return false
	}
	iv, err := hex.DecodeString(parts[0])
	return err == nil && len(iv) == aes.BlockSize
}

// Decrypt decrypts blob in whichever format it is stored, then applies the
// minimum-plausible-length check.
func (r *Resolver) Decrypt(blob string) (string, error) {
	var (
		plaintext []byte
		err       error
	)
	if IsLegacy(blob) {
		plaintext, err = r.decryptLegacy(blob)
	} else {
		plaintext, err = r.decryptGCM(blob)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(plaintext) < MinPlaintextLength {
		return "", fmt.Errorf("%w: decrypted credential is implausibly short (%d bytes)", ErrDecrypt, len(plaintext))
	}
	return string(plaintext), nil
}

func (r *Resolver) decryptGCM(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %v", err)
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (r *Resolver) decryptLegacy(blob string) ([]byte, error) {
	parts := strings.Split(blob, ":")
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %v", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext hex: %v", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return stripPKCS7(plaintext)
}

func stripPKCS7(b []byte) ([]byte, error) {
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-pad], nil
}

// Encrypt produces a current-format blob. Used by tenant settings when a key
// is entered or rotated, and by tests.
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(r.key)
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
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// EncryptLegacy produces a legacy-format blob. Only tests use this; the
// write path stopped producing legacy blobs when the format changed.
func (r *Resolver) EncryptLegacy(plaintext string) (string, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}
