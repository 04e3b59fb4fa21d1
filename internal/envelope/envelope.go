// Package envelope implements the symmetric AEAD framing used by the
// progress bus (C7) to protect message payloads on the shared channel when
// an encryption key is configured.
//
// Current format: IV:TAG:CIPHERTEXT, each hex-encoded, colon-delimited,
// chacha20poly1305 (256-bit key, 96-bit nonce, 128-bit tag). A legacy
// two-segment IV:CIPHERTEXT format (128-bit IV, AES-256-CTR, no
// authentication) is accepted on decrypt only, so older instances mid
// key-rotation or mid-migration can still be understood.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	aeadNonceHexLen   = chacha20poly1305.NonceSize * 2 // 12 bytes -> 24 hex chars
	aeadTagHexLen     = 16 * 2                         // 16 bytes -> 32 hex chars
	legacyIVHexLen    = 16 * 2                         // 128-bit IV -> 32 hex chars
	keyLen            = chacha20poly1305.KeySize       // 32 bytes
	hexInputKeyLength = 64                             // 32 bytes, hex-encoded
)

// ErrInvalidKey is returned by ParseKey when the supplied key material is
// not 32 bytes once decoded.
var ErrInvalidKey = errors.New("envelope: key must be 32 bytes (or 64 hex characters)")

// ParseKey interprets a 64-character input as hex (32 bytes); otherwise the
// raw bytes are used and must already be 32 bytes long.
func ParseKey(raw string) ([]byte, error) {
	if len(raw) == hexInputKeyLength {
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("envelope: key looked like hex but didn't decode: %w", err)
		}
		return b, nil
	}
	if len(raw) != keyLen {
		return nil, ErrInvalidKey
	}
	return []byte(raw), nil
}

// Encrypt produces the current AEAD envelope for plaintext under key (must
// be 32 bytes, see ParseKey). Encrypt never produces the legacy format.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != keyLen {
		return "", ErrInvalidKey
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("envelope: construct cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt is total: it tries the current AEAD format, then the legacy
// format, and falls through to returning the input completely unchanged
// when the first segment isn't recognizably an envelope — a deliberate
// migration affordance so unencrypted messages pass through unchanged.
//
// A nil input short-circuits to a warning and a nil result, matching the
// source's null/undefined handling. Non-string byte input is treated as
// UTF-8 text, same as a string input, since Go has no separate binary
// string type to special-case.
func Decrypt(input []byte, key []byte, logger *zap.Logger) ([]byte, error) {
	if input == nil {
		if logger != nil {
			logger.Warn("envelope: decrypt called with nil input")
		}
		return nil, nil
	}

	s := string(input)
	parts := strings.Split(s, ":")

	switch len(parts) {
	case 3:
		if !validHex(parts[0], aeadNonceHexLen) || !validHex(parts[1], aeadTagHexLen) || !validHex(parts[2], -1) {
			return input, nil
		}
		plaintext, err := decryptAEAD(parts[0], parts[1], parts[2], key)
		if err != nil {
			return nil, fmt.Errorf("envelope: AEAD decrypt failed: %w", err)
		}
		return plaintext, nil
	case 2:
		if !validHex(parts[0], legacyIVHexLen) || !validHex(parts[1], -1) {
			return input, nil
		}
		plaintext, err := decryptLegacy(parts[0], parts[1], key)
		if err != nil {
			return nil, fmt.Errorf("envelope: legacy decrypt failed: %w", err)
		}
		return plaintext, nil
	default:
		return input, nil
	}
}

// validHex reports whether s is valid hex and, when wantLen >= 0, exactly
// that many characters long.
func validHex(s string, wantLen int) bool {
	if wantLen >= 0 && len(s) != wantLen {
		return false
	}
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func decryptAEAD(nonceHex, tagHex, ciphertextHex string, key []byte) ([]byte, error) {
	if len(key) != keyLen {
		return nil, ErrInvalidKey
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, err
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := append(ciphertext, tag...)
	return aead.Open(nil, nonce, sealed, nil)
}

// decryptLegacy decrypts the pre-AEAD format: a 128-bit IV with AES-256-CTR
// over the same 32-byte key material, no authentication tag. Kept for
// backwards-compatible decryption only; Encrypt never emits this format.
func decryptLegacy(ivHex, ciphertextHex string, key []byte) ([]byte, error) {
	if len(key) != keyLen {
		return nil, ErrInvalidKey
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
