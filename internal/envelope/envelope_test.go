package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, keyLen)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

// For any string m and valid key k, decrypt(encrypt(m,k),k) == m.
func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	key := testKey(t)
	logger := zap.NewNop()

	for _, msg := range []string{"", "hello", `{"requestId":"r1","progress":0.5}`, strings.Repeat("x", 4096)} {
		enc, err := Encrypt(msg, key)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(enc, ":"))

		dec, err := Decrypt([]byte(enc), key, logger)
		require.NoError(t, err)
		assert.Equal(t, msg, string(dec))
	}
}

func TestEncrypt_ProducesDistinctNoncesPerCall(t *testing.T) {
	key := testKey(t)
	a, err := Encrypt("same message", key)
	require.NoError(t, err)
	b, err := Encrypt("same message", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// Plain JSON is not recognizably an envelope, so it passes through
// unchanged.
func TestDecrypt_PlainJSONPassesThroughUnchanged(t *testing.T) {
	key := testKey(t)
	plain := `{"requestId":"r1","progress":0.2}`
	got, err := Decrypt([]byte(plain), key, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, plain, string(got))
}

func TestDecrypt_NilInputWarnsAndReturnsNil(t *testing.T) {
	got, err := Decrypt(nil, testKey(t), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecrypt_MalformedFirstSegmentPassesThroughUnchanged(t *testing.T) {
	key := testKey(t)
	input := "not-hex-at-all:deadbeef:cafebabe"
	got, err := Decrypt([]byte(input), key, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, input, string(got))
}

// A legacy two-segment format message with a valid IV decrypts correctly.
func TestDecrypt_LegacyFormatRoundTrips(t *testing.T) {
	key := testKey(t)
	plaintext := "legacy payload"

	iv := make([]byte, aes.BlockSize)
	_, err := rand.Read(iv)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	legacy := hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext)
	got, err := Decrypt([]byte(legacy), key, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, plaintext, string(got))
}

func TestDecrypt_LegacyWithWrongIVLengthPassesThroughUnchanged(t *testing.T) {
	key := testKey(t)
	input := "aabb:cafebabe"
	got, err := Decrypt([]byte(input), key, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, input, string(got))
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	raw := strings.Repeat("x", 32)
	b, err = ParseKey(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, string(b))

	_, err = ParseKey("too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
