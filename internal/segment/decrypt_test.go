package segment

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptPKCS7(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext
}

func TestDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plaintext := []byte("transport stream payload that is not block aligned")

	ciphertext := encryptPKCS7(t, plaintext, key, iv)
	got, err := DecryptAES128CBC(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptBlockAlignedRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, aes.BlockSize)
	plaintext := bytes.Repeat([]byte{0x47}, 64)

	ciphertext := encryptPKCS7(t, plaintext, key, iv)
	got, err := DecryptAES128CBC(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

// Malformed padding is tolerated: the raw decrypted bytes come back
// unmodified instead of an error.
func TestDecryptMalformedPaddingLenient(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, aes.BlockSize)
	// Final decrypted byte will be 0x00, outside [1,16].
	raw := append(bytes.Repeat([]byte{0x47}, 31), 0x00)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, len(raw))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, raw)

	got, err := DecryptAES128CBC(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecryptRejectsPartialBlock(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, aes.BlockSize)
	_, err := DecryptAES128CBC([]byte("short"), key, iv)
	assert.Error(t, err)
}

func TestDecryptEmptyInput(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, aes.BlockSize)
	got, err := DecryptAES128CBC(nil, key, iv)
	require.NoError(t, err)
	assert.Empty(t, got)
}
