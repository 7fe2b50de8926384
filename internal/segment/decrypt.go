package segment

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/hlsget/hlsget/internal/utils"
)

// DecryptAES128CBC decrypts one segment and strips PKCS7 padding.
// Padding is handled leniently: when the final byte is outside [1,16]
// the decrypted bytes are returned unmodified, because some CDNs send
// unpadded final blocks. A warning is logged so corruption doesn't pass
// silently.
func DecryptAES128CBC(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return ciphertext, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating AES cipher: %v", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the AES block size", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext), nil
}

func unpadPKCS7(data []byte) []byte {
	n := int(data[len(data)-1])
	if n < 1 || n > aes.BlockSize || n > len(data) {
		log := utils.GetLogger("decrypt")
		log.Warn().Int("lastByte", n).Msg("Malformed PKCS7 padding, returning raw decrypted bytes")
		return data
	}
	return data[:len(data)-n]
}
