package hlskey

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hlsget/hlsget/internal/utils"
)

// ErrKey means the AES-128 key could not be fetched or never validated
// to the required 16 bytes. Fatal for the session.
var ErrKey = errors.New("encryption key unreachable or invalid")

const (
	KeySize      = 16
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
	fetchTimeout = 15 * time.Second
)

// Fetch retrieves the playlist's AES-128 key. The payload must be
// exactly 16 raw bytes; anything else is discarded and retried.
func Fetch(ctx context.Context, client utils.HTTPDoer, keyURL string) ([]byte, error) {
	log := utils.GetLogger("hlskey")
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
		key, err := fetchOnce(ctx, client, keyURL)
		if err == nil {
			log.Debug().Str("url", keyURL).Msg("Fetched AES-128 key")
			return key, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", maxAttempts).Msg("Key fetch attempt failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrKey, lastErr)
}

func fetchOnce(ctx context.Context, client utils.HTTPDoer, keyURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", keyURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key payload is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// DeriveIV resolves the initialization vector for a segment. A key-tag
// `IV=0x...` value wins; otherwise the IV is the 16-byte big-endian
// encoding of mediaSequenceStart+segmentIndex, which must match servers
// that rely on sequence-derived IVs.
func DeriveIV(ivHex string, sequenceStart uint64, segmentIndex int) ([]byte, error) {
	if ivHex != "" {
		return parseIVHex(ivHex)
	}
	iv := make([]byte, KeySize)
	binary.BigEndian.PutUint64(iv[8:], sequenceStart+uint64(segmentIndex))
	return iv, nil
}

func parseIVHex(ivHex string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(ivHex, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid IV attribute %q: %v", ErrKey, ivHex, err)
	}
	if len(raw) > KeySize {
		return nil, fmt.Errorf("%w: IV attribute %q longer than %d bytes", ErrKey, ivHex, KeySize)
	}
	iv := make([]byte, KeySize)
	copy(iv[KeySize-len(raw):], raw)
	return iv, nil
}
