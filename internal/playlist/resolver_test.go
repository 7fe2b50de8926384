package playlist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsget/hlsget/internal/utils"
)

func testClient() *utils.HLSHTTPClient {
	return utils.NewHLSHTTPClient(utils.HTTPClientConfig{})
}

func TestResolveMediaPlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:9.5,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:4.5,
https://cdn.example.com/seg2.ts
#EXT-X-ENDLIST
`)
	}))
	defer server.Close()

	info, err := NewResolver(testClient()).Resolve(context.Background(), server.URL+"/media.m3u8")
	require.NoError(t, err)
	require.Len(t, info.Segments, 3)
	assert.Equal(t, uint64(42), info.SequenceStart)
	assert.Equal(t, 0, info.Segments[0].Index)
	assert.Equal(t, server.URL+"/seg0.ts", info.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/seg2.ts", info.Segments[2].URL)
	assert.InDelta(t, 24.0, info.TotalDuration, 0.01)
	assert.False(t, info.Encrypted())
}

func TestResolveMasterPicksHighestBandwidth(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1920x1080
high/index.m3u8
`)
	})
	mux.HandleFunc("/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
chunk0.ts
#EXT-X-ENDLIST
`)
	})
	mux.HandleFunc("/low/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		t.Error("low-bandwidth variant should not be fetched")
	})

	info, err := NewResolver(testClient()).Resolve(context.Background(), server.URL+"/master.m3u8")
	require.NoError(t, err)
	require.Len(t, info.Segments, 1)
	assert.Equal(t, server.URL+"/high/chunk0.ts", info.Segments[0].URL)
}

func TestResolveKeyTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=AES-128,URI="enc.key",IV=0x0000000000000000000000000000002a
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXT-X-ENDLIST
`)
	}))
	defer server.Close()

	info, err := NewResolver(testClient()).Resolve(context.Background(), server.URL+"/media.m3u8")
	require.NoError(t, err)
	require.Len(t, info.Segments, 2)
	assert.True(t, info.Encrypted())
	for _, seg := range info.Segments {
		require.NotNil(t, seg.Key)
		assert.Equal(t, "AES-128", seg.Key.Method)
		assert.Equal(t, server.URL+"/enc.key", seg.Key.URI)
		assert.Equal(t, "0x0000000000000000000000000000002a", seg.Key.IVHex)
	}
}

func TestResolveZeroSegmentsFailsWithoutSegmentRequests(t *testing.T) {
	var segmentRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/media.m3u8" {
			fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-ENDLIST
`)
			return
		}
		segmentRequests.Add(1)
	}))
	defer server.Close()

	_, err := NewResolver(testClient()).Resolve(context.Background(), server.URL+"/media.m3u8")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifest))
	assert.Equal(t, int32(0), segmentRequests.Load())
}

func TestResolveUnreachableManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewResolver(testClient()).Resolve(context.Background(), server.URL+"/missing.m3u8")
	assert.True(t, errors.Is(err, ErrManifest))
}

func TestResolveURL(t *testing.T) {
	resolved, err := ResolveURL("https://example.com/streams/video/index.m3u8", "../key/enc.key")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/streams/key/enc.key", resolved)

	resolved, err = ResolveURL("https://example.com/streams/index.m3u8", "https://other.example.com/seg.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/seg.ts", resolved)
}
