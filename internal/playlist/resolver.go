package playlist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
	"github.com/hlsget/hlsget/internal/utils"
)

// ErrManifest covers unreachable, unparsable, and empty manifests. It is
// fatal for the session; there is no internal retry for manifests.
var ErrManifest = errors.New("manifest unreachable, unparsable, or empty")

const fetchTimeout = 30 * time.Second

// KeyRef points at the AES-128 key protecting a segment. IVHex holds the
// raw `0x...` attribute value when the key tag carried one.
type KeyRef struct {
	Method string
	URI    string
	IVHex  string
}

type Segment struct {
	Index    int
	URL      string
	Duration float64
	Key      *KeyRef
}

// MediaInfo is a fully resolved media playlist: ordered segments with
// absolute URLs, plus the media-sequence start used for IV derivation.
type MediaInfo struct {
	Segments      []Segment
	SequenceStart uint64
	TotalDuration float64
}

// Encrypted reports whether any segment references an AES-128 key.
func (m *MediaInfo) Encrypted() bool {
	for i := range m.Segments {
		if m.Segments[i].Key != nil {
			return true
		}
	}
	return false
}

type Resolver struct {
	client utils.HTTPDoer
}

func NewResolver(client utils.HTTPDoer) *Resolver {
	return &Resolver{client: client}
}

// Resolve fetches the manifest at manifestURL, follows the
// highest-bandwidth variant if it is a master playlist, and returns the
// parsed media playlist.
func (r *Resolver) Resolve(ctx context.Context, manifestURL string) (*MediaInfo, error) {
	log := utils.GetLogger("playlist")
	playlist, listType, err := r.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok || len(master.Variants) == 0 {
			return nil, fmt.Errorf("%w: master playlist has no variants", ErrManifest)
		}
		variantURL, bandwidth, err := bestVariant(master, manifestURL)
		if err != nil {
			return nil, err
		}
		log.Debug().Uint32("bandwidth", bandwidth).Str("variant", variantURL).Msg("Selected highest-bandwidth variant")
		playlist, listType, err = r.fetch(ctx, variantURL)
		if err != nil {
			return nil, err
		}
		if listType != m3u8.MEDIA {
			return nil, fmt.Errorf("%w: variant %s did not resolve to a media playlist", ErrManifest, variantURL)
		}
		manifestURL = variantURL
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", ErrManifest)
	}
	return buildMediaInfo(media, manifestURL)
}

func (r *Resolver) fetch(ctx context.Context, manifestURL string) (m3u8.Playlist, m3u8.ListType, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", manifestURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetching %s: %v", ErrManifest, manifestURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: fetching %s: status %d", ErrManifest, manifestURL, resp.StatusCode)
	}
	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: parsing %s: %v", ErrManifest, manifestURL, err)
	}
	return playlist, listType, nil
}

// bestVariant picks the maximum-bandwidth variant; ties keep the first
// listed one.
func bestVariant(master *m3u8.MasterPlaylist, masterURL string) (string, uint32, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", 0, fmt.Errorf("%w: master playlist has no variants", ErrManifest)
	}
	resolved, err := ResolveURL(masterURL, best.URI)
	if err != nil {
		return "", 0, fmt.Errorf("%w: variant URI: %v", ErrManifest, err)
	}
	return resolved, best.Bandwidth, nil
}

func buildMediaInfo(media *m3u8.MediaPlaylist, mediaURL string) (*MediaInfo, error) {
	info := &MediaInfo{SequenceStart: media.SeqNo}
	// Segments the key tag applies to follow it until the next tag, so
	// the active key is tracked across the iteration.
	var activeKey *m3u8.Key
	if media.Key != nil {
		activeKey = media.Key
	}
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			activeKey = seg.Key
		}
		segURL, err := ResolveURL(mediaURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: segment URI %s: %v", ErrManifest, seg.URI, err)
		}
		out := Segment{
			Index:    len(info.Segments),
			URL:      segURL,
			Duration: seg.Duration,
		}
		if activeKey != nil && activeKey.Method == "AES-128" {
			keyURL, err := ResolveURL(mediaURL, activeKey.URI)
			if err != nil {
				return nil, fmt.Errorf("%w: key URI %s: %v", ErrManifest, activeKey.URI, err)
			}
			out.Key = &KeyRef{Method: activeKey.Method, URI: keyURL, IVHex: activeKey.IV}
		}
		info.TotalDuration += seg.Duration
		info.Segments = append(info.Segments, out)
	}
	if len(info.Segments) == 0 {
		return nil, fmt.Errorf("%w: media playlist yielded zero segments", ErrManifest)
	}
	return info, nil
}

// ResolveURL resolves a possibly relative URI against a base URL.
func ResolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %v", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference URL: %v", err)
	}
	return base.ResolveReference(rel).String(), nil
}
