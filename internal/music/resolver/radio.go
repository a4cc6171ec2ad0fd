package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarpov/resonix/internal/track"
)

var radioContentTypes = []string{
	"audio/",
	"video/",
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"application/ogg",
	"application/x-scpls",
	"application/xspf+xml",
	"application/octet-stream",
}

// Radio accepts direct stream URLs (internet radio, HLS, raw files) after
// validating the content type with a HEAD probe. The URL itself is the
// stream handle; durations are unknown (live).
type Radio struct {
	client *http.Client
	log    zerolog.Logger
}

func NewRadio(log zerolog.Logger) *Radio {
	return &Radio{
		client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		log: log.With().Str("component", "resolver_radio").Logger(),
	}
}

func (r *Radio) Platform() track.Platform { return track.PlatformRadio }

// Match accepts any URL; Radio is registered last so platform-specific
// resolvers get first pick.
func (r *Radio) Match(rawURL string) bool {
	return isURL(rawURL)
}

func (r *Radio) Resolve(ctx context.Context, query, requestedBy string) (track.Descriptor, error) {
	if !isURL(query) {
		return track.Descriptor{}, fmt.Errorf("%w: radio source needs a stream URL", ErrNotFound)
	}

	contentType, finalURL, err := r.fetchContentType(ctx, query)
	if err != nil {
		return track.Descriptor{}, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	if !r.isAllowedType(contentType) && !isLikelyPlaylist(finalURL) {
		return track.Descriptor{}, fmt.Errorf("%w: content-type %q is not a stream", ErrNotFound, contentType)
	}

	return track.Descriptor{
		ID:          track.MakeID(track.PlatformRadio, query),
		Title:       streamTitle(query),
		StreamURL:   finalURL,
		SourceURL:   query,
		Platform:    track.PlatformRadio,
		RequestedBy: requestedBy,
	}, nil
}

func (r *Radio) fetchContentType(ctx context.Context, rawURL string) (contentType, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := r.client.Do(req)
	if err != nil || resp.StatusCode >= 400 {
		// Some stream servers reject HEAD; fall back to GET and drain.
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", "", err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")
		resp, err = r.client.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("GET fallback failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.CopyN(io.Discard, resp.Body, 1024)
	} else {
		defer resp.Body.Close()
	}

	return resp.Header.Get("Content-Type"), resp.Request.URL.String(), nil
}

func (r *Radio) isAllowedType(contentType string) bool {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	for _, allowed := range radioContentTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

func isLikelyPlaylist(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u", ".m3u8", ".pls", ".xspf", ".asx":
		return true
	}
	return false
}

func streamTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
