package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	youtube "github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"

	"github.com/mkarpov/resonix/internal/track"
)

var (
	youtubeURLRegex = regexp.MustCompile(`(?:https?://)?(?:www\.|music\.)?(youtube\.com|youtu\.be)/\S+`)
	searchHitRegex  = regexp.MustCompile(`"url":"/watch\?v=([a-zA-Z0-9_-]{11})`)
	videoIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
)

// YouTube resolves video URLs and free-text queries to direct audio stream
// URLs via the kkdai client. Title search scrapes the first result from the
// public results page.
type YouTube struct {
	client  *youtube.Client
	httpc   *http.Client
	baseURL string
	log     zerolog.Logger
}

func NewYouTube(log zerolog.Logger) *YouTube {
	return &YouTube{
		client: &youtube.Client{
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
		},
		httpc:   &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://www.youtube.com",
		log:     log.With().Str("component", "resolver_youtube").Logger(),
	}
}

func (y *YouTube) Platform() track.Platform { return track.PlatformYouTube }

func (y *YouTube) Match(rawURL string) bool {
	return youtubeURLRegex.MatchString(rawURL)
}

func (y *YouTube) Resolve(ctx context.Context, query, requestedBy string) (track.Descriptor, error) {
	sourceURL := strings.TrimSpace(query)
	if !isURL(sourceURL) {
		found, err := y.searchFirstVideoURL(ctx, sourceURL)
		if err != nil {
			return track.Descriptor{}, err
		}
		y.log.Debug().Str("query", query).Str("url", found).Msg("resolved title search")
		sourceURL = found
	}
	sourceURL = cleanVideoURL(sourceURL)

	videoID, err := extractVideoID(sourceURL)
	if err != nil {
		return track.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, query)
	}

	video, err := y.client.GetVideoContext(ctx, videoID)
	if err != nil {
		if isUnavailable(err) {
			return track.Descriptor{}, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
		}
		return track.Descriptor{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return track.Descriptor{}, fmt.Errorf("%w: no audio formats for %s", ErrNotFound, videoID)
	}
	streamURL, err := y.client.GetStreamURLContext(ctx, video, &formats[0])
	if err != nil {
		return track.Descriptor{}, fmt.Errorf("%w: stream url: %v", ErrPlatformUnavailable, err)
	}

	return track.Descriptor{
		ID:          track.MakeID(track.PlatformYouTube, sourceURL),
		Title:       video.Title,
		Duration:    video.Duration,
		StreamURL:   streamURL,
		SourceURL:   sourceURL,
		Platform:    track.PlatformYouTube,
		RequestedBy: requestedBy,
	}, nil
}

// searchFirstVideoURL scrapes the first watch link from the results page,
// the same approach the upstream search endpoint quota makes necessary.
func (y *YouTube) searchFirstVideoURL(ctx context.Context, query string) (string, error) {
	searchURL := fmt.Sprintf("%s/results?search_query=%s", y.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := y.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: search status %d", ErrPlatformUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}

	m := searchHitRegex.FindStringSubmatch(string(body))
	if len(m) < 2 {
		return "", fmt.Errorf("%w: no result for %q", ErrNotFound, query)
	}
	return fmt.Sprintf("%s/watch?v=%s", y.baseURL, m[1]), nil
}

func extractVideoID(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	var id string
	switch {
	case u.Hostname() == "youtu.be":
		id = strings.Trim(u.Path, "/")
	default:
		id = u.Query().Get("v")
	}
	if !videoIDRegex.MatchString(id) {
		return "", errors.New("no video id in url")
	}
	return id, nil
}

// cleanVideoURL strips playlist/time params so the same video always hashes
// to the same track ID.
func cleanVideoURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Hostname() {
	case "youtu.be":
		vid := strings.Trim(u.Path, "/")
		if vid == "" {
			return raw
		}
		return "https://youtu.be/" + vid
	case "www.youtube.com", "youtube.com", "music.youtube.com":
		if u.Path == "/watch" {
			if vid := u.Query().Get("v"); vid != "" {
				return fmt.Sprintf("https://%s/watch?v=%s", u.Hostname(), vid)
			}
		}
	}
	return raw
}

func isUnavailable(err error) bool {
	var ne interface{ Temporary() bool }
	if errors.As(err, &ne) && ne.Temporary() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "status code") || strings.Contains(msg, "connection")
}
