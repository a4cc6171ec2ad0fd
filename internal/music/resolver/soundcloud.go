package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarpov/resonix/internal/track"
)

var scTrackLinkRegex = regexp.MustCompile(`(?s)<a class="result__url"[^>]*>\s*(soundcloud\.com/[^<]+)\s*</a>`)

// scProbeFunc extracts track metadata and a direct stream URL for a
// SoundCloud page URL. The production implementation shells out to yt-dlp.
type scProbeFunc func(ctx context.Context, pageURL string) (scInfo, error)

type scInfo struct {
	Title     string
	Duration  time.Duration
	StreamURL string
}

// SoundCloud resolves soundcloud.com URLs and free-text queries. Title
// search goes through a DuckDuckGo result-page scrape scoped to
// soundcloud.com; stream extraction rides yt-dlp.
type SoundCloud struct {
	httpc     *http.Client
	searchURL string
	probe     scProbeFunc
	log       zerolog.Logger
}

func NewSoundCloud(log zerolog.Logger) *SoundCloud {
	return &SoundCloud{
		httpc:     &http.Client{Timeout: 10 * time.Second},
		searchURL: "https://duckduckgo.com/html/",
		probe:     ytdlpProbe,
		log:       log.With().Str("component", "resolver").Str("platform", "soundcloud").Logger(),
	}
}

func (s *SoundCloud) Platform() track.Platform { return track.PlatformSoundCloud }

func (s *SoundCloud) Match(rawURL string) bool {
	return strings.Contains(rawURL, "soundcloud.com")
}

func (s *SoundCloud) Resolve(ctx context.Context, query string, requestedBy string) (track.Descriptor, error) {
	pageURL := query
	if !isURL(query) {
		found, err := s.searchFirstTrackURL(ctx, query)
		if err != nil {
			return track.Descriptor{}, err
		}
		pageURL = found
	}

	info, err := s.probe(ctx, pageURL)
	if err != nil {
		return track.Descriptor{}, fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
	}
	if info.StreamURL == "" {
		return track.Descriptor{}, fmt.Errorf("%w: no audio stream for %s", ErrNotFound, pageURL)
	}

	title := info.Title
	if title == "" {
		title = pageURL
	}

	return track.Descriptor{
		ID:          track.MakeID(track.PlatformSoundCloud, pageURL),
		Title:       title,
		Duration:    info.Duration,
		StreamURL:   info.StreamURL,
		SourceURL:   pageURL,
		Platform:    track.PlatformSoundCloud,
		RequestedBy: requestedBy,
	}, nil
}

// searchFirstTrackURL scrapes the first soundcloud.com hit for the query.
func (s *SoundCloud) searchFirstTrackURL(ctx context.Context, query string) (string, error) {
	searchURL := fmt.Sprintf("%s?q=site:soundcloud.com+%s", s.searchURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: search returned status %d", ErrPlatformUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
	}

	matches := scTrackLinkRegex.FindStringSubmatch(string(body))
	if len(matches) < 2 {
		return "", fmt.Errorf("%w: no soundcloud track for %q", ErrNotFound, query)
	}
	return "https://" + strings.TrimSpace(matches[1]), nil
}

// ytdlpProbe asks yt-dlp for the best-audio format of a track page.
func ytdlpProbe(ctx context.Context, pageURL string) (scInfo, error) {
	cmd := exec.CommandContext(ctx, "yt-dlp", "-j", "-f", "bestaudio", pageURL)
	output, err := cmd.Output()
	if err != nil {
		return scInfo{}, fmt.Errorf("yt-dlp probe error: %w", err)
	}

	type format struct {
		URL string `json:"url"`
	}
	type ytdlpInfo struct {
		Title    string   `json:"title"`
		Duration float64  `json:"duration"`
		URL      string   `json:"url"`
		Formats  []format `json:"formats"`
	}

	var info ytdlpInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return scInfo{}, fmt.Errorf("yt-dlp json unmarshal error: %w", err)
	}

	link := strings.TrimSpace(info.URL)
	if link == "" && len(info.Formats) > 0 {
		link = strings.TrimSpace(info.Formats[len(info.Formats)-1].URL)
	}
	if link == "" {
		return scInfo{}, errors.New("empty URL returned from yt-dlp")
	}

	return scInfo{
		Title:     info.Title,
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		StreamURL: link,
	}, nil
}
