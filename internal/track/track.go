// Package track defines the immutable track descriptor shared by the queue,
// cache, preloader and playback pipeline.
package track

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Platform identifies the source platform a track was resolved from.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformSoundCloud Platform = "soundcloud"
	PlatformRadio      Platform = "radio"
)

// Descriptor is a resolved track. It is immutable once built: the queue owns
// it while enqueued, the pipeline only references it while playing.
type Descriptor struct {
	ID          string
	Title       string
	Duration    time.Duration
	StreamURL   string // direct playable stream handle, may be empty until resolved
	SourceURL   string // canonical page/source URL the track was resolved from
	Platform    Platform
	RequestedBy string
}

// Resolved reports whether a playable stream handle is attached.
func (d Descriptor) Resolved() bool {
	return d.StreamURL != ""
}

// MakeID derives the stable identifier for a track: hex SHA-256 of the
// platform and canonical source URL, truncated to 32 hex chars. Two resolves
// of the same source always agree on the ID, which is what keys the cache.
func MakeID(platform Platform, sourceURL string) string {
	h := sha256.New()
	h.Write([]byte(platform))
	h.Write([]byte{'\n'})
	h.Write([]byte(sourceURL))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
