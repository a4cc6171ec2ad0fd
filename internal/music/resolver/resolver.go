// Package resolver turns user queries into playable track descriptors. The
// engine consumes the Resolver interface only; the implementations here are
// the default platform backends.
package resolver

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/mkarpov/resonix/internal/track"
)

var (
	// ErrNotFound means the query matched no playable track on the platform.
	ErrNotFound = errors.New("track not found")
	// ErrPlatformUnavailable means the platform could not be reached or
	// refused service; the request may succeed later.
	ErrPlatformUnavailable = errors.New("platform unavailable")
)

// Resolver resolves a query (URL or free text) into a track descriptor with
// a playable stream handle attached.
type Resolver interface {
	// Resolve returns ErrNotFound or ErrPlatformUnavailable on failure.
	Resolve(ctx context.Context, query string, requestedBy string) (track.Descriptor, error)
	// Match reports whether this resolver handles the given URL.
	Match(rawURL string) bool
	Platform() track.Platform
}

// Auto dispatches to platform resolvers: explicit hint first, then URL host
// match, finally YouTube title search as the default.
type Auto struct {
	backends []Resolver
	fallback Resolver
}

// NewAuto builds the standard dispatcher. fallback handles non-URL queries
// and must be one of backends (normally the YouTube resolver).
func NewAuto(fallback Resolver, backends ...Resolver) *Auto {
	return &Auto{backends: backends, fallback: fallback}
}

// Resolve dispatches by platform hint or URL match. An empty hint with a
// non-URL query goes to the fallback resolver.
func (a *Auto) Resolve(ctx context.Context, query string, hint track.Platform, requestedBy string) (track.Descriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return track.Descriptor{}, ErrNotFound
	}

	if hint != "" {
		for _, b := range a.backends {
			if b.Platform() == hint {
				return b.Resolve(ctx, query, requestedBy)
			}
		}
		return track.Descriptor{}, ErrNotFound
	}

	if isURL(query) {
		for _, b := range a.backends {
			if b.Match(query) {
				return b.Resolve(ctx, query, requestedBy)
			}
		}
		return track.Descriptor{}, ErrNotFound
	}

	return a.fallback.Resolve(ctx, query, requestedBy)
}

func isURL(input string) bool {
	u, err := url.Parse(input)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
