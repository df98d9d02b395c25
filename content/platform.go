// Package content plans social-media posts: drafting and review, platform
// validation, a scheduling calendar, recurring posts and the dispatcher that
// publishes due posts.
package content

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/GoCodeAlone/dashboard/store"
)

var (
	// ErrValidation reports invalid post or campaign input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition reports a status change the workflow does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PlatformRules describes what a platform accepts.
type PlatformRules struct {
	// MaxBody is the body limit in characters (runes).
	MaxBody int `json:"max_body"`
	// NeedsMedia is set for platforms that cannot publish text alone.
	NeedsMedia bool `json:"needs_media"`
	// MaxMedia caps attached media items.
	MaxMedia int `json:"max_media"`
}

var platforms = map[store.Platform]PlatformRules{
	store.PlatformX:         {MaxBody: 280, MaxMedia: 4},
	store.PlatformFacebook:  {MaxBody: 63206, MaxMedia: 10},
	store.PlatformInstagram: {MaxBody: 2200, NeedsMedia: true, MaxMedia: 10},
	store.PlatformLinkedIn:  {MaxBody: 3000, MaxMedia: 9},
	store.PlatformTikTok:    {MaxBody: 2200, NeedsMedia: true, MaxMedia: 1},
	store.PlatformYouTube:   {MaxBody: 5000, NeedsMedia: true, MaxMedia: 1},
}

// Rules returns the rules for p.
func Rules(p store.Platform) (PlatformRules, bool) {
	r, ok := platforms[p]
	return r, ok
}

// Platforms lists the supported platforms in a stable order.
func Platforms() []store.Platform {
	out := make([]store.Platform, 0, len(platforms))
	for p := range platforms {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// normalizePlatforms de-duplicates ps, keeping the first occurrence, and
// rejects unknown platforms.
func normalizePlatforms(ps []store.Platform) ([]store.Platform, error) {
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", ErrValidation)
	}
	out := make([]store.Platform, 0, len(ps))
	for _, p := range ps {
		if _, ok := platforms[p]; !ok {
			return nil, fmt.Errorf("%w: unknown platform %q", ErrValidation, p)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// checkBody validates the body and media count against every platform.
func checkBody(body string, media int, ps []store.Platform) error {
	n := utf8.RuneCountInString(body)
	if n == 0 && media == 0 {
		return fmt.Errorf("%w: a post needs a body or media", ErrValidation)
	}
	for _, p := range ps {
		r := platforms[p]
		if n > r.MaxBody {
			return fmt.Errorf("%w: body has %d characters, %s allows %d", ErrValidation, n, p, r.MaxBody)
		}
		if r.NeedsMedia && media == 0 {
			return fmt.Errorf("%w: %s posts need media", ErrValidation, p)
		}
		if media > r.MaxMedia {
			return fmt.Errorf("%w: %s allows at most %d media items", ErrValidation, p, r.MaxMedia)
		}
	}
	return nil
}
