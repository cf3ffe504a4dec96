package moderation

import (
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// DurationToken names a ban length from the duration vocabulary.
type DurationToken string

const (
	Duration30m       DurationToken = "30m"
	Duration1h        DurationToken = "1h"
	Duration12h       DurationToken = "12h"
	Duration1d        DurationToken = "1d"
	Duration1w        DurationToken = "1w"
	DurationPermanent DurationToken = "permanent"
	DurationCustom    DurationToken = "custom"
)

// StandardDuration is the only ban length a standard-tier actor ever gets.
const StandardDuration = Duration1d

var fixedDurations = map[DurationToken]time.Duration{
	Duration30m: 30 * time.Minute,
	Duration1h:  time.Hour,
	Duration12h: 12 * time.Hour,
	Duration1d:  24 * time.Hour,
	Duration1w:  7 * 24 * time.Hour,
}

// Tokens lists the vocabulary in display order.
func Tokens() []DurationToken {
	return []DurationToken{Duration30m, Duration1h, Duration12h, Duration1d, Duration1w, DurationPermanent, DurationCustom}
}

// ParseDuration normalises user input into a token. Blank input means StandardDuration.
func ParseDuration(s string) (DurationToken, error) {
	tok := DurationToken(strings.ToLower(strings.TrimSpace(s)))
	if tok == "" {
		return StandardDuration, nil
	}
	if _, ok := fixedDurations[tok]; ok || tok == DurationPermanent || tok == DurationCustom {
		return tok, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDuration, s)
}

// Label is the human form used in audit details.
func (d DurationToken) Label() string {
	switch d {
	case Duration30m:
		return "30 minutes"
	case Duration1h:
		return "1 hour"
	case Duration12h:
		return "12 hours"
	case Duration1d:
		return "1 day"
	case Duration1w:
		return "1 week"
	case DurationPermanent:
		return "permanent"
	case DurationCustom:
		return "custom"
	default:
		return string(d)
	}
}

// banExpiry computes the expiry for a ban requested with tok by an actor of
// the given tier. Standard-tier requests are always narrowed to
// StandardDuration; clamped reports whether that changed the request.
func banExpiry(tier model.Tier, tok DurationToken, custom *time.Time, now time.Time) (expiry time.Time, label string, clamped bool, err error) {
	switch tier {
	case model.TierStandard:
		return now.Add(fixedDurations[StandardDuration]), StandardDuration.Label(), tok != StandardDuration, nil
	case model.TierElevated:
	default:
		return time.Time{}, "", false, ErrPermissionDenied
	}

	if d, ok := fixedDurations[tok]; ok {
		return now.Add(d), tok.Label(), false, nil
	}
	switch tok {
	case DurationPermanent:
		return model.PermanentExpiry, tok.Label(), false, nil
	case DurationCustom:
		if custom == nil || !custom.After(now) {
			return time.Time{}, "", false, ErrInvalidCustomExpiry
		}
		return custom.UTC(), "until " + custom.UTC().Format(time.RFC3339), false, nil
	}
	return time.Time{}, "", false, fmt.Errorf("%w: %q", ErrUnknownDuration, tok)
}
