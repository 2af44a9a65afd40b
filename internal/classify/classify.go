// Package classify decides which raw sessions count as exercise and sums
// the distance covered inside the kept sessions.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// Decision is the outcome of classifying one session
type Decision string

const (
	Kept    Decision = "kept"
	Denied  Decision = "denied"
	Unknown Decision = "unknown"
)

// Words that mark walking or transport. Matched against whole tokens.
var denyWords = toSet(
	"walk", "walks", "walking", "stroll", "strolling", "stroller",
	"commute", "commuting", "transport", "transportation", "transit",
	"vehicle", "driving", "drive", "car", "bus", "tram", "subway", "metro",
	"motorcycle", "scooter", "elevator", "escalator", "snowmobile", "wheelchair",
)

// Activity type names that are too common in prose to match in a name or
// description.
var typeOnlyDenyWords = toSet("foot", "still", "tilting", "sleep", "sleeping")

var allowWords = toSet(
	// running
	"run", "runs", "running", "jog", "jogging", "sprint", "sprints", "treadmill",
	// cycling
	"bike", "biking", "cycle", "cycling", "ride", "riding", "spinning", "handbiking",
	// water
	"swim", "swimming", "rowing", "row", "kayaking", "surfing", "paddleboarding",
	"wakeboarding", "windsurfing", "kitesurfing", "diving",
	// strength
	"strength", "weightlifting", "weights", "lifting", "powerlifting", "power",
	"crossfit", "calisthenics", "kettlebell", "training", "workout", "hiit",
	"interval", "circuit", "p90x", "ergometer", "elliptical", "aerobics",
	// team and racquet sports
	"team", "sports", "sport", "soccer", "football", "basketball", "baseball",
	"softball", "volleyball", "rugby", "hockey", "cricket", "handball", "polo",
	"tennis", "badminton", "squash", "racquetball",
	// other exercise
	"hiking", "hike", "climbing", "boxing", "kickboxing", "martial", "fencing",
	"yoga", "pilates", "dancing", "zumba", "gymnastics", "skiing", "snowboarding",
	"skating", "snowshoeing", "stair", "rope", "biathlon", "triathlon", "golf",
	"fitness", "multisport",
)

// Types that say nothing about the activity, so name and description are
// consulted for the allow decision instead.
var genericTypes = toSet("", "other", "unknown", "exercise")

// Decide classifies a single session. A deny match on the activity type
// wins over any allow match. Name and description only decide when the type
// is generic, and then a deny match in either still wins.
func Decide(s model.RawSession) Decision {
	activityType := NormalizeActivityType(strings.TrimSpace(s.ActivityType))
	typeTokens := tokenize(activityType)

	if containsAny(typeTokens, denyWords) || containsAny(typeTokens, typeOnlyDenyWords) {
		return Denied
	}

	if !genericTypes[strings.ToLower(activityType)] {
		if containsAny(typeTokens, allowWords) {
			return Kept
		}
		return Unknown
	}

	name, desc := tokenize(s.Name), tokenize(s.Description)
	if containsAny(name, denyWords) || containsAny(desc, denyWords) {
		return Denied
	}
	if containsAny(name, allowWords) || containsAny(desc, allowWords) {
		return Kept
	}
	return Unknown
}

// Classify returns the sessions that count as exercise, in input order
func Classify(raw []model.RawSession) []model.RawSession {
	kept := make([]model.RawSession, 0, len(raw))
	for _, s := range raw {
		d := Decide(s)
		metrics.ClassifiedSessionsTotal.WithLabelValues(string(d)).Inc()
		if d == Kept {
			kept = append(kept, s)
		}
	}
	return kept
}

// DistanceFunc returns the distance covered within one session's window
type DistanceFunc func(ctx context.Context, s model.RawSession) (float64, error)

// AggregateDistance queries the distance of each session, records it on the
// session and returns the total. Auth failures and cancellation stop the
// loop and are returned as-is. Other failures are skipped and reported
// together as ErrPartialData alongside the partial total.
func AggregateDistance(ctx context.Context, sessions []model.RawSession, fn DistanceFunc) (float64, error) {
	var total float64
	var errs []error

	for i := range sessions {
		meters, err := fn(ctx, sessions[i])
		if err != nil {
			if provider.IsUnauthorized(err) || errors.Is(err, context.Canceled) {
				return 0, err
			}
			errs = append(errs, fmt.Errorf("session %s: %w", sessions[i].ID, err))
			continue
		}
		m := meters
		sessions[i].DistanceMeters = &m
		total += meters
	}

	if len(errs) > 0 {
		return total, fmt.Errorf("%w: %w", provider.ErrPartialData, errors.Join(errs...))
	}
	return total, nil
}

// ToSessions converts kept raw sessions into persisted session records
func ToSessions(userID string, source model.Source, kept []model.RawSession) []model.Session {
	out := make([]model.Session, 0, len(kept))
	for _, s := range kept {
		out = append(out, model.Session{
			UserID:       userID,
			SessionID:    s.ID,
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
			ActivityType: NormalizeActivityType(s.ActivityType),
			Name:         s.Name,
			Description:  s.Description,
			Source:       source,
			Raw:          s.Raw,
		})
	}
	return out
}

// SessionRefs builds the snapshot's embedded session summaries
func SessionRefs(kept []model.RawSession) []model.SessionRef {
	refs := make([]model.SessionRef, 0, len(kept))
	for _, s := range kept {
		ref := model.SessionRef{
			SessionID:    s.ID,
			ActivityType: NormalizeActivityType(s.ActivityType),
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
		}
		if s.DistanceMeters != nil {
			ref.DistanceMeters = *s.DistanceMeters
		}
		refs = append(refs, ref)
	}
	return refs
}

// tokenize lowercases s and splits it into words on punctuation, spaces
// and camelCase boundaries.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	var prev rune

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
		prev = r
	}
	flush()
	return tokens
}

func containsAny(tokens []string, words map[string]bool) bool {
	for _, t := range tokens {
		if words[t] {
			return true
		}
	}
	return false
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
