package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DeletedSentinel marks removed authors/bodies so tree shape survives for
// descendants.
const DeletedSentinel = "[deleted]"

var (
	kiloScoreRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)k$`)
	plainIntRegex  = regexp.MustCompile(`^-?\d+$`)
	firstIntRegex  = regexp.MustCompile(`-?\d+`)
)

// parseScore converts a rendered score ("342", "1.2k", "•", "score hidden")
// into an integer. Hidden or unparsable scores report ok=false.
func parseScore(text string) (int, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || t == "•" || t == "score hidden" || t == "hidden" {
		return 0, false
	}
	if m := kiloScoreRegex.FindStringSubmatch(t); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return int(f * 1000), true
	}
	if plainIntRegex.MatchString(t) {
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// parseCount extracts the first integer from text like "128 comments" or
// "1,204 points". Returns 0 when no number is present ("comment" on empty
// threads).
func parseCount(text string) int {
	m := firstIntRegex.FindString(strings.ReplaceAll(text, ",", ""))
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// parseTimestamp parses a datetime attribute. Listing markup carries
// RFC3339 with an explicit offset.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
