package domain

import (
	"regexp"
	"slices"
	"strings"
)

var (
	mentionPattern  = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z][A-Za-z0-9_-]{0,31})`)
	callsignPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
)

// ValidCallsign reports whether s can be used as a callsign: the lowercase
// form of what ParseMentions extracts.
func ValidCallsign(s string) bool {
	return callsignPattern.MatchString(s)
}

// ParseMentions returns the callsigns mentioned in content, lowercased,
// deduplicated and in order of first appearance.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		cs := strings.ToLower(m[1])
		if seen[cs] {
			continue
		}
		seen[cs] = true
		out = append(out, cs)
	}
	return out
}

// NormalizeCallsigns lowercases and trims names, drops the ones that are not
// valid callsigns and removes duplicates, keeping first-seen order.
func NormalizeCallsigns(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		cs := strings.ToLower(strings.TrimSpace(n))
		if ValidCallsign(cs) && !slices.Contains(out, cs) {
			out = append(out, cs)
		}
	}
	return out
}
