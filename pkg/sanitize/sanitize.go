// Package sanitize turns raw model output into a reply fit to show a user.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// thinkRegex matches <think>...</think> content, including newlines.
	thinkRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

	underlineRunRegex = regexp.MustCompile(`[_*]{2,}`)
	angleTagRegex     = regexp.MustCompile(`<<.*?>>`)
	arrowTagRegex     = regexp.MustCompile(`>>.*?>>`)
)

// Clean strips the echoed prompt, cuts the text at the first speaker label
// and removes formatting artifacts. labels are cut in order, so pass the
// user's own label before the generic one. The result may be empty.
func Clean(raw, prompt string, labels ...string) string {
	out := raw
	if prompt != "" {
		out = strings.ReplaceAll(out, prompt, "")
	}

	for _, label := range labels {
		if label == "" {
			continue
		}
		if idx := strings.Index(out, label); idx >= 0 {
			out = out[:idx]
		}
	}

	out = thinkRegex.ReplaceAllString(out, "")
	out = underlineRunRegex.ReplaceAllString(out, "")
	out = dropStrayUnderscores(out)
	out = angleTagRegex.ReplaceAllString(out, "")
	out = arrowTagRegex.ReplaceAllString(out, "")

	return strings.TrimSpace(out)
}

// dropStrayUnderscores removes underscores that are not joining two word
// characters, so identifiers like user_id survive.
func dropStrayUnderscores(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	rs := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s))
	for i, r := range rs {
		if r == '_' && !(i > 0 && isWord(rs[i-1]) && i+1 < len(rs) && isWord(rs[i+1])) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
