package conversation

import (
	"regexp"
	"strings"
)

var (
	bracketPlaceholder = regexp.MustCompile(`\[[^\[\]]{1,40}\]|\{[^{}]{1,40}\}|<[^<>]{1,40}>`)
	spaceBeforePunct   = regexp.MustCompile(`\s+([,.!?;:])`)
)

// CleanReply turns raw model output into a speakable line: wrapping quotes, all double quotes
// and bracketed placeholders are removed and whitespace is collapsed.
func CleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = trimWrappingQuotes(s)
	s = strings.NewReplacer(`"`, "", "“", "", "”", "").Replace(s)
	s = bracketPlaceholder.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	// leftovers of a dropped name, e.g. "Hello, [Name]."
	s = strings.NewReplacer(",,", ",", ",.", ".", ",!", "!", ",?", "?").Replace(s)
	return strings.TrimSpace(strings.Trim(s, ", "))
}

func trimWrappingQuotes(s string) string {
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"‘", "’"}}
	for {
		trimmed := false
		for _, p := range pairs {
			if len(s) >= len(p[0])+len(p[1]) && strings.HasPrefix(s, p[0]) && strings.HasSuffix(s, p[1]) {
				s = strings.TrimSpace(s[len(p[0]) : len(s)-len(p[1])])
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}

// isGreeting reports whether text is only a greeting from the list.
func isGreeting(text string, greetings []string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, "!.,? ")
	for _, g := range greetings {
		if t == g {
			return true
		}
	}
	return false
}
