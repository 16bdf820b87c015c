package synthesizer

import (
	"regexp"
	"strings"
)

// directiveRegex matches the final INCLUDE_SOURCES line, tolerating case,
// surrounding whitespace and markdown emphasis.
var directiveRegex = regexp.MustCompile("(?i)^[\\s*`]*INCLUDE_SOURCES[\\s*`]*:\\s*(\\S.*)$")

// ParseDirective splits raw model output into the visible answer and the
// include-sources flag. Only the last non-blank line is considered. When it is
// not a directive, the raw text is returned unchanged with include and found false.
func ParseDirective(raw string) (answer string, include bool, found bool) {
	lines := strings.Split(raw, "\n")

	last := len(lines) - 1
	for last >= 0 && strings.TrimSpace(lines[last]) == "" {
		last--
	}
	if last < 0 {
		return raw, false, false
	}

	m := directiveRegex.FindStringSubmatch(strings.TrimSpace(lines[last]))
	if m == nil {
		return raw, false, false
	}

	value := strings.TrimLeft(m[1], "*` \t")
	include = len(value) > 0 && (value[0] == 'Y' || value[0] == 'y')
	answer = strings.TrimSpace(strings.Join(lines[:last], "\n"))
	return answer, include, true
}
