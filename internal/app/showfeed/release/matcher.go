package release

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher checks tags against required glob patterns. With no patterns nothing matches.
type Matcher struct {
	patterns []*regexp.Regexp
	globs    []string
}

// NewMatcher compiles globs, * is any run of characters and ? is one character
func NewMatcher(globs []string) (*Matcher, error) {
	m := &Matcher{}
	for _, glob := range globs {
		glob = strings.TrimSpace(glob)
		if glob == "" {
			continue
		}
		re, err := regexp.Compile(globToRegexp(glob))
		if err != nil {
			return nil, fmt.Errorf("tag pattern %q: %w", glob, err)
		}
		m.patterns = append(m.patterns, re)
		m.globs = append(m.globs, glob)
	}
	return m, nil
}

// Match reports whether any pattern matches any tag
func (m *Matcher) Match(tags []string) bool {
	for _, re := range m.patterns {
		for _, tag := range tags {
			if re.MatchString(tag) {
				return true
			}
		}
	}
	return false
}

// Patterns returns the globs in use
func (m *Matcher) Patterns() []string {
	return m.globs
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return b.String()
}
