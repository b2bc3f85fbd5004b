// Package release turns free text announcement titles into episode descriptors
// and decides whether their tags are wanted.
package release

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"showfeed/internal/app/showfeed/show"
)

// Grammar is a title pattern with named groups show, season, episode and optional tags
type Grammar struct {
	re      *regexp.Regexp
	show    int
	season  int
	episode int
	tags    int
}

// CompileGrammar compiles expression and checks required groups
func CompileGrammar(expr string) (*Grammar, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	g := &Grammar{
		re:      re,
		show:    re.SubexpIndex("show"),
		season:  re.SubexpIndex("season"),
		episode: re.SubexpIndex("episode"),
		tags:    re.SubexpIndex("tags"),
	}
	if g.show < 0 || g.season < 0 || g.episode < 0 {
		return nil, fmt.Errorf("grammar %q needs show, season and episode groups", expr)
	}
	return g, nil
}

// Match applies grammar to already normalized title
func (g *Grammar) Match(title string) (show.Descriptor, bool) {
	m := g.re.FindStringSubmatch(title)
	if m == nil {
		return show.Descriptor{}, false
	}

	season, ok := number(m[g.season])
	if !ok {
		return show.Descriptor{}, false
	}
	episode, ok := number(m[g.episode])
	if !ok {
		return show.Descriptor{}, false
	}

	d := show.Descriptor{
		Show:    show.Normalize(m[g.show]),
		Season:  season,
		Episode: episode,
	}
	if d.Show == "" {
		return show.Descriptor{}, false
	}
	if g.tags >= 0 {
		d.Tags = splitTags(m[g.tags])
	}
	return d, true
}

func (g *Grammar) String() string {
	return g.re.String()
}

// Parser tries grammars in order, first match wins
type Parser struct {
	grammars     []*Grammar
	dotsAsSpaces bool
}

// NewParser makes parser from grammar expressions
func NewParser(exprs []string, dotsAsSpaces bool) (*Parser, error) {
	p := &Parser{dotsAsSpaces: dotsAsSpaces}
	for i, expr := range exprs {
		g, err := CompileGrammar(expr)
		if err != nil {
			return nil, fmt.Errorf("grammar #%d: %w", i, err)
		}
		p.grammars = append(p.grammars, g)
	}
	return p, nil
}

// Normalize lowercases the title and, if configured, turns dots into spaces
func (p *Parser) Normalize(title string) string {
	title = strings.ToLower(title)
	if p.dotsAsSpaces {
		title = strings.ReplaceAll(title, ".", " ")
	}
	return title
}

// Parse title into descriptor. A grammar whose season or episode is not a
// number doesn't stop the search, the next grammar is tried.
func (p *Parser) Parse(title string) (show.Descriptor, bool) {
	normalized := p.Normalize(title)
	for _, g := range p.grammars {
		if d, ok := g.Match(normalized); ok {
			return d, true
		}
	}
	return show.Descriptor{}, false
}

func number(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func splitTags(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tags = append(tags, f)
	}
	sort.Strings(tags)
	return tags
}
