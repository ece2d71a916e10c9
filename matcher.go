package cistatsd

import (
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// StringMatch matches a job name against one pattern.  Patterns are globs
// ("team-*/deploy"), "regex:" prefixed regular expressions, or plain names.
// A leading "!" inverts the match.
type StringMatch struct {
	test        string
	invertMatch bool
	isRegex     bool
	regex       *regexp.Regexp
	glob        glob.Glob
}

type StringMatchList []StringMatch

func NewStringMatch(s string) StringMatch {
	s = strings.TrimSpace(s)

	invert := false
	if strings.HasPrefix(s, "!") {
		invert = true
		s = s[1:]
	}

	if strings.HasPrefix(s, "regex:") {
		s = s[6:]
		compiledRegex, _ := regexp.Compile(s)
		return StringMatch{
			test:        s,
			invertMatch: invert,
			isRegex:     true,
			regex:       compiledRegex,
		}
	}

	var g glob.Glob
	if strings.ContainsAny(s, "*?[{") {
		// An invalid glob falls back to an exact match.
		g, _ = glob.Compile(s, '/')
	}
	return StringMatch{
		test:        s,
		invertMatch: invert,
		glob:        g,
	}
}

// ParseStringMatchList parses a comma separated list of patterns, skipping blanks.
func ParseStringMatchList(s string) StringMatchList {
	var sml StringMatchList
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		sml = append(sml, NewStringMatch(p))
	}
	return sml
}

// Match indicates if the provided string matches the criteria for this StringMatch
func (sm StringMatch) Match(s string) bool {
	switch {
	case sm.isRegex:
		if sm.regex == nil {
			return sm.invertMatch
		}
		return sm.regex.MatchString(s) != sm.invertMatch
	case sm.glob != nil:
		return sm.glob.Match(s) != sm.invertMatch
	default:
		return (s == sm.test) != sm.invertMatch
	}
}

// MatchAny indicates if s matches anything in the list, returns false if the list is empty
func (sml StringMatchList) MatchAny(s string) bool {
	for _, sm := range sml {
		if sm.Match(s) {
			return true
		}
	}
	return false
}
