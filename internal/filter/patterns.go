package filter

import (
	"regexp"
	"strings"
)

// PatternSet is an ordered list of compiled patterns. The zero value is an
// empty set.
type PatternSet struct {
	patterns []*regexp.Regexp
}

// CompilePatternList compiles a comma-separated list of regular
// expressions. Segments are trimmed and empty segments are skipped, so an
// empty or blank list yields an empty set.
func CompilePatternList(list string) (PatternSet, error) {
	set := PatternSet{patterns: []*regexp.Regexp{}}

	for _, segment := range strings.Split(list, ",") {
		source := strings.TrimSpace(segment)
		if source == "" {
			continue
		}

		re, err := regexp.Compile(source)
		if err != nil {
			return PatternSet{}, &ConfigurationError{Pattern: source, Err: err}
		}
		set.patterns = append(set.patterns, re)
	}

	return set, nil
}

// Len returns the number of patterns in the set.
func (s PatternSet) Len() int {
	return len(s.patterns)
}

// Empty reports whether the set holds no patterns.
func (s PatternSet) Empty() bool {
	return len(s.patterns) == 0
}

// FindIn returns the first pattern that matches anywhere in candidate.
func (s PatternSet) FindIn(candidate string) (*regexp.Regexp, bool) {
	for _, re := range s.patterns {
		if re.MatchString(candidate) {
			return re, true
		}
	}
	return nil, false
}

// Sources returns the pattern sources in configuration order.
func (s PatternSet) Sources() []string {
	sources := make([]string, len(s.patterns))
	for i, re := range s.patterns {
		sources[i] = re.String()
	}
	return sources
}

// String renders the set back into its comma-separated form.
func (s PatternSet) String() string {
	return strings.Join(s.Sources(), ",")
}
