package filter

import (
	"fmt"
	"regexp"
)

// EscapeGroup names a predefined family of escape rules.
type EscapeGroup string

const (
	GroupQuotes        EscapeGroup = "quotes"
	GroupAngleBrackets EscapeGroup = "angle-brackets"
	GroupScripts       EscapeGroup = "scripts"
	GroupCustom        EscapeGroup = "custom"
)

// EscapeDefinition is the uncompiled form of an escape rule. Replacement
// may reference capture groups with $1 or ${1}.
type EscapeDefinition struct {
	Pattern     string `yaml:"pattern" mapstructure:"pattern"`
	Replacement string `yaml:"replacement" mapstructure:"replacement"`
}

var quoteEscapes = []EscapeDefinition{
	{Pattern: `"`, Replacement: "&quot;"},
	{Pattern: `'`, Replacement: "&#39;"},
	{Pattern: "`", Replacement: "&#96;"},
}

var angleBracketEscapes = []EscapeDefinition{
	{Pattern: `<`, Replacement: "&lt;"},
	{Pattern: `>`, Replacement: "&gt;"},
}

// The execScript replacement keeps the historical "exexScript" spelling so
// rewritten output stays byte-compatible with existing deployments.
var scriptEscapes = []EscapeDefinition{
	{Pattern: `document(.*)\.(.*)cookie`, Replacement: "document&#46;&#99;ookie"},
	{Pattern: `eval(\s*)\(`, Replacement: "eval&#40;"},
	{Pattern: `setTimeout(\s*)\(`, Replacement: "setTimeout$1&#40;"},
	{Pattern: `setInterval(\s*)\(`, Replacement: "setInterval$1&#40;"},
	{Pattern: `execScript(\s*)\(`, Replacement: "exexScript$1&#40;"},
	{Pattern: `(?i)javascript(?-i):`, Replacement: "javascript&#58;"},
}

// GroupDefinitions returns the predefined rules of a group in evaluation
// order.
func GroupDefinitions(group EscapeGroup) []EscapeDefinition {
	var defs []EscapeDefinition
	switch group {
	case GroupQuotes:
		defs = quoteEscapes
	case GroupAngleBrackets:
		defs = angleBracketEscapes
	case GroupScripts:
		defs = scriptEscapes
	}
	return append([]EscapeDefinition(nil), defs...)
}

// EscapeOptions selects which rule groups are merged into a rule set.
type EscapeOptions struct {
	Quotes        bool
	AngleBrackets bool
	Scripts       bool
	Custom        []EscapeDefinition
}

// EscapeRule is a compiled (pattern, replacement) pair.
type EscapeRule struct {
	Group       EscapeGroup
	Pattern     *regexp.Regexp
	Replacement string

	// anchored matches only when Pattern covers the whole input.
	anchored *regexp.Regexp
}

// Source returns the pattern text the rule was compiled from.
func (r EscapeRule) Source() string {
	return r.Pattern.String()
}

// MatchesWhole reports whether the rule's pattern matches all of s.
func (r EscapeRule) MatchesWhole(s string) bool {
	return r.anchored.MatchString(s)
}

// Apply replaces every match in s with the expanded replacement.
func (r EscapeRule) Apply(s string) string {
	return r.Pattern.ReplaceAllString(s, r.Replacement)
}

// EscapeRuleSet is an immutable, ordered set of escape rules keyed by
// pattern source.
type EscapeRuleSet struct {
	rules []EscapeRule
}

// NewEscapeRuleSet merges the selected groups in the order quotes,
// angle-brackets, scripts, custom. Merging is additive; when a pattern
// source is merged twice the later replacement wins and the rule keeps its
// first position.
func NewEscapeRuleSet(opts EscapeOptions) (EscapeRuleSet, error) {
	set := EscapeRuleSet{rules: []EscapeRule{}}
	index := make(map[string]int)

	merge := func(group EscapeGroup, defs []EscapeDefinition) error {
		for _, def := range defs {
			rule, err := compileEscape(group, def)
			if err != nil {
				return err
			}
			if i, ok := index[def.Pattern]; ok {
				set.rules[i] = rule
				continue
			}
			index[def.Pattern] = len(set.rules)
			set.rules = append(set.rules, rule)
		}
		return nil
	}

	if opts.Quotes {
		if err := merge(GroupQuotes, quoteEscapes); err != nil {
			return EscapeRuleSet{}, err
		}
	}
	if opts.AngleBrackets {
		if err := merge(GroupAngleBrackets, angleBracketEscapes); err != nil {
			return EscapeRuleSet{}, err
		}
	}
	if opts.Scripts {
		if err := merge(GroupScripts, scriptEscapes); err != nil {
			return EscapeRuleSet{}, err
		}
	}
	if err := merge(GroupCustom, opts.Custom); err != nil {
		return EscapeRuleSet{}, err
	}

	return set, nil
}

func compileEscape(group EscapeGroup, def EscapeDefinition) (EscapeRule, error) {
	list := fmt.Sprintf("%s escape", group)
	if def.Pattern == "" {
		return EscapeRule{}, &ConfigurationError{List: list, Pattern: def.Pattern, Err: fmt.Errorf("empty pattern")}
	}

	re, err := regexp.Compile(def.Pattern)
	if err != nil {
		return EscapeRule{}, &ConfigurationError{List: list, Pattern: def.Pattern, Err: err}
	}
	anchored, err := regexp.Compile(`^(?:` + def.Pattern + `)$`)
	if err != nil {
		return EscapeRule{}, &ConfigurationError{List: list, Pattern: def.Pattern, Err: err}
	}

	return EscapeRule{
		Group:       group,
		Pattern:     re,
		Replacement: def.Replacement,
		anchored:    anchored,
	}, nil
}

// Len returns the number of rules.
func (s EscapeRuleSet) Len() int {
	return len(s.rules)
}

// Rules returns a copy of the rules in evaluation order.
func (s EscapeRuleSet) Rules() []EscapeRule {
	return append([]EscapeRule(nil), s.rules...)
}

// Definitions returns the uncompiled form of every rule, in order.
func (s EscapeRuleSet) Definitions() []EscapeDefinition {
	defs := make([]EscapeDefinition, len(s.rules))
	for i, r := range s.rules {
		defs[i] = EscapeDefinition{Pattern: r.Source(), Replacement: r.Replacement}
	}
	return defs
}
