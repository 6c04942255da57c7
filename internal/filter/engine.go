package filter

import (
	"errors"
	"fmt"

	"github.com/raaihank/input-sentinel/internal/logger"
	"go.uber.org/zap"
)

// Config is the static configuration of an Engine.
type Config struct {
	// Deny and Allow are comma-separated regular expression lists.
	Deny  string
	Allow string

	EscapeQuotes        bool
	EscapeAngleBrackets bool
	EscapeScripts       bool
	CustomEscapes       []EscapeDefinition

	NameMatch NameMatchPolicy
}

// Engine screens strings against allow/deny lists and rewrites parameters
// with escape rules. It is immutable after New and safe for concurrent use.
type Engine struct {
	denies    PatternSet
	allows    PatternSet
	rules     EscapeRuleSet
	nameMatch NameMatchPolicy
	logger    *logger.Logger
}

// New compiles cfg into an Engine. Any invalid pattern fails the whole
// construction with a *ConfigurationError.
func New(cfg Config, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if !cfg.NameMatch.Valid() {
		return nil, fmt.Errorf("unknown name match policy: %s", cfg.NameMatch)
	}
	nameMatch := cfg.NameMatch
	if nameMatch == "" {
		nameMatch = NameMatchSubstring
	}

	denies, err := CompilePatternList(cfg.Deny)
	if err != nil {
		return nil, withList(err, "deny")
	}
	allows, err := CompilePatternList(cfg.Allow)
	if err != nil {
		return nil, withList(err, "allow")
	}
	rules, err := NewEscapeRuleSet(EscapeOptions{
		Quotes:        cfg.EscapeQuotes,
		AngleBrackets: cfg.EscapeAngleBrackets,
		Scripts:       cfg.EscapeScripts,
		Custom:        cfg.CustomEscapes,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		denies:    denies,
		allows:    allows,
		rules:     rules,
		nameMatch: nameMatch,
		logger:    log,
	}

	log.Info("Input filter initialized",
		zap.Int("deny_patterns", denies.Len()),
		zap.Int("allow_patterns", allows.Len()),
		zap.Int("escape_rules", rules.Len()),
		zap.String("name_match", string(nameMatch)),
	)

	return e, nil
}

func withList(err error, list string) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		cfgErr.List = list
		return cfgErr
	}
	return err
}

// Evaluate decides whether candidate is admitted. Deny patterns are checked
// first and the first match rejects; then the first matching allow pattern
// admits. When nothing matched, a deny-only configuration admits and any
// configuration with allow patterns rejects. With no patterns at all every
// candidate is admitted.
func (e *Engine) Evaluate(candidate string) Decision {
	if e.denies.Empty() && e.allows.Empty() {
		return Admit
	}

	if _, ok := e.denies.FindIn(candidate); ok {
		return Reject
	}

	if _, ok := e.allows.FindIn(candidate); ok {
		return Admit
	}

	if !e.denies.Empty() && e.allows.Empty() {
		return Admit
	}

	return Reject
}

// Screen evaluates every parameter name and then each of its values, in
// order, and stops at the first rejected candidate.
func (e *Engine) Screen(params *Parameters) Verdict {
	if params == nil || (e.denies.Empty() && e.allows.Empty()) {
		return Verdict{Decision: Admit}
	}

	for _, name := range params.Names() {
		if e.Evaluate(name) == Reject {
			return Verdict{Decision: Reject, Parameter: name, Field: FieldName, Candidate: name}
		}

		values, _ := params.Get(name)
		for _, value := range values {
			if e.Evaluate(value) == Reject {
				return Verdict{Decision: Reject, Parameter: name, Field: FieldValue, Candidate: value}
			}
		}
	}

	return Verdict{Decision: Admit}
}

// Sanitize applies every escape rule, in rule order, to a copy of params
// and returns the copy together with the substitutions made. Each rule
// makes one pass over the names and values produced by the rules before it;
// rewritten text is never revisited by the same or an earlier rule. A
// renamed parameter keeps its position, and when its new name is already
// taken the two entries are merged as Parameters.Rename does.
func (e *Engine) Sanitize(params *Parameters) (*Parameters, []Substitution) {
	if params == nil {
		return NewParameters(), nil
	}

	out := params.Clone()
	var subs []Substitution

	for _, rule := range e.rules.rules {
		next := NewParameters()

		out.Each(func(name string, values []string) {
			current := name
			if e.nameMatches(rule, name) {
				if renamed := rule.Apply(name); renamed != name {
					current = renamed
					subs = append(subs, Substitution{
						Group:     rule.Group,
						Pattern:   rule.Source(),
						Parameter: current,
						Field:     FieldName,
						Before:    name,
						After:     renamed,
					})
				}
			}

			rewritten := make([]string, len(values))
			for i, value := range values {
				rewritten[i] = value
				if !rule.Pattern.MatchString(value) {
					continue
				}
				rewritten[i] = rule.Apply(value)
				if rewritten[i] == value {
					continue
				}
				subs = append(subs, Substitution{
					Group:     rule.Group,
					Pattern:   rule.Source(),
					Parameter: current,
					Field:     FieldValue,
					Before:    value,
					After:     rewritten[i],
				})
			}

			next.merge(current, rewritten)
		})

		out = next
	}

	return out, subs
}

func (e *Engine) nameMatches(rule EscapeRule, name string) bool {
	if e.nameMatch == NameMatchFull {
		return rule.MatchesWhole(name)
	}
	return rule.Pattern.MatchString(name)
}

// Apply screens the store's parameters and, when they are admitted,
// rewrites them in place. A store that cannot be made mutable yields a
// *HostIntegrationError; the verdict is still returned and the store is
// left as it was.
func (e *Engine) Apply(store ParameterStore) (Verdict, []Substitution, error) {
	params, err := store.Parameters()
	if err != nil {
		return Verdict{Decision: Admit}, nil, fmt.Errorf("failed to read parameters: %w", err)
	}

	verdict := e.Screen(params)
	if verdict.Rejected() {
		e.logger.Debug("Parameter rejected",
			zap.String("parameter", verdict.Parameter),
			zap.String("field", string(verdict.Field)),
		)
		return verdict, nil, nil
	}

	if e.rules.Len() == 0 || params.Len() == 0 {
		return verdict, nil, nil
	}

	sanitized, subs := e.Sanitize(params)
	if len(subs) == 0 {
		return verdict, nil, nil
	}

	if !store.TrySetMutable(true) {
		return verdict, subs, &HostIntegrationError{Op: "unlock parameters", Err: ErrImmutableStore}
	}
	defer store.TrySetMutable(false)

	if err := store.ReplaceParameters(sanitized); err != nil {
		return verdict, subs, &HostIntegrationError{Op: "replace parameters", Err: err}
	}

	e.logger.Debug("Parameters escaped", zap.Int("substitutions", len(subs)))
	return verdict, subs, nil
}

// DenyPatterns returns the deny pattern sources in order.
func (e *Engine) DenyPatterns() []string {
	return e.denies.Sources()
}

// AllowPatterns returns the allow pattern sources in order.
func (e *Engine) AllowPatterns() []string {
	return e.allows.Sources()
}

// Rules returns the active escape rules in evaluation order.
func (e *Engine) Rules() []EscapeRule {
	return e.rules.Rules()
}

// NameMatch returns the policy used for parameter names.
func (e *Engine) NameMatch() NameMatchPolicy {
	return e.nameMatch
}
