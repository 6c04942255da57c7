package filter

// Decision is the outcome of evaluating a candidate string against the
// allow and deny lists.
type Decision int

const (
	// Admit lets the candidate through.
	Admit Decision = iota
	// Reject refuses the candidate; HTTP hosts answer 403 Forbidden.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Field identifies which part of a parameter a verdict or substitution
// refers to.
type Field string

const (
	FieldName  Field = "name"
	FieldValue Field = "value"
)

// Verdict is the result of screening a whole parameter mapping.
type Verdict struct {
	Decision  Decision `json:"-"`
	Parameter string   `json:"parameter,omitempty"`
	Field     Field    `json:"field,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
}

// Rejected reports whether the verdict refuses the request.
func (v Verdict) Rejected() bool {
	return v.Decision == Reject
}

// Substitution records one rewrite performed by an escape rule.
type Substitution struct {
	Group     EscapeGroup `json:"group"`
	Pattern   string      `json:"pattern"`
	Parameter string      `json:"parameter"`
	Field     Field       `json:"field"`
	Before    string      `json:"before"`
	After     string      `json:"after"`
}

// NameMatchPolicy selects how escape rules are tested against parameter
// names. Values are always searched for a match anywhere in the string.
type NameMatchPolicy string

const (
	// NameMatchSubstring renames a parameter when the rule matches anywhere
	// in its name.
	NameMatchSubstring NameMatchPolicy = "substring"
	// NameMatchFull renames a parameter only when the rule matches the
	// entire name.
	NameMatchFull NameMatchPolicy = "full"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// means NameMatchSubstring.
func (p NameMatchPolicy) Valid() bool {
	switch p {
	case "", NameMatchSubstring, NameMatchFull:
		return true
	}
	return false
}
