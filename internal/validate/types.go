// Package validate implements the rule-driven validation engine for
// imported records. It is pure: given a record, a field mapping, and a
// rule set it produces error records, optionally annotated with a
// deterministic auto-fix suggestion. It holds no state between calls,
// so it can validate a whole dataset record-by-record or re-check a
// single field after a fix.
package validate

// Record is one row of the uploaded dataset, keyed by source column name.
type Record map[string]string

// Mapping maps source column names to canonical field names.
type Mapping map[string]string

// FieldFor returns the source column mapped to the given canonical field.
func (m Mapping) FieldFor(canonical string) (string, bool) {
	for col, field := range m {
		if field == canonical {
			return col, true
		}
	}
	return "", false
}

// ErrorType classifies a validation failure. The set is closed: every
// failure produced by the engine carries exactly one of these values.
type ErrorType string

const (
	ErrMissingRequired ErrorType = "missing_required"
	ErrInvalidFormat   ErrorType = "invalid_format"
	ErrInvalidNumeric  ErrorType = "invalid_numeric"
	ErrInvalidEmail    ErrorType = "invalid_email"
	ErrInvalidEnum     ErrorType = "invalid_enum"
)

// FixAction identifies a mechanical repair from the auto-fix catalog.
type FixAction string

const (
	ActionTrimWhitespace FixAction = "trim_whitespace"
	ActionApplyDefault   FixAction = "apply_default"
	ActionReformat       FixAction = "reformat"
)

// AutoFix is a suggested repair for a validation error. Suggestions are
// looked up from a fixed catalog by error type, never synthesized per
// record, so the same (value, error type) pair always yields the same
// suggestion and confidence.
type AutoFix struct {
	Action     FixAction `json:"action"`
	NewValue   string    `json:"newValue"`
	Confidence float64   `json:"confidence"`
}

// ErrorRecord is a single (record, field) validation failure.
type ErrorRecord struct {
	RecordIndex int       `json:"recordIndex"`
	Field       string    `json:"field"`
	ErrorType   ErrorType `json:"errorType"`
	Message     string    `json:"message"`
	AutoFix     *AutoFix  `json:"autoFix,omitempty"`
}

// FieldKind is the expected data type of a canonical field.
type FieldKind int

const (
	KindText FieldKind = iota
	KindNumeric
	KindEmail
	KindEnum
)

// Field declares the rule chain for one canonical field. Rules run in a
// fixed order (required, then type/format) and the first failure wins.
type Field struct {
	Name       string    // canonical field name
	Kind       FieldKind // expected data type
	Required   bool      // empty values fail with missing_required
	Default    string    // substituted by the apply_default repair when set
	EnumValues []string  // valid values for KindEnum
}

// RuleSet is the declarative rule catalog for a dataset, keyed by
// canonical field name. Fields without an entry are not validated.
type RuleSet struct {
	fields map[string]Field
}

// NewRuleSet builds a rule set from field declarations. Later
// declarations with the same name replace earlier ones.
func NewRuleSet(fields ...Field) RuleSet {
	rs := RuleSet{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		rs.fields[f.Name] = f
	}
	return rs
}

// Field looks up the rule declaration for a canonical field.
func (rs RuleSet) Field(name string) (Field, bool) {
	f, ok := rs.fields[name]
	return f, ok
}

// Len returns the number of declared fields.
func (rs RuleSet) Len() int { return len(rs.fields) }
