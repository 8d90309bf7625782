package validate

// autofix.go holds the catalog of mechanical repairs.
//
// Each repair kind carries a fixed confidence score. A suggestion is
// attached to an error only when the repaired value re-validates clean,
// so suggestions are always safe to apply verbatim. The catalog is
// consulted by error type; nothing here is inferred per record.

import "strings"

// Confidence scores per repair kind. Fixed by catalog, never computed.
const (
	trimConfidence     = 0.9
	reformatConfidence = 0.8
	defaultConfidence  = 0.7
)

// reformatNumeric strips currency symbols, thousands separators, and
// surrounding whitespace, the repairs operators most commonly need for
// spreadsheet-exported numeric columns.
func reformatNumeric(value string) string {
	s := strings.TrimSpace(value)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	return strings.TrimSpace(s)
}

// SuggestFix returns the catalog repair for an error, or nil when no
// mechanical repair produces a valid value. The lookup is by error type:
//
//	missing_required → apply_default (when the field declares a default)
//	invalid_format   → trim_whitespace
//	invalid_numeric  → trim_whitespace, else reformat
//	invalid_email    → trim_whitespace
//	invalid_enum     → trim_whitespace
func SuggestFix(errType ErrorType, value string, f Field) *AutoFix {
	switch errType {
	case ErrMissingRequired:
		if f.Default == "" {
			return nil
		}
		return &AutoFix{Action: ActionApplyDefault, NewValue: f.Default, Confidence: defaultConfidence}

	case ErrInvalidFormat, ErrInvalidEnum, ErrInvalidEmail:
		return trimFix(value, f)

	case ErrInvalidNumeric:
		if fix := trimFix(value, f); fix != nil {
			return fix
		}
		return reformatFix(reformatNumeric(value), f)
	}

	return nil
}

// trimFix suggests trimming when the trimmed value validates clean.
func trimFix(value string, f Field) *AutoFix {
	trimmed := strings.TrimSpace(value)
	if trimmed == value {
		return nil
	}
	if _, _, ok := CheckField(trimmed, f); !ok {
		return nil
	}
	return &AutoFix{Action: ActionTrimWhitespace, NewValue: trimmed, Confidence: trimConfidence}
}

// reformatFix suggests the reformatted value when it validates clean.
func reformatFix(reformatted string, f Field) *AutoFix {
	if _, _, ok := CheckField(reformatted, f); !ok {
		return nil
	}
	return &AutoFix{Action: ActionReformat, NewValue: reformatted, Confidence: reformatConfidence}
}
