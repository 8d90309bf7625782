package validate

// validator.go runs rule chains against records.
//
// Validation operates at two granularities:
//   - CheckField: one value against one field's rules, used for
//     re-validation after a fix is applied.
//   - ValidateRecord / Analyze: a whole record or record sequence,
//     used during initial analysis.
//
// Per-field evaluation stops at the first failing rule, so a field
// reports at most one error per pass. Analyze retains nothing but the
// accumulated error records, keeping memory growth proportional to the
// error count rather than the dataset size.

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
)

// numericPattern accepts optional sign, decimals, and scientific notation.
var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// CheckField validates a single value against one field's rule chain.
// It returns the first failing rule's error type and message, or ok=true
// if every rule passes.
//
// Format rules see the value exactly as stored. A value that would pass
// after trimming still fails here, which is what makes the
// trim_whitespace repair suggestion applicable.
func CheckField(value string, f Field) (ErrorType, string, bool) {
	if strings.TrimSpace(value) == "" {
		if f.Required {
			return ErrMissingRequired, "required field is empty", false
		}
		return "", "", true
	}

	switch f.Kind {
	case KindNumeric:
		if !numericPattern.MatchString(value) {
			return ErrInvalidNumeric, "value is not a valid number", false
		}
	case KindEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return ErrInvalidEmail, "value is not a valid email address", false
		}
	case KindEnum:
		for _, allowed := range f.EnumValues {
			if value == allowed {
				return "", "", true
			}
		}
		return ErrInvalidEnum, "value is not in the allowed list: "+strings.Join(f.EnumValues, ", "), false
	case KindText:
		if value != strings.TrimSpace(value) {
			return ErrInvalidFormat, "value has leading or trailing whitespace", false
		}
	}

	return "", "", true
}

// ValidateRecord runs every mapped field's rule chain against one record
// and returns the resulting error records, with RecordIndex set to index.
// Fields present in the mapping but absent from the rule set are skipped.
func ValidateRecord(index int, rec Record, mapping Mapping, rs RuleSet) []ErrorRecord {
	var errs []ErrorRecord

	for col, canonical := range mapping {
		f, ok := rs.Field(canonical)
		if !ok {
			continue
		}

		raw := rec[col]
		errType, msg, valid := CheckField(raw, f)
		if valid {
			continue
		}

		errs = append(errs, ErrorRecord{
			RecordIndex: index,
			Field:       canonical,
			ErrorType:   errType,
			Message:     msg,
			AutoFix:     SuggestFix(errType, raw, f),
		})
	}

	return errs
}

// Analyze validates a sequence of records and returns all error records.
// Records are processed one at a time; nothing from a prior record is
// retained, so memory stays bounded by the error count. The context is
// checked between chunks so long analyses cancel promptly.
func Analyze(ctx context.Context, records []Record, mapping Mapping, rs RuleSet, chunkSize int) ([]ErrorRecord, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}

	var errs []ErrorRecord
	for i, rec := range records {
		if i%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		errs = append(errs, ValidateRecord(i, rec, mapping, rs)...)
	}

	return errs, nil
}
