package rules

import (
	"testing"

	"github.com/JonMunkholm/importflow/internal/validate"
)

func TestDefaultCatalog(t *testing.T) {
	rs := Default()
	if rs.Len() != 9 {
		t.Fatalf("catalog declares %d fields, want 9", rs.Len())
	}

	tests := []struct {
		name     string
		kind     validate.FieldKind
		required bool
		def      string
	}{
		{"name", validate.KindText, true, ""},
		{"sku", validate.KindText, true, ""},
		{"price", validate.KindNumeric, true, ""},
		{"quantity", validate.KindNumeric, false, "0"},
		{"email", validate.KindEmail, false, ""},
		{"status", validate.KindEnum, false, "draft"},
		{"currency", validate.KindEnum, false, "USD"},
	}

	for _, tt := range tests {
		f, ok := rs.Field(tt.name)
		if !ok {
			t.Errorf("field %q missing from catalog", tt.name)
			continue
		}
		if f.Kind != tt.kind || f.Required != tt.required || f.Default != tt.def {
			t.Errorf("field %q = kind=%v required=%v default=%q", tt.name, f.Kind, f.Required, f.Default)
		}
	}

	// Enum fields must have their defaults inside the allowed values.
	for _, name := range []string{"status", "currency"} {
		f, _ := rs.Field(name)
		found := false
		for _, v := range f.EnumValues {
			if v == f.Default {
				found = true
			}
		}
		if !found {
			t.Errorf("field %q default %q is not an allowed value", name, f.Default)
		}
	}
}
