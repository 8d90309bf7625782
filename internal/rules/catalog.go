// Package rules declares the canonical field catalog the engine
// validates against. The catalog is plain data handed to the session
// store at construction, so deployments can swap in their own without
// touching the engine.
package rules

import "github.com/JonMunkholm/importflow/internal/validate"

// Default returns the product-import catalog: the canonical fields of a
// catalog row with their rule chains and auto-fix defaults.
func Default() validate.RuleSet {
	return validate.NewRuleSet(
		validate.Field{Name: "name", Kind: validate.KindText, Required: true},
		validate.Field{Name: "sku", Kind: validate.KindText, Required: true},
		validate.Field{Name: "description", Kind: validate.KindText},
		validate.Field{Name: "price", Kind: validate.KindNumeric, Required: true},
		validate.Field{Name: "quantity", Kind: validate.KindNumeric, Default: "0"},
		validate.Field{Name: "email", Kind: validate.KindEmail},
		validate.Field{Name: "contact_email", Kind: validate.KindEmail},
		validate.Field{
			Name:       "status",
			Kind:       validate.KindEnum,
			Default:    "draft",
			EnumValues: []string{"draft", "active", "archived"},
		},
		validate.Field{
			Name:       "currency",
			Kind:       validate.KindEnum,
			Default:    "USD",
			EnumValues: []string{"USD", "EUR", "GBP"},
		},
	)
}
