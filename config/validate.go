package config

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	coinfleet "github.com/coinfleet/coinfleet"
)

// DeviceRegistry supplies the current machine-id list. The registry is an
// external collaborator; validation only reads it.
type DeviceRegistry interface {
	ListMachineIDs(ctx context.Context) ([]string, error)
}

//go:embed document_schema.json
var documentSchemaJSON []byte

// EnsureShape validates the raw wire form of a configuration document
// before any scope logic runs. Catches malformed locators and non-object
// instances with field-level JSON Schema errors.
func EnsureShape(raw []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(documentSchemaJSON)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return coinfleet.NewEngineError(coinfleet.ErrCodeInvalidValue, err.Error(), nil)
	}
	if !result.Valid() {
		details := map[string]interface{}{}
		for _, desc := range result.Errors() {
			details[desc.Field()] = desc.Description()
		}
		return coinfleet.NewEngineError(coinfleet.ErrCodeInvalidValue, "malformed configuration document", details)
	}
	return nil
}

// EnsureConstraints checks every field instance against its declared
// validators. Unknown codes are a deployment/schema-version mismatch and
// fail hard. The required validator is a no-op here; required-ness is
// scope-sensitive and checked by ValidateRequires.
func EnsureConstraints(schema Schema, doc Document) error {
	seen := make(map[FieldLocator]bool)

	for _, instance := range doc {
		loc := instance.FieldLocator
		if seen[loc] {
			return coinfleet.NewEngineError(coinfleet.ErrCodeInvalidValue,
				fmt.Sprintf("duplicate instance of %s at (%s, %s)", loc.Code, loc.CryptoScope, loc.MachineScope), nil)
		}
		seen[loc] = true

		field, ok := schema.Field(loc.Code)
		if !ok {
			return coinfleet.NewEngineError(coinfleet.ErrCodeUnknownField,
				fmt.Sprintf("no such field: %s", loc.Code), nil)
		}

		for _, validator := range field.Validators {
			if err := checkValidator(instance.FieldValue, validator); err != nil {
				return coinfleet.NewEngineError(coinfleet.ErrCodeInvalidValue,
					fmt.Sprintf("invalid value for %s: %v", loc.Code, err), nil)
			}
		}
	}
	return nil
}

func checkValidator(value interface{}, validator Validator) error {
	switch validator.Code {
	case ValidatorRequired:
		// Scope-sensitive; handled by ValidateRequires.
		return nil
	case ValidatorMin:
		n, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("not a number")
		}
		if validator.Min != nil && n < *validator.Min {
			return fmt.Errorf("%v below minimum %v", n, *validator.Min)
		}
		return nil
	case ValidatorMax:
		n, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("not a number")
		}
		if validator.Max != nil && n > *validator.Max {
			return fmt.Errorf("%v above maximum %v", n, *validator.Max)
		}
		return nil
	default:
		return fmt.Errorf("unknown validation type: %s", validator.Code)
	}
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ValidateRequires resolves every required field's enabledIf references
// and runs the scope resolver against the document. Returns the codes of
// all fields whose requirement is not satisfied.
func ValidateRequires(ctx context.Context, schema Schema, doc Document, registry DeviceRegistry) ([]string, error) {
	machines, err := registry.ListMachineIDs(ctx)
	if err != nil {
		return nil, err
	}
	cryptos := doc.Cryptos(machines)

	var failing []string
	for _, field := range schema.Fields {
		if !field.Required() {
			continue
		}

		refFields := make([]FieldSchema, 0, len(field.EnabledIf))
		for _, refCode := range field.EnabledIf {
			ref, ok := schema.Field(refCode)
			if !ok {
				return nil, coinfleet.NewEngineError(coinfleet.ErrCodeUnknownField,
					fmt.Sprintf("enabledIf reference to unknown field: %s", refCode), nil)
			}
			refFields = append(refFields, ref)
		}

		if !SatisfiesRequire(doc, cryptos, machines, field, refFields) {
			failing = append(failing, field.Code)
		}
	}
	return failing, nil
}

// Validate runs constraint and requirement checks and returns the
// document unchanged when both pass. Failures carry the failing field
// codes so an admin surface can act on them.
func Validate(ctx context.Context, schema Schema, doc Document, registry DeviceRegistry) (Document, error) {
	if err := EnsureConstraints(schema, doc); err != nil {
		return nil, err
	}

	failing, err := ValidateRequires(ctx, schema, doc, registry)
	if err != nil {
		return nil, err
	}
	if len(failing) > 0 {
		return nil, coinfleet.NewEngineError(coinfleet.ErrCodeConfigurationInvalid,
			"invalid configuration", map[string]interface{}{"fields": failing})
	}
	return doc, nil
}
