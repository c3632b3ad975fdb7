package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
)

// Well-known field codes read by the engine at runtime.
const (
	FieldCryptoCurrencies        = "cryptoCurrencies"
	FieldFiatCurrency            = "fiatCurrency"
	FieldCountry                 = "country"
	FieldMachineLanguages        = "machineLanguages"
	FieldCashInTransactionLimit  = "cashInTransactionLimit"
	FieldCashOutEnabled          = "cashOutEnabled"
	FieldCashOutTransactionLimit = "cashOutTransactionLimit"
	FieldCartridgeDenominations  = "cartridgeDenominations"
	FieldZeroConfLimit           = "zeroConfLimit"
	FieldZeroConf                = "zeroConf"
	FieldWallet                  = "wallet"
	FieldTicker                  = "ticker"
	FieldIDVerificationEnabled   = "idVerificationEnabled"
	FieldIDVerificationLimit     = "idVerificationLimit"
	FieldSMSVerificationEnabled  = "smsVerificationEnabled"
)

// Validator codes
const (
	ValidatorRequired = "required"
	ValidatorMin      = "min"
	ValidatorMax      = "max"
)

// Validator is one declarative constraint on a field value.
type Validator struct {
	Code string   `json:"code"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// FieldSchema describes one configuration field: where it may be set and
// which constraints its values carry. EnabledIf lists field codes whose
// truthiness at the same scope family gates whether this field is
// required.
type FieldSchema struct {
	Code         string      `json:"code"`
	CryptoScope  ScopeMode   `json:"cryptoScope"`
	MachineScope ScopeMode   `json:"machineScope"`
	Validators   []Validator `json:"fieldValidation"`
	EnabledIf    []string    `json:"enabledIf,omitempty"`
}

// Required reports whether the field carries the required validator.
func (f FieldSchema) Required() bool {
	for _, v := range f.Validators {
		if v.Code == ValidatorRequired {
			return true
		}
	}
	return false
}

// Schema is the full declarative field catalog.
type Schema struct {
	Fields []FieldSchema `json:"fields"`
}

// Field looks up a field schema by code.
func (s Schema) Field(code string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Code == code {
			return f, true
		}
	}
	return FieldSchema{}, false
}

//go:embed schema.json
var schemaJSON []byte

var (
	defaultSchema     Schema
	defaultSchemaOnce sync.Once
	defaultSchemaErr  error
)

// DefaultSchema returns the built-in field catalog. A parse failure here
// is a packaging defect, so MustDefaultSchema is what startup paths use.
func DefaultSchema() (Schema, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchemaErr = json.Unmarshal(schemaJSON, &defaultSchema)
	})
	return defaultSchema, defaultSchemaErr
}

// MustDefaultSchema is DefaultSchema for startup wiring.
func MustDefaultSchema() Schema {
	s, err := DefaultSchema()
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	return s
}
