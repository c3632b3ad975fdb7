package config

import (
	"github.com/go-viper/mapstructure/v2"
)

// FieldLocator addresses one scoped field value inside a document.
type FieldLocator struct {
	Code         string `json:"code"`
	CryptoScope  string `json:"cryptoScope"`
	MachineScope string `json:"machineScope"`
}

// FieldInstance is one scoped field value.
type FieldInstance struct {
	FieldLocator FieldLocator `json:"fieldLocator"`
	FieldValue   interface{}  `json:"fieldValue"`
}

// Document is an ordered sequence of scoped field values. At most one
// instance may exist per (code, cryptoScope, machineScope); Dedupe rejects
// documents that violate this.
type Document []FieldInstance

// ScopedValue returns the value set at exactly the given scope pair, or
// nil if absent. No fallback is applied.
func (d Document) ScopedValue(cryptoScope, machineScope, code string) interface{} {
	for _, instance := range d {
		loc := instance.FieldLocator
		if loc.Code == code && loc.CryptoScope == cryptoScope && loc.MachineScope == machineScope {
			return instance.FieldValue
		}
	}
	return nil
}

// EffectiveValue resolves the value that applies for a concrete machine
// and currency, falling back from specific to global:
// (crypto, machine) → (crypto, global) → (global, machine) → (global, global).
// This fallback is the single source of truth for every runtime policy
// read.
func (d Document) EffectiveValue(machineID, cryptoCode, code string) interface{} {
	probes := []ScopeKey{
		{Crypto: cryptoCode, Machine: machineID},
		{Crypto: cryptoCode, Machine: Global},
		{Crypto: Global, Machine: machineID},
		{Crypto: Global, Machine: Global},
	}
	for _, probe := range probes {
		if v := d.ScopedValue(probe.Crypto, probe.Machine, code); v != nil {
			return v
		}
	}
	return nil
}

// EffectiveInt resolves an integer policy value (limits). JSON numbers
// arrive as float64.
func (d Document) EffectiveInt(machineID, cryptoCode, code string) (int64, bool) {
	switch v := d.EffectiveValue(machineID, cryptoCode, code).(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// EffectiveBool resolves a toggle.
func (d Document) EffectiveBool(machineID, cryptoCode, code string) bool {
	v, _ := d.EffectiveValue(machineID, cryptoCode, code).(bool)
	return v
}

// EffectiveString resolves a string policy value (plugin identifiers,
// country, fiat currency).
func (d Document) EffectiveString(machineID, cryptoCode, code string) string {
	v, _ := d.EffectiveValue(machineID, cryptoCode, code).(string)
	return v
}

// EffectiveStringList resolves a list value (machineLanguages,
// cryptoCurrencies).
func (d Document) EffectiveStringList(machineID, cryptoCode, code string) []string {
	switch v := d.EffectiveValue(machineID, cryptoCode, code).(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Decode resolves a structured policy value (cartridge config, locale
// blocks) into target.
func (d Document) Decode(machineID, cryptoCode, code string, target interface{}) error {
	v := d.EffectiveValue(machineID, cryptoCode, code)
	if v == nil {
		return nil
	}
	return mapstructure.Decode(v, target)
}

// Cryptos returns the union of the cryptoCurrencies field across every
// scope it can be set at: global crypto scope crossed with the full
// machine closure. Needed by validation before per-machine settings are
// resolvable.
func (d Document) Cryptos(machines []string) []string {
	scopes := AllScopes([]string{Global}, MachineScopes(machines, ScopeBoth))

	var out []string
	seen := make(map[string]bool)
	for _, scope := range scopes {
		v := d.ScopedValue(scope.Crypto, scope.Machine, FieldCryptoCurrencies)
		for _, c := range toStringList(v) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func toStringList(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
