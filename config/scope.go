package config

// Scope resolution for scoped configuration fields. Every field value is
// set at a (cryptoScope, machineScope) pair; either axis may be the
// literal "global" or a concrete currency/machine identifier.

// Global is the literal scope value meaning "applies to every
// currency/machine on this axis".
const Global = "global"

// ScopeMode declares which scopes a field may be set at on one axis.
type ScopeMode string

const (
	ScopeGlobal   ScopeMode = "global"
	ScopeSpecific ScopeMode = "specific"
	ScopeBoth     ScopeMode = "both"
)

// ScopeKey is one (cryptoScope, machineScope) pair.
type ScopeKey struct {
	Crypto  string
	Machine string
}

// AllScopes returns the full cartesian product of the given axis values,
// in order, with no duplicates for distinct inputs.
func AllScopes(cryptoScopes, machineScopes []string) []ScopeKey {
	scopes := make([]ScopeKey, 0, len(cryptoScopes)*len(machineScopes))
	for _, c := range cryptoScopes {
		for _, m := range machineScopes {
			scopes = append(scopes, ScopeKey{Crypto: c, Machine: m})
		}
	}
	return scopes
}

// CryptoScopes expands a crypto-axis mode into concrete scope values.
func CryptoScopes(cryptos []string, mode ScopeMode) []string {
	var scopes []string
	if mode == ScopeGlobal || mode == ScopeBoth {
		scopes = append(scopes, Global)
	}
	if mode == ScopeSpecific || mode == ScopeBoth {
		scopes = append(scopes, cryptos...)
	}
	return scopes
}

// MachineScopes expands a machine-axis mode into concrete scope values.
func MachineScopes(machines []string, mode ScopeMode) []string {
	var scopes []string
	if mode == ScopeGlobal || mode == ScopeBoth {
		scopes = append(scopes, Global)
	}
	if mode == ScopeSpecific || mode == ScopeBoth {
		scopes = append(scopes, machines...)
	}
	return scopes
}

// SatisfiesRequire reports whether a required field is set everywhere it
// has to be. For every scope pair applicable to the field, the value must
// be non-blank unless the field is gated by refFields (enabledIf) and none
// of those reference fields evaluate truthy across the candidate scopes
// that could fall back to it. No gating fields means required
// unconditionally at every applicable scope.
func SatisfiesRequire(doc Document, cryptos, machines []string, field FieldSchema, refFields []FieldSchema) bool {
	scopes := AllScopes(
		CryptoScopes(cryptos, field.CryptoScope),
		MachineScopes(machines, field.MachineScope),
	)

	for _, scope := range scopes {
		blank := doc.ScopedValue(scope.Crypto, scope.Machine, field.Code) == nil

		required := len(refFields) == 0
		for _, ref := range refFields {
			if scopeEnabled(doc, cryptos, machines, ref, scope) {
				required = true
				break
			}
		}

		if required && blank {
			return false
		}
	}
	return true
}

// scopeEnabled reports whether a reference field is truthy at any scope a
// value at the given scope could fall back to. A global axis expands to
// the ref field's full closure on that axis; a specific axis is exact.
// This asymmetry is intentional: a global toggle is satisfied by any one
// currency/machine opting in.
func scopeEnabled(doc Document, cryptos, machines []string, ref FieldSchema, scope ScopeKey) bool {
	candidateCryptos := []string{scope.Crypto}
	if scope.Crypto == Global {
		candidateCryptos = CryptoScopes(cryptos, ref.CryptoScope)
	}

	candidateMachines := []string{scope.Machine}
	if scope.Machine == Global {
		candidateMachines = MachineScopes(machines, ref.MachineScope)
	}

	for _, candidate := range AllScopes(candidateCryptos, candidateMachines) {
		if truthy(doc.ScopedValue(candidate.Crypto, candidate.Machine, ref.Code)) {
			return true
		}
	}
	return false
}

// truthy mirrors the loose enabledIf semantics: any non-nil, non-zero,
// non-empty value enables the gated field.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []string:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}
