package coinfleet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped pq unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"pq other code", &pq.Error{Code: "40001"}, false},
		{"duplicate event", NewEngineError(ErrCodeDuplicateEvent, "bill seen twice", nil), true},
		{"other engine error", NewEngineError(ErrCodePersistence, "boom", nil), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("IsUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := NewEngineError(ErrCodeInvalidValue, "cashInTransactionLimit below minimum", nil)
	want := "invalid_value: cashInTransactionLimit below minimum"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestInsufficientFundsSentinel(t *testing.T) {
	if !errors.Is(fmt.Errorf("send: %w", ErrInsufficientFunds), ErrInsufficientFunds) {
		t.Fatal("wrapped sentinel must still match")
	}
	if IsLowSeverity(ErrInsufficientFunds) {
		t.Fatal("insufficient funds is not a quiet error")
	}
}
