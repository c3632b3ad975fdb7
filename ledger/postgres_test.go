package ledger

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAtoms(t *testing.T) {
	atoms, err := parseAtoms("120000")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(120000), atoms)

	_, err = parseAtoms("not-a-number")
	require.Error(t, err)

	_, err = parseAtoms("")
	require.Error(t, err)
}
