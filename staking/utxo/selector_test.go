package utxo

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func p2wpkhScript() []byte {
	s := make([]byte, 22)
	s[0] = 0x00
	s[1] = 0x14
	return s
}

func p2trScript() []byte {
	s := make([]byte, 34)
	s[0] = 0x51
	s[1] = 0x20
	return s
}

func candidate(value btcutil.Amount, taproot bool) Candidate {
	c := Candidate{
		OutPoint: wire.OutPoint{Index: 0},
		Value:    value,
		PkScript: p2wpkhScript(),
	}
	if taproot {
		c.TapInternalKey = make([]byte, 32)
	}
	return c
}

func TestSelect_ExactSingleInput(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{candidate(150_000, false)}
	sel, err := Select(candidates, 100_000, 10, ChangeTemplate{PkScript: p2wpkhScript()}, 0)
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	require.True(t, sel.HasChange)
	require.Equal(t, sel.Inputs[0].Value-100_000-sel.Fee, sel.Change)
}

func TestSelect_PrefersSmallestInputCount(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate(60_000, false),
		candidate(60_000, false),
		candidate(200_000, false),
	}
	sel, err := Select(candidates, 100_000, 5, ChangeTemplate{PkScript: p2wpkhScript()}, 0)
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, btcutil.Amount(200_000), sel.Inputs[0].Value)
}

func TestSelect_InsufficientFunds(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{candidate(1000, false)}
	_, err := Select(candidates, 100_000, 10, ChangeTemplate{PkScript: p2wpkhScript()}, 0)
	require.Error(t, err)
}

func TestSelect_TaprootInputCheaperThanP2WPKH(t *testing.T) {
	t.Parallel()

	wpkh := candidate(150_000, false)
	tr := candidate(150_000, true)

	selWPKH, err := Select([]Candidate{wpkh}, 100_000, 10, ChangeTemplate{PkScript: p2wpkhScript()}, 0)
	require.NoError(t, err)

	selTR, err := Select([]Candidate{tr}, 100_000, 10, ChangeTemplate{PkScript: p2wpkhScript()}, 0)
	require.NoError(t, err)

	require.Greater(t, selWPKH.Fee, selTR.Fee)
}

func TestSelect_FeeEquationHolds(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{candidate(150_000, false), candidate(80_000, false)}
	sel, err := Select(candidates, 100_000, 15, ChangeTemplate{PkScript: p2trScript()}, 0)
	require.NoError(t, err)

	var totalIn btcutil.Amount
	for _, in := range sel.Inputs {
		totalIn += in.Value
	}

	totalOut := btcutil.Amount(100_000) + sel.Change
	require.Equal(t, sel.Fee, totalIn-totalOut)
}

func TestDustThreshold_Positive(t *testing.T) {
	t.Parallel()

	require.Greater(t, int64(DustThreshold(34)), int64(0))
}
