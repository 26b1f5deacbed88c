package script

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/btcstaker/stakingtx/staking/params"
)

func testKey(t *testing.T, seed byte) *btcec.PublicKey {
	t.Helper()

	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}

	_, pub := btcec.PrivKeyFromBytes(b)

	return pub
}

func testParams(t *testing.T, quorum uint32, covenantSeeds ...byte) *params.Params {
	t.Helper()

	keys := make([]*btcec.PublicKey, len(covenantSeeds))
	for i, s := range covenantSeeds {
		keys[i] = testKey(t, s)
	}

	return &params.Params{
		Version:              0,
		ActivationBtcHeight:  0,
		CovenantKeys:         keys,
		CovenantQuorum:       quorum,
		MinStakingAmount:     10_000,
		MaxStakingAmount:     1_000_000,
		MinStakingTimeBlocks: 100,
		MaxStakingTimeBlocks: 10_000,
		UnbondingTimeBlocks:  100,
		UnbondingFeeSat:      1000,
		SlashingRate:         big.NewRat(1, 2),
		SlashingPkScript:     []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		MinSlashingTxFeeSat:  1000,
		Tag:                  []byte{0xab, 0xcd, 0xef, 0x01},
	}
}

func TestSortCovenantKeys_Deterministic(t *testing.T) {
	t.Parallel()

	keys := []*btcec.PublicKey{
		testKey(t, 30), testKey(t, 10), testKey(t, 20),
	}

	sorted1 := SortCovenantKeys(keys)
	sorted2 := SortCovenantKeys(keys)

	require.Equal(t, len(keys), len(sorted1))
	for i := range sorted1 {
		require.Equal(t,
			SerializeXOnly(sorted1[i]), SerializeXOnly(sorted2[i]))
	}

	// Sorted order must be non-decreasing lexicographically.
	for i := 1; i < len(sorted1); i++ {
		require.LessOrEqual(t,
			compareBytes(SerializeXOnly(sorted1[i-1]), SerializeXOnly(sorted1[i])),
			0,
		)
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestBuild_Idempotent(t *testing.T) {
	t.Parallel()

	p := testParams(t, 2, 1, 2, 3)
	in := Input{
		Params:              p,
		StakerKey:           testKey(t, 100),
		FinalityProviderKey: testKey(t, 200),
		TimelockBlocks:      150,
	}

	b1, err := Build(in)
	require.NoError(t, err)

	b2, err := Build(in)
	require.NoError(t, err)

	require.Equal(t, b1.PkScript, b2.PkScript)
	require.Equal(t, b1.TimelockScript, b2.TimelockScript)
	require.Equal(t, b1.UnbondingScript, b2.UnbondingScript)
	require.Equal(t, b1.SlashingScript, b2.SlashingScript)
}

func TestBuild_UnspendableInternalKeyFixed(t *testing.T) {
	t.Parallel()

	p := testParams(t, 1, 1)
	in := Input{
		Params:              p,
		StakerKey:           testKey(t, 1),
		FinalityProviderKey: testKey(t, 2),
		TimelockBlocks:      100,
	}

	b, err := Build(in)
	require.NoError(t, err)

	expected, err := UnspendableInternalKey()
	require.NoError(t, err)
	require.Equal(t, SerializeXOnly(expected), SerializeXOnly(b.internalKey))
}

func TestBuild_ObservableEmitsDataEmbedScript(t *testing.T) {
	t.Parallel()

	p := testParams(t, 1, 1)
	in := Input{
		Params:              p,
		StakerKey:           testKey(t, 5),
		FinalityProviderKey: testKey(t, 6),
		TimelockBlocks:      200,
		Observable:          true,
		ObservableVersion:   1,
	}

	b, err := Build(in)
	require.NoError(t, err)
	require.NotNil(t, b.DataEmbedScript)

	in.Observable = false
	b2, err := Build(in)
	require.NoError(t, err)
	require.Nil(t, b2.DataEmbedScript)
}

func TestBuild_RejectsQuorumAboveKeyCount(t *testing.T) {
	t.Parallel()

	p := testParams(t, 5, 1, 2)
	in := Input{
		Params:              p,
		StakerKey:           testKey(t, 1),
		FinalityProviderKey: testKey(t, 2),
		TimelockBlocks:      100,
	}

	_, err := Build(in)
	require.Error(t, err)
}

func TestBundle_ControlBlocksDistinct(t *testing.T) {
	t.Parallel()

	p := testParams(t, 2, 1, 2, 3)
	in := Input{
		Params:              p,
		StakerKey:           testKey(t, 42),
		FinalityProviderKey: testKey(t, 43),
		TimelockBlocks:      144,
	}

	b, err := Build(in)
	require.NoError(t, err)

	tcb, err := b.TimelockControlBlock()
	require.NoError(t, err)

	ucb, err := b.UnbondingControlBlock()
	require.NoError(t, err)

	scb, err := b.SlashingControlBlock()
	require.NoError(t, err)

	require.NotEqual(t, tcb, ucb)
	require.NotEqual(t, ucb, scb)
	require.NotEqual(t, tcb, scb)
}
