package params

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func testCovenantKey(t *testing.T, seed byte) *btcec.PublicKey {
	t.Helper()

	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}

	_, pub := btcec.PrivKeyFromBytes(b)
	return pub
}

func testRecord(t *testing.T, version, activation uint32) *Params {
	t.Helper()

	return &Params{
		Version:              version,
		ActivationBtcHeight:  activation,
		CovenantKeys:         []*btcec.PublicKey{testCovenantKey(t, 1), testCovenantKey(t, 2), testCovenantKey(t, 3)},
		CovenantQuorum:       2,
		MinStakingAmount:     10_000,
		MaxStakingAmount:     1_000_000,
		MinStakingTimeBlocks: 100,
		MaxStakingTimeBlocks: 10_000,
		UnbondingTimeBlocks:  100,
		UnbondingFeeSat:      1000,
		SlashingRate:         big.NewRat(1, 10),
		SlashingPkScript:     []byte{0x00, 0x14, 1, 2, 3, 4},
		MinSlashingTxFeeSat:  1000,
	}
}

func TestValidate_RejectsMinBelowUnbondingFeePlusFloor(t *testing.T) {
	t.Parallel()

	p := testRecord(t, 0, 0)
	p.MinStakingAmount = p.UnbondingFeeSat + MinUnbondingOutputValue - 1

	require.Error(t, p.Validate())
}

func TestValidate_RejectsDuplicateCovenantKeys(t *testing.T) {
	t.Parallel()

	p := testRecord(t, 0, 0)
	p.CovenantKeys = []*btcec.PublicKey{
		testCovenantKey(t, 1), testCovenantKey(t, 1),
	}
	p.CovenantQuorum = 1

	require.Error(t, p.Validate())
}

func TestValidate_RejectsQuorumAboveKeyCount(t *testing.T) {
	t.Parallel()

	p := testRecord(t, 0, 0)
	p.CovenantQuorum = 10

	require.Error(t, p.Validate())
}

func TestValidate_RejectsSlashingRateOutOfRange(t *testing.T) {
	t.Parallel()

	p := testRecord(t, 0, 0)
	p.SlashingRate = big.NewRat(3, 2)

	require.Error(t, p.Validate())
}

func TestNew_SortsByActivationHeightAndChecksMonotonicVersions(t *testing.T) {
	t.Parallel()

	r, err := New([]*Params{
		testRecord(t, 2, 200),
		testRecord(t, 0, 0),
		testRecord(t, 1, 100),
	})
	require.NoError(t, err)

	require.Equal(t, []uint32{0, 1, 2}, r.Versions())
}

func TestNew_RejectsEqualActivationDifferingVersion(t *testing.T) {
	t.Parallel()

	_, err := New([]*Params{
		testRecord(t, 0, 100),
		testRecord(t, 1, 100),
	})
	require.Error(t, err)
}

func TestNew_RejectsDuplicateVersion(t *testing.T) {
	t.Parallel()

	_, err := New([]*Params{
		testRecord(t, 0, 0),
		testRecord(t, 0, 100),
	})
	require.Error(t, err)
}

func TestNew_RejectsEmptyRegistry(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestRegistry_ByBtcHeight(t *testing.T) {
	t.Parallel()

	r, err := New([]*Params{
		testRecord(t, 0, 0),
		testRecord(t, 1, 100),
		testRecord(t, 2, 200),
	})
	require.NoError(t, err)

	got, err := r.ByBtcHeight(150)
	require.NoError(t, err)
	require.Equal(t, uint32(1), got.Version)

	got, err = r.ByBtcHeight(200)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)

	got, err = r.ByBtcHeight(500)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)
}

func TestRegistry_ByBtcHeight_NoApplicable(t *testing.T) {
	t.Parallel()

	r, err := New([]*Params{testRecord(t, 0, 100)})
	require.NoError(t, err)

	_, err = r.ByBtcHeight(50)
	require.Error(t, err)
}

func TestRegistry_ByVersion(t *testing.T) {
	t.Parallel()

	r, err := New([]*Params{
		testRecord(t, 0, 0),
		testRecord(t, 1, 100),
	})
	require.NoError(t, err)

	got, err := r.ByVersion(1)
	require.NoError(t, err)
	require.Equal(t, uint32(100), got.ActivationBtcHeight)

	_, err = r.ByVersion(99)
	require.Error(t, err)
}
