package pop

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildMessage_LegacyWhenNoGate(t *testing.T) {
	t.Parallel()

	msg, err := BuildMessage(Input{
		CurrentHeight: 500,
		Bech32Address: "bbn1staker",
	})
	require.NoError(t, err)
	require.Equal(t, "bbn1staker", string(msg))
}

func TestBuildMessage_LegacyBelowGate(t *testing.T) {
	t.Parallel()

	msg, err := BuildMessage(Input{
		CurrentHeight: 199,
		Gate:          &UpgradeGate{UpgradeHeight: 200, Version: 0},
		ChainID:       "bbn-test-1",
		ModuleAddress: "bbn1module",
		Bech32Address: "bbn1staker",
	})
	require.NoError(t, err)
	require.Equal(t, "bbn1staker", string(msg))
}

func TestBuildMessage_ContextualAtGate(t *testing.T) {
	t.Parallel()

	msg, err := BuildMessage(Input{
		CurrentHeight: 200,
		Gate:          &UpgradeGate{UpgradeHeight: 200, Version: 0},
		ChainID:       "bbn-test-1",
		ModuleAddress: "bbn1module",
		Bech32Address: "bbn1staker",
	})
	require.NoError(t, err)

	domain := "btcstaking/0/staker_pop/bbn-test-1/bbn1module"
	sum := sha256.Sum256([]byte(domain))
	expected := hex.EncodeToString(sum[:]) + "bbn1staker"

	require.Equal(t, expected, string(msg))
}

func TestBuildMessage_ContextualAboveGate(t *testing.T) {
	t.Parallel()

	msg, err := BuildMessage(Input{
		CurrentHeight: 1000,
		Gate:          &UpgradeGate{UpgradeHeight: 200, Version: 3},
		ChainID:       "bbn-1",
		ModuleAddress: "bbn1abc",
		Bech32Address: "bbn1staker2",
	})
	require.NoError(t, err)
	require.Contains(t, string(msg), "bbn1staker2")
	require.Len(t, msg, 64+len("bbn1staker2"))
}

func TestBuildMessage_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := BuildMessage(Input{CurrentHeight: 10})
	require.Error(t, err)
}
