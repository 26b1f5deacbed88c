package withdraw

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

func testKeyPair(t *testing.T, seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return priv, pub
}

func TestGuard_AllowsOwnTaprootAddress(t *testing.T) {
	t.Parallel()

	_, pub := testKeyPair(t, 1)
	g, err := New(&chaincfg.MainNetParams, pub, nil)
	require.NoError(t, err)

	scripts := g.AllowedScripts()
	require.Len(t, scripts, 1)

	require.NoError(t, g.Validate(scripts))
}

func TestGuard_RejectsOtherTaprootKey(t *testing.T) {
	t.Parallel()

	_, pubA := testKeyPair(t, 1)
	_, pubB := testKeyPair(t, 2)

	g, err := New(&chaincfg.MainNetParams, pubA, nil)
	require.NoError(t, err)

	gOther, err := New(&chaincfg.MainNetParams, pubB, nil)
	require.NoError(t, err)

	err = g.Validate(gOther.AllowedScripts())
	require.Error(t, err)

	var violation *stakingerr.UnauthorizedWithdrawalAddress
	require.ErrorAs(t, err, &violation)
	require.Len(t, violation.Addresses, 1)
}

func TestGuard_IgnoresBareOpReturn(t *testing.T) {
	t.Parallel()

	_, pub := testKeyPair(t, 3)
	g, err := New(&chaincfg.MainNetParams, pub, nil)
	require.NoError(t, err)

	opReturn, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData([]byte("not an address")).
		Script()
	require.NoError(t, err)

	require.NoError(t, g.Validate([][]byte{opReturn}))
}

func TestGuard_EmptyOutputListPasses(t *testing.T) {
	t.Parallel()

	_, pub := testKeyPair(t, 4)
	g, err := New(&chaincfg.MainNetParams, pub, nil)
	require.NoError(t, err)

	require.NoError(t, g.Validate(nil))
}

func TestGuard_IncludesP2WPKHWhenCompressedKeyProvided(t *testing.T) {
	t.Parallel()

	priv, pub := testKeyPair(t, 5)
	compressed := priv.PubKey().SerializeCompressed()

	g, err := New(&chaincfg.MainNetParams, pub, compressed)
	require.NoError(t, err)

	require.Len(t, g.AllowedScripts(), 2)
}
