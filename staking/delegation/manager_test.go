package delegation

import (
	"context"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/btcstaker/stakingtx/staking/external"
	"github.com/btcstaker/stakingtx/staking/external/stub"
	"github.com/btcstaker/stakingtx/staking/params"
	"github.com/btcstaker/stakingtx/staking/script"
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

func p2wpkhScript() []byte {
	s := make([]byte, 22)
	s[0] = 0x00
	s[1] = 0x14
	return s
}

func testTxid(fill byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, v := range b {
		out[2*i] = hexDigits[v>>4]
		out[2*i+1] = hexDigits[v&0xf]
	}
	return string(out)
}

// testRegistry builds the single-version registry from spec §8's
// happy-path EOI scenario: min/max amount 50000/500000, min/max time
// 100/10000, unbonding fee 2000, slashing rate 1/10, 4 covenant keys
// with a 2-of-4 quorum.
func testRegistry(t *testing.T) *params.Registry {
	t.Helper()

	covenants := []*btcec.PublicKey{
		testKey(t, 10), testKey(t, 20), testKey(t, 30), testKey(t, 40),
	}

	r, err := params.New([]*params.Params{{
		Version:              0,
		ActivationBtcHeight:  0,
		CovenantKeys:         covenants,
		CovenantQuorum:       2,
		MinStakingAmount:     50_000,
		MaxStakingAmount:     500_000,
		MinStakingTimeBlocks: 100,
		MaxStakingTimeBlocks: 10_000,
		UnbondingTimeBlocks:  100,
		UnbondingFeeSat:      2000,
		SlashingRate:         big.NewRat(1, 10),
		SlashingPkScript:     p2wpkhScript(),
		MinSlashingTxFeeSat:  500,
	}})
	require.NoError(t, err)

	return r
}

// testManager wires a Manager against the happy-path registry, a
// deterministic stub signer seeded with a single 150000-sat UTXO, and a
// stub chain client reporting tip height 0.
func testManager(t *testing.T) (*Manager, *stub.Signer, *stub.ChainClient) {
	t.Helper()

	signer, err := stub.New(stub.DefaultConfig())
	require.NoError(t, err)

	signer.SetUtxos([]external.Utxo{{
		Txid:   testTxid(0x11),
		Vout:   0,
		Value:  150_000,
		Script: p2wpkhScript(),
	}})

	chainClient := stub.NewChainClient(0, "bbn1staker", "bbn-test-1")

	mgr, err := New(&Config{
		Registry:      testRegistry(t),
		Signer:        signer,
		ChainClient:   chainClient,
		FeeRate:       10,
		ModuleAddress: "bbn1module",
		PopGate:       nil,
	})
	require.NoError(t, err)

	return mgr, signer, chainClient
}

func TestBuildIntent_HappyPathMatchesScenario(t *testing.T) {
	t.Parallel()

	mgr, _, _ := testManager(t)

	d, err := mgr.BuildIntent(context.Background(), StakingInput{
		FinalityProviderKey: testKey(t, 200),
		AmountSat:           100_000,
		TimelockBlocks:      150,
	})
	require.NoError(t, err)
	require.Equal(t, StateIntentBuilt, d.State)

	// Staking output value equals the requested amount.
	require.Equal(t, int64(100_000), d.StakingPsbt.UnsignedTx.TxOut[0].Value)

	// Fee equation: sum(inputs) - sum(outputs) == fee.
	var outSum int64
	for _, o := range d.StakingPsbt.UnsignedTx.TxOut {
		outSum += o.Value
	}
	require.Equal(t, int64(150_000)-outSum, int64(d.StakingFee))

	// Unbonding value = staked - unbonding_fee = 98000.
	require.Equal(t, int64(98_000), d.UnbondingPsbt.UnsignedTx.TxOut[0].Value)

	// Slashing-from-staking value = floor(staked * slashing_rate) = 10000.
	require.Equal(t, int64(10_000), d.SlashingFromStakingPsbt.UnsignedTx.TxOut[0].Value)
}

func TestBuildIntent_RejectsTimelockAboveMax(t *testing.T) {
	t.Parallel()

	mgr, _, _ := testManager(t)

	_, err := mgr.BuildIntent(context.Background(), StakingInput{
		FinalityProviderKey: testKey(t, 200),
		AmountSat:           100_000,
		TimelockBlocks:      10_001,
	})
	require.Error(t, err)
}

func TestBuildIntent_RejectsInsufficientFunds(t *testing.T) {
	t.Parallel()

	mgr, signer, _ := testManager(t)
	signer.SetUtxos([]external.Utxo{{
		Txid:   testTxid(0x22),
		Vout:   0,
		Value:  10_000,
		Script: p2wpkhScript(),
	}})

	_, err := mgr.BuildIntent(context.Background(), StakingInput{
		FinalityProviderKey: testKey(t, 200),
		AmountSat:           100_000,
		TimelockBlocks:      150,
	})
	require.Error(t, err)
}

func TestSignAndRegister_FullFlow(t *testing.T) {
	t.Parallel()

	mgr, _, chainClient := testManager(t)

	d, err := mgr.BuildIntent(context.Background(), StakingInput{
		FinalityProviderKey: testKey(t, 200),
		AmountSat:           100_000,
		TimelockBlocks:      150,
	})
	require.NoError(t, err)

	var observed []Phase
	mgr.cfg.Observer = func(p Phase) { observed = append(observed, p) }

	err = mgr.SignAndRegister(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, StateRegistered, d.State)

	require.Equal(t, []Phase{
		PhaseStakingSlashing, PhaseUnbondingSlashing,
		PhaseProofOfPossession, PhaseControlChainMessage,
	}, observed)

	require.Len(t, d.StakerSlashingFromStakingSig, 64)
	require.Len(t, d.StakerSlashingFromUnbondingSig, 64)
	require.NotEmpty(t, d.RegistrationTx)
	require.Len(t, chainClient.Submitted, 1)
	require.Equal(t, "/btcstaking.v1.MsgCreateBTCDelegation",
		chainClient.Submitted[0].TypeURL)
}

func TestSignAndRegister_RejectsWrongState(t *testing.T) {
	t.Parallel()

	mgr, _, _ := testManager(t)
	d := &Delegation{State: StateIdle}

	err := mgr.SignAndRegister(context.Background(), d)
	require.Error(t, err)
}

func buildTestBundle(
	t *testing.T, p *params.Params, stakerKey, fpKey *btcec.PublicKey,
) *script.Bundle {

	t.Helper()

	b, err := script.Build(script.Input{
		Params:              p,
		StakerKey:           stakerKey,
		FinalityProviderKey: fpKey,
		TimelockBlocks:      150,
	})
	require.NoError(t, err)

	return b
}

func TestAssembleUnbondingWitness_OrdersCovenantSignaturesBySortedKey(t *testing.T) {
	t.Parallel()

	rec, err := testRegistry(t).ByVersion(0)
	require.NoError(t, err)

	stakerKey := testKey(t, 1)
	fpKey := testKey(t, 2)

	bundle := buildTestBundle(t, rec, stakerKey, fpKey)

	stakerSig := make([]byte, 64)
	for i := range stakerSig {
		stakerSig[i] = 0xAA
	}

	sortedCovenants := script.SortCovenantKeys(rec.CovenantKeys)

	// Only the second sorted covenant key signs; every other slot must
	// come back as an empty byte string.
	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = 0xBB
	}

	witness, err := AssembleUnbondingWitness(rec, bundle, stakerSig, []CovenantSignature{
		{CovenantKey: sortedCovenants[1], Signature: sig},
	})
	require.NoError(t, err)

	// witness = [cov_N, ..., cov_1, staker_sig, leaf_script, control_block]
	require.Len(t, witness, len(sortedCovenants)+3)

	nonEmpty := 0
	for i := 0; i < len(sortedCovenants); i++ {
		if len(witness[i]) != 0 {
			nonEmpty++
			require.Equal(t, sig, []byte(witness[i]))
		}
	}
	require.Equal(t, 1, nonEmpty)
	// Reverse sorted-key order puts sortedCovenants[1] second from the
	// staker signature.
	require.Equal(t, sig, []byte(witness[len(sortedCovenants)-2]))
	require.Equal(t, stakerSig, []byte(witness[len(sortedCovenants)]))
}

func TestAssembleUnbondingWitness_RejectsShortStakerSignature(t *testing.T) {
	t.Parallel()

	rec, err := testRegistry(t).ByVersion(0)
	require.NoError(t, err)

	bundle := buildTestBundle(t, rec, testKey(t, 1), testKey(t, 2))

	_, err = AssembleUnbondingWitness(rec, bundle, []byte{1, 2, 3}, nil)
	require.Error(t, err)
}
