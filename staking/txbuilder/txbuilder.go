// Package txbuilder implements the Transaction Builder (spec §4.C): the
// six-operation family of unsigned PSBT constructors spanning staking,
// unbonding, slashing, and the three withdrawal paths. Every constructor
// returns an unsigned *psbt.Packet plus the fee it computed, and performs
// no signing — that is the host-provided BtcSigner's job (spec §6).
//
// PSBT assembly (wire.MsgTx construction, psbt.NewFromUnsignedTx, and
// populating per-input WitnessUtxo) follows the shape of the teacher's
// FundPsbt in the now-superseded
// lightweight-wallet/wallet/btcwallet/psbt.go (see DESIGN.md); this
// package rewrites the funding predicate into a library of pure functions
// over the UTXO Selector (staking/utxo) output instead of a wallet-backed
// funding RPC.
package txbuilder

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcstaker/stakingtx/staking/params"
	"github.com/btcstaker/stakingtx/staking/script"
	"github.com/btcstaker/stakingtx/staking/stakingerr"
	"github.com/btcstaker/stakingtx/staking/utxo"
	"github.com/btcstaker/stakingtx/staking/withdraw"
)

const txVersion = 2

// outputVBytes returns a scriptPubKey's contribution to transaction
// vsize as a standalone output: the 8-byte value field, a 1-byte varint
// (every script this package emits is well under the 253-byte varint
// threshold), and the script bytes themselves.
func outputVBytes(pkScript []byte) int {
	return 8 + 1 + len(pkScript)
}

// Output is a single destination: value plus scriptPubKey.
type Output struct {
	Value    btcutil.Amount
	PkScript []byte
}

// SpendableOutput identifies a prior output being spent, with the data a
// PSBT input needs to carry (the previous output's value and script, for
// WitnessUtxo).
type SpendableOutput struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
}

// newPacket builds an unsigned PSBT from raw inputs/outputs, populating
// each input's WitnessUtxo so a downstream signer has enough context to
// sign without an extra round-trip.
func newPacket(
	inputs []SpendableOutput, outputs []Output, sequence uint32,
	locktime uint32,
) (*psbt.Packet, error) {

	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = locktime

	for _, in := range inputs {
		txIn := wire.NewTxIn(&in.OutPoint, nil, nil)
		txIn.Sequence = sequence
		tx.AddTxIn(txIn)
	}

	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(int64(out.Value), out.PkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrBuildTransactionFailure,
			"assemble psbt: %v", err)
	}

	for i, in := range inputs {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(in.Value),
			PkScript: in.PkScript,
		}
	}

	return packet, nil
}

// StakingTxInput gathers the parameters for the staking-transaction
// constructor (spec §4.C "staking" row).
type StakingTxInput struct {
	Candidates   []utxo.Candidate
	ChangeScript []byte
	FeeRate      btcutil.Amount
	Bundle       *script.Bundle
	Amount       btcutil.Amount

	// Observable and ActivationBtcHeight together select the locktime
	// rule: activation_btc_height-1 when observable, 0 otherwise.
	Observable          bool
	ActivationBtcHeight uint32
}

// BuildStaking assembles the unsigned staking transaction: the selected
// UTXOs fund a Taproot output at Bundle.PkScript, with an optional
// data-embed output and change.
func BuildStaking(in StakingTxInput) (*psbt.Packet, btcutil.Amount, error) {
	if in.Bundle == nil {
		return nil, 0, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"scripts bundle is required")
	}

	primaryOutputsVBytes := outputVBytes(in.Bundle.PkScript)
	if in.Bundle.DataEmbedScript != nil {
		primaryOutputsVBytes += outputVBytes(in.Bundle.DataEmbedScript)
	}

	sel, err := utxo.Select(
		in.Candidates, in.Amount, in.FeeRate,
		utxo.ChangeTemplate{PkScript: in.ChangeScript}, primaryOutputsVBytes,
	)
	if err != nil {
		return nil, 0, err
	}

	inputs := make([]SpendableOutput, len(sel.Inputs))
	for i, c := range sel.Inputs {
		inputs[i] = SpendableOutput{
			OutPoint: c.OutPoint, Value: c.Value, PkScript: c.PkScript,
		}
	}

	outputs := []Output{{Value: in.Amount, PkScript: in.Bundle.PkScript}}
	if in.Bundle.DataEmbedScript != nil {
		outputs = append(outputs,
			Output{Value: 0, PkScript: in.Bundle.DataEmbedScript})
	}
	if sel.HasChange {
		outputs = append(outputs,
			Output{Value: sel.Change, PkScript: in.ChangeScript})
	}

	locktime := uint32(0)
	if in.Observable {
		locktime = in.ActivationBtcHeight - 1
	}

	packet, err := newPacket(inputs, outputs, wire.MaxTxInSequenceNum, locktime)
	if err != nil {
		return nil, 0, err
	}

	log.Debugf("built staking tx: %d input(s), fee %d", len(inputs), sel.Fee)

	return packet, sel.Fee, nil
}

// UnbondingTxInput gathers the parameters for the unbonding-transaction
// constructor (spec §4.C "unbonding" row).
type UnbondingTxInput struct {
	StakingOutput SpendableOutput
	OutputBundle  *script.UnbondingOutputBundle
	Params        *params.Params
}

// BuildUnbonding assembles the unsigned unbonding transaction: a single
// input spending the staking output's unbonding leaf, paying the value
// minus the fixed unbonding fee to a new two-leaf Taproot output.
func BuildUnbonding(in UnbondingTxInput) (*psbt.Packet, btcutil.Amount, error) {
	if in.OutputBundle == nil || in.Params == nil {
		return nil, 0, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"output bundle and params are required")
	}

	fee := in.Params.UnbondingFeeSat
	outValue := in.StakingOutput.Value - fee
	if outValue < params.MinUnbondingOutputValue {
		return nil, 0, stakingerr.WithReasonf(
			stakingerr.ErrBuildTransactionFailure,
			"unbonding output value %d below minimum %d",
			outValue, params.MinUnbondingOutputValue)
	}

	packet, err := newPacket(
		[]SpendableOutput{in.StakingOutput},
		[]Output{{Value: outValue, PkScript: in.OutputBundle.PkScript}},
		wire.MaxTxInSequenceNum, 0,
	)
	if err != nil {
		return nil, 0, err
	}

	return packet, fee, nil
}

// WithdrawTimelockExpiredInput gathers the parameters for the
// timelock-expired withdrawal constructor (spec §4.C).
type WithdrawTimelockExpiredInput struct {
	StakingOutput  SpendableOutput
	TimelockBlocks uint16
	DestScript     []byte
	FeeRate        btcutil.Amount

	// Guard enforces that DestScript belongs to the staker's allowed
	// withdrawal address set (spec §4.C, §4.E).
	Guard *withdraw.Guard
}

// BuildWithdrawTimelockExpired spends the staking output's timelock leaf
// once the relative timelock (carried as the input's nSequence) has
// expired, paying the full value minus fee to the staker.
func BuildWithdrawTimelockExpired(
	in WithdrawTimelockExpiredInput,
) (*psbt.Packet, btcutil.Amount, error) {

	return buildSingleInputWithdrawal(
		in.StakingOutput, in.DestScript, uint32(in.TimelockBlocks), in.FeeRate,
		in.Guard,
	)
}

// WithdrawEarlyUnbondedInput gathers the parameters for the
// early-unbonded withdrawal constructor (spec §4.C).
type WithdrawEarlyUnbondedInput struct {
	UnbondingOutput     SpendableOutput
	UnbondingTimeBlocks uint16
	DestScript          []byte
	FeeRate             btcutil.Amount
	Guard               *withdraw.Guard
}

// BuildWithdrawEarlyUnbonded spends the unbonding output's timelock leaf
// once the unbonding period has elapsed.
func BuildWithdrawEarlyUnbonded(
	in WithdrawEarlyUnbondedInput,
) (*psbt.Packet, btcutil.Amount, error) {

	return buildSingleInputWithdrawal(
		in.UnbondingOutput, in.DestScript, uint32(in.UnbondingTimeBlocks),
		in.FeeRate, in.Guard,
	)
}

// WithdrawSlashedInput gathers the parameters for the post-slashing
// change withdrawal constructor (spec §4.C).
type WithdrawSlashedInput struct {
	SlashingChangeOutput SpendableOutput
	UnbondingTimeBlocks  uint16
	DestScript           []byte
	FeeRate              btcutil.Amount
	Guard                *withdraw.Guard
}

// BuildWithdrawSlashed spends a slashing transaction's staker-timelock
// change output once the unbonding period has elapsed.
func BuildWithdrawSlashed(
	in WithdrawSlashedInput,
) (*psbt.Packet, btcutil.Amount, error) {

	return buildSingleInputWithdrawal(
		in.SlashingChangeOutput, in.DestScript,
		uint32(in.UnbondingTimeBlocks), in.FeeRate, in.Guard,
	)
}

// buildSingleInputWithdrawal is the common shape behind the three
// withdrawal constructors: one timelock-leaf input, one destination
// output, nSequence set to the relative timelock the leaf encodes,
// locktime zero, version 2 (spec §4.C, scenario 2).
func buildSingleInputWithdrawal(
	in SpendableOutput, destScript []byte, relativeLock uint32,
	feeRate btcutil.Amount, guard *withdraw.Guard,
) (*psbt.Packet, btcutil.Amount, error) {

	if len(destScript) == 0 {
		return nil, 0, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"destination script is required")
	}
	if feeRate <= 0 {
		return nil, 0, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"fee rate must be positive")
	}
	if guard != nil {
		if err := guard.Validate([][]byte{destScript}); err != nil {
			return nil, 0, stakingerr.WithReasonf(stakingerr.ErrInvalidOutput,
				"withdrawal destination: %v", err)
		}
	}

	// Single P2TR script-path input, single output. The exact vsize
	// depends on which leaf and control block are revealed; this uses
	// one fixed estimate, consistent with a single-signature
	// timelock-leaf witness, for every withdrawal regardless of the
	// destination script or witness shape.
	const estimatedWithdrawalVBytes = 150

	fee := btcutil.Amount(estimatedWithdrawalVBytes) * feeRate / 1
	outValue := in.Value - fee
	if outValue <= 0 {
		return nil, 0, stakingerr.WithReasonf(
			stakingerr.ErrBuildTransactionFailure,
			"withdrawal value %d does not cover fee %d", in.Value, fee)
	}

	packet, err := newPacket(
		[]SpendableOutput{in},
		[]Output{{Value: outValue, PkScript: destScript}},
		relativeLock, 0,
	)
	if err != nil {
		return nil, 0, err
	}

	return packet, fee, nil
}

// SlashingTxInput gathers the parameters shared by both slashing
// constructors (spec §4.C "slashing" rows): slashing-from-staking and
// slashing-from-unbonding differ only in which prior output is spent and
// which staker timelock the change output re-locks under.
type SlashingTxInput struct {
	Source       SpendableOutput
	Params       *params.Params
	ChangeBundle *script.SlashingChangeBundle
}

// BuildSlashing assembles the unsigned slashing transaction: the slashed
// value goes to the params' slashing_pk_script, the remainder (minus
// fee) goes to a fresh staker-timelock change output.
func BuildSlashing(in SlashingTxInput) (*psbt.Packet, btcutil.Amount, error) {
	if in.Params == nil || in.ChangeBundle == nil {
		return nil, 0, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"params and change bundle are required")
	}

	slashedValue := btcutil.Amount(
		(int64(in.Source.Value) * in.Params.SlashingRate.Num().Int64()) /
			in.Params.SlashingRate.Denom().Int64(),
	)

	fee := in.Params.MinSlashingTxFeeSat
	changeValue := in.Source.Value - slashedValue - fee
	if changeValue <= 0 {
		return nil, 0, stakingerr.WithReasonf(
			stakingerr.ErrBuildTransactionFailure,
			"slashing change value non-positive: source %d, slashed %d, "+
				"fee %d", in.Source.Value, slashedValue, fee)
	}

	outputs := []Output{
		{Value: slashedValue, PkScript: in.Params.SlashingPkScript},
		{Value: changeValue, PkScript: in.ChangeBundle.PkScript},
	}

	packet, err := newPacket(
		[]SpendableOutput{in.Source}, outputs, wire.MaxTxInSequenceNum, 0,
	)
	if err != nil {
		return nil, 0, err
	}

	return packet, fee, nil
}
