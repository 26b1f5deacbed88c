// Package script implements the Script Builder (spec §4.A): assembly of
// the Taproot leaf scripts a staking delegation spends through, and the
// Taproot output script they commit to.
//
// The leaf-construction idiom (txscript.NewScriptBuilder for each leaf,
// txscript.AssembleTaprootScriptTree to commit them, ComputeTaprootOutputKey
// to derive the output key) is grounded on the hashhedge taproot contract
// builder in the retrieved corpus
// (other_examples/5089dee8_afsheenb-hashhedge__backend-pkg-taproot-script_builder.go.go),
// generalized from its ad hoc CLTV/multisig leaves to the spec's
// timelock / unbonding (M-of-N OP_CHECKSIGADD) / slashing leaves and to a
// provably-unspendable internal key (spec §9) rather than a participant's
// own key.
package script

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcstaker/stakingtx/staking/params"
	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// unspendableInternalKeyHex is the well-known "nothing up my sleeve" point
// used as the Taproot internal key so only the script-path leaves can ever
// spend the staking output (spec §9). This is the same NUMS point widely
// used across Taproot multisig protocols: its x-coordinate is the SHA-256
// of the uncompressed encoding of the secp256k1 base point, so nobody can
// know its discrete log.
const unspendableInternalKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// UnspendableInternalKey returns the provably-unspendable internal key
// used for every staking output this package builds.
func UnspendableInternalKey() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(unspendableInternalKeyHex)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"decode unspendable internal key: %v", err)
	}

	return schnorr.ParsePubKey(raw)
}

// Input gathers everything the Script Builder needs to assemble a
// delegation's Scripts bundle (spec §4.A).
type Input struct {
	// Params is the parameter version this delegation is bound to; it
	// supplies the covenant key set, quorum, and (for the observable
	// variant) the OP_RETURN tag.
	Params *params.Params

	// StakerKey is the staker's 32-byte x-only public key.
	StakerKey *btcec.PublicKey

	// FinalityProviderKey is the finality provider's 32-byte x-only
	// public key.
	FinalityProviderKey *btcec.PublicKey

	// TimelockBlocks is the staking timelock, already range-checked
	// against Params by the caller (spec §3's StakingInput invariant).
	TimelockBlocks uint16

	// Observable selects the data-embed variant: an additional bare
	// OP_RETURN leaf-adjacent output script is produced, and the
	// Transaction Builder sets the staking tx locktime to
	// ActivationBtcHeight-1 instead of 0 (spec §4.C, §9).
	Observable bool

	// ObservableVersion is the version byte embedded in the OP_RETURN
	// payload when Observable is set. The exact value ties to protocol
	// deployment history (spec §9's Open Question); this package takes
	// it as a configured input rather than hard-coding one.
	ObservableVersion byte
}

// Bundle is the set of Taproot leaf scripts for one delegation, plus the
// Taproot output they commit to (spec §3's "Scripts bundle").
type Bundle struct {
	TimelockScript  []byte
	UnbondingScript []byte
	SlashingScript  []byte

	// DataEmbedScript is nil unless the observable variant was built.
	DataEmbedScript []byte

	// PkScript is the P2TR scriptPubKey for the staking output.
	PkScript []byte

	// OutputKey is the tweaked Taproot output key underlying PkScript.
	OutputKey *btcec.PublicKey

	internalKey *btcec.PublicKey
	tree        *txscript.IndexedTapScriptTree
}

// leaf indices within tree.LeafMerkleProofs, fixed by the order leaves are
// added in Build.
const (
	timelockLeafIdx = iota
	unbondingLeafIdx
	slashingLeafIdx
)

// controlBlock derives the control block for the leaf at idx, the witness
// element a spender reveals alongside the leaf script and internal key
// (spec §4.C's witness assembly).
func (b *Bundle) controlBlock(idx int) ([]byte, error) {
	proof := b.tree.LeafMerkleProofs[idx]

	cb := proof.ToControlBlock(b.internalKey)

	return cb.ToBytes()
}

// TimelockControlBlock returns the control block for the timelock leaf.
func (b *Bundle) TimelockControlBlock() ([]byte, error) {
	return b.controlBlock(timelockLeafIdx)
}

// UnbondingControlBlock returns the control block for the unbonding leaf.
func (b *Bundle) UnbondingControlBlock() ([]byte, error) {
	return b.controlBlock(unbondingLeafIdx)
}

// SlashingControlBlock returns the control block for the slashing leaf.
func (b *Bundle) SlashingControlBlock() ([]byte, error) {
	return b.controlBlock(slashingLeafIdx)
}

// Build assembles the Scripts bundle and Taproot output for one
// delegation (spec §4.A).
func Build(in Input) (*Bundle, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	timelockScript, err := buildTimelockScript(in.StakerKey, in.TimelockBlocks)
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrScriptBuildFailure,
			"timelock script: %v", err)
	}

	sortedCovenants := SortCovenantKeys(in.Params.CovenantKeys)

	unbondingScript, err := buildUnbondingScript(
		in.StakerKey, sortedCovenants, in.Params.CovenantQuorum,
	)
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrScriptBuildFailure,
			"unbonding script: %v", err)
	}

	slashingScript, err := buildSlashingScript(
		in.StakerKey, in.FinalityProviderKey, sortedCovenants,
		in.Params.CovenantQuorum,
	)
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrScriptBuildFailure,
			"slashing script: %v", err)
	}

	var dataEmbedScript []byte
	if in.Observable {
		dataEmbedScript, err = buildDataEmbedScript(
			in.Params.Tag, in.ObservableVersion, in.StakerKey,
			in.FinalityProviderKey, in.TimelockBlocks,
		)
		if err != nil {
			return nil, stakingerr.WithReasonf(
				stakingerr.ErrScriptBuildFailure,
				"data embed script: %v", err)
		}
	}

	internalKey, err := UnspendableInternalKey()
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrScriptBuildFailure,
			"internal key: %v", err)
	}

	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(timelockScript),
		txscript.NewBaseTapLeaf(unbondingScript),
		txscript.NewBaseTapLeaf(slashingScript),
	)

	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrScriptBuildFailure,
			"taproot output script: %v", err)
	}

	log.Debugf("built scripts bundle for staker %x, fp %x, timelock %d",
		SerializeXOnly(in.StakerKey), SerializeXOnly(in.FinalityProviderKey),
		in.TimelockBlocks)

	return &Bundle{
		TimelockScript:  timelockScript,
		UnbondingScript: unbondingScript,
		SlashingScript:  slashingScript,
		DataEmbedScript: dataEmbedScript,
		PkScript:        pkScript,
		OutputKey:       outputKey,
		internalKey:     internalKey,
		tree:            tree,
	}, nil
}

func validateInput(in Input) error {
	if in.Params == nil {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"params record is required")
	}
	if in.StakerKey == nil || in.FinalityProviderKey == nil {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"staker key and finality provider key are required")
	}
	if in.Params.CovenantQuorum == 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"covenant quorum must be positive")
	}
	if uint32(len(in.Params.CovenantKeys)) < in.Params.CovenantQuorum {
		return stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"covenant key count %d below quorum %d",
			len(in.Params.CovenantKeys), in.Params.CovenantQuorum)
	}

	return nil
}

// buildTimelockScript emits:
//
//	<staker_key> OP_CHECKSIGVERIFY <timelock> OP_CHECKSEQUENCEVERIFY
func buildTimelockScript(stakerKey *btcec.PublicKey, timelock uint16) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(SerializeXOnly(stakerKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(timelock)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		Script()
}

// buildUnbondingScript emits:
//
//	<staker_key> OP_CHECKSIGVERIFY <M-of-N covenant aggregate>
func buildUnbondingScript(
	stakerKey *btcec.PublicKey, sortedCovenants []*btcec.PublicKey,
	quorum uint32,
) ([]byte, error) {

	sb := txscript.NewScriptBuilder().
		AddData(SerializeXOnly(stakerKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY)

	appendCovenantAggregate(sb, sortedCovenants, quorum)

	return sb.Script()
}

// buildSlashingScript emits:
//
//	<staker_key> OP_CHECKSIGVERIFY <finality_provider_key> OP_CHECKSIGVERIFY
//	<M-of-N covenant aggregate>
func buildSlashingScript(
	stakerKey, finalityProviderKey *btcec.PublicKey,
	sortedCovenants []*btcec.PublicKey, quorum uint32,
) ([]byte, error) {

	sb := txscript.NewScriptBuilder().
		AddData(SerializeXOnly(stakerKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(SerializeXOnly(finalityProviderKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY)

	appendCovenantAggregate(sb, sortedCovenants, quorum)

	return sb.Script()
}

// appendCovenantAggregate appends the canonical M-of-N aggregate:
// <k1> OP_CHECKSIG, <ki> OP_CHECKSIGADD for i=2..N, <quorum> OP_NUMEQUAL.
// Keys must already be sorted (spec §4.A requires the canonical
// lexicographic order; this function does not re-sort, so SortCovenantKeys
// must be called first — the separation keeps the sort independently
// testable per spec §8).
func appendCovenantAggregate(
	sb *txscript.ScriptBuilder, sortedCovenants []*btcec.PublicKey,
	quorum uint32,
) {

	for i, key := range sortedCovenants {
		sb.AddData(SerializeXOnly(key))
		if i == 0 {
			sb.AddOp(txscript.OP_CHECKSIG)
			continue
		}
		sb.AddOp(txscript.OP_CHECKSIGADD)
	}

	sb.AddInt64(int64(quorum))
	sb.AddOp(txscript.OP_NUMEQUAL)
}

// buildDataEmbedScript emits a bare OP_RETURN pushing:
//
//	tag[4] || version[1] || staker_key[32] || finality_provider_key[32] ||
//	timelock_be[2]
//
// for a total 71-byte payload (spec §6).
func buildDataEmbedScript(
	tag []byte, version byte, stakerKey, finalityProviderKey *btcec.PublicKey,
	timelock uint16,
) ([]byte, error) {

	if len(tag) != 4 {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"observable tag must be 4 bytes, got %d", len(tag))
	}

	payload := make([]byte, 0, 71)
	payload = append(payload, tag...)
	payload = append(payload, version)
	payload = append(payload, SerializeXOnly(stakerKey)...)
	payload = append(payload, SerializeXOnly(finalityProviderKey)...)
	payload = append(payload, byte(timelock>>8), byte(timelock))

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
}
