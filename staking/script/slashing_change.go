package script

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// SlashingChangeBundle is the single-leaf Taproot output a slashing
// transaction's change goes to: the staker may claim it once the
// unbonding timelock has elapsed, mirroring the staking output's
// timelock leaf but scoped to this one spend (spec §4.C).
type SlashingChangeBundle struct {
	TimelockScript []byte

	PkScript  []byte
	OutputKey *btcec.PublicKey

	internalKey *btcec.PublicKey
	tree        *txscript.IndexedTapScriptTree
}

// BuildSlashingChangeOutput assembles the Taproot output for a slashing
// transaction's staker-timelock change, locked for unbondingTimeBlocks.
func BuildSlashingChangeOutput(
	stakerKey *btcec.PublicKey, unbondingTimeBlocks uint16,
) (*SlashingChangeBundle, error) {

	if stakerKey == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"staker key is required")
	}

	timelockScript, err := buildTimelockScript(stakerKey, unbondingTimeBlocks)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"slashing-change timelock script: %v", err)
	}

	internalKey, err := UnspendableInternalKey()
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"internal key: %v", err)
	}

	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(timelockScript),
	)

	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"slashing-change output script: %v", err)
	}

	return &SlashingChangeBundle{
		TimelockScript: timelockScript,
		PkScript:       pkScript,
		OutputKey:      outputKey,
		internalKey:    internalKey,
		tree:           tree,
	}, nil
}

// TimelockControlBlock returns the control block for the single timelock
// leaf in this bundle.
func (b *SlashingChangeBundle) TimelockControlBlock() ([]byte, error) {
	proof := b.tree.LeafMerkleProofs[0]
	cb := proof.ToControlBlock(b.internalKey)
	return cb.ToBytes()
}
