package script

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcstaker/stakingtx/staking/params"
	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// leaf indices for an unbonding output's two-leaf tree (spec §4.C): once a
// delegation has unbonded there is no further unbonding path, only
// timelock expiry or slashing.
const (
	unbondingOutputTimelockLeafIdx = iota
	unbondingOutputSlashingLeafIdx
)

// UnbondingOutputBundle is the Taproot output an unbonding transaction
// creates: a two-leaf tree over {timelock(unbonding_time), slashing},
// spendable by the staker after the unbonding timelock or, via the
// slashing path, by the staker, finality provider, and covenant quorum
// signing together (spec §4.C).
type UnbondingOutputBundle struct {
	TimelockScript []byte
	SlashingScript []byte

	PkScript  []byte
	OutputKey *btcec.PublicKey

	internalKey *btcec.PublicKey
	tree        *txscript.IndexedTapScriptTree
}

// BuildUnbondingOutput assembles the Taproot output an unbonding
// transaction pays to, reusing the same timelock/slashing leaf shapes as
// the staking output but with the unbonding-time timelock and without an
// unbonding leaf of its own.
func BuildUnbondingOutput(
	p *params.Params, stakerKey, finalityProviderKey *btcec.PublicKey,
) (*UnbondingOutputBundle, error) {

	if p == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"params record is required")
	}
	if stakerKey == nil || finalityProviderKey == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"staker key and finality provider key are required")
	}

	timelockScript, err := buildTimelockScript(stakerKey, p.UnbondingTimeBlocks)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"unbonding-output timelock script: %v", err)
	}

	sortedCovenants := SortCovenantKeys(p.CovenantKeys)
	slashingScript, err := buildSlashingScript(
		stakerKey, finalityProviderKey, sortedCovenants, p.CovenantQuorum,
	)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"unbonding-output slashing script: %v", err)
	}

	internalKey, err := UnspendableInternalKey()
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"internal key: %v", err)
	}

	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(timelockScript),
		txscript.NewBaseTapLeaf(slashingScript),
	)

	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrScriptBuildFailure,
			"unbonding output script: %v", err)
	}

	return &UnbondingOutputBundle{
		TimelockScript: timelockScript,
		SlashingScript: slashingScript,
		PkScript:       pkScript,
		OutputKey:      outputKey,
		internalKey:    internalKey,
		tree:           tree,
	}, nil
}

func (b *UnbondingOutputBundle) controlBlock(idx int) ([]byte, error) {
	proof := b.tree.LeafMerkleProofs[idx]
	cb := proof.ToControlBlock(b.internalKey)
	return cb.ToBytes()
}

// TimelockControlBlock returns the control block for the timelock leaf.
func (b *UnbondingOutputBundle) TimelockControlBlock() ([]byte, error) {
	return b.controlBlock(unbondingOutputTimelockLeafIdx)
}

// SlashingControlBlock returns the control block for the slashing leaf.
func (b *UnbondingOutputBundle) SlashingControlBlock() ([]byte, error) {
	return b.controlBlock(unbondingOutputSlashingLeafIdx)
}
