package psbtcheck

import (
	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// schnorrSigLen is the consensus-mandated length of a BIP340 Schnorr
// signature; the only permitted witness element at the signature slot
// (spec §6's protocol constants).
const schnorrSigLen = 64

// ExtractSchnorrSignature returns the Schnorr signature a signer placed
// in the taproot key-path or script-path signature slot of the input at
// inputIndex (the Delegation Manager passes 0, the first input),
// failing with MalformedSignature if that slot is absent or the wrong
// length (spec §4.H step 1).
func ExtractSchnorrSignature(signed *psbt.Packet, inputIndex int) ([]byte, error) {
	if inputIndex >= len(signed.Inputs) {
		return nil, stakingerr.WithReasonf(stakingerr.ErrMalformedSignature,
			"input index %d out of range", inputIndex)
	}

	in := signed.Inputs[inputIndex]

	if len(in.TaprootKeySpendSig) == schnorrSigLen {
		return in.TaprootKeySpendSig, nil
	}

	for _, leafSig := range in.TaprootScriptSpendSig {
		if len(leafSig.Signature) == schnorrSigLen {
			return leafSig.Signature, nil
		}
	}

	return nil, stakingerr.WithReasonf(stakingerr.ErrMalformedSignature,
		"input %d carries no %d-byte schnorr signature", inputIndex,
		schnorrSigLen)
}
