// Package pop implements the Proof-of-Possession Builder (spec §4.G):
// constructs the message bytes a staker signs to bind their Bitcoin key
// to a control-chain address, in either the legacy or the
// domain-separated contextual form, selected by a height gate.
package pop

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// SignatureTag identifies the message-signing scheme the resulting
// signature was produced with (spec §4.G: the staker's Bitcoin key signs
// using the BIP-322-style ECDSA message form the signer offers).
const SignatureTag = "ECDSA"

// UpgradeGate configures the height at which the contextual
// proof-of-possession form replaces the legacy one. A nil gate means
// the legacy form is always used.
type UpgradeGate struct {
	UpgradeHeight uint32
	Version       uint32
}

// Input gathers the data needed to build a proof-of-possession message.
type Input struct {
	CurrentHeight uint32
	Gate          *UpgradeGate
	ChainID       string
	ModuleAddress string
	Bech32Address string
}

// BuildMessage returns the message bytes the staker must sign (spec
// §4.G). The contextual form is used iff a gate is configured and
// current_height >= gate.UpgradeHeight; otherwise the legacy form (the
// raw bech32 address bytes) is used.
func BuildMessage(in Input) ([]byte, error) {
	if in.Bech32Address == "" {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"bech32 address is required")
	}

	if in.Gate == nil || in.CurrentHeight < in.Gate.UpgradeHeight {
		log.Debugf("building legacy proof-of-possession message")
		return []byte(in.Bech32Address), nil
	}

	if in.ChainID == "" || in.ModuleAddress == "" {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"chain id and module address are required for the "+
				"contextual proof-of-possession form")
	}

	domain := fmt.Sprintf("btcstaking/%d/staker_pop/%s/%s",
		in.Gate.Version, in.ChainID, in.ModuleAddress)
	sum := sha256.Sum256([]byte(domain))

	log.Debugf("building contextual proof-of-possession message at "+
		"height %d (gate %d)", in.CurrentHeight, in.Gate.UpgradeHeight)

	msg := make([]byte, 0, hex.EncodedLen(len(sum))+len(in.Bech32Address))
	msg = append(msg, []byte(hex.EncodeToString(sum[:]))...)
	msg = append(msg, []byte(in.Bech32Address)...)

	return msg, nil
}
