// Package withdraw implements the Withdrawal Address Guard (spec §4.E):
// derives the set of addresses a staker may legitimately receive
// withdrawals at, and rejects any candidate output set paying outside
// that set.
package withdraw

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// Guard holds the allowed withdrawal scripts for one staker key, derived
// once and reused across every withdrawal this staker's delegations
// produce.
type Guard struct {
	allowedScripts [][]byte
	net            *chaincfg.Params
}

// New derives the allowed address set for a staker: always the P2TR
// address over the x-only key with no script tree, plus P2WPKH when a
// 33-byte compressed variant is supplied (spec §4.E).
func New(
	net *chaincfg.Params, xOnlyKey *btcec.PublicKey, compressedKey []byte,
) (*Guard, error) {

	if net == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"network params are required")
	}
	if xOnlyKey == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"staker x-only key is required")
	}

	taprootAddr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(xOnlyKey), net,
	)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"derive taproot address: %v", err)
	}

	taprootScript, err := txscript.PayToAddrScript(taprootAddr)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"derive taproot script: %v", err)
	}

	allowed := [][]byte{taprootScript}

	if len(compressedKey) == 33 {
		pkHash := btcutil.Hash160(compressedKey)
		wpkhAddr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
		if err != nil {
			return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
				"derive p2wpkh address: %v", err)
		}

		wpkhScript, err := txscript.PayToAddrScript(wpkhAddr)
		if err != nil {
			return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
				"derive p2wpkh script: %v", err)
		}

		allowed = append(allowed, wpkhScript)
	}

	return &Guard{allowedScripts: allowed, net: net}, nil
}

// AllowedScripts returns the set of scriptPubKeys this guard permits.
func (g *Guard) AllowedScripts() [][]byte {
	out := make([][]byte, len(g.allowedScripts))
	copy(out, g.allowedScripts)
	return out
}

// Validate checks every output script against the allowed set. Scripts
// that don't parse to a recognizable address (e.g. a bare OP_RETURN) are
// ignored, since they cannot redirect funds to an unauthorized party
// (spec §4.E). Any output that does parse but falls outside the allowed
// set fails the whole call with the list of offending addresses.
func (g *Guard) Validate(outputScripts [][]byte) error {
	var violations []string

	for _, script := range outputScripts {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, g.net)
		if err != nil || len(addrs) == 0 {
			continue
		}

		if !g.isAllowed(script) {
			violations = append(violations, addrs[0].EncodeAddress())
		}
	}

	if len(violations) > 0 {
		return &stakingerr.UnauthorizedWithdrawalAddress{Addresses: violations}
	}

	log.Debugf("validated %d output script(s) against withdrawal guard",
		len(outputScripts))

	return nil
}

func (g *Guard) isAllowed(script []byte) bool {
	for _, allowed := range g.allowedScripts {
		if bytes.Equal(allowed, script) {
			return true
		}
	}
	return false
}
