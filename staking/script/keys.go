package script

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// XOnlyKeyLen is the consensus-mandated length of a taproot x-only public
// key (spec §4.A).
const XOnlyKeyLen = 32

// ParseXOnlyKey parses a raw 32-byte x-only public key, the wire format the
// staker key, finality-provider key, and covenant keys all travel in.
func ParseXOnlyKey(raw []byte) (*btcec.PublicKey, error) {
	if len(raw) != XOnlyKeyLen {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"key must be %d bytes, got %d", XOnlyKeyLen, len(raw))
	}

	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"invalid x-only key: %v", err)
	}

	return key, nil
}

// SerializeXOnly returns the 32-byte x-only encoding of a key, dropping the
// even/odd parity byte btcec's compressed form always carries.
func SerializeXOnly(key *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(key)
}

// SortCovenantKeys returns the covenant keys sorted into the canonical
// lexicographic order the M-of-N aggregate script requires (spec §4.A).
// Exposed standalone so the sort-invariant testable property in spec §8
// can be exercised directly, independent of full script construction.
func SortCovenantKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			SerializeXOnly(sorted[i]), SerializeXOnly(sorted[j]),
		) < 0
	})

	return sorted
}
