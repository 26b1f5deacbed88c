// Package params implements the versioned Parameter Registry (spec §4.F):
// an ordered sequence of parameter records, selectable either by the
// Bitcoin height at which they became active or by their explicit version
// number. The two lookup axes exist because a staker's intent is built
// against the params active at the current tip, but the same delegation's
// later operations must keep using the version chosen at intent time even
// if the control chain has since activated a newer set (spec §9).
package params

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// MinUnbondingOutputValue is the protocol-wide floor on the value an
// unbonding output may carry (spec §3, §6).
const MinUnbondingOutputValue = btcutil.Amount(1000)

// Params is a single versioned parameter record (spec §3).
type Params struct {
	// Version is a monotonically increasing, non-negative version
	// number, unique across the registry.
	Version uint32

	// ActivationBtcHeight is the earliest Bitcoin height at which this
	// version is the active set.
	ActivationBtcHeight uint32

	// CovenantKeys is the set of 32-byte x-only covenant public keys.
	// Size must be >= CovenantQuorum.
	CovenantKeys []*btcec.PublicKey

	// CovenantQuorum is the number of covenant signatures required to
	// satisfy the M-of-N aggregate script.
	CovenantQuorum uint32

	MinStakingAmount btcutil.Amount
	MaxStakingAmount btcutil.Amount

	MinStakingTimeBlocks uint16
	MaxStakingTimeBlocks uint16

	UnbondingTimeBlocks uint16
	UnbondingFeeSat     btcutil.Amount

	// SlashingRate is a rational number in (0, 1].
	SlashingRate *big.Rat

	SlashingPkScript    []byte
	MinSlashingTxFeeSat btcutil.Amount

	// Tag is an optional byte string, consumed only by the observable
	// data-embed script variant (spec §4.A, §6).
	Tag []byte
}

// Validate checks the invariants spec §3 places on a single parameter
// record, independent of its position in a registry.
func (p *Params) Validate() error {
	if p.CovenantQuorum == 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"covenant quorum must be positive")
	}
	if uint32(len(p.CovenantKeys)) < p.CovenantQuorum {
		return stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"covenant key count %d below quorum %d",
			len(p.CovenantKeys), p.CovenantQuorum)
	}

	seen := make(map[string]struct{}, len(p.CovenantKeys))
	for i, key := range p.CovenantKeys {
		if key == nil {
			return stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
				"covenant key %d is nil", i)
		}
		serialized := schnorrSerialize(key)
		if _, dup := seen[string(serialized)]; dup {
			return stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
				"duplicate covenant key at index %d", i)
		}
		seen[string(serialized)] = struct{}{}
	}

	if p.MaxStakingAmount < p.MinStakingAmount {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"max staking amount below min")
	}
	if p.MinStakingAmount < p.UnbondingFeeSat+MinUnbondingOutputValue {
		return stakingerr.WithReasonf(stakingerr.ErrInvalidParams,
			"min staking amount %d below unbonding fee %d + min "+
				"unbonding output %d",
			p.MinStakingAmount, p.UnbondingFeeSat,
			MinUnbondingOutputValue)
	}

	if p.MinStakingTimeBlocks == 0 || p.MaxStakingTimeBlocks == 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"staking time blocks must be positive")
	}
	if p.MaxStakingTimeBlocks < p.MinStakingTimeBlocks {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"max staking time below min")
	}

	if p.UnbondingTimeBlocks == 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"unbonding time blocks must be positive")
	}
	if p.UnbondingFeeSat <= 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"unbonding fee must be positive")
	}

	if p.SlashingRate == nil ||
		p.SlashingRate.Sign() <= 0 ||
		p.SlashingRate.Cmp(big.NewRat(1, 1)) > 0 {

		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"slashing rate must be in (0, 1]")
	}
	if len(p.SlashingPkScript) == 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"slashing pk script must be non-empty")
	}
	if p.MinSlashingTxFeeSat <= 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"min slashing tx fee must be positive")
	}

	return nil
}

func schnorrSerialize(key *btcec.PublicKey) []byte {
	// x-only serialization: drop the parity prefix byte btcec always
	// emits for a compressed key.
	return key.SerializeCompressed()[1:]
}

// Registry holds a read-only, version-sorted sequence of Params and
// answers the two lookup axes spec §4.F defines. Once constructed it is
// safe for concurrent use by independent delegations (spec §5): nothing
// here mutates after New returns.
type Registry struct {
	mu           sync.RWMutex
	byVersion    map[uint32]*Params
	byActivation []*Params // sorted ascending by ActivationBtcHeight
}

// New validates every record, sorts them by ActivationBtcHeight, and
// checks that versions increase monotonically alongside activation
// height — two records sharing an activation height is ambiguous and
// rejected even if their versions differ (spec §4.F).
func New(records []*Params) (*Registry, error) {
	if len(records) == 0 {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"registry requires at least one params record")
	}

	sorted := make([]*Params, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ActivationBtcHeight < sorted[j].ActivationBtcHeight
	})

	byVersion := make(map[uint32]*Params, len(sorted))
	for i, rec := range sorted {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("params version %d: %w",
				rec.Version, err)
		}

		if _, dup := byVersion[rec.Version]; dup {
			return nil, stakingerr.WithReasonf(
				stakingerr.ErrInvalidParams,
				"duplicate version %d", rec.Version)
		}
		byVersion[rec.Version] = rec

		if i > 0 {
			prev := sorted[i-1]
			if prev.ActivationBtcHeight == rec.ActivationBtcHeight {
				return nil, stakingerr.WithReasonf(
					stakingerr.ErrInvalidParams,
					"versions %d and %d share activation "+
						"height %d", prev.Version,
					rec.Version, rec.ActivationBtcHeight)
			}
			if rec.Version <= prev.Version {
				return nil, stakingerr.WithReasonf(
					stakingerr.ErrInvalidParams,
					"version %d at height %d is not "+
						"greater than version %d at "+
						"the preceding activation height",
					rec.Version, rec.ActivationBtcHeight,
					prev.Version)
			}
		}
	}

	log.Debugf("loaded parameter registry with %d version(s)",
		len(sorted))

	return &Registry{
		byVersion:    byVersion,
		byActivation: sorted,
	}, nil
}

// ByBtcHeight returns the record with the greatest ActivationBtcHeight
// that is <= h.
func (r *Registry) ByBtcHeight(h uint32) (*Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// byActivation is sorted ascending; binary search for the last
	// entry whose activation height is <= h.
	idx := sort.Search(len(r.byActivation), func(i int) bool {
		return r.byActivation[i].ActivationBtcHeight > h
	})
	if idx == 0 {
		return nil, &stakingerr.NoApplicableParams{Height: h}
	}

	return r.byActivation[idx-1], nil
}

// ByVersion returns the record whose version equals v.
func (r *Registry) ByVersion(v uint32) (*Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byVersion[v]
	if !ok {
		return nil, &stakingerr.UnknownVersion{Version: v}
	}

	return rec, nil
}

// Versions returns every version in the registry, ascending.
func (r *Registry) Versions() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint32, len(r.byActivation))
	for i, rec := range r.byActivation {
		out[i] = rec.Version
	}

	return out
}
