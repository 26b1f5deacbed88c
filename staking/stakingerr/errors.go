// Package stakingerr defines the tagged error taxonomy shared by every
// staking package. Errors are flat, sentinel-based values (no inheritance)
// following the pattern in btcsuite/btcwallet-style packages: a var block
// of errors.New values that callers compare with errors.Is, plus a handful
// of structured kinds that carry the detail spec §7 requires.
package stakingerr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Sentinel kinds that carry no structured payload beyond a reason string.
var (
	// ErrInvalidParams is returned when a parameter record fails the
	// invariants in spec §3 (key sizes, quorum, amount/time ranges).
	ErrInvalidParams = fmt.Errorf("invalid params")

	// ErrInvalidInput is returned when staker-supplied data (amount,
	// timelock, key) fails range or format validation.
	ErrInvalidInput = fmt.Errorf("invalid input")

	// ErrInvalidOutput is returned when a computed output fails the
	// withdrawal-address guard or PSBT integrity check.
	ErrInvalidOutput = fmt.Errorf("invalid output")

	// ErrScriptBuildFailure is returned when the Script Builder fails to
	// assemble script bytes.
	ErrScriptBuildFailure = fmt.Errorf("script build failure")

	// ErrBuildTransactionFailure is returned when the Transaction Builder
	// cannot produce a PSBT (including insufficient funds).
	ErrBuildTransactionFailure = fmt.Errorf("build transaction failure")

	// ErrInsufficientFunds is returned by the UTXO selector when no
	// input combination satisfies the funding equation.
	ErrInsufficientFunds = fmt.Errorf("insufficient funds")

	// ErrMalformedSignature is returned when a signed PSBT's witness
	// lacks a 64-byte Schnorr signature at the expected slot.
	ErrMalformedSignature = fmt.Errorf("malformed signature")
)

// Reason wraps ErrInvalidParams/ErrInvalidInput/... with a caller-supplied
// detail string, the way the spec's InvalidParams(reason) /
// InvalidInput(reason) kinds are described in §7.
type Reason struct {
	kind   error
	reason string
}

func (r *Reason) Error() string {
	return fmt.Sprintf("%s: %s", r.kind, r.reason)
}

func (r *Reason) Unwrap() error {
	return r.kind
}

// WithReason builds a Reason error for one of the sentinel kinds above.
func WithReason(kind error, reason string) error {
	return &Reason{kind: kind, reason: reason}
}

// WithReasonf is the formatted variant of WithReason.
func WithReasonf(kind error, format string, args ...interface{}) error {
	return &Reason{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// PsbtIntegrityViolation names the exact field and index at which a signed
// PSBT diverged from its unsigned template (spec §4.D, §7).
type PsbtIntegrityViolation struct {
	Field    string
	Index    int
	Expected string
	Got      string
}

func (e *PsbtIntegrityViolation) Error() string {
	return fmt.Sprintf(
		"psbt integrity violation: field %q at index %d: expected %s, got %s",
		e.Field, e.Index, e.Expected, e.Got,
	)
}

// UnauthorizedWithdrawalAddress carries the list of output addresses that
// fell outside the Withdrawal Address Guard's allowed set (spec §4.E, §7).
type UnauthorizedWithdrawalAddress struct {
	Addresses []string
}

func (e *UnauthorizedWithdrawalAddress) Error() string {
	return fmt.Sprintf(
		"unauthorized withdrawal address(es): %v", e.Addresses,
	)
}

// NoApplicableParams is returned by the Parameter Registry when no record's
// activation height is at or below the query height (spec §4.F, §7).
type NoApplicableParams struct {
	Height uint32
}

func (e *NoApplicableParams) Error() string {
	return fmt.Sprintf("no applicable params at height %d", e.Height)
}

// UnknownVersion is returned by the Parameter Registry when no record
// carries the requested version (spec §4.F, §7).
type UnknownVersion struct {
	Version uint32
}

func (e *UnknownVersion) Error() string {
	return fmt.Sprintf("unknown params version %d", e.Version)
}

// External wraps a failure surfaced by the host-provided BtcSigner or
// ControlChainClient, preserving a stack trace of the point where the
// library observed the fault so a caller debugging a flaky signer
// integration doesn't lose the call site.
type External struct {
	Kind  string
	Cause error
}

func (e *External) Error() string {
	return fmt.Sprintf("external failure (%s): %v", e.Kind, e.Cause)
}

func (e *External) Unwrap() error {
	return e.Cause
}

// WrapExternal records a host-side failure, attaching a stack trace via
// go-errors/errors so the caller can log a useful report even though the
// library itself never logs at error severity on the caller's behalf.
func WrapExternal(kind string, cause error) error {
	if cause == nil {
		return nil
	}
	return &External{Kind: kind, Cause: goerrors.Wrap(cause, 1)}
}
