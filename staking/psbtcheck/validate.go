// Package psbtcheck implements the PSBT Integrity Validator (spec §4.D):
// field-by-field comparison of an unsigned PSBT template against a
// signed PSBT returned by an external signer, confirming the signer only
// added witness/signature data and did not rewrite any input or output.
//
// This defends against a compromised or malicious signer rewriting
// outputs or inputs between hand-off and return; only witnesses and
// partial-signature fields are permitted to differ.
package psbtcheck

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// Validate compares unsigned and signed PSBTs field by field, returning
// the first mismatch found as a *stakingerr.PsbtIntegrityViolation.
func Validate(unsigned, signed *psbt.Packet) error {
	uTx := unsigned.UnsignedTx
	sTx := signed.UnsignedTx

	if uTx.Version != sTx.Version {
		return &stakingerr.PsbtIntegrityViolation{
			Field:    "version",
			Index:    -1,
			Expected: itoa(int64(uTx.Version)),
			Got:      itoa(int64(sTx.Version)),
		}
	}
	if uTx.LockTime != sTx.LockTime {
		return &stakingerr.PsbtIntegrityViolation{
			Field:    "locktime",
			Index:    -1,
			Expected: itoa(int64(uTx.LockTime)),
			Got:      itoa(int64(sTx.LockTime)),
		}
	}

	if len(uTx.TxIn) != len(sTx.TxIn) {
		return &stakingerr.PsbtIntegrityViolation{
			Field:    "input_count",
			Index:    -1,
			Expected: itoa(int64(len(uTx.TxIn))),
			Got:      itoa(int64(len(sTx.TxIn))),
		}
	}
	if len(uTx.TxOut) != len(sTx.TxOut) {
		return &stakingerr.PsbtIntegrityViolation{
			Field:    "output_count",
			Index:    -1,
			Expected: itoa(int64(len(uTx.TxOut))),
			Got:      itoa(int64(len(sTx.TxOut))),
		}
	}

	for i := range uTx.TxIn {
		uIn, sIn := uTx.TxIn[i], sTx.TxIn[i]

		if uIn.PreviousOutPoint.Hash != sIn.PreviousOutPoint.Hash {
			return &stakingerr.PsbtIntegrityViolation{
				Field:    "prevout_hash",
				Index:    i,
				Expected: uIn.PreviousOutPoint.Hash.String(),
				Got:      sIn.PreviousOutPoint.Hash.String(),
			}
		}
		if uIn.PreviousOutPoint.Index != sIn.PreviousOutPoint.Index {
			return &stakingerr.PsbtIntegrityViolation{
				Field:    "prevout_index",
				Index:    i,
				Expected: itoa(int64(uIn.PreviousOutPoint.Index)),
				Got:      itoa(int64(sIn.PreviousOutPoint.Index)),
			}
		}
		if uIn.Sequence != sIn.Sequence {
			return &stakingerr.PsbtIntegrityViolation{
				Field:    "sequence",
				Index:    i,
				Expected: itoa(int64(uIn.Sequence)),
				Got:      itoa(int64(sIn.Sequence)),
			}
		}
	}

	for i := range uTx.TxOut {
		uOut, sOut := uTx.TxOut[i], sTx.TxOut[i]

		if !bytes.Equal(uOut.PkScript, sOut.PkScript) {
			return &stakingerr.PsbtIntegrityViolation{
				Field:    "output_script",
				Index:    i,
				Expected: hexOf(uOut.PkScript),
				Got:      hexOf(sOut.PkScript),
			}
		}
		if uOut.Value != sOut.Value {
			return &stakingerr.PsbtIntegrityViolation{
				Field:    "output_value",
				Index:    i,
				Expected: itoa(uOut.Value),
				Got:      itoa(sOut.Value),
			}
		}
	}

	log.Debugf("validated psbt integrity: %d input(s), %d output(s)",
		len(uTx.TxIn), len(uTx.TxOut))

	return nil
}
