package delegation

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

func serializePsbtHex(packet *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", stakingerr.WithReasonf(stakingerr.ErrBuildTransactionFailure,
			"serialize psbt: %v", err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

func deserializePsbtHex(psbtHex string) (*psbt.Packet, error) {
	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(bytes.NewReader(raw), false)
}

func hexOf(b []byte) string {
	return hex.EncodeToString(b)
}

func chainhashFromTxid(txid string) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *hash, nil
}

// encodeRegistrationPayload serializes a RegistrationPayload to the bytes
// carried as the RegistrationMessage's Value. The wire encoding is opaque
// to this library (spec §6) — the host's ControlChainClient is the only
// party that ever decodes it — so a plain, stable JSON encoding is used
// rather than committing to a protobuf schema this package does not own.
func encodeRegistrationPayload(p RegistrationPayload) ([]byte, error) {
	return json.Marshal(p)
}
