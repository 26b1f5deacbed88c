package stub

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

type rawBuffer struct {
	bytes.Buffer
}

// sha256OfTx hashes the packet's serialized unsigned transaction. This
// is not a consensus sighash — the stub only needs a deterministic,
// psbt-dependent digest to sign so tests can assert a signature was
// produced over the transaction the manager actually built.
func sha256OfTx(packet *psbt.Packet) [32]byte {
	var buf bytes.Buffer
	_ = packet.UnsignedTx.Serialize(&buf)
	return sha256.Sum256(buf.Bytes())
}

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
