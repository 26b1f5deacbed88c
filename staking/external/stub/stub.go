// Package stub provides deterministic, in-memory fakes of the external
// package's BtcSigner and ControlChainClient interfaces, for exercising
// the Delegation Manager's orchestration logic without a real wallet or
// chain connection.
package stub

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/btcstaker/stakingtx/staking/external"
	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// Signer is a deterministic BtcSigner backed by a single in-memory
// private key. It signs every PSBT input by attaching a key-path Schnorr
// signature, which is sufficient to drive
// the integrity-check and witness-assembly paths in tests.
type Signer struct {
	mu sync.Mutex

	priv    *btcec.PrivateKey
	address string
	utxos   []external.Utxo
}

// Config configures a Signer.
type Config struct {
	PrivateKey *btcec.PrivateKey
	Address    string
	Utxos      []external.Utxo
}

// DefaultConfig returns a Config seeded with a fixed deterministic key,
// suitable for reproducible tests.
func DefaultConfig() *Config {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv, _ := btcec.PrivKeyFromBytes(seed)

	return &Config{
		PrivateKey: priv,
		Address:    "bc1pstakerstubaddress",
	}
}

// New constructs a Signer from cfg.
func New(cfg *Config) (*Signer, error) {
	if cfg == nil || cfg.PrivateKey == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"a private key is required")
	}

	return &Signer{
		priv:    cfg.PrivateKey,
		address: cfg.Address,
		utxos:   cfg.Utxos,
	}, nil
}

// SetUtxos replaces the UTXO set GetUtxos reports.
func (s *Signer) SetUtxos(utxos []external.Utxo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos = utxos
}

// SignPsbt attaches a deterministic key-path Schnorr signature to every
// input, leaving the transaction skeleton untouched.
func (s *Signer) SignPsbt(_ context.Context, psbtHex string) (string, error) {
	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return "", stakingerr.WrapExternal("stub-signer", err)
	}

	packet, err := psbt.NewFromRawBytes(bytesReader(raw), false)
	if err != nil {
		return "", stakingerr.WrapExternal("stub-signer", err)
	}

	sigHash := sha256OfTx(packet)
	sig, err := schnorr.Sign(s.priv, sigHash[:])
	if err != nil {
		return "", stakingerr.WrapExternal("stub-signer", err)
	}

	for i := range packet.Inputs {
		packet.Inputs[i].TaprootKeySpendSig = sig.Serialize()
	}

	var buf rawBuffer
	if err := packet.Serialize(&buf); err != nil {
		return "", stakingerr.WrapExternal("stub-signer", err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// SignMessage signs an arbitrary message using ECDSA, mirroring the
// BIP-322-style message form the real signer uses.
func (s *Signer) SignMessage(_ context.Context, messageHex, _ string) (string, error) {
	msg, err := hex.DecodeString(messageHex)
	if err != nil {
		return "", stakingerr.WrapExternal("stub-signer", err)
	}

	digest := sha256Sum(msg)
	sig := ecdsa.Sign(s.priv, digest[:])

	return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
}

// GetStakerInfo returns the fixed address and x-only key configured for
// this stub.
func (s *Signer) GetStakerInfo(_ context.Context) (*external.StakerInfo, error) {
	return &external.StakerInfo{
		Address:  s.address,
		XOnlyKey: schnorr.SerializePubKey(s.priv.PubKey()),
	}, nil
}

// GetUtxos returns the configured UTXO set.
func (s *Signer) GetUtxos(_ context.Context) ([]external.Utxo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]external.Utxo, len(s.utxos))
	copy(out, s.utxos)
	return out, nil
}

var _ external.BtcSigner = (*Signer)(nil)

// ChainClient is a deterministic ControlChainClient backed by in-memory
// state.
type ChainClient struct {
	mu sync.Mutex

	tipHeight uint32
	address   string
	chainID   string
	priv      *btcec.PrivateKey

	Submitted []external.RegistrationMessage
}

// NewChainClient constructs a ChainClient with the given fixed tip
// height, address, and chain id.
func NewChainClient(tipHeight uint32, address, chainID string) *ChainClient {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 50)
	}
	priv, _ := btcec.PrivKeyFromBytes(seed)

	return &ChainClient{
		tipHeight: tipHeight,
		address:   address,
		chainID:   chainID,
		priv:      priv,
	}
}

// SetTipHeight updates the height GetBtcTipHeight reports.
func (c *ChainClient) SetTipHeight(h uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipHeight = h
}

// GetBtcTipHeight returns the configured tip height.
func (c *ChainClient) GetBtcTipHeight(_ context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHeight, nil
}

// GetAddress returns the configured control-chain address.
func (c *ChainClient) GetAddress(_ context.Context) (string, error) {
	return c.address, nil
}

// GetChainID returns the configured chain id.
func (c *ChainClient) GetChainID(_ context.Context) (string, error) {
	return c.chainID, nil
}

// SignMessage records the submitted message and returns a deterministic
// signed-transaction placeholder.
func (c *ChainClient) SignMessage(
	_ context.Context, msg external.RegistrationMessage,
) ([]byte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Submitted = append(c.Submitted, msg)

	digest := sha256Sum(msg.Value)
	sig := ecdsa.Sign(c.priv, digest[:])

	return sig.Serialize(), nil
}

var _ external.ControlChainClient = (*ChainClient)(nil)
