// Package external declares the host-provided collaborators the
// Delegation Manager drives (spec §6): a Bitcoin signer and a
// control-chain client. Neither is implemented here — the library never
// holds keys, so signing and chain submission are always borrowed from
// the host application.
package external

import "context"

// StakerInfo describes the staker's address and public key, as reported
// by the BtcSigner (spec §6).
type StakerInfo struct {
	Address  string
	XOnlyKey []byte
}

// Utxo is one spendable output the BtcSigner reports as available
// (spec §6).
type Utxo struct {
	Txid   string
	Vout   uint32
	Value  int64
	Script []byte
}

// BtcSigner is the host-provided collaborator responsible for every
// operation that requires a Bitcoin private key (spec §6). The library
// never holds the key itself.
type BtcSigner interface {
	// SignPsbt returns a PSBT identical to psbtHex except for
	// witness/partial-signature fields.
	SignPsbt(ctx context.Context, psbtHex string) (string, error)

	// SignMessage signs an arbitrary message with the staker's Bitcoin
	// key, returning a base64-encoded signature. sigType is always
	// "ecdsa" for the BIP-322-style form this library uses.
	SignMessage(ctx context.Context, messageHex, sigType string) (string, error)

	// GetStakerInfo returns the staker's address and x-only public key.
	GetStakerInfo(ctx context.Context) (*StakerInfo, error)

	// GetUtxos returns the staker's currently spendable outputs.
	GetUtxos(ctx context.Context) ([]Utxo, error)
}

// RegistrationMessage is the opaque, protobuf-shaped payload the
// Delegation Manager assembles for the control chain (spec §4.H, §6).
// The library builds it; the host's ControlChainClient is responsible
// for knowing its wire encoding when signing it.
type RegistrationMessage struct {
	TypeURL string
	Value   []byte
}

// ControlChainClient is the host-provided collaborator responsible for
// every operation that touches the control chain (spec §6).
type ControlChainClient interface {
	// GetBtcTipHeight returns the chain's view of the Bitcoin tip,
	// which may lag the real tip.
	GetBtcTipHeight(ctx context.Context) (uint32, error)

	// GetAddress returns the control-chain bech32 address bound to this
	// client.
	GetAddress(ctx context.Context) (string, error)

	// GetChainID returns the control chain's chain identifier.
	GetChainID(ctx context.Context) (string, error)

	// SignMessage signs and returns a ready-to-broadcast control-chain
	// transaction bytes for the given message.
	SignMessage(ctx context.Context, msg RegistrationMessage) ([]byte, error)
}
