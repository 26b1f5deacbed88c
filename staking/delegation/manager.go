// Package delegation implements the Delegation Manager (spec §4.H): the
// orchestration layer that drives the Script Builder, UTXO Selector,
// Transaction Builder, PSBT Integrity Validator, Withdrawal Address
// Guard, Parameter Registry, and Proof-of-Possession Builder together
// with the host-provided BtcSigner and ControlChainClient to carry a
// delegation from intent through registration.
//
// The Config/DefaultConfig/New construction shape and the borrowed (not
// owned) external-collaborator references follow the teacher's
// lightweight-wallet/client/client.go (see DESIGN.md); the state machine
// itself — Idle -> IntentBuilt -> PartiallySigned -> Registered, with a
// Failed terminal reached from any state — and the cooperative
// single-threaded suspension model are this library's own, per the
// concurrency model the specification defines.
package delegation

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcstaker/stakingtx/staking/external"
	"github.com/btcstaker/stakingtx/staking/params"
	"github.com/btcstaker/stakingtx/staking/pop"
	"github.com/btcstaker/stakingtx/staking/psbtcheck"
	"github.com/btcstaker/stakingtx/staking/script"
	"github.com/btcstaker/stakingtx/staking/stakingerr"
	"github.com/btcstaker/stakingtx/staking/txbuilder"
	"github.com/btcstaker/stakingtx/staking/utxo"
)

// Phase identifies which external signing call an observer callback is
// about to witness (spec §5's event-emission model).
type Phase string

const (
	PhaseStakingSlashing     Phase = "staking-slashing"
	PhaseUnbondingSlashing   Phase = "unbonding-slashing"
	PhaseProofOfPossession   Phase = "proof-of-possession"
	PhaseControlChainMessage Phase = "control-chain-message"
)

// Observer receives a notification immediately before the corresponding
// external call. Implementations MUST NOT suspend or throw (spec §5).
type Observer func(phase Phase)

// State is a delegation's position in the spec §4.H state machine.
type State int

const (
	StateIdle State = iota
	StateIntentBuilt
	StatePartiallySigned
	StateRegistered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIntentBuilt:
		return "intent-built"
	case StatePartiallySigned:
		return "partially-signed"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Manager. The registry is read-only after
// construction; Signer and ChainClient are borrowed references the
// caller continues to own (spec §5).
type Config struct {
	Registry    *params.Registry
	Signer      external.BtcSigner
	ChainClient external.ControlChainClient

	// FeeRate is the sat/vbyte rate applied to every transaction this
	// manager builds.
	FeeRate btcutil.Amount

	// ModuleAddress and PopGate configure the proof-of-possession
	// message's contextual form (spec §4.G).
	ModuleAddress string
	PopGate       *pop.UpgradeGate

	Observer Observer
}

// DefaultConfig returns a Config with a no-op observer and a
// conservative default fee rate; Registry, Signer, and ChainClient MUST
// still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		FeeRate:  10,
		Observer: func(Phase) {},
	}
}

// Manager orchestrates the full delegation lifecycle (spec §4.H).
type Manager struct {
	cfg *Config
}

// New constructs a Manager from cfg.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"config is required")
	}
	if cfg.Registry == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"parameter registry is required")
	}
	if cfg.Signer == nil || cfg.ChainClient == nil {
		return nil, stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"a btc signer and control chain client are required")
	}
	if cfg.Observer == nil {
		cfg.Observer = func(Phase) {}
	}

	return &Manager{cfg: cfg}, nil
}

// StakingInput is the staker-supplied intent for a new delegation (spec
// §3's StakingInput, plus the observable-variant flags).
type StakingInput struct {
	FinalityProviderKey *btcec.PublicKey
	AmountSat           btcutil.Amount
	TimelockBlocks      uint16

	Observable        bool
	ObservableVersion byte
}

// Delegation tracks one staking delegation through its lifecycle (spec
// §3's Delegation, plus the in-flight PSBT family and signing state the
// manager needs along the way).
type Delegation struct {
	State       State
	FailureKind error

	Params              *params.Params
	StakerAddress       string
	StakerKey           *btcec.PublicKey
	FinalityProviderKey *btcec.PublicKey
	TimelockBlocks      uint16
	AmountSat           btcutil.Amount
	StartHeight         uint32

	Bundle                *script.Bundle
	UnbondingOutputBundle *script.UnbondingOutputBundle
	SlashingChangeBundle  *script.SlashingChangeBundle

	StakingPsbt               *psbt.Packet
	UnbondingPsbt             *psbt.Packet
	SlashingFromStakingPsbt   *psbt.Packet
	SlashingFromUnbondingPsbt *psbt.Packet

	StakingFee               btcutil.Amount
	UnbondingFee             btcutil.Amount
	SlashingFromStakingFee   btcutil.Amount
	SlashingFromUnbondingFee btcutil.Amount

	StakerSlashingFromStakingSig   []byte
	StakerSlashingFromUnbondingSig []byte
	StakerUnbondingSig             []byte

	ProofOfPossession []byte
	PopSignature      string

	RegistrationTx []byte
}

func (d *Delegation) fail(kind error) error {
	d.State = StateFailed
	d.FailureKind = kind
	return kind
}

// BuildIntent executes the build-intent step (spec §4.H): selects
// parameters from the current Bitcoin tip, fetches staker info and
// UTXOs, builds the Scripts bundle, and assembles the unsigned staking,
// unbonding, and slashing PSBT family.
func (m *Manager) BuildIntent(
	ctx context.Context, in StakingInput,
) (*Delegation, error) {

	d := &Delegation{State: StateIdle}

	tipHeight, err := m.cfg.ChainClient.GetBtcTipHeight(ctx)
	if err != nil {
		return nil, d.fail(stakingerr.WrapExternal("control-chain-client", err))
	}

	p, err := m.cfg.Registry.ByBtcHeight(tipHeight)
	if err != nil {
		return nil, d.fail(err)
	}

	stakerInfo, err := m.cfg.Signer.GetStakerInfo(ctx)
	if err != nil {
		return nil, d.fail(stakingerr.WrapExternal("btc-signer", err))
	}

	utxos, err := m.cfg.Signer.GetUtxos(ctx)
	if err != nil {
		return nil, d.fail(stakingerr.WrapExternal("btc-signer", err))
	}
	if len(utxos) == 0 {
		return nil, d.fail(stakingerr.WithReason(
			stakingerr.ErrInsufficientFunds, "signer reports no utxos"))
	}

	stakerKey, err := script.ParseXOnlyKey(stakerInfo.XOnlyKey)
	if err != nil {
		return nil, d.fail(err)
	}

	if err := validateStakingInput(p, in); err != nil {
		return nil, d.fail(err)
	}

	bundle, err := script.Build(script.Input{
		Params:              p,
		StakerKey:           stakerKey,
		FinalityProviderKey: in.FinalityProviderKey,
		TimelockBlocks:      in.TimelockBlocks,
		Observable:          in.Observable,
		ObservableVersion:   in.ObservableVersion,
	})
	if err != nil {
		return nil, d.fail(err)
	}

	candidates := make([]utxo.Candidate, len(utxos))
	for i, u := range utxos {
		hash, hashErr := chainhashFromTxid(u.Txid)
		if hashErr != nil {
			return nil, d.fail(stakingerr.WithReasonf(
				stakingerr.ErrInvalidInput, "utxo %d: %v", i, hashErr))
		}
		candidates[i] = utxo.Candidate{
			OutPoint: wire.OutPoint{Hash: hash, Index: u.Vout},
			Value:    btcutil.Amount(u.Value),
			PkScript: u.Script,
		}
	}

	changeScript := candidates[0].PkScript

	stakingPsbt, stakingFee, err := txbuilder.BuildStaking(txbuilder.StakingTxInput{
		Candidates:          candidates,
		ChangeScript:        changeScript,
		FeeRate:             m.cfg.FeeRate,
		Bundle:              bundle,
		Amount:              in.AmountSat,
		Observable:          in.Observable,
		ActivationBtcHeight: p.ActivationBtcHeight,
	})
	if err != nil {
		return nil, d.fail(err)
	}

	stakingOutPoint := wire.OutPoint{
		Hash:  stakingPsbt.UnsignedTx.TxHash(),
		Index: 0,
	}

	unbondingOutputBundle, err := script.BuildUnbondingOutput(
		p, stakerKey, in.FinalityProviderKey,
	)
	if err != nil {
		return nil, d.fail(err)
	}

	unbondingPsbt, unbondingFee, err := txbuilder.BuildUnbonding(txbuilder.UnbondingTxInput{
		StakingOutput: txbuilder.SpendableOutput{
			OutPoint: stakingOutPoint,
			Value:    in.AmountSat,
			PkScript: bundle.PkScript,
		},
		OutputBundle: unbondingOutputBundle,
		Params:       p,
	})
	if err != nil {
		return nil, d.fail(err)
	}

	slashingChangeBundle, err := script.BuildSlashingChangeOutput(
		stakerKey, p.UnbondingTimeBlocks,
	)
	if err != nil {
		return nil, d.fail(err)
	}

	slashingFromStakingPsbt, slashingFromStakingFee, err := txbuilder.BuildSlashing(
		txbuilder.SlashingTxInput{
			Source: txbuilder.SpendableOutput{
				OutPoint: stakingOutPoint,
				Value:    in.AmountSat,
				PkScript: bundle.PkScript,
			},
			Params:       p,
			ChangeBundle: slashingChangeBundle,
		},
	)
	if err != nil {
		return nil, d.fail(err)
	}

	unbondingValue := in.AmountSat - p.UnbondingFeeSat
	slashingFromUnbondingPsbt, slashingFromUnbondingFee, err := txbuilder.BuildSlashing(
		txbuilder.SlashingTxInput{
			Source: txbuilder.SpendableOutput{
				OutPoint: wire.OutPoint{
					Hash:  unbondingPsbt.UnsignedTx.TxHash(),
					Index: 0,
				},
				Value:    unbondingValue,
				PkScript: unbondingOutputBundle.PkScript,
			},
			Params:       p,
			ChangeBundle: slashingChangeBundle,
		},
	)
	if err != nil {
		return nil, d.fail(err)
	}

	d.Params = p
	d.StakerAddress = stakerInfo.Address
	d.StakerKey = stakerKey
	d.FinalityProviderKey = in.FinalityProviderKey
	d.TimelockBlocks = in.TimelockBlocks
	d.AmountSat = in.AmountSat
	d.StartHeight = tipHeight
	d.Bundle = bundle
	d.UnbondingOutputBundle = unbondingOutputBundle
	d.SlashingChangeBundle = slashingChangeBundle
	d.StakingPsbt = stakingPsbt
	d.UnbondingPsbt = unbondingPsbt
	d.SlashingFromStakingPsbt = slashingFromStakingPsbt
	d.SlashingFromUnbondingPsbt = slashingFromUnbondingPsbt
	d.StakingFee = stakingFee
	d.UnbondingFee = unbondingFee
	d.SlashingFromStakingFee = slashingFromStakingFee
	d.SlashingFromUnbondingFee = slashingFromUnbondingFee
	d.State = StateIntentBuilt

	log.Debugf("intent built: staker %x, amount %d, timelock %d",
		script.SerializeXOnly(stakerKey), in.AmountSat, in.TimelockBlocks)

	return d, nil
}

func validateStakingInput(p *params.Params, in StakingInput) error {
	if in.FinalityProviderKey == nil {
		return stakingerr.WithReason(stakingerr.ErrInvalidInput,
			"finality provider key is required")
	}
	if in.AmountSat < p.MinStakingAmount || in.AmountSat > p.MaxStakingAmount {
		return stakingerr.WithReasonf(stakingerr.ErrInvalidInput,
			"amount %d out of range [%d, %d]", in.AmountSat,
			p.MinStakingAmount, p.MaxStakingAmount)
	}
	if in.TimelockBlocks < p.MinStakingTimeBlocks ||
		in.TimelockBlocks > p.MaxStakingTimeBlocks {

		return stakingerr.WithReasonf(stakingerr.ErrInvalidInput,
			"timelock out of range [%d, %d]", p.MinStakingTimeBlocks,
			p.MaxStakingTimeBlocks)
	}

	return nil
}

// SignAndRegister executes the sign-and-register step (spec §4.H): signs
// both slashing PSBTs, builds and signs the proof-of-possession message,
// assembles the registration message, and has the ControlChainClient sign
// it, storing the returned transaction bytes in d.RegistrationTx. It does
// not broadcast that transaction.
func (m *Manager) SignAndRegister(ctx context.Context, d *Delegation) error {
	if d.State != StateIntentBuilt {
		return stakingerr.WithReasonf(stakingerr.ErrInvalidInput,
			"delegation must be in state %s, got %s",
			StateIntentBuilt, d.State)
	}

	m.cfg.Observer(PhaseStakingSlashing)
	stakingSig, err := m.signAndExtract(ctx, d.SlashingFromStakingPsbt)
	if err != nil {
		return d.fail(err)
	}
	d.StakerSlashingFromStakingSig = stakingSig

	m.cfg.Observer(PhaseUnbondingSlashing)
	unbondingSig, err := m.signAndExtract(ctx, d.SlashingFromUnbondingPsbt)
	if err != nil {
		return d.fail(err)
	}
	d.StakerSlashingFromUnbondingSig = unbondingSig

	d.State = StatePartiallySigned

	m.cfg.Observer(PhaseProofOfPossession)
	if err := m.buildAndSignPop(ctx, d); err != nil {
		return d.fail(err)
	}

	msg, err := m.assembleRegistrationMessage(d, nil)
	if err != nil {
		return d.fail(err)
	}

	m.cfg.Observer(PhaseControlChainMessage)
	regTx, err := m.cfg.ChainClient.SignMessage(ctx, *msg)
	if err != nil {
		return d.fail(stakingerr.WrapExternal("control-chain-client", err))
	}

	d.RegistrationTx = regTx
	d.State = StateRegistered

	log.Debugf("delegation registered for staker %x",
		script.SerializeXOnly(d.StakerKey))

	return nil
}

// signAndExtract sends unsigned to the signer, validates the result
// against the template, and extracts the lone Schnorr signature from
// its first input.
func (m *Manager) signAndExtract(
	ctx context.Context, unsigned *psbt.Packet,
) ([]byte, error) {

	unsignedHex, err := serializePsbtHex(unsigned)
	if err != nil {
		return nil, err
	}

	signedHex, err := m.cfg.Signer.SignPsbt(ctx, unsignedHex)
	if err != nil {
		return nil, stakingerr.WrapExternal("btc-signer", err)
	}

	signed, err := deserializePsbtHex(signedHex)
	if err != nil {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidOutput,
			"decode signed psbt: %v", err)
	}

	if err := psbtcheck.Validate(unsigned, signed); err != nil {
		return nil, err
	}

	return psbtcheck.ExtractSchnorrSignature(signed, 0)
}

// buildAndSignPop builds the proof-of-possession message for d and
// obtains its signature from the signer.
func (m *Manager) buildAndSignPop(ctx context.Context, d *Delegation) error {
	chainID, err := m.cfg.ChainClient.GetChainID(ctx)
	if err != nil {
		return stakingerr.WrapExternal("control-chain-client", err)
	}

	address, err := m.cfg.ChainClient.GetAddress(ctx)
	if err != nil {
		return stakingerr.WrapExternal("control-chain-client", err)
	}

	msg, err := pop.BuildMessage(pop.Input{
		CurrentHeight: d.StartHeight,
		Gate:          m.cfg.PopGate,
		ChainID:       chainID,
		ModuleAddress: m.cfg.ModuleAddress,
		Bech32Address: address,
	})
	if err != nil {
		return err
	}

	d.ProofOfPossession = msg

	sig, err := m.cfg.Signer.SignMessage(ctx, hexOf(msg), pop.SignatureTag)
	if err != nil {
		return stakingerr.WrapExternal("btc-signer", err)
	}

	d.PopSignature = sig

	return nil
}

// InclusionProof carries the Merkle inclusion data for a staking
// transaction already confirmed on-chain (spec §4.H post-registration
// flow, §6).
type InclusionProof struct {
	BlockHashReversed [32]byte
	Index             uint32
	MerklePath        []byte
}

// RegistrationPayload mirrors the wire-form fields spec §4.H step 3 and
// §6 enumerate for the control-chain registration message.
type RegistrationPayload struct {
	StakerAddress               string
	StakerKey                   []byte
	FinalityProviderKey         []byte
	TimelockBlocks              uint16
	ValueSat                    int64
	UnbondingTxBytes            []byte
	UnbondingValueSat           int64
	SlashingTxBytes             []byte
	DelegatorSlashingSignatures [][]byte
	ProofOfPossession           []byte
	UnbondingTimeBlocks         uint16
	InclusionProof              *InclusionProof
}

func (m *Manager) assembleRegistrationMessage(
	d *Delegation, proof *InclusionProof,
) (*external.RegistrationMessage, error) {

	unbondingTxBytes, err := stripWitnessBytes(d.UnbondingPsbt.UnsignedTx)
	if err != nil {
		return nil, err
	}
	slashingTxBytes, err := stripWitnessBytes(d.SlashingFromStakingPsbt.UnsignedTx)
	if err != nil {
		return nil, err
	}

	payload := RegistrationPayload{
		StakerAddress:       d.StakerAddress,
		StakerKey:           script.SerializeXOnly(d.StakerKey),
		FinalityProviderKey: script.SerializeXOnly(d.FinalityProviderKey),
		TimelockBlocks:      d.TimelockBlocks,
		ValueSat:            int64(d.AmountSat),
		UnbondingTxBytes:    unbondingTxBytes,
		UnbondingValueSat:   int64(d.AmountSat - d.Params.UnbondingFeeSat),
		SlashingTxBytes:     slashingTxBytes,
		DelegatorSlashingSignatures: [][]byte{
			d.StakerSlashingFromStakingSig, d.StakerSlashingFromUnbondingSig,
		},
		ProofOfPossession:   d.ProofOfPossession,
		UnbondingTimeBlocks: d.Params.UnbondingTimeBlocks,
		InclusionProof:      proof,
	}

	value, err := encodeRegistrationPayload(payload)
	if err != nil {
		return nil, err
	}

	return &external.RegistrationMessage{
		TypeURL: "/btcstaking.v1.MsgCreateBTCDelegation",
		Value:   value,
	}, nil
}

// CovenantSignature is one covenant member's signature over the
// unbonding transaction, supplied out-of-band once collected (spec §9).
type CovenantSignature struct {
	CovenantKey *btcec.PublicKey
	Signature   []byte
}

// AssembleUnbondingWitness builds the witness stack for broadcasting the
// unbonding transaction's spend of the staking output's unbonding leaf
// (spec §9's covenant witness stack): signatures ordered to match the
// sorted covenant key order, missing covenants padded with empty byte
// strings, the staker's own signature kept, and the leaf script plus
// control block appended.
func AssembleUnbondingWitness(
	p *params.Params, bundle *script.Bundle, stakerSig []byte,
	covenantSigs []CovenantSignature,
) (wire.TxWitness, error) {

	if len(stakerSig) != 64 {
		return nil, stakingerr.WithReasonf(stakingerr.ErrMalformedSignature,
			"staker signature must be 64 bytes, got %d", len(stakerSig))
	}

	sorted := script.SortCovenantKeys(p.CovenantKeys)

	bySerialized := make(map[string][]byte, len(covenantSigs))
	for _, cs := range covenantSigs {
		bySerialized[string(script.SerializeXOnly(cs.CovenantKey))] = cs.Signature
	}

	controlBlock, err := bundle.UnbondingControlBlock()
	if err != nil {
		return nil, err
	}

	// OP_CHECKSIGADD evaluates left-to-right but the stack consumes
	// bottom-up, so the witness carries the covenant signatures in
	// reverse sorted-key order, followed by the staker's signature, the
	// leaf script, then the control block.
	witness := make(wire.TxWitness, 0, len(sorted)+3)
	for i := len(sorted) - 1; i >= 0; i-- {
		sig := bySerialized[string(script.SerializeXOnly(sorted[i]))]
		if len(sig) != 0 && len(sig) != 64 {
			return nil, stakingerr.WithReasonf(
				stakingerr.ErrMalformedSignature,
				"covenant signature at index %d must be 64 bytes, got %d",
				i, len(sig))
		}
		witness = append(witness, sig)
	}
	witness = append(witness, stakerSig)
	witness = append(witness, bundle.UnbondingScript)
	witness = append(witness, controlBlock)

	return witness, nil
}

func stripWitnessBytes(tx *wire.MsgTx) ([]byte, error) {
	stripped := tx.Copy()
	for _, in := range stripped.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}

	var buf bytes.Buffer
	if err := stripped.Serialize(&buf); err != nil {
		return nil, stakingerr.WithReasonf(
			stakingerr.ErrBuildTransactionFailure,
			"strip witness: %v", err)
	}

	return buf.Bytes(), nil
}
