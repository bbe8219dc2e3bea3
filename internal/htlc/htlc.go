package htlc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chainsquad/swapchain/internal/backend"
	"github.com/chainsquad/swapchain/internal/chain"
	"github.com/chainsquad/swapchain/pkg/logging"
)

// DefaultRedeemTxVSize is the virtual size of the HTLC redeem transaction:
// exactly one P2WSH input and one P2WPKH output, which makes the vsize
// deterministic. A fixed constant avoids an estimate-sign-reestimate loop;
// any slack is absorbed as miner fee.
const DefaultRedeemTxVSize = 140

// State errors
var (
	ErrAlreadyFunded = errors.New("HTLC already funded")
	ErrNotFunded     = errors.New("HTLC not funded")
)

// Config wires an HTLC engine instance.
type Config struct {
	Network chain.Network

	// Sender can refund after the timelock; Receiver redeems with the
	// preimage. Exactly one of the two usually carries a private key.
	Sender   *Keypair
	Receiver *Keypair

	// Priority selects the desired fee tier: 0 fast, 1 medium, 2 slow.
	Priority int

	Chain backend.BitcoinChain

	// RedeemTxVSize overrides DefaultRedeemTxVSize, letting tests inject a
	// deterministic estimator path.
	RedeemTxVSize int64
}

// Fee is the result of CalculateFee.
type Fee struct {
	// Want is the fee this party deducts, at the configured priority.
	Want uint64

	// Max bounds what the counterparty will accept as the proposer's
	// deduction when verifying the proposer's HTLC.
	Max uint64
}

// Funded captures the state reached when the funding transaction has been
// broadcast. Fields are set exactly once.
type Funded struct {
	TxID            string
	Vout            uint32
	AmountAfterFees uint64

	// BlockHeight is 0 until the funding transaction confirms.
	BlockHeight int64

	// RefundHex is the pre-signed refund transaction, built at creation
	// time so it can be broadcast later without access to the signing key.
	RefundHex string

	Payment  *Payment
	Sequence uint32
}

// HTLC is the Bitcoin HTLC engine. An instance progresses
// unfunded -> funded; redeem and refund spends are terminal on-chain, the
// engine does not prevent double-spend attempts but the chain rejects them.
type HTLC struct {
	network  *chain.BitcoinParams
	sender   *Keypair
	receiver *Keypair
	priority int
	chain    backend.BitcoinChain
	vsize    int64
	log      *logging.Logger

	funded *Funded
}

// New creates an HTLC engine.
func New(cfg *Config) (*HTLC, error) {
	params, ok := chain.Bitcoin(cfg.Network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", cfg.Network)
	}
	if cfg.Sender == nil || cfg.Receiver == nil {
		return nil, fmt.Errorf("sender and receiver keypairs required")
	}
	if cfg.Priority < 0 || cfg.Priority > 2 {
		return nil, fmt.Errorf("priority must be 0, 1 or 2, got %d", cfg.Priority)
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("bitcoin chain adapter required")
	}

	vsize := cfg.RedeemTxVSize
	if vsize == 0 {
		vsize = DefaultRedeemTxVSize
	}

	return &HTLC{
		network:  params,
		sender:   cfg.Sender,
		receiver: cfg.Receiver,
		priority: cfg.Priority,
		chain:    cfg.Chain,
		vsize:    vsize,
		log:      logging.GetDefault().Component("btc-htlc"),
	}, nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	// TransactionID names the transaction holding the sender's UTXOs.
	TransactionID string

	// Amount is the full swap amount in satoshi; the miner fee is deducted
	// from it.
	Amount uint64

	// Sequence is the CSV relative timelock in blocks.
	Sequence uint32

	// Hash is the SHA256 hash lock.
	Hash []byte
}

// Create funds the P2WSH output and returns the pre-signed refund
// transaction hex (not broadcast). The refund spends the HTLC back to the
// sender's P2WPKH with nSequence equal to the script's CSV value.
func (h *HTLC) Create(ctx context.Context, p *CreateParams) (string, error) {
	if h.funded != nil {
		return "", ErrAlreadyFunded
	}
	if !h.sender.CanSign() {
		return "", fmt.Errorf("sender private key required to create the HTLC")
	}

	fee, err := h.CalculateFee(ctx)
	if err != nil {
		return "", err
	}

	payment, err := h.GetP2WSH(p.Hash, p.Sequence)
	if err != nil {
		return "", err
	}

	fundingTxID, amountAfterFees, err := h.sendToP2WSHAddress(ctx, payment, p.TransactionID, p.Amount, fee.Want)
	if err != nil {
		return "", err
	}

	// Funding height, if already confirmed; polled again later otherwise.
	height, err := h.chain.GetBlockHeightForTx(ctx, fundingTxID)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, backend.ErrChainQuery) {
			return "", err
		}
		height = 0
	}

	senderAddr, err := h.sender.P2WPKHAddress(h.network.Params)
	if err != nil {
		return "", err
	}

	refundTx, err := buildHTLCSpendTx(&htlcSpendParams{
		fundingTxID:  fundingTxID,
		fundingVout:  0,
		fundingValue: amountAfterFees,
		payment:      payment,
		destAddr:     senderAddr,
		fee:          fee.Want,
		sequence:     p.Sequence,
		key:          h.sender,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build refund transaction: %w", err)
	}

	refundHex, err := SerializeTx(refundTx)
	if err != nil {
		return "", err
	}

	h.funded = &Funded{
		TxID:            fundingTxID,
		Vout:            0,
		AmountAfterFees: amountAfterFees,
		BlockHeight:     height,
		RefundHex:       refundHex,
		Payment:         payment,
		Sequence:        p.Sequence,
	}

	h.log.Info("HTLC funded",
		"address", payment.Address,
		"txid", fundingTxID,
		"amount", amountAfterFees,
		"sequence", p.Sequence,
	)

	return refundHex, nil
}

// sendToP2WSHAddress builds, signs and broadcasts the funding transaction
// spending the sender's UTXOs in fundingTxID to the P2WSH output, with change
// back to the sender.
func (h *HTLC) sendToP2WSHAddress(ctx context.Context, payment *Payment, fundingTxID string, amount, fee uint64) (string, uint64, error) {
	senderAddr, err := h.sender.P2WPKHAddress(h.network.Params)
	if err != nil {
		return "", 0, err
	}

	utxos, err := h.chain.GetUTXOs(ctx, fundingTxID, senderAddr.EncodeAddress())
	if err != nil {
		return "", 0, err
	}
	if len(utxos) == 0 {
		return "", 0, fmt.Errorf("%w: %s has no outputs for %s", ErrNoUTXOs, fundingTxID, senderAddr.EncodeAddress())
	}

	tx, amountAfterFees, err := buildFundingTx(&fundingTxParams{
		utxos:   utxos,
		payment: payment,
		amount:  amount,
		fee:     fee,
		sender:  h.sender,
		params:  h.network.Params,
	})
	if err != nil {
		return "", 0, err
	}

	rawHex, err := SerializeTx(tx)
	if err != nil {
		return "", 0, err
	}

	txid, err := h.chain.PushTX(ctx, rawHex)
	if err != nil {
		return "", 0, err
	}

	return txid, amountAfterFees, nil
}

// Redeem spends the P2WSH output to the receiver's P2WPKH, revealing the
// preimage in the witness. Used on the counterparty's HTLC, so the output is
// located by its address rather than by engine state.
func (h *HTLC) Redeem(ctx context.Context, payment *Payment, amount uint64, preimage []byte) error {
	if len(preimage) != 32 {
		return fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}

	fee, err := h.CalculateFee(ctx)
	if err != nil {
		return err
	}

	funding, err := h.chain.GetValueFromLastTransaction(ctx, payment.Address)
	if err != nil {
		return err
	}
	if funding.Value < amount {
		return fmt.Errorf("%w: HTLC holds %d, expected %d", ErrInsufficientFunds, funding.Value, amount)
	}

	receiverAddr, err := h.receiver.P2WPKHAddress(h.network.Params)
	if err != nil {
		return err
	}

	tx, err := buildHTLCSpendTx(&htlcSpendParams{
		fundingTxID:  funding.TxID,
		fundingVout:  funding.Vout,
		fundingValue: funding.Value,
		payment:      payment,
		destAddr:     receiverAddr,
		fee:          fee.Want,
		sequence:     0xFFFFFFFF,
		key:          h.receiver,
		preimage:     preimage,
	})
	if err != nil {
		return fmt.Errorf("failed to build redeem transaction: %w", err)
	}

	rawHex, err := SerializeTx(tx)
	if err != nil {
		return err
	}

	txid, err := h.chain.PushTX(ctx, rawHex)
	if err != nil {
		return err
	}

	h.log.Info("HTLC redeemed", "address", payment.Address, "txid", txid)
	return nil
}

// GetP2WSH derives the HTLC payment for a hash and sequence. Pure; the
// counterparty uses it to recognize the HTLC on-chain.
func (h *HTLC) GetP2WSH(hash []byte, sequence uint32) (*Payment, error) {
	script, err := BuildRedeemScript(hash, sequence, h.sender.PubKey(), h.receiver.PubKey())
	if err != nil {
		return nil, err
	}
	return NewPayment(script, h.network.Params)
}

// Funded returns the funded state, nil while unfunded.
func (h *HTLC) Funded() *Funded {
	return h.funded
}

// GetFundingTxBlockHeight returns the confirmation height of the funding
// transaction, querying the chain until it is known.
func (h *HTLC) GetFundingTxBlockHeight(ctx context.Context) (int64, error) {
	if h.funded == nil {
		return 0, ErrNotFunded
	}
	if h.funded.BlockHeight > 0 {
		return h.funded.BlockHeight, nil
	}

	height, err := h.chain.GetBlockHeightForTx(ctx, h.funded.TxID)
	if err != nil {
		return 0, err
	}

	h.funded.BlockHeight = height
	return height, nil
}

// CalculateFee estimates the redeem-transaction fee. Want uses the desired
// estimate at the configured priority; Max uses the highest tier of a second,
// independent estimate and bounds the deduction a counterparty will accept.
func (h *HTLC) CalculateFee(ctx context.Context) (*Fee, error) {
	desired, err := h.chain.GetFeeEstimates(ctx)
	if err != nil {
		return nil, err
	}
	upper, err := h.chain.GetFeeEstimates(ctx)
	if err != nil {
		return nil, err
	}

	return &Fee{
		Want: uint64(math.Ceil(float64(h.vsize) * desired.AtPriority(h.priority))),
		Max:  uint64(math.Ceil(float64(h.vsize) * upper.Max())),
	}, nil
}
