// Transaction building for the Bitcoin HTLC: the P2WSH funding transaction
// and the witness-complete redeem/refund spends.
package htlc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainsquad/swapchain/internal/backend"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DustThreshold is the standard output dust limit in satoshis. Change at or
// below it is left to the miner.
const DustThreshold = uint64(546)

// fundingTxParams contains parameters for creating the funding transaction.
type fundingTxParams struct {
	// UTXOs to spend, all locked to the sender's P2WPKH.
	utxos []backend.UTXO

	// The HTLC output.
	payment *Payment

	// amount is the full swap amount; the miner fee is deducted from it so
	// the P2WSH output carries amount-fee.
	amount uint64
	fee    uint64

	sender *Keypair
	params *chaincfg.Params
}

// buildFundingTx creates and signs the transaction locking the swap amount
// into the P2WSH output. Output 0 is the HTLC, output 1 (if above dust) is
// change back to the sender.
func buildFundingTx(p *fundingTxParams) (*wire.MsgTx, uint64, error) {
	if len(p.utxos) == 0 {
		return nil, 0, ErrNoUTXOs
	}
	if p.amount <= p.fee {
		return nil, 0, fmt.Errorf("%w: amount %d does not cover fee %d", ErrInsufficientFunds, p.amount, p.fee)
	}
	amountAfterFees := p.amount - p.fee

	var totalIn uint64
	for _, utxo := range p.utxos {
		totalIn += utxo.Value
	}
	if totalIn < p.amount {
		return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, p.amount, totalIn)
	}

	tx := wire.NewMsgTx(2)

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(p.utxos))
	for _, utxo := range p.utxos {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
		}
		outpoint := wire.NewOutPoint(txHash, utxo.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))

		pkScript, err := hex.DecodeString(utxo.ScriptPubKey)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid UTXO scriptPubKey: %w", err)
		}
		prevOuts[*outpoint] = wire.NewTxOut(int64(utxo.Value), pkScript)
	}

	// HTLC output
	tx.AddTxOut(wire.NewTxOut(int64(amountAfterFees), p.payment.ScriptPubKey))

	// Change back to the sender
	change := totalIn - p.amount
	if change > DustThreshold {
		changeAddr, err := p.sender.P2WPKHAddress(p.params)
		if err != nil {
			return nil, 0, err
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create change script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	// Sign every input (BIP-143 P2WPKH)
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		prevOut := prevOuts[tx.TxIn[i].PreviousOutPoint]
		witness, err := txscript.WitnessSignature(
			tx,
			sigHashes,
			i,
			prevOut.Value,
			prevOut.PkScript,
			txscript.SigHashAll,
			p.sender.PrivKey(),
			true,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to sign funding input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, amountAfterFees, nil
}

// htlcSpendParams contains parameters for spending the P2WSH output.
type htlcSpendParams struct {
	fundingTxID  string
	fundingVout  uint32
	fundingValue uint64

	payment *Payment

	// Destination (P2WPKH of the spender).
	destAddr btcutil.Address

	fee uint64

	// sequence is MaxTxInSequenceNum for the redeem path and the CSV value
	// for the refund path.
	sequence uint32

	key *Keypair

	// preimage selects the OP_IF branch; nil builds the refund witness.
	preimage []byte
}

// buildHTLCSpendTx creates and signs a transaction spending the P2WSH output.
// Version 2 is required for BIP-68 relative locktimes on the refund path.
func buildHTLCSpendTx(p *htlcSpendParams) (*wire.MsgTx, error) {
	if !p.key.CanSign() {
		return nil, fmt.Errorf("private key required to spend the HTLC")
	}
	if p.fundingValue <= p.fee {
		return nil, fmt.Errorf("%w: funding %d does not cover fee %d", ErrInsufficientFunds, p.fundingValue, p.fee)
	}

	tx := wire.NewMsgTx(2)

	txHash, err := chainhash.NewHashFromStr(p.fundingTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, p.fundingTxID)
	}
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, p.fundingVout), nil, nil)
	txIn.Sequence = p.sequence
	tx.AddTxIn(txIn)

	destScript, err := txscript.PayToAddrScript(p.destAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(p.fundingValue-p.fee), destScript))

	// BIP-143 sighash over the redeem script
	fetcher := txscript.NewCannedPrevOutputFetcher(p.payment.ScriptPubKey, int64(p.fundingValue))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		p.payment.RedeemScript,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(p.fundingValue),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(p.key.PrivKey(), sighash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	if p.preimage != nil {
		tx.TxIn[0].Witness = RedeemWitness(sigBytes, p.key.PubKeyBytes(), p.preimage, p.payment.RedeemScript)
	} else {
		tx.TxIn[0].Witness = RefundWitness(sigBytes, p.key.PubKeyBytes(), p.payment.RedeemScript)
	}

	return tx, nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}

	return tx, nil
}
