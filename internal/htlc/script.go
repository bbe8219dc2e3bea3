package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MaxSequence is the largest CSV value expressible as a BIP-68 block-based
// relative locktime (type flag 0).
const MaxSequence = 0xFFFF

// Payment describes the P2WSH output of an HTLC: the redeem script, the
// scriptPubKey committing to it, and the bech32 address.
type Payment struct {
	// RedeemScript is the full witness script.
	RedeemScript []byte

	// ScriptPubKey is OP_0 <SHA256(RedeemScript)>.
	ScriptPubKey []byte

	// Address is the bech32 P2WSH address.
	Address string
}

// BuildRedeemScript creates the HTLC redeem script.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <HASH160(receiver_pubkey)>
//	OP_ELSE
//	    <sequence> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <HASH160(sender_pubkey)>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
//
// Redeem path (OP_IF branch): requires preimage + receiver signature.
// Refund path (OP_ELSE branch): requires sender signature after the relative
// timelock.
//
// Parameters:
//   - hash: 32-byte SHA256 hash of the preimage
//   - sequence: relative timelock in blocks (CSV), 0..65535
//   - senderPubKey: can refund after the timelock
//   - receiverPubKey: claims with the preimage
func BuildRedeemScript(hash []byte, sequence uint32, senderPubKey, receiverPubKey *btcec.PublicKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	if sequence > MaxSequence {
		return nil, fmt.Errorf("sequence %d exceeds maximum CSV block value (65535)", sequence)
	}
	if senderPubKey == nil || receiverPubKey == nil {
		return nil, fmt.Errorf("sender and receiver pubkeys required")
	}

	receiverHash := btcutil.Hash160(receiverPubKey.SerializeCompressed())
	senderHash := btcutil.Hash160(senderPubKey.SerializeCompressed())

	builder := txscript.NewScriptBuilder()

	// OP_IF branch (redeem with preimage)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(receiverHash)

	// OP_ELSE branch (refund after timelock)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(sequence))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(senderHash)

	// Shared tail
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// NewPayment derives the P2WSH payment for a redeem script.
func NewPayment(redeemScript []byte, params *chaincfg.Params) (*Payment, error) {
	scriptHash := sha256.Sum256(redeemScript)

	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH script: %w", err)
	}

	return &Payment{
		RedeemScript: redeemScript,
		ScriptPubKey: scriptPubKey,
		Address:      addr.EncodeAddress(),
	}, nil
}

// RedeemScriptHex returns the redeem script as a hex string.
func (p *Payment) RedeemScriptHex() string {
	return hex.EncodeToString(p.RedeemScript)
}

// RedeemWitness creates the witness stack for spending via the preimage path.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<receiver_pubkey>
//	<preimage>
//	<1> (selects OP_IF branch)
//	<redeem_script>
func RedeemWitness(signature, receiverPubKey, preimage, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		receiverPubKey,
		preimage,
		{0x01},
		redeemScript,
	}
}

// RefundWitness creates the witness stack for spending via the timelock path.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<sender_pubkey>
//	<0> (empty, selects OP_ELSE branch)
//	<redeem_script>
func RefundWitness(signature, senderPubKey, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		senderPubKey,
		{},
		redeemScript,
	}
}

// ParseRedeemScript parses an HTLC redeem script and extracts its components.
// Returns hash, sequence, receiver pubkey hash, sender pubkey hash.
func ParseRedeemScript(script []byte) (hash []byte, sequence uint32, receiverHash, senderHash []byte, err error) {
	fail := func(what string) ([]byte, uint32, []byte, []byte, error) {
		return nil, 0, nil, nil, fmt.Errorf("not an HTLC redeem script: expected %s", what)
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return fail("OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return fail("OP_SHA256")
	}

	if !tokenizer.Next() {
		return fail("hash")
	}
	hash = tokenizer.Data()
	if len(hash) != 32 {
		return fail("32-byte hash")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return fail("OP_EQUALVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DUP {
		return fail("OP_DUP")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_HASH160 {
		return fail("OP_HASH160")
	}

	if !tokenizer.Next() {
		return fail("receiver pubkey hash")
	}
	receiverHash = tokenizer.Data()
	if len(receiverHash) != 20 {
		return fail("20-byte receiver pubkey hash")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return fail("OP_ELSE")
	}

	if !tokenizer.Next() {
		return fail("sequence")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		sequence = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 3 {
			return fail("minimally-encoded sequence")
		}
		for i := 0; i < len(data); i++ {
			sequence |= uint32(data[i]) << (8 * i)
		}
	}
	if sequence > MaxSequence {
		return fail("sequence within BIP-68 block range")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSEQUENCEVERIFY {
		return fail("OP_CHECKSEQUENCEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return fail("OP_DROP")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DUP {
		return fail("OP_DUP")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_HASH160 {
		return fail("OP_HASH160")
	}

	if !tokenizer.Next() {
		return fail("sender pubkey hash")
	}
	senderHash = tokenizer.Data()
	if len(senderHash) != 20 {
		return fail("20-byte sender pubkey hash")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return fail("OP_ENDIF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return fail("OP_EQUALVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if tokenizer.Next() {
		return fail("end of script")
	}

	return hash, sequence, receiverHash, senderHash, nil
}
