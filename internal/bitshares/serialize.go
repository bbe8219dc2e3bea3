// Graphene binary serialization for the transaction fields and the two HTLC
// operations this engine signs. Only the subset needed here is implemented.
package bitshares

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

// timeFormat is the graphene timestamp format (UTC, no zone suffix).
const timeFormat = "2006-01-02T15:04:05"

// writer accumulates the graphene wire encoding.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *writer) uint16le(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *writer) uint32le(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *writer) int64le(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	w.buf.Write(tmp[:])
}

func (w *writer) bytes(b []byte) {
	w.buf.Write(b)
}

// vector writes a length-prefixed byte vector.
func (w *writer) vector(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

// objectID writes the instance number of an object id as a varint.
func (w *writer) objectID(id string) error {
	n, err := objectInstance(id)
	if err != nil {
		return err
	}
	w.uvarint(n)
	return nil
}

// asset writes amount + asset id.
func (w *writer) asset(a asset) error {
	w.int64le(a.Amount)
	return w.objectID(a.AssetID)
}

// htlcCreate is the wire+JSON form of an htlc_create operation.
type htlcCreate struct {
	Fee                asset             `json:"fee"`
	From               string            `json:"from"`
	To                 string            `json:"to"`
	Amount             asset             `json:"amount"`
	PreimageHash       [2]interface{}    `json:"preimage_hash"` // [2, hex] for sha256
	PreimageSize       uint16            `json:"preimage_size"`
	ClaimPeriodSeconds uint32            `json:"claim_period_seconds"`
	Extensions         []json.RawMessage `json:"extensions"`
}

func (op *htlcCreate) opType() uint64 { return opHTLCCreate }

func (op *htlcCreate) serialize(w *writer) error {
	if err := w.asset(op.Fee); err != nil {
		return err
	}
	if err := w.objectID(op.From); err != nil {
		return err
	}
	if err := w.objectID(op.To); err != nil {
		return err
	}
	if err := w.asset(op.Amount); err != nil {
		return err
	}

	// preimage_hash is a static_variant: type index then raw digest
	w.uvarint(hashSHA256)
	hashHex, ok := op.PreimageHash[1].(string)
	if !ok {
		return fmt.Errorf("preimage hash must be a hex string")
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil || len(digest) != 32 {
		return fmt.Errorf("preimage hash must be 32 bytes of hex")
	}
	w.bytes(digest)

	w.uint16le(op.PreimageSize)
	w.uint32le(op.ClaimPeriodSeconds)
	w.uvarint(0) // extensions
	return nil
}

// htlcRedeem is the wire+JSON form of an htlc_redeem operation.
type htlcRedeem struct {
	Fee        asset             `json:"fee"`
	HTLCID     string            `json:"htlc_id"`
	Redeemer   string            `json:"redeemer"`
	Preimage   string            `json:"preimage"` // hex
	Extensions []json.RawMessage `json:"extensions"`
}

func (op *htlcRedeem) opType() uint64 { return opHTLCRedeem }

func (op *htlcRedeem) serialize(w *writer) error {
	if err := w.asset(op.Fee); err != nil {
		return err
	}
	if err := w.objectID(op.HTLCID); err != nil {
		return err
	}
	if err := w.objectID(op.Redeemer); err != nil {
		return err
	}

	preimage, err := hex.DecodeString(op.Preimage)
	if err != nil {
		return fmt.Errorf("preimage must be hex")
	}
	w.vector(preimage)
	w.uvarint(0) // extensions
	return nil
}

// operation is any graphene operation this engine serializes.
type operation interface {
	opType() uint64
	serialize(w *writer) error
}

// transaction is the unsigned graphene transaction envelope.
type transaction struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     time.Time
	Operations     []operation
}

// serialize encodes the transaction fields covered by the signature.
func (tx *transaction) serialize() ([]byte, error) {
	w := &writer{}
	w.uint16le(tx.RefBlockNum)
	w.uint32le(tx.RefBlockPrefix)
	w.uint32le(uint32(tx.Expiration.Unix()))
	w.uvarint(uint64(len(tx.Operations)))
	for _, op := range tx.Operations {
		w.uvarint(op.opType())
		if err := op.serialize(w); err != nil {
			return nil, err
		}
	}
	w.uvarint(0) // extensions
	return w.buf.Bytes(), nil
}

// digest returns sha256(chainID || tx).
func (tx *transaction) digest(chainID string) ([]byte, error) {
	chainBytes, err := hex.DecodeString(chainID)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id: %w", err)
	}
	raw, err := tx.serialize()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(chainBytes)
	h.Write(raw)
	return h.Sum(nil), nil
}

// sign produces a canonical 65-byte compact recoverable signature over the
// transaction digest. Graphene nodes reject non-canonical signatures, so the
// expiration is bumped by a second and the digest recomputed until the
// signature is canonical.
func (tx *transaction) sign(chainID string, key *btcec.PrivateKey) ([]byte, error) {
	for attempt := 0; attempt < 100; attempt++ {
		digest, err := tx.digest(chainID)
		if err != nil {
			return nil, err
		}

		sig := btcecdsa.SignCompact(key, digest, true)
		if isCanonical(sig) {
			return sig, nil
		}

		tx.Expiration = tx.Expiration.Add(time.Second)
	}
	return nil, fmt.Errorf("failed to produce a canonical signature")
}

// isCanonical applies the graphene canonicality rules to a compact signature
// [header, r(32), s(32)].
func isCanonical(sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	return sig[1]&0x80 == 0 &&
		!(sig[1] == 0 && sig[2]&0x80 == 0) &&
		sig[33]&0x80 == 0 &&
		!(sig[33] == 0 && sig[34]&0x80 == 0)
}

// publicKeyString encodes a compressed public key in the graphene string form:
// prefix + base58(pubkey || ripemd160(pubkey)[:4]).
func publicKeyString(pub *btcec.PublicKey, prefix string) string {
	raw := pub.SerializeCompressed()
	h := ripemd160.New()
	h.Write(raw)
	checksum := h.Sum(nil)[:4]
	return prefix + base58.Encode(append(raw, checksum...))
}
