// Package htlc implements the Bitcoin side of an atomic swap: the P2WSH
// hash-time-locked contract, its funding transaction, and witness-complete
// redeem and refund transactions.
package htlc

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Keypair holds a compressed secp256k1 keypair. For counterparties only the
// public key is known and CanSign reports false.
type Keypair struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

// KeypairFromWIF parses a WIF-encoded private key and checks it belongs to
// the given network.
func KeypairFromWIF(wifStr string, params *chaincfg.Params) (*Keypair, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("WIF is for a different network than %s", params.Name)
	}

	return &Keypair{
		priv: wif.PrivKey,
		pub:  wif.PrivKey.PubKey(),
	}, nil
}

// KeypairFromPublicKeyHex parses a hex-encoded compressed public key.
// The resulting keypair cannot sign.
func KeypairFromPublicKeyHex(s string) (*Keypair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != 33 {
		return nil, fmt.Errorf("public key must be 33 bytes (compressed), got %d", len(raw))
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	return &Keypair{pub: pub}, nil
}

// NewKeypair generates a fresh keypair.
func NewKeypair() (*Keypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &Keypair{priv: priv, pub: priv.PubKey()}, nil
}

// CanSign reports whether the private key is available.
func (k *Keypair) CanSign() bool {
	return k.priv != nil
}

// PrivKey returns the private key, nil for counterparty keypairs.
func (k *Keypair) PrivKey() *btcec.PrivateKey {
	return k.priv
}

// PubKey returns the public key.
func (k *Keypair) PubKey() *btcec.PublicKey {
	return k.pub
}

// PubKeyBytes returns the compressed public key.
func (k *Keypair) PubKeyBytes() []byte {
	return k.pub.SerializeCompressed()
}

// PubKeyHash returns HASH160 of the compressed public key.
func (k *Keypair) PubKeyHash() []byte {
	return btcutil.Hash160(k.pub.SerializeCompressed())
}

// P2WPKHAddress returns the native SegWit address of the public key.
func (k *Keypair) P2WPKHAddress(params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(k.PubKeyHash(), params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}
