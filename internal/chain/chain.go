// Package chain defines network parameters for the two chains of a swap.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import "github.com/btcsuite/btcd/chaincfg"

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == Mainnet || n == Testnet
}

// BitcoinParams contains the Bitcoin-side parameters for a network.
type BitcoinParams struct {
	Network Network
	Params  *chaincfg.Params

	// EsploraURL is the default REST endpoint for chain queries.
	EsploraURL string
}

// BitsharesParams contains the Bitshares-side parameters for a network.
type BitsharesParams struct {
	Network Network

	// ChainID is the graphene chain id, mixed into every signature digest.
	ChainID string

	// CoreAsset is the object id of the BTS core asset.
	CoreAsset string

	// Precision is the number of decimal places of the core asset.
	Precision uint8

	// WebsocketURL is the default node endpoint.
	WebsocketURL string

	// AddressPrefix prefixes public keys in string form (BTS... / TEST...).
	AddressPrefix string
}

var bitcoinRegistry = make(map[Network]*BitcoinParams)
var bitsharesRegistry = make(map[Network]*BitsharesParams)

// RegisterBitcoin adds Bitcoin params to the registry.
func RegisterBitcoin(p *BitcoinParams) {
	bitcoinRegistry[p.Network] = p
}

// RegisterBitshares adds Bitshares params to the registry.
func RegisterBitshares(p *BitsharesParams) {
	bitsharesRegistry[p.Network] = p
}

// Bitcoin returns the Bitcoin params for a network.
func Bitcoin(n Network) (*BitcoinParams, bool) {
	p, ok := bitcoinRegistry[n]
	return p, ok
}

// Bitshares returns the Bitshares params for a network.
func Bitshares(n Network) (*BitsharesParams, bool) {
	p, ok := bitsharesRegistry[n]
	return p, ok
}
