// Package backend provides the Bitcoin chain adapter used by the HTLC engine
// and the swap orchestrator. Any Esplora-compatible REST API implements it.
// This package is read-only for private keys - all signing happens in the htlc package.
package backend

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrChainQuery wraps transport, HTTP and parse failures. Polling loops
	// treat it as "not yet" and retry; everywhere else it surfaces.
	ErrChainQuery = errors.New("chain query failed")

	// ErrNotFound means the expected on-chain object does not exist (yet).
	ErrNotFound = errors.New("not found")

	// ErrBroadcast means the node rejected a transaction.
	ErrBroadcast = errors.New("broadcast rejected")

	// ErrMalformedWitness means a spend of an HTLC output does not carry the
	// expected redeem witness shape. Operator intervention required.
	ErrMalformedWitness = errors.New("malformed witness")
)

// Type represents the backend type.
type Type string

const (
	TypeEsplora Type = "esplora" // blockstream.info API
	TypeMempool Type = "mempool" // mempool.space API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	Value        uint64 `json:"value"`        // in satoshis
	ScriptPubKey string `json:"scriptpubkey"` // hex encoded
}

// Funding describes the most recent transaction paying an address.
type Funding struct {
	TxID  string
	Vout  uint32
	Value uint64
}

// BlockInfo identifies the chain tip.
type BlockInfo struct {
	Height int64
	Hash   string
}

// FeeEstimate contains fee rates in sat/vB for the three swap priorities.
type FeeEstimate struct {
	Fast   float64 // priority 0, next block
	Medium float64 // priority 1, ~3 blocks
	Slow   float64 // priority 2, ~6 blocks
}

// AtPriority returns the rate for a priority in {0,1,2}.
func (f *FeeEstimate) AtPriority(priority int) float64 {
	switch priority {
	case 0:
		return f.Fast
	case 1:
		return f.Medium
	default:
		return f.Slow
	}
}

// Max returns the highest rate across all priorities.
func (f *FeeEstimate) Max() float64 {
	max := f.Fast
	if f.Medium > max {
		max = f.Medium
	}
	if f.Slow > max {
		max = f.Slow
	}
	return max
}

// BitcoinChain is the chain-query surface the HTLC engine and the orchestrator
// consume. Implementations must map absence to ErrNotFound and transport or
// parse failures to ErrChainQuery so polling loops can classify them.
type BitcoinChain interface {
	// GetUTXOs returns the unspent outputs of txID paying address.
	GetUTXOs(ctx context.Context, txID, address string) ([]UTXO, error)

	// GetFeeEstimates returns current fee rates. The engine queries this
	// twice: once for the desired fee and once for the upper bound the
	// counterparty will accept.
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)

	// GetLastBlock returns the chain tip.
	GetLastBlock(ctx context.Context) (*BlockInfo, error)

	// GetBlockHeightForTx returns the confirmation height of txID, or
	// ErrNotFound while unconfirmed.
	GetBlockHeightForTx(ctx context.Context, txID string) (int64, error)

	// GetValueFromLastTransaction returns the most recent transaction that
	// funds address, or ErrNotFound if none exists.
	GetValueFromLastTransaction(ctx context.Context, address string) (*Funding, error)

	// GetPreimageFromLastTransaction extracts the 32-byte preimage from the
	// witness of the most recent spend of address. ErrNotFound if no spend
	// exists; ErrMalformedWitness if the spend is not redeem-shaped.
	GetPreimageFromLastTransaction(ctx context.Context, address string) ([]byte, error)

	// GetMedianBlockTime returns the median interval between the last k blocks.
	GetMedianBlockTime(ctx context.Context, k int) (time.Duration, error)

	// PushTX broadcasts a raw transaction and returns its txid.
	PushTX(ctx context.Context, rawHex string) (string, error)
}
