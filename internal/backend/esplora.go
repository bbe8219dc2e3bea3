package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// EsploraBackend implements BitcoinChain against the Esplora REST API
// (blockstream.info and compatible self-hosted instances).
type EsploraBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	// Remove trailing slash
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &EsploraBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// esploraTx is the Esplora transaction format (shared with mempool.space).
type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
		Prevout  *struct {
			ScriptPubKey     string `json:"scriptpubkey"`
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// GetUTXOs returns the unspent outputs of txID paying address.
func (e *EsploraBackend) GetUTXOs(ctx context.Context, txID, address string) ([]UTXO, error) {
	var tx esploraTx
	if err := e.get(ctx, "/tx/"+txID, &tx); err != nil {
		return nil, err
	}

	var spends []struct {
		Spent bool `json:"spent"`
	}
	if err := e.get(ctx, "/tx/"+txID+"/outspends", &spends); err != nil {
		return nil, err
	}

	var utxos []UTXO
	for i, out := range tx.Vout {
		if out.ScriptPubKeyAddr != address {
			continue
		}
		if i < len(spends) && spends[i].Spent {
			continue
		}
		utxos = append(utxos, UTXO{
			TxID:         tx.TxID,
			Vout:         uint32(i),
			Value:        out.Value,
			ScriptPubKey: out.ScriptPubKey,
		})
	}

	return utxos, nil
}

// GetFeeEstimates returns fee estimates.
// Esplora returns a map of confirmation targets to sat/vB rates.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		Fast:   result["1"], // next block
		Medium: result["3"], // ~30 min
		Slow:   result["6"], // ~1 hour
	}, nil
}

// GetLastBlock returns the chain tip.
func (e *EsploraBackend) GetLastBlock(ctx context.Context) (*BlockInfo, error) {
	heightBody, err := e.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return nil, err
	}
	var height int64
	if err := json.Unmarshal(heightBody, &height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainQuery, err)
	}

	hashBody, err := e.getRaw(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	return &BlockInfo{
		Height: height,
		Hash:   strings.TrimSpace(string(hashBody)),
	}, nil
}

// GetBlockHeightForTx returns the confirmation height of a transaction.
func (e *EsploraBackend) GetBlockHeightForTx(ctx context.Context, txID string) (int64, error) {
	var tx esploraTx
	if err := e.get(ctx, "/tx/"+txID, &tx); err != nil {
		return 0, err
	}

	if !tx.Status.Confirmed {
		return 0, fmt.Errorf("%w: tx %s unconfirmed", ErrNotFound, txID)
	}

	return tx.Status.BlockHeight, nil
}

// GetValueFromLastTransaction returns the most recent transaction funding address.
func (e *EsploraBackend) GetValueFromLastTransaction(ctx context.Context, address string) (*Funding, error) {
	txs, err := e.addressTxs(ctx, address)
	if err != nil {
		return nil, err
	}

	// Esplora orders newest first.
	for _, tx := range txs {
		for i, out := range tx.Vout {
			if out.ScriptPubKeyAddr == address {
				return &Funding{
					TxID:  tx.TxID,
					Vout:  uint32(i),
					Value: out.Value,
				}, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no transaction funds %s", ErrNotFound, address)
}

// GetPreimageFromLastTransaction extracts the preimage from the witness of the
// most recent spend of address. The redeem witness stack is
// [signature, pubkey, preimage, 01, redeemScript]; anything else spending the
// output is malformed.
func (e *EsploraBackend) GetPreimageFromLastTransaction(ctx context.Context, address string) ([]byte, error) {
	txs, err := e.addressTxs(ctx, address)
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		for _, in := range tx.Vin {
			if in.Prevout == nil || in.Prevout.ScriptPubKeyAddr != address {
				continue
			}

			if len(in.Witness) != 5 || in.Witness[3] != "01" {
				return nil, fmt.Errorf("%w: spend %s of %s", ErrMalformedWitness, tx.TxID, address)
			}

			preimage, err := hex.DecodeString(in.Witness[2])
			if err != nil || len(preimage) != 32 {
				return nil, fmt.Errorf("%w: spend %s carries a %d-byte preimage slot", ErrMalformedWitness, tx.TxID, len(preimage))
			}

			return preimage, nil
		}
	}

	return nil, fmt.Errorf("%w: no spend of %s", ErrNotFound, address)
}

// GetMedianBlockTime returns the median interval between the last k blocks.
func (e *EsploraBackend) GetMedianBlockTime(ctx context.Context, k int) (time.Duration, error) {
	var blocks []struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := e.get(ctx, "/blocks", &blocks); err != nil {
		return 0, err
	}

	if k > len(blocks) {
		k = len(blocks)
	}
	if k < 2 {
		return 0, fmt.Errorf("%w: need at least 2 blocks, got %d", ErrChainQuery, len(blocks))
	}

	// Blocks are ordered newest first; take successive timestamp deltas.
	intervals := make([]int64, 0, k-1)
	for i := 0; i < k-1; i++ {
		delta := blocks[i].Timestamp - blocks[i+1].Timestamp
		if delta < 1 {
			// Block timestamps are not monotonic; clamp skewed pairs.
			delta = 1
		}
		intervals = append(intervals, delta)
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	median := intervals[len(intervals)/2]
	if len(intervals)%2 == 0 {
		median = (intervals[len(intervals)/2-1] + intervals[len(intervals)/2]) / 2
	}

	return time.Duration(median) * time.Second, nil
}

// PushTX broadcasts a raw transaction. Transport failures are retried a few
// times; a node rejection is final and surfaces as ErrBroadcast.
func (e *EsploraBackend) PushTX(ctx context.Context, rawHex string) (string, error) {
	var txid string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/tx", strings.NewReader(rawHex))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrBroadcast, err))
			}
			req.Header.Set("Content-Type", "text/plain")

			resp, err := e.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrChainQuery, err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				// The node saw the transaction and said no; retrying cannot help.
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrBroadcast, strings.TrimSpace(string(body))))
			}

			txid = strings.TrimSpace(string(body))
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}

	return txid, nil
}

// addressTxs fetches the transaction history of an address, newest first.
func (e *EsploraBackend) addressTxs(ctx context.Context, address string) ([]esploraTx, error) {
	var txs []esploraTx
	if err := e.get(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// get performs a GET request and decodes the JSON response.
func (e *EsploraBackend) get(ctx context.Context, path string, result interface{}) error {
	body, err := e.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrChainQuery, path, err)
	}
	return nil
}

// getRaw performs a GET request and returns the raw body.
func (e *EsploraBackend) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainQuery, err)
	}

	// Avoid stale CDN responses while polling.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrChainQuery, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainQuery, err)
	}
	return body, nil
}

// Ensure EsploraBackend implements BitcoinChain
var _ BitcoinChain = (*EsploraBackend)(nil)
