// Package bitshares implements the Bitshares chain adapter: a websocket
// JSON-RPC client plus graphene transaction building and signing for the
// htlc_create and htlc_redeem operations.
package bitshares

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Common errors
var (
	// ErrChainQuery wraps websocket transport failures and node-side RPC
	// errors. Polling loops treat it as "not yet".
	ErrChainQuery = errors.New("bitshares query failed")

	// ErrNotFound means the expected chain object does not exist (yet).
	ErrNotFound = errors.New("not found")

	// ErrBroadcast means the node rejected a signed transaction.
	ErrBroadcast = errors.New("broadcast rejected")
)

// Graphene operation type ids.
const (
	opHTLCCreate   = 49
	opHTLCRedeem   = 50
	opHTLCRedeemed = 51 // virtual, appears in account history
)

// hashSHA256 is the static_variant index of a SHA256 hash lock.
const hashSHA256 = 2

// asset is a graphene asset amount.
type asset struct {
	Amount  int64  `json:"amount"`
	AssetID string `json:"asset_id"`
}

// accountObject is the subset of a graphene account we consume.
type accountObject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// dynamicGlobalProperties carries the chain head used for TaPoS fields.
type dynamicGlobalProperties struct {
	HeadBlockNumber uint32 `json:"head_block_number"`
	HeadBlockID     string `json:"head_block_id"`
	Time            string `json:"time"`
}

// htlcObject is an on-chain HTLC (object type 1.16.x).
type htlcObject struct {
	ID       string `json:"id"`
	Transfer struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Amount  int64  `json:"amount"`
		AssetID string `json:"asset_id"`
	} `json:"transfer"`
	Conditions struct {
		HashLock struct {
			PreimageHash []json.RawMessage `json:"preimage_hash"` // [type, hex]
			PreimageSize uint16            `json:"preimage_size"`
		} `json:"hash_lock"`
		TimeLock struct {
			Expiration string `json:"expiration"`
		} `json:"time_lock"`
	} `json:"conditions"`
}

// hashHex decodes the static_variant hash field into (type, hex).
func (h *htlcObject) hashHex() (int, string, error) {
	raw := h.Conditions.HashLock.PreimageHash
	if len(raw) != 2 {
		return 0, "", fmt.Errorf("%w: malformed preimage_hash", ErrChainQuery)
	}
	var hashType int
	if err := json.Unmarshal(raw[0], &hashType); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrChainQuery, err)
	}
	var hexStr string
	if err := json.Unmarshal(raw[1], &hexStr); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrChainQuery, err)
	}
	return hashType, strings.ToLower(hexStr), nil
}

// operationHistory is one entry of an account's history.
type operationHistory struct {
	ID string          `json:"id"`
	Op json.RawMessage `json:"op"` // [type, payload]
}

// htlcRedeemOp is the payload of an htlc_redeem operation as it appears in
// account history.
type htlcRedeemOp struct {
	HTLCID   string `json:"htlc_id"`
	Redeemer string `json:"redeemer"`
	Preimage string `json:"preimage"` // hex
}

// objectInstance extracts the instance number of an object id like "1.2.345".
func objectInstance(id string) (uint64, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid object id: %s", id)
	}
	n, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid object id: %s", id)
	}
	return n, nil
}

// isObjectID reports whether s looks like a graphene object id.
func isObjectID(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 64); err != nil {
			return false
		}
	}
	return true
}
