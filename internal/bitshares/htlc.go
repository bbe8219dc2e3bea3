package bitshares

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// Chain is the Bitshares surface the swap orchestrator consumes. The
// concrete implementation is *Client; tests substitute an in-memory fake.
type Chain interface {
	// Create locks amount mini-units of the core asset from the signer to
	// the named recipient, redeemable with SHA256(preimage)==hash within
	// lockSeconds.
	Create(ctx context.Context, p *CreateParams) error

	// Redeem attempts to redeem an HTLC addressed to the signer that
	// matches amount and the preimage's hash. It returns false (not an
	// error) while no matching HTLC exists; the orchestrator polls on it.
	Redeem(ctx context.Context, amount uint64, wif string, preimage []byte) (bool, error)

	// GetID locates an HTLC matching from, to, amount and hash.
	// lockSeconds is not compared against the HTLC. ErrNotFound while absent.
	GetID(ctx context.Context, from, to string, amount uint64, hash []byte, lockSeconds uint32) (string, error)

	// GetPreimageFromHTLC returns the preimage once the counterparty has
	// redeemed the HTLC from -> to with the given hash. ErrNotFound until
	// then.
	GetPreimageFromHTLC(ctx context.Context, from, to, hashHex string) ([]byte, error)

	// ToAccountID resolves the account controlled by a private key.
	ToAccountID(ctx context.Context, wif string) (string, error)

	// GetAccountID resolves an account name to its object id.
	GetAccountID(ctx context.Context, name string) (string, error)

	// Close releases the node connection.
	Close() error
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	// Amount in mini-units (10^-5 BTS).
	Amount uint64

	// Asset object id; empty means the core asset.
	Asset string

	// LockSeconds is the claim period of the HTLC.
	LockSeconds uint32

	// Hash is the SHA256 hash lock.
	Hash []byte

	// WIF signs the operation; the signer funds the HTLC.
	WIF string

	// To is the recipient account name or id.
	To string
}

// Create builds, signs and broadcasts an htlc_create operation.
func (c *Client) Create(ctx context.Context, p *CreateParams) error {
	if len(p.Hash) != 32 {
		return fmt.Errorf("hash must be 32 bytes, got %d", len(p.Hash))
	}

	key, err := decodeWIF(p.WIF)
	if err != nil {
		return err
	}

	from, err := c.accountIDForKey(ctx, key)
	if err != nil {
		return err
	}
	to, err := c.resolveAccount(ctx, p.To)
	if err != nil {
		return err
	}

	assetID := p.Asset
	if assetID == "" {
		assetID = c.params.CoreAsset
	}

	op := &htlcCreate{
		From:               from,
		To:                 to,
		Amount:             asset{Amount: int64(p.Amount), AssetID: assetID},
		PreimageHash:       [2]interface{}{hashSHA256, hex.EncodeToString(p.Hash)},
		PreimageSize:       32,
		ClaimPeriodSeconds: p.LockSeconds,
	}

	if err := c.setFee(ctx, op, &op.Fee); err != nil {
		return err
	}

	if err := c.signAndBroadcast(ctx, op, key); err != nil {
		return err
	}

	c.log.Info("Bitshares HTLC created",
		"from", from,
		"to", to,
		"amount", p.Amount,
		"lock_seconds", p.LockSeconds,
	)
	return nil
}

// Redeem scans HTLCs addressed to the signer for one matching amount and the
// preimage's hash and redeems it. Returns false while none exists.
func (c *Client) Redeem(ctx context.Context, amount uint64, wif string, preimage []byte) (bool, error) {
	if len(preimage) != 32 {
		return false, fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}

	key, err := decodeWIF(wif)
	if err != nil {
		return false, err
	}
	redeemer, err := c.accountIDForKey(ctx, key)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256(preimage)
	hashHex := hex.EncodeToString(digest[:])

	htlcs, err := c.htlcsByTo(ctx, redeemer)
	if err != nil {
		return false, err
	}

	var match *htlcObject
	for i := range htlcs {
		hashType, h, err := htlcs[i].hashHex()
		if err != nil {
			continue
		}
		if hashType == hashSHA256 && h == hashHex && htlcs[i].Transfer.Amount == int64(amount) {
			match = &htlcs[i]
			break
		}
	}
	if match == nil {
		return false, nil
	}

	op := &htlcRedeem{
		HTLCID:   match.ID,
		Redeemer: redeemer,
		Preimage: hex.EncodeToString(preimage),
	}

	if err := c.setFee(ctx, op, &op.Fee); err != nil {
		return false, err
	}

	if err := c.signAndBroadcast(ctx, op, key); err != nil {
		return false, err
	}

	c.log.Info("Bitshares HTLC redeemed", "htlc_id", match.ID, "redeemer", redeemer)
	return true, nil
}

// GetID locates a pending HTLC matching (from, to, amount, hash) with a
// 32-byte preimage size. lockSeconds is accepted but not compared: the HTLC
// object does not carry its claim period. The accepter uses it to verify the
// proposer's HTLC is on-chain before funding its own leg.
func (c *Client) GetID(ctx context.Context, from, to string, amount uint64, hash []byte, lockSeconds uint32) (string, error) {
	fromID, err := c.resolveAccount(ctx, from)
	if err != nil {
		return "", err
	}
	toID, err := c.resolveAccount(ctx, to)
	if err != nil {
		return "", err
	}

	hashHex := hex.EncodeToString(hash)

	htlcs, err := c.htlcsByTo(ctx, toID)
	if err != nil {
		return "", err
	}

	for i := range htlcs {
		h := &htlcs[i]
		hashType, hh, err := h.hashHex()
		if err != nil {
			continue
		}
		if h.Transfer.From == fromID &&
			h.Transfer.To == toID &&
			h.Transfer.Amount == int64(amount) &&
			hashType == hashSHA256 &&
			hh == hashHex &&
			h.Conditions.HashLock.PreimageSize == 32 {
			// claim_period_seconds is not stored on the object; the time
			// lock expiration reflects it.
			return h.ID, nil
		}
	}

	return "", fmt.Errorf("%w: no HTLC %s -> %s for hash %s", ErrNotFound, fromID, toID, hashHex)
}

// GetPreimageFromHTLC returns the preimage once the counterparty redeemed
// the HTLC from -> to, by scanning the recipient's recent account history for
// the matching htlc_redeem operation.
func (c *Client) GetPreimageFromHTLC(ctx context.Context, from, to, hashHex string) ([]byte, error) {
	toID, err := c.resolveAccount(ctx, to)
	if err != nil {
		return nil, err
	}

	var history []operationHistory
	params := []interface{}{toID, "1.11.0", 100, "1.11.0"}
	if err := c.call(ctx, c.historyAPI, "get_account_history", params, &history); err != nil {
		return nil, err
	}

	hashHex = strings.ToLower(hashHex)

	for _, entry := range history {
		var wrapped [2]json.RawMessage
		if err := json.Unmarshal(entry.Op, &wrapped); err != nil {
			continue
		}
		var opType int
		if err := json.Unmarshal(wrapped[0], &opType); err != nil || opType != opHTLCRedeem {
			continue
		}
		var redeem htlcRedeemOp
		if err := json.Unmarshal(wrapped[1], &redeem); err != nil {
			continue
		}

		preimage, err := hex.DecodeString(redeem.Preimage)
		if err != nil || len(preimage) != 32 {
			continue
		}
		digest := sha256.Sum256(preimage)
		if hex.EncodeToString(digest[:]) == hashHex {
			return preimage, nil
		}
	}

	return nil, fmt.Errorf("%w: no redeem of hash %s by %s", ErrNotFound, hashHex, toID)
}

// ToAccountID resolves the account controlled by a private key.
func (c *Client) ToAccountID(ctx context.Context, wif string) (string, error) {
	key, err := decodeWIF(wif)
	if err != nil {
		return "", err
	}
	return c.accountIDForKey(ctx, key)
}

// GetAccountID resolves an account name to its object id.
func (c *Client) GetAccountID(ctx context.Context, name string) (string, error) {
	var account *accountObject
	if err := c.call(ctx, c.databaseAPI, "get_account_by_name", []interface{}{name}, &account); err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("%w: account %s", ErrNotFound, name)
	}
	return account.ID, nil
}

// resolveAccount accepts an account name or object id.
func (c *Client) resolveAccount(ctx context.Context, nameOrID string) (string, error) {
	if isObjectID(nameOrID) {
		return nameOrID, nil
	}
	return c.GetAccountID(ctx, nameOrID)
}

// accountIDForKey resolves the account referencing a public key.
func (c *Client) accountIDForKey(ctx context.Context, key *btcec.PrivateKey) (string, error) {
	pubStr := publicKeyString(key.PubKey(), c.params.AddressPrefix)

	var refs [][]string
	if err := c.call(ctx, c.databaseAPI, "get_key_references", []interface{}{[]string{pubStr}}, &refs); err != nil {
		return "", err
	}
	if len(refs) == 0 || len(refs[0]) == 0 {
		return "", fmt.Errorf("%w: no account references key %s", ErrNotFound, pubStr)
	}
	return refs[0][0], nil
}

// htlcsByTo lists pending HTLCs addressed to an account.
func (c *Client) htlcsByTo(ctx context.Context, accountID string) ([]htlcObject, error) {
	var htlcs []htlcObject
	params := []interface{}{accountID, "1.16.0", 100}
	if err := c.call(ctx, c.databaseAPI, "get_htlcs_by_to", params, &htlcs); err != nil {
		return nil, err
	}
	return htlcs, nil
}

// setFee asks the node for the required fee of an operation.
func (c *Client) setFee(ctx context.Context, op operation, fee *asset) error {
	var fees []asset
	params := []interface{}{[]interface{}{[]interface{}{op.opType(), op}}, c.params.CoreAsset}
	if err := c.call(ctx, c.databaseAPI, "get_required_fees", params, &fees); err != nil {
		return err
	}
	if len(fees) == 0 {
		return fmt.Errorf("%w: get_required_fees returned nothing", ErrChainQuery)
	}
	*fee = fees[0]
	return nil
}

// signAndBroadcast wraps an operation in a transaction, signs it against the
// node's chain id and broadcasts it.
func (c *Client) signAndBroadcast(ctx context.Context, op operation, key *btcec.PrivateKey) error {
	var props dynamicGlobalProperties
	if err := c.call(ctx, c.databaseAPI, "get_dynamic_global_properties", []interface{}{}, &props); err != nil {
		return err
	}

	headTime, err := time.Parse(timeFormat, props.Time)
	if err != nil {
		return fmt.Errorf("%w: head block time: %v", ErrChainQuery, err)
	}

	headID, err := hex.DecodeString(props.HeadBlockID)
	if err != nil || len(headID) < 8 {
		return fmt.Errorf("%w: head block id", ErrChainQuery)
	}

	tx := &transaction{
		RefBlockNum:    uint16(props.HeadBlockNumber & 0xFFFF),
		RefBlockPrefix: binary.LittleEndian.Uint32(headID[4:8]),
		Expiration:     headTime.Add(2 * time.Minute),
		Operations:     []operation{op},
	}

	sig, err := tx.sign(c.chainID, key)
	if err != nil {
		return err
	}

	signed := map[string]interface{}{
		"ref_block_num":    tx.RefBlockNum,
		"ref_block_prefix": tx.RefBlockPrefix,
		"expiration":       tx.Expiration.UTC().Format(timeFormat),
		"operations":       []interface{}{[]interface{}{op.opType(), op}},
		"extensions":       []interface{}{},
		"signatures":       []string{hex.EncodeToString(sig)},
	}

	if err := c.call(ctx, c.broadcastAPI, "broadcast_transaction", []interface{}{signed}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return nil
}

// decodeWIF parses a WIF private key. Graphene WIFs use the Bitcoin mainnet
// version byte regardless of network.
func decodeWIF(wifStr string) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	return wif.PrivKey, nil
}

// Ensure Client implements Chain
var _ Chain = (*Client)(nil)
