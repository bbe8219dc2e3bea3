package bitshares

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/chainsquad/swapchain/internal/chain"
	"github.com/chainsquad/swapchain/pkg/logging"
	"github.com/gorilla/websocket"
)

// Client is a websocket JSON-RPC client for a Bitshares node. One client
// serves one swap; it is injected into the orchestrator and must be closed on
// every exit path.
type Client struct {
	url    string
	params *chain.BitsharesParams
	log    *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64

	// API ids resolved after login.
	databaseAPI  int
	broadcastAPI int
	historyAPI   int

	// chainID reported by the node, used in signature digests.
	chainID string
}

// NewClient creates a client for the given network. urlOverride replaces the
// default endpoint when non-empty.
func NewClient(network chain.Network, urlOverride string) (*Client, error) {
	params, ok := chain.Bitshares(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	url := params.WebsocketURL
	if urlOverride != "" {
		url = urlOverride
	}

	return &Client{
		url:    url,
		params: params,
		log:    logging.GetDefault().Component("bts"),
	}, nil
}

// Connect dials the node, logs in and resolves the API ids. Transient dial
// failures are retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	err := retry.Do(
		func() error {
			dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
			conn, _, err := dialer.DialContext(ctx, c.url, nil)
			if err != nil {
				return fmt.Errorf("%w: dial %s: %v", ErrChainQuery, c.url, err)
			}
			c.conn = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	// Login with empty credentials, then resolve API ids.
	var ok bool
	if err := c.callLocked(ctx, 1, "login", []interface{}{"", ""}, &ok); err != nil {
		c.closeLocked()
		return err
	}
	if err := c.callLocked(ctx, 1, "database", []interface{}{}, &c.databaseAPI); err != nil {
		c.closeLocked()
		return err
	}
	if err := c.callLocked(ctx, 1, "network_broadcast", []interface{}{}, &c.broadcastAPI); err != nil {
		c.closeLocked()
		return err
	}
	if err := c.callLocked(ctx, 1, "history", []interface{}{}, &c.historyAPI); err != nil {
		c.closeLocked()
		return err
	}

	if err := c.callLocked(ctx, c.databaseAPI, "get_chain_id", []interface{}{}, &c.chainID); err != nil {
		c.closeLocked()
		return err
	}
	if c.chainID != c.params.ChainID {
		c.log.Warn("node chain id differs from configured network",
			"node", c.chainID,
			"configured", c.params.ChainID,
		)
	}

	c.log.Info("Connected to Bitshares node", "url", c.url)
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// rpcRequest is the graphene call envelope.
type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// rpcResponse is the graphene reply envelope.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one synchronous RPC round-trip.
func (c *Client) call(ctx context.Context, apiID int, method string, params interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, apiID, method, params, result)
}

func (c *Client) callLocked(ctx context.Context, apiID int, method string, params interface{}, result interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrChainQuery)
	}

	c.nextID++
	id := c.nextID

	req := rpcRequest{
		ID:     id,
		Method: "call",
		Params: []interface{}{apiID, method, params},
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrChainQuery, method, err)
	}

	// Read until the matching id; subscription notices are skipped.
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrChainQuery, method, err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrChainQuery, method, resp.Error.Message)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrChainQuery, method, err)
		}
		return nil
	}
}
