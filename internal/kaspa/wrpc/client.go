// Package wrpc is a minimal websocket JSON-RPC client for the node
// endpoints the daemon needs: UTXO queries, transaction submission,
// and the virtual chain subscription the proxy consumes. Calls are
// correlated by uuid; notifications are dispatched off the read loop.
// Reconnecting after a dropped connection is the caller's concern.
package wrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daglight/daglight/internal/kaspa"
)

const (
	methodPing                         = "ping"
	methodGetUTXOsByAddresses          = "getUtxosByAddresses"
	methodSubmitTransaction            = "submitTransaction"
	methodSubscribeVirtualChainChanged = "subscribeVirtualChainChanged"

	notificationVirtualChainChanged = "virtualChainChangedNotification"
)

// subscriptionBuffer absorbs notification bursts while the consumer
// catches up; past it the read loop blocks, which backpressures the
// websocket.
const subscriptionBuffer = 64

var (
	// ErrClosed reports a call on a closed client.
	ErrClosed = errors.New("wrpc: client closed")
	// ErrAlreadySubscribed reports a second virtual chain subscription
	// on one client.
	ErrAlreadySubscribed = errors.New("wrpc: already subscribed to virtual chain changes")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client is a websocket JSON-RPC connection to a node. Safe for
// concurrent calls; one read loop owns the connection's receive side.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan frame
	chainSub chan VirtualChainChanged
	closed   bool

	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a node's websocket RPC endpoint and starts the
// read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wrpc: dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		log:     slog.Default(),
		pending: make(map[string]chan frame),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. In-flight calls fail with ErrClosed
// and the subscription channel, if any, is closed after the read loop
// drains.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the read loop exits, whether by Close or by a
// connection failure. The daemon watches it to trigger restarts.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Ping round-trips a no-op call.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, struct{}{}, nil)
}

// GetUTXOsByAddresses returns the spendable outputs owned by the given
// addresses.
func (c *Client) GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]UTXOsByAddressesEntry, error) {
	var resp getUTXOsByAddressesResponse
	if err := c.call(ctx, methodGetUTXOsByAddresses, getUTXOsByAddressesRequest{Addresses: addresses}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// SubmitTransaction submits a signed transaction and returns the id
// the node accepted it under.
func (c *Client) SubmitTransaction(ctx context.Context, tx *kaspa.Transaction) (kaspa.TransactionID, error) {
	var resp submitTransactionResponse
	req := submitTransactionRequest{Transaction: FromTransaction(tx)}
	if err := c.call(ctx, methodSubmitTransaction, req, &resp); err != nil {
		return kaspa.TransactionID{}, err
	}
	return kaspa.ParseTransactionID(resp.TransactionID)
}

// SubscribeVirtualChainChanged subscribes to virtual chain steps with
// accepted transaction bodies. The returned channel is closed when the
// client shuts down. One subscription per client.
func (c *Client) SubscribeVirtualChainChanged(ctx context.Context) (<-chan VirtualChainChanged, error) {
	c.mu.Lock()
	if c.chainSub != nil {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	sub := make(chan VirtualChainChanged, subscriptionBuffer)
	c.chainSub = sub
	c.mu.Unlock()

	req := subscribeVirtualChainChangedRequest{IncludeAcceptedTransactions: true}
	if err := c.call(ctx, methodSubscribeVirtualChainChanged, req, nil); err != nil {
		c.mu.Lock()
		c.chainSub = nil
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("wrpc: marshal %s params: %w", method, err)
	}
	id := uuid.NewString()
	reply := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{ID: id, Method: method, Params: encoded}); err != nil {
		return fmt.Errorf("wrpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	case resp, ok := <-reply:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("wrpc: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// readLoop owns the receive side: replies complete pending calls,
// notifications dispatch to the subscription channel.
func (c *Client) readLoop() {
	defer c.finish()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.quit:
			default:
				c.log.Warn("wrpc read loop terminated", "error", err)
			}
			return
		}
		if f.Method == notificationVirtualChainChanged {
			c.dispatchChainChanged(f.Params)
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("wrpc reply with no pending call", "id", f.ID)
			continue
		}
		reply <- f
	}
}

func (c *Client) dispatchChainChanged(params json.RawMessage) {
	c.mu.Lock()
	sub := c.chainSub
	c.mu.Unlock()
	if sub == nil {
		return
	}
	var n VirtualChainChanged
	if err := json.Unmarshal(params, &n); err != nil {
		c.log.Warn("wrpc malformed chain notification", "error", err)
		return
	}
	select {
	case sub <- n:
	case <-c.quit:
	}
}

// finish fails pending calls, closes the subscription, and releases
// Close waiters.
func (c *Client) finish() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
	c.mu.Lock()
	c.closed = true
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	if c.chainSub != nil {
		close(c.chainSub)
		c.chainSub = nil
	}
	c.mu.Unlock()
	close(c.done)
}
