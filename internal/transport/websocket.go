package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	pingInterval     = 15 * time.Second
	writeWait        = 10 * time.Second
	reconnectMinWait = 500 * time.Millisecond
	reconnectMaxWait = 30 * time.Second
)

type rpcReply struct {
	result json.RawMessage
	err    error
}

// WebSocketClient is the gorilla/websocket implementation of Client. One
// goroutine reads frames and dispatches responses and stream events; writes
// go through a write lock. A dropped connection is redialed with exponential
// backoff and connected handlers fire after every successful (re)dial, so
// consumers can resubscribe.
type WebSocketClient struct {
	url string
	log zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pending   map[string]chan rpcReply

	handlerMu    sync.Mutex
	nextHandler  int
	ledgerFns    map[int]func(LedgerClosed)
	txFns        map[int]func(TransactionEvent)
	connectedFns map[int]func()
}

// Dial connects to a rippled websocket endpoint and starts the connection
// manager. The context bounds the initial dial only.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*WebSocketClient, error) {
	c := &WebSocketClient{
		url:          url,
		log:          log.With().Str("component", "transport").Str("url", url).Logger(),
		pending:      make(map[string]chan rpcReply),
		ledgerFns:    make(map[int]func(LedgerClosed)),
		txFns:        make(map[int]func(TransactionEvent)),
		connectedFns: make(map[int]func()),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	go c.run()
	return c, nil
}

func (c *WebSocketClient) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Debug().Msg("connected")
	return nil
}

// run owns the connection lifecycle: it supervises the read and ping loops
// and redials when either fails, until Close.
func (c *WebSocketClient) run() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		g, ctx := errgroup.WithContext(context.Background())
		g.Go(func() error { return c.readLoop(conn) })
		g.Go(func() error { return c.pingLoop(ctx, conn) })
		err := g.Wait()

		c.mu.Lock()
		c.connected = false
		for id, ch := range c.pending {
			ch <- rpcReply{err: ErrNotConnected}
			delete(c.pending, id)
		}
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")

		wait := reconnectMinWait
		for {
			time.Sleep(wait)
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if err := c.dial(context.Background()); err == nil {
				break
			} else {
				c.log.Warn().Err(err).Dur("retry_in", wait).Msg("redial failed")
			}
			if wait *= 2; wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
		}
		c.notifyConnected()
	}
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *WebSocketClient) dispatch(data []byte) {
	var frame struct {
		ID           string          `json:"id"`
		Type         string          `json:"type"`
		Status       string          `json:"status"`
		Result       json.RawMessage `json:"result"`
		Error        string          `json:"error"`
		ErrorCode    int             `json:"error_code"`
		ErrorMessage string          `json:"error_message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}

	switch frame.Type {
	case "response":
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("id", frame.ID).Msg("response for unknown request id")
			return
		}
		if frame.Status != "success" {
			ch <- rpcReply{err: &APIError{Name: frame.Error, Code: frame.ErrorCode, Message: frame.ErrorMessage}}
			return
		}
		ch <- rpcReply{result: frame.Result}

	case "ledgerClosed":
		var ev LedgerClosed
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed ledgerClosed event")
			return
		}
		c.handlerMu.Lock()
		fns := make([]func(LedgerClosed), 0, len(c.ledgerFns))
		for _, fn := range c.ledgerFns {
			fns = append(fns, fn)
		}
		c.handlerMu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}

	case "transaction":
		var ev TransactionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed transaction event")
			return
		}
		c.handlerMu.Lock()
		fns := make([]func(TransactionEvent), 0, len(c.txFns))
		for _, fn := range c.txFns {
			fns = append(fns, fn)
		}
		c.handlerMu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (c *WebSocketClient) notifyConnected() {
	c.handlerMu.Lock()
	fns := make([]func(), 0, len(c.connectedFns))
	for _, fn := range c.connectedFns {
		fns = append(fns, fn)
	}
	c.handlerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// IsConnected reports whether a live connection is up right now.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Request sends a command and waits for the matching response. The command
// is any JSON-marshalable value with a "command" field; the request id is
// injected here.
func (c *WebSocketClient) Request(ctx context.Context, command any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan rpcReply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := withRequestID(command, id)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case reply := <-ch:
		return reply.result, reply.err
	}
}

func (c *WebSocketClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func withRequestID(command any, id string) ([]byte, error) {
	raw, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("request must be a JSON object: %w", err)
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// OnLedgerClosed registers a ledger stream handler.
func (c *WebSocketClient) OnLedgerClosed(fn func(LedgerClosed)) (remove func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.ledgerFns[id] = fn
	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.ledgerFns, id)
	}
}

// OnTransaction registers a transactions stream handler.
func (c *WebSocketClient) OnTransaction(fn func(TransactionEvent)) (remove func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.txFns[id] = fn
	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.txFns, id)
	}
}

// OnConnected registers a handler invoked after every successful redial.
func (c *WebSocketClient) OnConnected(fn func()) (remove func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.connectedFns[id] = fn
	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.connectedFns, id)
	}
}

// Close shuts the client down; pending requests fail with ErrNotConnected.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
