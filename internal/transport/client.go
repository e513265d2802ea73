// Package transport provides the ledger-server connection consumed by the
// order book: request/response commands correlated by id over a websocket,
// plus the ledger, transaction and connected event streams.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Request while the transport is offline.
var ErrNotConnected = errors.New("transport is not connected")

// Client is the narrow surface the order book consumes. Event registration
// returns a remove function; handlers for a given connection are invoked
// sequentially from the read loop, never concurrently with each other.
type Client interface {
	IsConnected() bool
	Request(ctx context.Context, command any) (json.RawMessage, error)
	OnLedgerClosed(fn func(LedgerClosed)) (remove func())
	OnTransaction(fn func(TransactionEvent)) (remove func())
	OnConnected(fn func()) (remove func())
}

// LedgerClosed announces a validated ledger on the ledger stream.
type LedgerClosed struct {
	LedgerVersion    int64  `json:"ledger_index"`
	LedgerHash       string `json:"ledger_hash"`
	TransactionCount int    `json:"txn_count"`
	LedgerTime       uint32 `json:"ledger_time"`
}

// TransactionEvent is one validated transaction from the transactions
// stream. Both payloads are raw JSON; the consumer decodes what it needs.
type TransactionEvent struct {
	Transaction json.RawMessage `json:"transaction"`
	Meta        json.RawMessage `json:"meta"`
	Validated   bool            `json:"validated"`
}

// APIError is a rippled error response to a request.
type APIError struct {
	Name    string `json:"error"`
	Code    int    `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rippled error %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("rippled error %s", e.Name)
}

// CurrencySpec names one side of a currency pair; Issuer is empty for the
// native asset.
type CurrencySpec struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
}

// BookOffersRequest fetches a full order book snapshot.
type BookOffersRequest struct {
	Command     string       `json:"command"`
	Taker       string       `json:"taker,omitempty"`
	TakerGets   CurrencySpec `json:"taker_gets"`
	TakerPays   CurrencySpec `json:"taker_pays"`
	LedgerIndex string       `json:"ledger_index,omitempty"`
	Limit       int          `json:"limit,omitempty"`
}

// AccountInfoRequest fetches account settings, in particular TransferRate.
type AccountInfoRequest struct {
	Command     string `json:"command"`
	Account     string `json:"account"`
	LedgerIndex string `json:"ledger_index,omitempty"`
}

// SubscribeRequest subscribes to or unsubscribes from server streams.
type SubscribeRequest struct {
	Command string   `json:"command"`
	Streams []string `json:"streams"`
}
