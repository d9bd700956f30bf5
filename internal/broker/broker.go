// Package broker defines the gateway collaborator the trading session
// depends on, plus the Alpaca-backed implementation.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"trendbot/internal/market"
)

// Error taxonomy for the collaborator. Callers branch with errors.Is:
// connection and data-fetch failures are transient (reconnect and skip the
// tick), a rejected order is terminal for that order only.
var (
	ErrConnection    = errors.New("broker: connection failed")
	ErrDataFetch     = errors.New("broker: historical data fetch failed")
	ErrOrderRejected = errors.New("broker: order rejected")
	ErrCancel        = errors.New("broker: cancel failed")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest describes a single entry or exit order. ClientOrderID is the
// locally generated idempotency token; the gateway echoes it back on fills
// so late deliveries stay attributable after a submission timeout.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           int
	Type          OrderType
	LimitPrice    *decimal.Decimal
	ClientOrderID string
}

// Ack acknowledges an accepted submission.
type Ack struct {
	OrderID string
	Status  string
}

// Fill is a confirmed (possibly partial) execution. Qty is signed: positive
// for buys, negative for sells.
type Fill struct {
	FillID        string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// FillHandler receives asynchronous fill notifications. Handlers run on the
// gateway's delivery goroutine and must not block for long.
type FillHandler func(Fill)

// OrderDone reports an acknowledged order reaching a terminal status with
// no fill: cancelled, rejected after the ack, or expired at the close. It
// is the release valve for the order lifecycle; without it an acked order
// that never fills would stay outstanding forever.
type OrderDone struct {
	OrderID       string
	ClientOrderID string
	Status        string
}

// OrderDoneHandler receives terminal-without-fill notifications, on the
// same delivery goroutine as fills.
type OrderDoneHandler func(OrderDone)

// Connection is the session's view of the brokerage gateway.
type Connection interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	FetchHistoricalBars(ctx context.Context, symbol string, lookback int) ([]market.Bar, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)
	SubscribeFills(fn FillHandler)
	SubscribeOrderDone(fn OrderDoneHandler)
	CancelOrder(ctx context.Context, orderID string) error
}

// WaitForContext sleeps for delay or until the context is cancelled,
// whichever comes first.
func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
