package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trendbot/internal/market"
)

// statusPollInterval is how often an order watcher polls for a terminal
// order status after a successful submission.
const statusPollInterval = time.Second

// Alpaca implements Connection against the Alpaca trading and market-data
// APIs. Fills are synthesized by polling order status after submission and
// delivered to subscribers on a watcher goroutine.
type Alpaca struct {
	trading *alpaca.Client
	data    *marketdata.Client
	log     zerolog.Logger

	mu           sync.Mutex
	connected    bool
	handlers     []FillHandler
	doneHandlers []OrderDoneHandler
	done         chan struct{}
}

func NewAlpaca(apiKey, apiSecret, baseURL string, log zerolog.Logger) *Alpaca {
	return &Alpaca{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		log:  log,
		done: make(chan struct{}),
	}
}

// Connect verifies the gateway is reachable by fetching the account.
func (a *Alpaca) Connect(ctx context.Context) error {
	acct, err := a.trading.GetAccount()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	equity, _ := acct.Equity.Float64()
	a.log.Info().Str("account", acct.AccountNumber).Float64("equity", equity).Msg("connected to gateway")
	return nil
}

func (a *Alpaca) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		a.connected = false
		close(a.done)
		a.done = make(chan struct{})
	}
	return nil
}

func (a *Alpaca) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Alpaca) FetchHistoricalBars(ctx context.Context, symbol string, lookback int) ([]market.Bar, error) {
	// Daily bars; ask for twice the lookback in calendar days to cover
	// weekends and holidays.
	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      time.Now().UTC().AddDate(0, 0, -2*lookback),
		TotalLimit: lookback,
	}
	raw, err := a.data.GetBars(symbol, req)
	if err != nil {
		a.markDisconnected()
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	bars := make([]market.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, market.Bar{
			Timestamp: b.Timestamp,
			Close:     decimal.NewFromFloat(b.Close),
		})
	}
	return bars, nil
}

func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	qty := decimal.NewFromInt(int64(req.Qty))
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		limit := *req.LimitPrice
		placeReq.LimitPrice = &limit
	}

	order, err := a.trading.PlaceOrder(placeReq)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	a.log.Info().Str("order_id", order.ID).Str("client_order_id", order.ClientOrderID).
		Str("side", string(req.Side)).Int("qty", req.Qty).Str("status", string(order.Status)).
		Msg("order accepted")

	go a.watchOrder(order.ID, req)
	return Ack{OrderID: order.ID, Status: string(order.Status)}, nil
}

func (a *Alpaca) SubscribeFills(fn FillHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}

func (a *Alpaca) SubscribeOrderDone(fn OrderDoneHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doneHandlers = append(a.doneHandlers, fn)
}

func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("%w: %v", ErrCancel, err)
	}
	return nil
}

func (a *Alpaca) markDisconnected() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

// watchOrder polls the submitted order until it reaches a terminal status
// and synthesizes one fill notification for a filled order.
func (a *Alpaca) watchOrder(orderID string, req OrderRequest) {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			a.log.Warn().Str("order_id", orderID).Msg("order watch stopped by shutdown")
			return
		case <-ticker.C:
		}

		order, err := a.trading.GetOrder(orderID)
		if err != nil {
			a.log.Warn().Err(err).Str("order_id", orderID).Msg("order status poll failed")
			continue
		}

		switch order.Status {
		case "filled":
			a.deliverFill(order, req)
			return
		case "canceled", "rejected", "expired":
			a.log.Warn().Str("order_id", orderID).Str("status", string(order.Status)).Msg("order terminal without fill")
			a.deliverDone(OrderDone{
				OrderID:       order.ID,
				ClientOrderID: order.ClientOrderID,
				Status:        string(order.Status),
			})
			return
		}
	}
}

func (a *Alpaca) deliverFill(order *alpaca.Order, req OrderRequest) {
	qty := order.FilledQty
	if req.Side == Sell {
		qty = qty.Neg()
	}
	price := decimal.Decimal{}
	if order.FilledAvgPrice != nil {
		price = *order.FilledAvgPrice
	}
	ts := time.Now().UTC()
	if order.FilledAt != nil {
		ts = *order.FilledAt
	}
	fill := Fill{
		FillID:        "fill-" + order.ID,
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           qty,
		Price:         price,
		Timestamp:     ts,
	}

	a.mu.Lock()
	handlers := append([]FillHandler(nil), a.handlers...)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(fill)
	}
}

func (a *Alpaca) deliverDone(d OrderDone) {
	a.mu.Lock()
	handlers := append([]OrderDoneHandler(nil), a.doneHandlers...)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(d)
	}
}
