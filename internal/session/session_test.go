package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/executor"
	"trendbot/internal/journal"
	"trendbot/internal/market"
	"trendbot/internal/position"
	"trendbot/internal/risk"
	"trendbot/internal/strategy"
)

// fakeGateway scripts bar delivery and failure injection for loop tests.
// Fills are delivered synchronously from SubmitOrder, which exercises the
// queue-and-retry path because the instrument lock is held during submit.
type fakeGateway struct {
	mu          sync.Mutex
	connected   bool
	failConnect bool
	failFetch   int
	holdFills   bool
	bars        []market.Bar
	reveal      int
	fetchCalls  int
	submits      []broker.OrderRequest
	handlers     []broker.FillHandler
	doneHandlers []broker.OrderDoneHandler
	nextID       int
}

func (f *fakeGateway) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return fmt.Errorf("%w: gateway down", broker.ErrConnection)
	}
	f.connected = true
	return nil
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeGateway) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeGateway) FetchHistoricalBars(ctx context.Context, symbol string, lookback int) ([]market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failFetch > 0 {
		f.failFetch--
		f.connected = false
		return nil, fmt.Errorf("%w: farm unavailable", broker.ErrDataFetch)
	}
	return f.bars[:f.reveal], nil
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Ack, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.nextID++
	orderID := "srv-" + strconv.Itoa(f.nextID)
	handlers := append([]broker.FillHandler(nil), f.handlers...)
	hold := f.holdFills
	f.mu.Unlock()

	if hold {
		return broker.Ack{OrderID: orderID, Status: "accepted"}, nil
	}

	qty := decimal.NewFromInt(int64(req.Qty))
	if req.Side == broker.Sell {
		qty = qty.Neg()
	}
	fill := broker.Fill{
		FillID:        "fill-" + orderID,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           qty,
		Price:         decimal.NewFromInt(50),
		Timestamp:     time.Now().UTC(),
	}
	for _, fn := range handlers {
		fn(fill)
	}
	return broker.Ack{OrderID: orderID, Status: "accepted"}, nil
}

func (f *fakeGateway) SubscribeFills(fn broker.FillHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

func (f *fakeGateway) SubscribeOrderDone(fn broker.OrderDoneHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneHandlers = append(f.doneHandlers, fn)
}

// reportDone delivers a terminal-without-fill notice the way the live
// gateway's order watcher does.
func (f *fakeGateway) reportDone(d broker.OrderDone) {
	f.mu.Lock()
	handlers := append([]broker.OrderDoneHandler(nil), f.doneHandlers...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(d)
	}
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }

func testConfig() config.Config {
	return config.Config{
		Symbol:           "AAPL",
		FastPeriod:       2,
		SlowPeriod:       3,
		PositionSize:     100,
		LookbackBars:     10,
		PollInterval:     time.Minute,
		AckTimeout:       100 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
		BackoffRetries:   2,
		MarketHoursOnly:  false,
		CancelOnShutdown: false,
	}
}

func closesToBars(closes []float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Close:     decimal.NewFromFloat(c),
		}
	}
	return bars
}

func newTestSession(t *testing.T, cfg config.Config, gw *fakeGateway) (*Session, *position.Tracker) {
	t.Helper()
	tracker := position.NewTracker(cfg.Symbol)
	exec := executor.New(executor.Config{
		Symbol:       cfg.Symbol,
		PositionSize: cfg.PositionSize,
		AckTimeout:   cfg.AckTimeout,
		LockWait:     5 * time.Millisecond,
	}, gw, tracker, risk.Gate{Log: zerolog.Nop()}, zerolog.Nop())
	jw, err := journal.NewWriter(filepath.Join(t.TempDir(), "decisions.ndjson"), "test")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = jw.Close() })
	s, err := New(cfg, gw, tracker, exec, jw, zerolog.Nop())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s, tracker
}

// Full cycle: warm-up, buy cross entering a 100-share long, sell cross
// flattening it, and idempotent re-evaluation of an unchanged MA state.
func TestSessionBuyThenFlatten(t *testing.T) {
	gw := &fakeGateway{connected: true, bars: closesToBars([]float64{10, 10, 10, 9, 15, 1})}
	s, tracker := newTestSession(t, testConfig(), gw)
	ctx := context.Background()

	// Warm-up bars plus the 9-close: the sell cross at a flat position
	// must produce no order.
	for gw.reveal = 1; gw.reveal <= 4; gw.reveal++ {
		s.tick(ctx)
	}
	if len(gw.submits) != 0 {
		t.Fatalf("no orders expected during warm-up, got %d", len(gw.submits))
	}

	// 15-close: fast crosses above slow, position flat -> one BUY for 100.
	gw.reveal = 5
	s.tick(ctx)
	if len(gw.submits) != 1 || gw.submits[0].Side != broker.Buy || gw.submits[0].Qty != 100 {
		t.Fatalf("expected one BUY 100, got %+v", gw.submits)
	}

	// 1-close: fast crosses below slow; the queued buy fill is drained at
	// the start of this tick, so the SELL flattens the full 100.
	gw.reveal = 6
	s.tick(ctx)
	if len(gw.submits) != 2 || gw.submits[1].Side != broker.Sell || gw.submits[1].Qty != 100 {
		t.Fatalf("expected SELL 100, got %+v", gw.submits)
	}

	// No new bar: the same crossover state re-evaluates to a sell signal,
	// but the now-flat position makes it a no-op.
	s.tick(ctx)
	if len(gw.submits) != 2 {
		t.Fatalf("unchanged state resubmitted an order: %+v", gw.submits)
	}
	if got := tracker.Current().Qty; !got.IsZero() {
		t.Fatalf("expected flat position, got %s", got)
	}
}

// Fetch fails for 3 consecutive ticks while two fresh bars accumulate.
// No evaluation happens during the failures, and the first successful tick
// evaluates the latest state only: one BUY, no replay of the skipped
// sell cross.
func TestSessionSkipsFailedTicksWithoutReplay(t *testing.T) {
	gw := &fakeGateway{connected: true, bars: closesToBars([]float64{10, 10, 10, 9, 15})}
	s, _ := newTestSession(t, testConfig(), gw)
	ctx := context.Background()

	for gw.reveal = 1; gw.reveal <= 3; gw.reveal++ {
		s.tick(ctx)
	}
	if s.series.Len() != 3 {
		t.Fatalf("warm-up series length: %d", s.series.Len())
	}

	gw.reveal = 5
	gw.failFetch = 3
	for i := 0; i < 3; i++ {
		s.tick(ctx)
		if s.series.Len() != 3 {
			t.Fatalf("failed tick advanced the series to %d bars", s.series.Len())
		}
		if len(gw.submits) != 0 {
			t.Fatalf("failed tick produced an order")
		}
	}

	s.tick(ctx)
	if s.series.Len() != 5 {
		t.Fatalf("recovery tick should absorb both fresh bars, got %d", s.series.Len())
	}
	if len(gw.submits) != 1 || gw.submits[0].Side != broker.Buy {
		t.Fatalf("expected exactly one BUY after recovery, got %+v", gw.submits)
	}
}

// An acked buy that expires at the close without filling must not wedge
// the loop: signals are dropped only while it is outstanding, and once the
// gateway reports it dead the next evaluation submits again.
func TestSessionRecoversWhenAckedOrderDies(t *testing.T) {
	gw := &fakeGateway{connected: true, holdFills: true, bars: closesToBars([]float64{10, 10, 10, 9, 15})}
	s, tracker := newTestSession(t, testConfig(), gw)
	ctx := context.Background()

	for gw.reveal = 1; gw.reveal <= 4; gw.reveal++ {
		s.tick(ctx)
	}
	gw.reveal = 5
	s.tick(ctx)
	if len(gw.submits) != 1 || s.exec.State() != executor.Outstanding {
		t.Fatalf("setup: submits=%d state=%s", len(gw.submits), s.exec.State())
	}

	// Unchanged state re-evaluates to a buy, dropped while in flight.
	s.tick(ctx)
	if len(gw.submits) != 1 {
		t.Fatalf("signal must be dropped while an order is outstanding")
	}

	gw.reportDone(broker.OrderDone{
		OrderID:       "srv-1",
		ClientOrderID: gw.submits[0].ClientOrderID,
		Status:        "expired",
	})
	if s.exec.State() != executor.Idle {
		t.Fatalf("expected IDLE after terminal notice, got %s", s.exec.State())
	}

	s.tick(ctx)
	if len(gw.submits) != 2 {
		t.Fatalf("expected a fresh submission after the dead order, got %d", len(gw.submits))
	}
	if !tracker.Current().Qty.IsZero() {
		t.Fatalf("no fill was ever delivered, position must stay flat")
	}
}

func TestSessionReconnectsWithBackoff(t *testing.T) {
	gw := &fakeGateway{connected: false, failConnect: true, bars: closesToBars([]float64{10})}
	gw.reveal = 1
	s, _ := newTestSession(t, testConfig(), gw)
	ctx := context.Background()

	s.tick(ctx)
	if gw.fetchCalls != 0 {
		t.Fatalf("tick must be skipped entirely while disconnected")
	}

	gw.mu.Lock()
	gw.failConnect = false
	gw.mu.Unlock()
	s.tick(ctx)
	if !gw.IsConnected() || gw.fetchCalls != 1 {
		t.Fatalf("expected reconnect then fetch, connected=%v fetches=%d", gw.IsConnected(), gw.fetchCalls)
	}
}

func TestSessionMarketHoursGate(t *testing.T) {
	cfg := testConfig()
	cfg.MarketHoursOnly = true
	gw := &fakeGateway{connected: true, bars: closesToBars([]float64{10})}
	gw.reveal = 1
	s, _ := newTestSession(t, cfg, gw)

	// Sunday noon.
	s.now = func() time.Time { return time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC) }
	s.tick(context.Background())
	if gw.fetchCalls != 0 {
		t.Fatalf("tick must be skipped outside market hours")
	}

	// Tuesday 10:00.
	s.now = func() time.Time { return time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC) }
	s.tick(context.Background())
	if gw.fetchCalls != 1 {
		t.Fatalf("tick must run inside market hours")
	}
}

func TestSessionStatusSnapshot(t *testing.T) {
	gw := &fakeGateway{connected: true, bars: closesToBars([]float64{10, 10, 10, 9})}
	s, _ := newTestSession(t, testConfig(), gw)
	ctx := context.Background()

	st := s.Status()
	if st.ConnectionState != "connected" || st.LastSignal != strategy.None || st.OrderState != executor.Idle {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	for gw.reveal = 1; gw.reveal <= 4; gw.reveal++ {
		s.tick(ctx)
	}
	st = s.Status()
	if st.LastSignal != strategy.SellCross {
		t.Fatalf("expected last signal SELL_CROSS, got %s", st.LastSignal)
	}
	if !st.Position.Qty.IsZero() {
		t.Fatalf("expected flat position in status, got %s", st.Position.Qty)
	}
}

func TestInMarketHours(t *testing.T) {
	cases := []struct {
		t    time.Time
		want bool
	}{
		{time.Date(2024, 1, 9, 9, 29, 0, 0, time.UTC), false},
		{time.Date(2024, 1, 9, 9, 30, 0, 0, time.UTC), true},
		{time.Date(2024, 1, 9, 16, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 1, 9, 16, 1, 0, 0, time.UTC), false},
		{time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := inMarketHours(tc.t); got != tc.want {
			t.Fatalf("inMarketHours(%s) = %v, want %v", tc.t, got, tc.want)
		}
	}
}
