// Package session drives the polling loop: fetch bars, update the price
// series, evaluate the crossover, hand signals to the executor, and keep
// the gateway connection alive.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/executor"
	"trendbot/internal/journal"
	"trendbot/internal/market"
	"trendbot/internal/metrics"
	"trendbot/internal/position"
	"trendbot/internal/strategy"
)

// Status is a read-only snapshot for logging and monitoring.
type Status struct {
	ConnectionState string
	Position        position.Snapshot
	LastSignal      strategy.Signal
	OrderState      executor.State
}

// Session owns the connection, series, and executor for one instrument.
// Each tick is an independent unit: a dropped tick never replays a prior
// signal, because the crossover is recomputed from the latest two MA
// states only.
type Session struct {
	cfg     config.Config
	log     zerolog.Logger
	conn    broker.Connection
	tracker *position.Tracker
	exec    *executor.Executor
	series  *market.Series
	strat   strategy.Crossover
	journal *journal.Writer
	now     func() time.Time

	mu         sync.RWMutex
	lastSignal strategy.Signal
}

func New(cfg config.Config, conn broker.Connection, tracker *position.Tracker, exec *executor.Executor, jw *journal.Writer, log zerolog.Logger) (*Session, error) {
	series, err := market.NewSeries(cfg.FastPeriod, cfg.SlowPeriod)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		tracker:    tracker,
		exec:       exec,
		series:     series,
		journal:    jw,
		now:        time.Now,
		lastSignal: strategy.None,
	}
	conn.SubscribeFills(exec.HandleFill)
	conn.SubscribeOrderDone(exec.HandleOrderDone)
	return s, nil
}

// Run executes the polling loop until the context is cancelled or a fatal
// invariant violation stops it. The in-flight tick always completes before
// shutdown proceeds.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case err := <-s.exec.Fatal():
			s.log.Error().Err(err).Msg("stopping loop on invariant violation")
			s.shutdown()
			return err
		case <-ticker.C:
		}
	}
}

// Status returns the current connection, position, signal, and order state.
func (s *Session) Status() Status {
	connState := "disconnected"
	if s.conn.IsConnected() {
		connState = "connected"
	}
	s.mu.RLock()
	lastSignal := s.lastSignal
	s.mu.RUnlock()
	return Status{
		ConnectionState: connState,
		Position:        s.tracker.Current(),
		LastSignal:      lastSignal,
		OrderState:      s.exec.State(),
	}
}

func (s *Session) tick(ctx context.Context) {
	if s.cfg.MarketHoursOnly && !inMarketHours(s.now()) {
		s.log.Debug().Msg("outside market hours, skipping tick")
		metrics.TicksTotal.WithLabelValues("off_hours").Inc()
		return
	}

	if !s.conn.IsConnected() && !s.reconnect(ctx) {
		metrics.TicksTotal.WithLabelValues("disconnected").Inc()
		return
	}

	// Fills parked while the instrument lock was busy get applied before
	// this tick evaluates anything.
	s.exec.DrainQueued()

	bars, err := s.conn.FetchHistoricalBars(ctx, s.cfg.Symbol, s.cfg.LookbackBars)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", s.cfg.Symbol).Msg("bar fetch failed, skipping tick")
		metrics.TicksTotal.WithLabelValues("fetch_failed").Inc()
		return
	}

	for _, bar := range bars {
		if last, ok := s.series.LastTime(); ok && !bar.Timestamp.After(last) {
			continue
		}
		if err := s.series.Append(bar); err != nil {
			if errors.Is(err, market.ErrOutOfOrderBar) {
				s.log.Warn().Err(err).Str("symbol", s.cfg.Symbol).Msg("dropping out-of-order bar")
				continue
			}
			s.log.Error().Err(err).Msg("bar append failed")
		}
	}

	state := s.series.State()
	sig := s.strat.Evaluate(state)
	s.setLastSignal(sig)
	metrics.SignalsTotal.WithLabelValues(string(sig)).Inc()

	lastClose, hasClose := s.series.LastClose()
	barTime, _ := s.series.LastTime()
	rec := journal.Record{
		Timestamp:   s.now().UTC(),
		BarTime:     barTime,
		Symbol:      s.cfg.Symbol,
		Signal:      string(sig),
		Action:      "hold",
		PositionQty: s.tracker.Current().Qty.String(),
	}
	if hasClose {
		rec.Close = lastClose.String()
	}
	if state.Has {
		rec.FastMA = state.Fast.String()
		rec.SlowMA = state.Slow.String()
	}

	if sig != strategy.None {
		res := s.exec.Execute(ctx, sig, lastClose)
		rec.Action = res.Action
		rec.Reason = res.Reason
		rec.OrderID = res.OrderID
		rec.ClientOrderID = res.Token
	}
	s.journal.Append(rec)

	pos := s.tracker.Current()
	qty, _ := pos.Qty.Float64()
	metrics.PositionQty.Set(qty)
	logEvent := s.log.Info().Str("symbol", s.cfg.Symbol).Str("signal", string(sig)).
		Str("position", pos.Qty.String()).Str("order_state", string(s.exec.State()))
	if hasClose {
		pnl := s.tracker.UnrealizedPnL(lastClose)
		pnlF, _ := pnl.Float64()
		metrics.UnrealizedPnL.Set(pnlF)
		logEvent = logEvent.Str("close", lastClose.String()).Str("unrealized_pnl", pnl.String())
	}
	if state.Has {
		logEvent = logEvent.Str("fast_ma", state.Fast.StringFixed(2)).Str("slow_ma", state.Slow.StringFixed(2))
	}
	logEvent.Msg("tick")
	metrics.TicksTotal.WithLabelValues("ok").Inc()
}

// reconnect retries the gateway connection with exponential backoff. On
// exhaustion the current tick is skipped entirely; the next tick starts a
// fresh attempt cycle.
func (s *Session) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < s.cfg.BackoffRetries; attempt++ {
		metrics.ReconnectsTotal.Inc()
		err := s.conn.Connect(ctx)
		if err == nil {
			s.log.Info().Int("attempt", attempt+1).Msg("gateway reconnected")
			return true
		}
		delay := Backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax)
		s.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("gateway connect failed")
		if err := broker.WaitForContext(ctx, delay); err != nil {
			return false
		}
	}
	s.log.Error().Int("attempts", s.cfg.BackoffRetries).Msg("reconnect attempts exhausted, skipping tick")
	return false
}

func (s *Session) shutdown() {
	if pending, ok := s.exec.Pending(); ok {
		if s.cfg.CancelOnShutdown {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.exec.CancelOutstanding(ctx)
			cancel()
		} else {
			s.log.Warn().Str("order_id", pending.OrderID).Str("token", pending.Token).
				Str("state", string(s.exec.State())).Msg("exiting with order in flight")
		}
	}
	if err := s.conn.Close(); err != nil {
		s.log.Error().Err(err).Msg("connection close failed")
	}
	s.log.Info().Msg("session stopped")
}

func (s *Session) setLastSignal(sig strategy.Signal) {
	s.mu.Lock()
	s.lastSignal = sig
	s.mu.Unlock()
}

// inMarketHours is the simplified US equities gate: Monday through Friday,
// 09:30 to 16:00 in the process's local time.
func inMarketHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes <= 16*60
}
