// Package executor turns crossover signals into at-most-one order
// submission and owns the order lifecycle state machine.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trendbot/internal/broker"
	"trendbot/internal/metrics"
	"trendbot/internal/position"
	"trendbot/internal/risk"
	"trendbot/internal/strategy"
)

// State is the order lifecycle state for the instrument. Any state other
// than Idle means an order is in flight and new signals are dropped, never
// queued.
type State string

const (
	Idle        State = "IDLE"
	Submitting  State = "SUBMITTING"
	Outstanding State = "OUTSTANDING"
)

// PendingOrder is the single order allowed in flight per instrument.
type PendingOrder struct {
	Token       string
	OrderID     string
	Side        broker.Side
	Qty         int
	Signal      strategy.Signal
	SubmittedAt time.Time
}

// Result describes what Execute did with a signal, for journaling.
type Result struct {
	Action  string
	Reason  string
	Side    broker.Side
	Qty     int
	OrderID string
	Token   string
}

type Config struct {
	Symbol       string
	PositionSize int
	AckTimeout   time.Duration
	// LockWait bounds how long a fill notification waits for the
	// instrument lock before falling back to the retry queue.
	LockWait time.Duration

	MaxQty      int
	MaxNotional decimal.Decimal
	KillSwitch  bool
}

// Executor serializes the polling path and the fill-notification path under
// one mutex per instrument. Fill handlers that cannot take the lock within
// LockWait park the fill on a queue drained at the next tick.
type Executor struct {
	cfg     Config
	log     zerolog.Logger
	conn    broker.Connection
	tracker *position.Tracker
	gate    risk.Gate

	mu      sync.Mutex
	state   State
	pending *PendingOrder
	// issued holds every idempotency token that may still produce a fill:
	// the pending order's token plus tokens retained after a submission
	// timeout. Tokens leave the set when their order fills or the gateway
	// reports it terminal without a fill.
	issued  map[string]struct{}
	applied map[string]struct{}

	queued     chan broker.Fill
	queuedDone chan broker.OrderDone
	fatal      chan error
}

func New(cfg Config, conn broker.Connection, tracker *position.Tracker, gate risk.Gate, log zerolog.Logger) *Executor {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 250 * time.Millisecond
	}
	return &Executor{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		tracker:    tracker,
		gate:       gate,
		state:      Idle,
		issued:     map[string]struct{}{},
		applied:    map[string]struct{}{},
		queued:     make(chan broker.Fill, 16),
		queuedDone: make(chan broker.OrderDone, 16),
		fatal:      make(chan error, 1),
	}
}

// Fatal reports invariant violations (unknown-instrument fill, duplicate
// pending order). The session stops the loop when this fires.
func (e *Executor) Fatal() <-chan error { return e.fatal }

func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending returns a copy of the in-flight order, if any.
func (e *Executor) Pending() (PendingOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return PendingOrder{}, false
	}
	return *e.pending, true
}

// Execute converts a signal plus the current position into zero or one
// order submission.
//
// Policy (long-only): BuyCross buys the full configured size whenever the
// position is flat or short; SellCross flattens an existing long and is a
// no-op otherwise. A signal arriving while an order is in flight is dropped
// and logged, never queued or retried.
func (e *Executor) Execute(ctx context.Context, sig strategy.Signal, price decimal.Decimal) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle {
		e.log.Warn().Str("signal", string(sig)).Str("state", string(e.state)).
			Msg("signal skipped, order in flight")
		metrics.OrderSkipsTotal.WithLabelValues("order_in_flight").Inc()
		return Result{Action: "skipped", Reason: "order_in_flight"}
	}
	if e.pending != nil {
		e.failf(errors.New("executor: pending order present in IDLE state"))
		return Result{Action: "fatal", Reason: "pending_order_in_idle"}
	}

	pos := e.tracker.Current()
	var side broker.Side
	var qty int
	switch sig {
	case strategy.BuyCross:
		if pos.Qty.Sign() > 0 {
			e.log.Info().Str("qty", pos.Qty.String()).Msg("buy cross ignored, already long")
			metrics.OrderSkipsTotal.WithLabelValues("already_long").Inc()
			return Result{Action: "noop", Reason: "already_long"}
		}
		// Full configured size regardless of any existing short.
		side, qty = broker.Buy, e.cfg.PositionSize
	case strategy.SellCross:
		if pos.Qty.Sign() <= 0 {
			e.log.Info().Str("qty", pos.Qty.String()).Msg("sell cross ignored, no long position")
			metrics.OrderSkipsTotal.WithLabelValues("no_long_position").Inc()
			return Result{Action: "noop", Reason: "no_long_position"}
		}
		side, qty = broker.Sell, int(pos.Qty.IntPart())
	default:
		return Result{Action: "none"}
	}

	if err := e.gate.Approve(side, qty, risk.Context{
		Price:       price,
		PositionQty: pos.Qty,
		MaxQty:      e.cfg.MaxQty,
		MaxNotional: e.cfg.MaxNotional,
		KillSwitch:  e.cfg.KillSwitch,
	}); err != nil {
		metrics.OrderSkipsTotal.WithLabelValues(err.Error()).Inc()
		return Result{Action: "risk_rejected", Reason: err.Error(), Side: side, Qty: qty}
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	e.pending = &PendingOrder{Token: token, Side: side, Qty: qty, Signal: sig, SubmittedAt: now}
	e.issued[token] = struct{}{}
	e.state = Submitting
	e.log.Info().Str("side", string(side)).Int("qty", qty).Str("token", token).
		Str("state", string(e.state)).Msg("submitting order")

	subCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()
	ack, err := e.conn.SubmitOrder(subCtx, broker.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Qty:           qty,
		Type:          broker.Market,
		ClientOrderID: token,
	})
	if err != nil {
		e.pending = nil
		e.state = Idle
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(subCtx.Err(), context.DeadlineExceeded):
			// The order may still land later; the token stays issued so a
			// late fill is applied exactly once.
			e.log.Warn().Str("token", token).Str("state", string(e.state)).
				Msg("submission timeout, reverting to IDLE")
			metrics.OrderSkipsTotal.WithLabelValues("submission_timeout").Inc()
			return Result{Action: "timeout", Side: side, Qty: qty, Token: token}
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			// Shutdown interrupted the submission, not the ack timer. The
			// token stays issued in case the order reached the gateway.
			e.log.Warn().Str("token", token).Str("state", string(e.state)).
				Msg("submission aborted by shutdown")
			metrics.OrderSkipsTotal.WithLabelValues("submission_aborted").Inc()
			return Result{Action: "aborted", Reason: "shutdown", Side: side, Qty: qty, Token: token}
		default:
			delete(e.issued, token)
			e.log.Error().Err(err).Str("token", token).Str("state", string(e.state)).
				Msg("order rejected")
			metrics.OrderSkipsTotal.WithLabelValues("order_rejected").Inc()
			return Result{Action: "rejected", Reason: err.Error(), Side: side, Qty: qty, Token: token}
		}
	}

	e.pending.OrderID = ack.OrderID
	e.state = Outstanding
	metrics.OrdersTotal.WithLabelValues(e.cfg.Symbol, string(side)).Inc()
	e.log.Info().Str("order_id", ack.OrderID).Str("token", token).
		Str("state", string(e.state)).Msg("order acknowledged")
	return Result{Action: "submitted", Side: side, Qty: qty, OrderID: ack.OrderID, Token: token}
}

// HandleFill is the gateway's fill callback. It takes the instrument lock
// with a bounded wait; on contention the fill is parked for DrainQueued.
func (e *Executor) HandleFill(f broker.Fill) {
	if !e.tryLockWithin(e.cfg.LockWait) {
		select {
		case e.queued <- f:
			e.log.Debug().Str("fill_id", f.FillID).Msg("fill queued, lock busy")
		default:
			e.log.Error().Str("fill_id", f.FillID).Msg("fill queue full, dropping notification")
		}
		return
	}
	defer e.mu.Unlock()
	e.applyFillLocked(f)
}

// HandleOrderDone is the gateway's terminal-without-fill callback. It uses
// the same bounded lock wait and parking queue as fills.
func (e *Executor) HandleOrderDone(d broker.OrderDone) {
	if !e.tryLockWithin(e.cfg.LockWait) {
		select {
		case e.queuedDone <- d:
			e.log.Debug().Str("order_id", d.OrderID).Msg("order-done queued, lock busy")
		default:
			e.log.Error().Str("order_id", d.OrderID).Msg("order-done queue full, dropping notification")
		}
		return
	}
	defer e.mu.Unlock()
	e.applyDoneLocked(d)
}

// DrainQueued applies fills and terminal notifications that were parked
// while the lock was contended. Called once per tick by the session loop.
func (e *Executor) DrainQueued() {
	for {
		select {
		case f := <-e.queued:
			e.mu.Lock()
			e.applyFillLocked(f)
			e.mu.Unlock()
		case d := <-e.queuedDone:
			e.mu.Lock()
			e.applyDoneLocked(d)
			e.mu.Unlock()
		default:
			return
		}
	}
}

// CancelOutstanding attempts to cancel an acknowledged order, used during
// shutdown when configured.
func (e *Executor) CancelOutstanding(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Outstanding || e.pending == nil {
		return
	}
	if err := e.conn.CancelOrder(ctx, e.pending.OrderID); err != nil {
		e.log.Error().Err(err).Str("order_id", e.pending.OrderID).Msg("cancel on shutdown failed")
		return
	}
	e.log.Info().Str("order_id", e.pending.OrderID).Str("state", string(Idle)).
		Msg("outstanding order cancelled on shutdown")
	delete(e.issued, e.pending.Token)
	e.pending = nil
	e.state = Idle
}

func (e *Executor) applyFillLocked(f broker.Fill) {
	if e.state == Outstanding && e.pending != nil && f.ClientOrderID == e.pending.Token {
		if e.applyToPosition(f) {
			e.log.Info().Str("order_id", f.OrderID).Str("fill_id", f.FillID).
				Str("qty", f.Qty.String()).Str("price", f.Price.String()).
				Str("state", string(Idle)).Msg("order filled")
		}
		delete(e.issued, e.pending.Token)
		e.pending = nil
		e.state = Idle
		return
	}
	if _, ok := e.issued[f.ClientOrderID]; ok && f.ClientOrderID != "" {
		// Late fill for an order whose ack timed out, possibly arriving
		// after further orders were issued. Apply exactly once; state is
		// untouched, a late fill never re-enters OUTSTANDING.
		if e.applyToPosition(f) {
			e.log.Warn().Str("fill_id", f.FillID).Str("token", f.ClientOrderID).
				Msg("late fill after timeout applied")
		}
		delete(e.issued, f.ClientOrderID)
		return
	}
	if _, done := e.applied[f.ClientOrderID]; done && f.ClientOrderID != "" {
		e.log.Debug().Str("fill_id", f.FillID).Msg("duplicate fill ignored")
		return
	}
	e.log.Warn().Str("fill_id", f.FillID).Str("order_id", f.OrderID).
		Msg("fill does not match any known order, ignored")
}

func (e *Executor) applyDoneLocked(d broker.OrderDone) {
	if e.state == Outstanding && e.pending != nil && d.ClientOrderID == e.pending.Token {
		e.log.Warn().Str("order_id", d.OrderID).Str("status", d.Status).
			Str("state", string(Idle)).Msg("acked order closed without fill")
		metrics.OrderTerminalsTotal.WithLabelValues(d.Status).Inc()
		delete(e.issued, e.pending.Token)
		e.pending = nil
		e.state = Idle
		return
	}
	if _, ok := e.issued[d.ClientOrderID]; ok && d.ClientOrderID != "" {
		// A timed-out submission the gateway now reports dead; no late
		// fill can arrive for this token anymore.
		e.log.Info().Str("order_id", d.OrderID).Str("status", d.Status).
			Msg("timed-out order closed without fill")
		metrics.OrderTerminalsTotal.WithLabelValues(d.Status).Inc()
		delete(e.issued, d.ClientOrderID)
		return
	}
	e.log.Debug().Str("order_id", d.OrderID).Str("status", d.Status).
		Msg("terminal notice for unknown order, ignored")
}

func (e *Executor) applyToPosition(f broker.Fill) bool {
	if _, done := e.applied[f.ClientOrderID]; done {
		return false
	}
	if err := e.tracker.Apply(f); err != nil {
		if errors.Is(err, position.ErrUnknownInstrument) {
			e.failf(err)
			return false
		}
		e.log.Error().Err(err).Str("fill_id", f.FillID).Msg("fill apply failed")
		return false
	}
	e.applied[f.ClientOrderID] = struct{}{}
	metrics.FillsTotal.WithLabelValues(f.Symbol).Inc()
	return true
}

func (e *Executor) failf(err error) {
	e.log.Error().Err(err).Msg("invariant violation, stopping")
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Executor) tryLockWithin(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if e.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
