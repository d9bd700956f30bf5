// Package position tracks the single net position for an instrument.
// Position is mutated only by confirmed fills, never optimistically on
// order submission.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trendbot/internal/broker"
)

// ErrUnknownInstrument means a fill referenced an instrument this tracker
// does not own. It indicates state desync and is treated as fatal upstream.
var ErrUnknownInstrument = errors.New("position: fill for unknown instrument")

// Snapshot is a read-only copy of the tracked position.
type Snapshot struct {
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	AvgEntry     decimal.Decimal `json:"avg_entry"`
	LastFillTime time.Time       `json:"last_fill_time"`
}

// Tracker holds the signed quantity for one instrument. Apply is idempotent
// per fill identifier, guarding against redelivery from the gateway.
type Tracker struct {
	mu       sync.RWMutex
	snapshot Snapshot
	seen     map[string]struct{}
}

func NewTracker(symbol string) *Tracker {
	return &Tracker{
		snapshot: Snapshot{Symbol: symbol},
		seen:     map[string]struct{}{},
	}
}

// Apply adds a confirmed fill's signed quantity to the position. A fill id
// that was already applied is ignored.
func (t *Tracker) Apply(f broker.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.Symbol != t.snapshot.Symbol {
		return fmt.Errorf("%w: got %q, tracking %q", ErrUnknownInstrument, f.Symbol, t.snapshot.Symbol)
	}
	if _, dup := t.seen[f.FillID]; dup {
		return nil
	}
	t.seen[f.FillID] = struct{}{}

	oldQty := t.snapshot.Qty
	newQty := oldQty.Add(f.Qty)

	switch {
	case newQty.IsZero():
		t.snapshot.AvgEntry = decimal.Decimal{}
	case oldQty.Sign() != newQty.Sign() || oldQty.IsZero():
		// Opened or flipped: the fill price is the new basis.
		t.snapshot.AvgEntry = f.Price
	case newQty.Abs().GreaterThan(oldQty.Abs()):
		// Increased in the same direction: weighted average entry.
		notional := t.snapshot.AvgEntry.Mul(oldQty.Abs()).Add(f.Price.Mul(f.Qty.Abs()))
		t.snapshot.AvgEntry = notional.Div(newQty.Abs())
	}
	t.snapshot.Qty = newQty
	t.snapshot.LastFillTime = f.Timestamp
	return nil
}

// Current returns a copy-snapshot taken under the lock; safe for concurrent
// read while a fill is being applied.
func (t *Tracker) Current() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

// UnrealizedPnL computes (price - avgEntry) * qty against the given price.
func (t *Tracker) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snapshot.Qty.IsZero() {
		return decimal.Decimal{}
	}
	return price.Sub(t.snapshot.AvgEntry).Mul(t.snapshot.Qty)
}

// Save writes the position snapshot as a JSON checkpoint.
func (t *Tracker) Save(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	data, err := json.MarshalIndent(t.snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores a previously saved checkpoint. The checkpoint must belong
// to the tracked instrument.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if snapshot.Symbol != t.snapshot.Symbol {
		return fmt.Errorf("%w: checkpoint for %q, tracking %q", ErrUnknownInstrument, snapshot.Symbol, t.snapshot.Symbol)
	}
	t.snapshot = snapshot
	return nil
}
