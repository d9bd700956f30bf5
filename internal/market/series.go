// Package market holds the rolling price history and moving-average state
// for a single instrument.
package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOutOfOrderBar is returned by Append when a bar's timestamp is not
// strictly greater than the newest stored bar.
var ErrOutOfOrderBar = errors.New("out of order bar")

// Bar is a single historical price bar. Immutable once appended.
type Bar struct {
	Timestamp time.Time
	Close     decimal.Decimal
}

// MAState carries the current and previous fast/slow simple moving averages.
// Values are meaningless unless the corresponding Has flag is set.
type MAState struct {
	Fast     decimal.Decimal
	Slow     decimal.Decimal
	PrevFast decimal.Decimal
	PrevSlow decimal.Decimal
	Has      bool
	HasPrev  bool
}

// capacityMargin bounds memory beyond the slow window so eviction never
// removes a bar still inside either MA window.
const capacityMargin = 5

// Series is a bounded, timestamp-monotonic buffer of bars. Each Append
// updates running sums so both MAs recompute in O(1) instead of rescanning.
//
// The MAs are simple moving averages over the last N closes including the
// newest bar. Both become available once slowPeriod bars exist (fastPeriod
// is always the smaller window).
type Series struct {
	fastPeriod int
	slowPeriod int
	capacity   int

	bars    []Bar
	fastSum decimal.Decimal
	slowSum decimal.Decimal

	state MAState
}

func NewSeries(fastPeriod, slowPeriod int) (*Series, error) {
	if fastPeriod <= 0 || slowPeriod <= 1 {
		return nil, fmt.Errorf("invalid MA periods: fast=%d slow=%d", fastPeriod, slowPeriod)
	}
	if fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("fast period %d must be less than slow period %d", fastPeriod, slowPeriod)
	}
	return &Series{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		capacity:   slowPeriod + capacityMargin,
	}, nil
}

// Append inserts a new bar and updates the MA state. Bars must arrive in
// strictly increasing timestamp order.
func (s *Series) Append(bar Bar) error {
	if last, ok := s.LastTime(); ok && !bar.Timestamp.After(last) {
		return fmt.Errorf("%w: bar %s not after %s", ErrOutOfOrderBar,
			bar.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339))
	}

	s.bars = append(s.bars, bar)
	s.fastSum = s.fastSum.Add(bar.Close)
	s.slowSum = s.slowSum.Add(bar.Close)

	n := len(s.bars)
	if n > s.fastPeriod {
		s.fastSum = s.fastSum.Sub(s.bars[n-1-s.fastPeriod].Close)
	}
	if n > s.slowPeriod {
		s.slowSum = s.slowSum.Sub(s.bars[n-1-s.slowPeriod].Close)
	}
	if n > s.capacity {
		s.bars = s.bars[1:]
	}

	prev := s.state
	s.state = MAState{
		PrevFast: prev.Fast,
		PrevSlow: prev.Slow,
		HasPrev:  prev.Has,
	}
	if len(s.bars) >= s.slowPeriod {
		s.state.Fast = s.fastSum.Div(decimal.NewFromInt(int64(s.fastPeriod)))
		s.state.Slow = s.slowSum.Div(decimal.NewFromInt(int64(s.slowPeriod)))
		s.state.Has = true
	}
	return nil
}

// FastMA returns the fast simple moving average, or false until enough
// bars exist.
func (s *Series) FastMA() (decimal.Decimal, bool) {
	return s.state.Fast, s.state.Has
}

// SlowMA returns the slow simple moving average, or false until enough
// bars exist.
func (s *Series) SlowMA() (decimal.Decimal, bool) {
	return s.state.Slow, s.state.Has
}

// State returns the current MA state used for crossover evaluation.
func (s *Series) State() MAState {
	return s.state
}

func (s *Series) Len() int {
	return len(s.bars)
}

// LastTime returns the newest stored bar timestamp.
func (s *Series) LastTime() (time.Time, bool) {
	if len(s.bars) == 0 {
		return time.Time{}, false
	}
	return s.bars[len(s.bars)-1].Timestamp, true
}

// LastClose returns the newest stored close.
func (s *Series) LastClose() (decimal.Decimal, bool) {
	if len(s.bars) == 0 {
		return decimal.Decimal{}, false
	}
	return s.bars[len(s.bars)-1].Close, true
}
