// Package strategy decides whether a moving-average state constitutes an
// actionable crossover signal.
package strategy

import "trendbot/internal/market"

type Signal string

const (
	BuyCross  Signal = "BUY_CROSS"
	SellCross Signal = "SELL_CROSS"
	None      Signal = "NONE"
)

// Crossover is a stateless fast/slow MA crossover detector. Evaluate is a
// pure function of the current and previous MA pair; all history lives in
// market.MAState, so a dropped tick can never replay an old signal.
type Crossover struct{}

// Evaluate emits BuyCross when the fast-slow difference transitions from
// <= 0 to > 0 between consecutive evaluations, SellCross on the opposite
// transition, and None otherwise. The warm-up bar (no previous MA pair)
// and exact equality both emit None: equality only updates the sign
// bookkeeping for the next comparison.
func (Crossover) Evaluate(st market.MAState) Signal {
	if !st.Has || !st.HasPrev {
		return None
	}
	prevDiff := st.PrevFast.Sub(st.PrevSlow)
	currDiff := st.Fast.Sub(st.Slow)

	switch {
	case prevDiff.Sign() <= 0 && currDiff.Sign() > 0:
		return BuyCross
	case prevDiff.Sign() >= 0 && currDiff.Sign() < 0:
		return SellCross
	default:
		return None
	}
}
