// Package risk applies guard-rails to an order before it is submitted.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trendbot/internal/broker"
)

// Context carries the facts the gate evaluates an order against.
type Context struct {
	Price       decimal.Decimal
	PositionQty decimal.Decimal
	MaxQty      int
	MaxNotional decimal.Decimal
	KillSwitch  bool
}

type Gate struct {
	Log zerolog.Logger
}

// Approve returns nil when the order may be submitted. Rejection reasons
// are stable strings suitable for metrics labels and journal records.
func (g Gate) Approve(side broker.Side, qty int, ctx Context) error {
	if ctx.KillSwitch {
		g.Log.Warn().Str("reason", "kill_switch_enabled").Msg("risk rejected")
		return fmt.Errorf("kill_switch_enabled")
	}
	if qty <= 0 {
		g.Log.Warn().Str("reason", "invalid_quantity").Int("qty", qty).Msg("risk rejected")
		return fmt.Errorf("invalid_quantity")
	}
	if side == broker.Buy && ctx.MaxQty > 0 {
		newQty := ctx.PositionQty.Add(decimal.NewFromInt(int64(qty)))
		if newQty.GreaterThan(decimal.NewFromInt(int64(ctx.MaxQty))) {
			g.Log.Warn().Str("reason", "max_position_exceeded").Str("new_qty", newQty.String()).Int("max", ctx.MaxQty).Msg("risk rejected")
			return fmt.Errorf("max_position_exceeded")
		}
	}
	if ctx.MaxNotional.Sign() > 0 {
		notional := ctx.Price.Mul(decimal.NewFromInt(int64(qty)))
		if notional.GreaterThan(ctx.MaxNotional) {
			g.Log.Warn().Str("reason", "max_notional_exceeded").Str("notional", notional.String()).Msg("risk rejected")
			return fmt.Errorf("max_notional_exceeded")
		}
	}
	return nil
}
