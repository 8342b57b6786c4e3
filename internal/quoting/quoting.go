// Package quoting builds the desired market-making ladder around a reference price.
package quoting

import (
	"binance-mm-runner/internal/models"

	"github.com/shopspring/decimal"
)

// minEdgePct keeps post-only quotes strictly inside their own side of the execution book.
const minEdgePct = 0.0001

// Input is everything BuildQuotes needs for one tick.
type Input struct {
	Symbol    string
	Reference models.MidPrice // master mid when following, otherwise the execution snapshot
	Exec      models.MidPrice
	Config    models.MarketMakingConfig
}

// BuildQuotes returns the desired ladder: Levels quotes per side at
// mid·(1∓(SpreadPct/2+i·StepPct)), sized from the per-side budgets.
// Client order ids are left empty; they are assigned at placement.
func BuildQuotes(in Input) []models.Quote {
	cfg := in.Config
	mid := in.Reference.Mid
	if cfg.Levels <= 0 || mid <= 0 {
		return nil
	}

	quotes := make([]models.Quote, 0, 2*cfg.Levels)
	buyBudget := cfg.BudgetQuoteUSDT / float64(cfg.Levels)
	sellBudget := cfg.BudgetBaseToken / float64(cfg.Levels)

	for i := 0; i < cfg.Levels; i++ {
		offset := cfg.SpreadPct/2 + float64(i)*cfg.StepPct

		if buyBudget > 0 {
			price := mid * (1 - offset)
			if in.Exec.Ask > 0 {
				price = min(price, in.Exec.Ask*(1-minEdgePct))
			}
			price = RoundDown(price, cfg.PriceTick)
			if price > 0 {
				qty := RoundDown(buyBudget/price, cfg.QtyStep)
				quotes = appendIfSized(quotes, in.Symbol, models.Buy, price, qty, cfg.MinOrderUSDT)
			}
		}

		if sellBudget > 0 {
			price := mid * (1 + offset)
			if in.Exec.Bid > 0 {
				price = max(price, in.Exec.Bid*(1+minEdgePct))
			}
			price = RoundUp(price, cfg.PriceTick)
			qty := RoundDown(sellBudget, cfg.QtyStep)
			quotes = appendIfSized(quotes, in.Symbol, models.Sell, price, qty, cfg.MinOrderUSDT)
		}
	}
	return quotes
}

func appendIfSized(quotes []models.Quote, symbol string, side models.Side, price, qty, minNotional float64) []models.Quote {
	if qty <= 0 || price*qty < minNotional {
		return quotes
	}
	return append(quotes, models.Quote{
		Symbol:   symbol,
		Side:     side,
		Type:     models.Limit,
		Price:    price,
		Qty:      qty,
		PostOnly: true,
	})
}

// RoundDown floors v to a multiple of step. A non-positive step returns v.
func RoundDown(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundUp ceils v to a multiple of step. A non-positive step returns v.
func RoundUp(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Ceil().Mul(s).InexactFloat64()
}
