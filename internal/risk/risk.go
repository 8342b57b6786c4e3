package risk

import (
	"fmt"

	"binance-mm-runner/internal/models"
)

// Snapshot is the account and market state a single evaluation sees.
type Snapshot struct {
	Balances     []models.Balance
	Base         string
	Quote        string
	Mid          float64
	Bid          float64
	Ask          float64
	DeviationPct *float64 // set only when price following is active
	OpenOrders   int
}

// Result is the allow/deny verdict.
type Result struct {
	OK     bool
	Reason string
}

// Engine evaluates snapshots against configured limits. It holds no state
// between calls.
type Engine struct {
	cfg models.RiskConfig
}

// NewEngine creates an Engine for cfg.
func NewEngine(cfg models.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate checks s against every configured limit and returns the first violation.
func (e *Engine) Evaluate(s Snapshot) Result {
	cfg := e.cfg
	if !cfg.Enabled {
		return Result{OK: true}
	}

	if cfg.MaxDeviationPct > 0 && s.DeviationPct != nil && *s.DeviationPct > cfg.MaxDeviationPct {
		return deny("price deviation %.4f%% exceeds %.4f%%", *s.DeviationPct*100, cfg.MaxDeviationPct*100)
	}
	if cfg.MaxOpenOrders > 0 && s.OpenOrders > cfg.MaxOpenOrders {
		return deny("open orders %d exceed %d", s.OpenOrders, cfg.MaxOpenOrders)
	}
	if cfg.MaxSpreadPct > 0 && s.Bid > 0 && s.Ask > 0 && s.Mid > 0 {
		if spread := (s.Ask - s.Bid) / s.Mid; spread > cfg.MaxSpreadPct {
			return deny("spread %.4f%% exceeds %.4f%%", spread*100, cfg.MaxSpreadPct*100)
		}
	}
	if cfg.MinQuoteBalance > 0 {
		if total := models.FindBalance(s.Balances, s.Quote).Total(); total < cfg.MinQuoteBalance {
			return deny("%s balance %.4f below floor %.4f", s.Quote, total, cfg.MinQuoteBalance)
		}
	}
	if cfg.MinBaseBalance > 0 {
		if total := models.FindBalance(s.Balances, s.Base).Total(); total < cfg.MinBaseBalance {
			return deny("%s balance %.8f below floor %.8f", s.Base, total, cfg.MinBaseBalance)
		}
	}
	return Result{OK: true}
}

func deny(format string, args ...any) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}
