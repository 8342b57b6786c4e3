package funds

import (
	"fmt"
	"time"
)

// DefaultGrace is how long funds may stay insufficient before strategies are disabled.
const DefaultGrace = 60 * time.Second

// Action is what the runner must do after a check.
type Action int

const (
	// OK means funds are sufficient or the check was skipped.
	OK Action = iota
	// Waiting means funds are low but the grace period has not elapsed.
	Waiting
	// Disable means the grace period elapsed: cancel orders and disable strategies.
	Disable
)

// Input carries the balances relevant to the enabled strategies.
type Input struct {
	MMEnabled      bool
	BalancesStale  bool // skip the check while balances could not be refreshed
	Mid            float64
	QuoteAvailable float64 // free quote plus what the bot's own orders lock
	BaseAvailable  float64 // free base plus what the bot's own orders lock
	BudgetQuote    float64
	BudgetBase     float64
	MinOrderUSDT   float64
}

// Decision is the result of Check.
type Decision struct {
	Action Action
	Reason string
	Alert  bool // true exactly once per continuous low-funds episode
}

// Guard tracks how long funds have been insufficient.
type Guard struct {
	grace          time.Duration
	lowFundsSince  *time.Time
	fundsAlertSent bool
}

// NewGuard creates a Guard with the given grace period.
func NewGuard(grace time.Duration) *Guard {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Guard{grace: grace}
}

// LowSince returns when the current episode started, or nil.
func (g *Guard) LowSince() *time.Time {
	return g.lowFundsSince
}

// MMFundsOK reports whether each budgeted side can still fund a minimum order.
func MMFundsOK(in Input) (bool, string) {
	if in.BudgetQuote > 0 && in.QuoteAvailable < in.MinOrderUSDT {
		return false, fmt.Sprintf("quote balance %.4f below minimum order %.4f", in.QuoteAvailable, in.MinOrderUSDT)
	}
	if in.BudgetBase > 0 && in.BaseAvailable*in.Mid < in.MinOrderUSDT {
		return false, fmt.Sprintf("base balance worth %.4f below minimum order %.4f", in.BaseAvailable*in.Mid, in.MinOrderUSDT)
	}
	return true, ""
}

// Check evaluates in at now. A sufficient result resets the episode.
func (g *Guard) Check(now time.Time, in Input) Decision {
	if in.BalancesStale {
		return Decision{Action: OK}
	}

	ok, reason := true, ""
	if in.MMEnabled {
		ok, reason = MMFundsOK(in)
	}
	if ok {
		g.lowFundsSince = nil
		g.fundsAlertSent = false
		return Decision{Action: OK}
	}

	if g.lowFundsSince == nil {
		t := now
		g.lowFundsSince = &t
	}
	elapsed := now.Sub(*g.lowFundsSince)
	if elapsed < g.grace {
		return Decision{
			Action: Waiting,
			Reason: fmt.Sprintf("FUNDS_LOW: waiting %ds/%ds: %s", int(elapsed.Seconds()), int(g.grace.Seconds()), reason),
		}
	}

	alert := !g.fundsAlertSent
	g.fundsAlertSent = true
	return Decision{
		Action: Disable,
		Reason: "FUNDS_LOW: strategies disabled: " + reason,
		Alert:  alert,
	}
}
