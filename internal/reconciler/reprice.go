package reconciler

import (
	"math"
	"time"
)

// RepricePolicy throttles ladder rebuilds so order churn does not crowd the
// bot's other order actions.
type RepricePolicy struct {
	MinInterval    time.Duration // minimum time between reprices
	MinMovePct     float64       // mid move that justifies an early reprice
	ActionCooldown time.Duration // quiet period after the last non-MM order action

	lastRepriceAt  time.Time
	lastRepriceMid float64
}

// Allow reports whether the ladder may be repriced now. It is allowed when no
// market-making orders are open; or when both MinInterval since the last
// reprice and the action cooldown have elapsed; or when the mid moved by at
// least MinMovePct since the last reprice and the action cooldown has elapsed.
func (p *RepricePolicy) Allow(now time.Time, mid float64, openMM int, lastActionAt time.Time) bool {
	if openMM == 0 {
		return true
	}
	cooled := lastActionAt.IsZero() || now.Sub(lastActionAt) >= p.ActionCooldown
	if !cooled {
		return false
	}
	if p.lastRepriceAt.IsZero() || now.Sub(p.lastRepriceAt) >= p.MinInterval {
		return true
	}
	if p.lastRepriceMid > 0 && p.MinMovePct > 0 {
		return math.Abs(mid-p.lastRepriceMid)/p.lastRepriceMid >= p.MinMovePct
	}
	return false
}

// MarkRepriced records that the ladder was rebuilt at mid.
func (p *RepricePolicy) MarkRepriced(now time.Time, mid float64) {
	p.lastRepriceAt = now
	p.lastRepriceMid = mid
}
