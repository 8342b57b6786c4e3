// Package reconciler computes the cancel/place operations that move the live
// order set toward the desired quote set.
package reconciler

import (
	"math"
	"sort"

	"binance-mm-runner/internal/models"
)

// Plan is the outcome of Diff. Cancels are always executed before places.
type Plan struct {
	Cancel []models.Order
	Place  []models.Quote
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Cancel) == 0 && len(p.Place) == 0
}

// Diff matches live orders to desired quotes as sets. A live order may match
// a desired quote on the same side within priceEps and qtyEps (relative to
// the desired values), and each quote keeps at most one order. The matching
// is maximal, so an order is only cancelled when no assignment can keep it;
// among candidates closer prices are tried first. Unmatched live orders are
// cancelled and unmatched desired quotes are placed.
func Diff(desired []models.Quote, live []models.Order, priceEps, qtyEps float64) Plan {
	// candidates[j] lists the desired quotes live[j] may keep, closest first
	candidates := make([][]int, len(live))
	best := make([]float64, len(live))
	for j, o := range live {
		best[j] = math.Inf(1)
		for i, q := range desired {
			if q.Side != o.Side {
				continue
			}
			pd := relDiff(o.Price, q.Price)
			if pd > priceEps || relDiff(o.Qty, q.Qty) > qtyEps {
				continue
			}
			candidates[j] = append(candidates[j], i)
			best[j] = min(best[j], pd)
		}
		sort.SliceStable(candidates[j], func(a, b int) bool {
			return relDiff(o.Price, desired[candidates[j][a]].Price) < relDiff(o.Price, desired[candidates[j][b]].Price)
		})
	}

	order := make([]int, len(live))
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool { return best[order[a]] < best[order[b]] })

	owner := make([]int, len(desired)) // desired index -> live index, -1 when free
	for i := range owner {
		owner[i] = -1
	}
	var assign func(j int, seen []bool) bool
	assign = func(j int, seen []bool) bool {
		for _, i := range candidates[j] {
			if seen[i] {
				continue
			}
			seen[i] = true
			if owner[i] < 0 || assign(owner[i], seen) {
				owner[i] = j
				return true
			}
		}
		return false
	}

	kept := make([]bool, len(live))
	for _, j := range order {
		if len(candidates[j]) > 0 {
			assign(j, make([]bool, len(desired)))
		}
	}
	var plan Plan
	for i, j := range owner {
		if j >= 0 {
			kept[j] = true
		} else {
			plan.Place = append(plan.Place, desired[i])
		}
	}
	for j, o := range live {
		if !kept[j] {
			plan.Cancel = append(plan.Cancel, o)
		}
	}
	return plan
}

// relDiff is |a−b|/|b| with a small tolerance for float noise.
func relDiff(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(a-b)/math.Abs(b) - 1e-12
}
