// Package pricesupport implements the bounded-budget floor defense sub-strategy.
package pricesupport

import (
	"fmt"
	"time"

	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/orderid"
	"binance-mm-runner/internal/quoting"
)

// DefaultOrderTTL applies when the config leaves OrderTTLMs unset.
const DefaultOrderTTL = 90 * time.Second

// Input is the market and account state for one step.
type Input struct {
	Symbol       string
	Mid          float64
	Bid          float64
	Ask          float64
	FreeUSDT     float64
	MinOrderUSDT float64
	PriceTick    float64
	QtyStep      float64
	Config       models.PriceSupportConfig
}

// Decision tells the runner what to do. Config is the possibly updated
// configuration and must be persisted when Deactivate is set.
type Decision struct {
	Quote      *models.Quote
	Deactivate bool
	Alert      bool
	Reason     string
	Config     models.PriceSupportConfig
}

// Controller keeps the cooldown clock between steps and the quote committed
// to support orders whose fills have not been synced yet.
type Controller struct {
	lastActionAt time.Time
	pending      map[string]float64 // client order id -> notional
}

// NewController creates an idle controller.
func NewController() *Controller {
	return &Controller{pending: make(map[string]float64)}
}

// LastActionAt returns the time of the last placed support order.
func (c *Controller) LastActionAt() time.Time {
	return c.lastActionAt
}

// MarkAction starts the cooldown and commits notional against the budget
// until the order is settled. Call it after the order is accepted.
func (c *Controller) MarkAction(now time.Time, clientOrderID string, notional float64) {
	c.lastActionAt = now
	if clientOrderID != "" && notional > 0 {
		c.pending[clientOrderID] = notional
	}
}

// Committed is the notional of accepted support orders not yet reflected in
// SpentUSDT.
func (c *Controller) Committed() float64 {
	var sum float64
	for _, n := range c.pending {
		sum += n
	}
	return sum
}

// Release drops the commitment of a cancelled order.
func (c *Controller) Release(clientOrderID string) {
	delete(c.pending, clientOrderID)
}

// Settle is called after a fills sync. Orders still on the book stay
// committed; the rest are either filled, and so counted in SpentUSDT, or gone.
func (c *Controller) Settle(live []models.Order) {
	keep := make(map[string]bool, len(live))
	for _, o := range live {
		keep[o.ClientOrderID] = true
	}
	for id := range c.pending {
		if !keep[id] {
			delete(c.pending, id)
		}
	}
}

// Step decides whether to buy this tick.
func (c *Controller) Step(now time.Time, in Input) Decision {
	cfg := in.Config
	d := Decision{Config: cfg}
	if !cfg.Enabled {
		return d
	}

	if cfg.BudgetUSDT > 0 && cfg.SpentUSDT >= cfg.BudgetUSDT {
		if cfg.NotifiedAt == nil {
			t := now
			d.Config.Enabled = false
			d.Config.NotifiedAt = &t
			d.Deactivate = true
			d.Alert = true
		}
		d.Reason = fmt.Sprintf("price support budget exhausted: spent %.2f of %.2f USDT", cfg.SpentUSDT, cfg.BudgetUSDT)
		return d
	}

	if in.Mid <= 0 || cfg.FloorPrice <= 0 || in.Mid >= cfg.FloorPrice {
		return d
	}
	if !c.lastActionAt.IsZero() && now.Sub(c.lastActionAt) < models.Ms(cfg.CooldownMs) {
		d.Reason = "price support cooling down"
		return d
	}

	usdt := in.FreeUSDT
	if cfg.BudgetUSDT > 0 {
		usdt = min(usdt, cfg.BudgetUSDT-cfg.SpentUSDT-c.Committed())
	}
	if cfg.MaxOrderUSDT > 0 {
		usdt = min(usdt, cfg.MaxOrderUSDT)
	}
	if usdt <= 0 || usdt < in.MinOrderUSDT {
		d.Reason = fmt.Sprintf("price support order %.2f USDT below minimum", usdt)
		return d
	}

	if cfg.Mode == models.SupportActive {
		if in.Ask <= 0 {
			return d
		}
		d.Quote = &models.Quote{
			Symbol:   in.Symbol,
			Side:     models.Buy,
			Type:     models.Market,
			Price:    in.Ask,
			QuoteQty: usdt,
		}
		d.Reason = fmt.Sprintf("price support: market buy %.2f USDT below floor %.8g", usdt, cfg.FloorPrice)
		return d
	}

	price := cfg.FloorPrice
	if in.Bid > 0 {
		price = min(price, in.Bid*(1+cfg.OffsetPct))
	}
	if in.Ask > 0 {
		price = min(price, in.Ask*(1-cfg.AskSafetyPct))
	}
	price = quoting.RoundDown(price, in.PriceTick)
	if in.Ask > 0 && price >= in.Ask {
		d.Reason = "price support: no room below ask"
		return d
	}
	if price <= 0 {
		return d
	}
	qty := quoting.RoundDown(usdt/price, in.QtyStep)
	if qty <= 0 || qty*price < in.MinOrderUSDT {
		d.Reason = "price support order below minimum after rounding"
		return d
	}
	d.Quote = &models.Quote{
		Symbol:   in.Symbol,
		Side:     models.Buy,
		Type:     models.Limit,
		Price:    price,
		Qty:      qty,
		PostOnly: true,
	}
	d.Reason = fmt.Sprintf("price support: bid %.8g x %.8g below floor %.8g", price, qty, cfg.FloorPrice)
	return d
}

// StaleOrders returns the support orders older than ttl, using the creation
// time embedded in their client order id.
func StaleOrders(now time.Time, orders []models.Order, ttl time.Duration) []models.Order {
	if ttl <= 0 {
		ttl = DefaultOrderTTL
	}
	var stale []models.Order
	for _, o := range orders {
		id, ok := orderid.Parse(o.ClientOrderID)
		if !ok || id.Owner != orderid.PriceSupport {
			continue
		}
		if now.Sub(id.CreatedAt) >= ttl {
			stale = append(stale, o)
		}
	}
	return stale
}
