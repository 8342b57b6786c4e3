// Package fills reconciles the bot's recorded orders against the venue to
// detect executions.
package fills

import (
	"context"
	"fmt"
	"time"

	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/orderid"

	"go.uber.org/zap"
)

// DayKey formats the UTC trading day used for daily totals.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// OrderStore is the persistence the syncer needs.
type OrderStore interface {
	OpenOrderMappings(ctx context.Context, botID, symbol string) ([]models.OrderMapping, error)
	MarkOrderMapping(ctx context.Context, botID, clientOrderID string, state models.OrderMappingState) error
	AddFillNotional(ctx context.Context, botID, day string, delta float64) (float64, error)
}

// Syncer treats a mapped order that left the book without being cancelled by
// the runner as filled at its mapped price and quantity.
type Syncer struct {
	venues exchange.Resolver
	store  OrderStore
	now    func() time.Time
	logger *zap.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(venues exchange.Resolver, store OrderStore, logger *zap.Logger) *Syncer {
	return &Syncer{venues: venues, store: store, now: time.Now, logger: logger}
}

// WithClock replaces the time source, for tests.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// SyncFills updates the bot's daily traded notional and returns it together
// with the quote spent by newly filled price support orders.
func (s *Syncer) SyncFills(ctx context.Context, req models.FillsSyncRequest) (models.FillsSyncResult, error) {
	var res models.FillsSyncResult

	mappings, err := s.store.OpenOrderMappings(ctx, req.BotID, req.Symbol)
	if err != nil {
		return res, err
	}

	var delta float64
	if len(mappings) > 0 {
		ex, err := s.venues.Resolve(req.Exchange)
		if err != nil {
			return res, err
		}
		open, err := ex.GetOpenOrders(ctx, req.Symbol)
		if err != nil {
			return res, fmt.Errorf("sync fills: %w", err)
		}
		live := make(map[string]bool, len(open))
		for _, o := range open {
			live[o.ClientOrderID] = true
			live["#"+o.ID] = true
		}

		for _, m := range mappings {
			if live[m.ClientOrderID] || (m.OrderID != "" && live["#"+m.OrderID]) {
				continue
			}
			if err := s.store.MarkOrderMapping(ctx, req.BotID, m.ClientOrderID, models.MappingFilled); err != nil {
				return res, err
			}
			notional := m.Notional()
			delta += notional
			if orderid.OwnerOf(m.ClientOrderID) == orderid.PriceSupport {
				res.PriceSupportSpentDelta += notional
			}
			s.logger.Info("order filled",
				zap.String("bot_id", req.BotID),
				zap.String("client_order_id", m.ClientOrderID),
				zap.String("side", string(m.Side)),
				zap.Float64("price", m.Price),
				zap.Float64("qty", m.Qty),
				zap.Float64("notional", notional))
		}
	}

	total, err := s.store.AddFillNotional(ctx, req.BotID, DayKey(s.now()), delta)
	if err != nil {
		return res, err
	}
	res.TradedNotionalToday = total
	res.FilledNotional = delta
	return res, nil
}
