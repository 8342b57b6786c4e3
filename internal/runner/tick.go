package runner

import (
	"context"
	"fmt"

	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/feed"
	"binance-mm-runner/internal/funds"
	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/orderid"
	"binance-mm-runner/internal/pricesupport"
	"binance-mm-runner/internal/quoting"
	"binance-mm-runner/internal/reconciler"
	"binance-mm-runner/internal/risk"
	"binance-mm-runner/internal/statemanager"

	"go.uber.org/zap"
)

// tickState is the consistent view one tick works on.
type tickState struct {
	b      *models.BotBundle
	ex     exchange.Exchange
	base   string
	quote  string
	exec   models.MidPrice
	ref    models.MidPrice // drives quoting: master when following
	follow *feed.Follow

	balances      []models.Balance
	balancesStale bool
	open          []models.Order
	mm            []models.Order
	ps            []models.Order

	reason string
}

func (r *Runner) tick(ctx context.Context) error {
	if err := r.reload(ctx, false); err != nil {
		return err
	}
	if err := r.waitWhileInactive(ctx); err != nil {
		return err
	}

	b := r.bundle.Load().Clone()
	t := &tickState{b: b}
	t.base, t.quote = models.SplitSymbol(b.Bot.Symbol)

	ex, err := r.deps.Venues.Resolve(b.Bot.Exchange)
	if err != nil {
		return err
	}
	t.ex = ex

	if err := r.loadMarket(ctx, t); err != nil {
		return err
	}
	if err := r.loadAccount(ctx, t); err != nil {
		return err
	}
	if err := r.syncFills(ctx, t); err != nil {
		return err
	}

	proceed, err := r.enforceRisk(ctx, t)
	if err != nil {
		return err
	}
	if proceed {
		proceed, err = r.enforceFunds(ctx, t)
		if err != nil {
			return err
		}
	}
	if proceed {
		if err := r.reconcileMM(ctx, t); err != nil {
			return err
		}
		if err := r.runPriceSupport(ctx, t); err != nil {
			return err
		}
	}

	r.state.Set(statemanager.Running, t.reason)
	r.publish(ctx, t)
	return nil
}

// loadMarket fetches the execution snapshot and, when following, the master.
func (r *Runner) loadMarket(ctx context.Context, t *tickState) error {
	exec, err := r.execFeed.GetMarketPrice(ctx, t.b.Bot.Exchange, t.b.Bot.Symbol)
	if err != nil {
		return err
	}
	if err := feed.Validate(exec); err != nil {
		return r.skipTick(ctx, t, err)
	}
	t.exec, t.ref = exec, exec

	if !t.b.Bot.PriceFollowEnabled {
		return nil
	}
	venue, symbol := t.b.Bot.PriceSourceExchange, t.b.Bot.PriceSourceSymbol
	if venue == "" {
		venue = t.b.Bot.Exchange
	}
	if symbol == "" {
		symbol = t.b.Bot.Symbol
	}
	master, err := r.masterFeed.GetMarketPrice(ctx, venue, symbol)
	if err != nil {
		return err
	}
	if err := feed.Validate(master); err != nil {
		return r.skipTick(ctx, t, err)
	}
	follow, err := feed.NewFollow(master, exec, r.now(), models.Ms(r.cfg.MasterStaleMs))
	if err != nil {
		return err
	}
	t.follow = &follow
	t.ref = master
	return nil
}

// skipTick reports invalid market data without touching orders or state.
func (r *Runner) skipTick(ctx context.Context, t *tickState, cause error) error {
	reason := fmt.Sprintf("%s: %v", errclass.MarketDataInvalid, cause)
	r.logger.Warn("skipping tick", zap.String("reason", reason))
	r.writeRuntime(ctx, models.RuntimeSnapshot{
		BotID:               r.botID,
		Symbol:              t.b.Bot.Symbol,
		Reason:              reason,
		TradedNotionalToday: r.tradedToday,
	})
	return errTickSkipped
}

// loadAccount reads balances and open orders through their caches, falling
// back to recent stale values when a fetch fails.
func (r *Runner) loadAccount(ctx context.Context, t *tickState) error {
	key := t.b.Bot.Exchange
	if bals, ok := r.balances.Fresh(key); ok {
		t.balances = bals
	} else if bals, err := t.ex.GetBalances(ctx); err == nil {
		t.balances = models.NormalizeBalances(bals)
		r.balances.Set(key, t.balances)
	} else if cached, age, ok := r.balances.Get(key); ok && age < accountStaleFactor*r.balances.TTL() {
		r.logger.Warn("balances fetch failed, using cached", zap.Duration("age", age), zap.Error(err))
		t.balances, t.balancesStale = cached, true
	} else {
		return fmt.Errorf("get balances: %w", err)
	}

	symbol := t.b.Bot.Symbol
	if orders, ok := r.openOrders.Fresh(symbol); ok {
		t.open = orders
	} else if orders, err := t.ex.GetOpenOrders(ctx, symbol); err == nil {
		t.open = orders
		r.openOrders.Set(symbol, orders)
	} else if cached, age, ok := r.openOrders.Get(symbol); ok && age < accountStaleFactor*r.openOrders.TTL() {
		r.logger.Warn("open orders fetch failed, using cached", zap.Duration("age", age), zap.Error(err))
		t.open = cached
	} else {
		return fmt.Errorf("get open orders: %w", err)
	}

	for _, o := range t.open {
		switch orderid.CategoryOf(o.ClientOrderID) {
		case orderid.CategoryMM:
			t.mm = append(t.mm, o)
		case orderid.CategoryPS:
			t.ps = append(t.ps, o)
		}
	}
	return nil
}

// syncFills polls the fills syncer every FillsEveryMs. Spend on price support
// is persisted and applied to the running config immediately, and account
// state is refetched when anything filled.
func (r *Runner) syncFills(ctx context.Context, t *tickState) error {
	if r.deps.Fills == nil {
		return nil
	}
	now := r.now()
	if !r.lastFillsSync.IsZero() && now.Sub(r.lastFillsSync) < models.Ms(r.cfg.FillsEveryMs) {
		return nil
	}
	res, err := r.deps.Fills.SyncFills(ctx, models.FillsSyncRequest{
		BotID:    r.botID,
		Symbol:   t.b.Bot.Symbol,
		Exchange: t.b.Bot.Exchange,
	})
	if err != nil {
		r.logger.Warn("fills sync failed", zap.Error(err))
		return nil
	}
	r.lastFillsSync = now
	r.tradedToday = res.TradedNotionalToday

	if res.PriceSupportSpentDelta > 0 {
		cfg, err := r.deps.Store.AddPriceSupportSpent(ctx, r.botID, res.PriceSupportSpentDelta)
		if err != nil {
			return err
		}
		t.b.PriceSupport = cfg
		r.bundle.Store(t.b.Clone())
		r.logger.Info("price support spend recorded",
			zap.Float64("delta", res.PriceSupportSpentDelta),
			zap.Float64("spent", cfg.SpentUSDT))
	}

	if res.FilledNotional > 0 {
		// fills moved balances and removed orders from the book
		r.invalidateAccount(t)
		t.mm, t.ps = nil, nil
		if err := r.loadAccount(ctx, t); err != nil {
			return err
		}
	}
	r.support.Settle(t.ps)
	return nil
}

// enforceRisk returns false when trading is blocked this tick. A new
// violation cancels all orders once, then disables the strategies, then alerts.
func (r *Runner) enforceRisk(ctx context.Context, t *tickState) (bool, error) {
	snap := risk.Snapshot{
		Balances:   t.balances,
		Base:       t.base,
		Quote:      t.quote,
		Mid:        t.exec.Mid,
		Bid:        t.exec.Bid,
		Ask:        t.exec.Ask,
		OpenOrders: len(t.open),
	}
	if t.follow != nil {
		dev := t.follow.DeviationPct
		snap.DeviationPct = &dev
	}

	res := r.risk.Evaluate(snap)
	if res.OK {
		r.riskTripped = false
		r.riskAlertPending = false
		return true, nil
	}

	reason := fmt.Sprintf("%s: %s", errclass.RiskTriggered, res.Reason)
	t.reason = reason
	if !r.riskTripped {
		r.logger.Warn("risk triggered", zap.String("reason", res.Reason))
		r.cancelAll(ctx, t.b, reason)
		r.riskTripped = true
		r.riskAlertPending = true
	}
	if err := r.disableStrategies(ctx, t.b); err != nil {
		return false, err
	}
	if r.riskAlertPending {
		r.riskAlertPending = false
		_ = r.notifier.Alert(ctx, models.AlertError, "Risk triggered", reason)
	}
	return false, nil
}

// enforceFunds returns false once the low-funds grace period has elapsed.
func (r *Runner) enforceFunds(ctx context.Context, t *tickState) (bool, error) {
	// funds locked by the bot's own orders come back on the next reprice
	ownQuote, ownBase := ownLocked(t.mm, t.ps)
	d := r.funds.Check(r.now(), funds.Input{
		MMEnabled:      t.b.Bot.MMEnabled,
		BalancesStale:  t.balancesStale,
		Mid:            t.exec.Mid,
		QuoteAvailable: models.FindBalance(t.balances, t.quote).Free + ownQuote,
		BaseAvailable:  models.FindBalance(t.balances, t.base).Free + ownBase,
		BudgetQuote:    t.b.MM.BudgetQuoteUSDT,
		BudgetBase:     t.b.MM.BudgetBaseToken,
		MinOrderUSDT:   t.b.MM.MinOrderUSDT,
	})

	switch d.Action {
	case funds.Waiting:
		t.reason = d.Reason
		return true, nil
	case funds.Disable:
		t.reason = d.Reason
		if d.Alert {
			r.logger.Warn("funds low, disabling strategies", zap.String("reason", d.Reason))
			r.cancelAll(ctx, t.b, d.Reason)
			r.fundsAlertPending = true
		}
		if err := r.disableStrategies(ctx, t.b); err != nil {
			return false, err
		}
		if r.fundsAlertPending {
			r.fundsAlertPending = false
			_ = r.notifier.Alert(ctx, models.AlertWarn, "Funds low", d.Reason)
		}
		return false, nil
	}
	return true, nil
}

// disableStrategies persists MM and price support as disabled. It is a no-op
// when both are already off.
func (r *Runner) disableStrategies(ctx context.Context, b *models.BotBundle) error {
	if b.Bot.MMEnabled {
		if err := r.deps.Store.UpdateBotFlags(ctx, r.botID, models.BotFlags{MMEnabled: false}); err != nil {
			return err
		}
		b.Bot.MMEnabled = false
	}
	if b.PriceSupport.Enabled {
		cfg := b.PriceSupport
		cfg.Enabled = false
		if err := r.deps.Store.UpdatePriceSupportConfig(ctx, r.botID, cfg); err != nil {
			return err
		}
		b.PriceSupport = cfg
	}
	r.bundle.Store(b.Clone())
	return nil
}

// reconcileMM moves the live MM orders toward the desired ladder. Cancels are
// issued first; when any cancel fails nothing is placed this tick.
func (r *Runner) reconcileMM(ctx context.Context, t *tickState) error {
	if !t.b.Bot.MMEnabled {
		if len(t.mm) > 0 {
			r.logger.Info("market making disabled, cancelling its orders", zap.Int("orders", len(t.mm)))
			r.cancelOrders(ctx, t, t.mm)
		}
		return nil
	}

	now := r.now()
	desired := quoting.BuildQuotes(quoting.Input{
		Symbol:    t.b.Bot.Symbol,
		Reference: t.ref,
		Exec:      t.exec,
		Config:    t.b.MM,
	})
	if !r.reprice.Allow(now, t.ref.Mid, len(t.mm), r.support.LastActionAt()) {
		return nil
	}
	plan := reconciler.Diff(desired, t.mm, t.b.MM.PriceEpsPct, t.b.MM.QtyEpsPct)
	if plan.Empty() {
		return nil
	}
	r.logger.Debug("reconcile",
		zap.Int("desired", len(desired)),
		zap.Int("live", len(t.mm)),
		zap.Int("cancel", len(plan.Cancel)),
		zap.Int("place", len(plan.Place)))

	if failed := r.cancelOrders(ctx, t, plan.Cancel); failed > 0 {
		r.logger.Warn("cancel pending, skipping placement", zap.Int("failed", failed))
		return nil
	}
	for _, q := range plan.Place {
		owner := orderid.MMBuy
		if q.Side == models.Sell {
			owner = orderid.MMSell
		}
		q.ClientOrderID = orderid.New(owner, now)
		if _, err := r.place(ctx, t, q); err != nil {
			return err
		}
	}
	r.reprice.MarkRepriced(now, t.ref.Mid)
	return nil
}

// runPriceSupport cancels expired support orders and places at most one
// resting support order at a time.
func (r *Runner) runPriceSupport(ctx context.Context, t *tickState) error {
	now := r.now()
	cfg := t.b.PriceSupport

	resting := t.ps
	if !cfg.Enabled {
		if len(resting) > 0 {
			r.cancelOrders(ctx, t, resting)
		}
		return nil
	}
	if stale := pricesupport.StaleOrders(now, resting, models.Ms(cfg.OrderTTLMs)); len(stale) > 0 {
		r.logger.Info("cancelling expired price support orders", zap.Int("orders", len(stale)))
		if failed := r.cancelOrders(ctx, t, stale); failed > 0 {
			return nil
		}
		resting = nil
	}

	d := r.support.Step(now, pricesupport.Input{
		Symbol:       t.b.Bot.Symbol,
		Mid:          t.exec.Mid,
		Bid:          t.exec.Bid,
		Ask:          t.exec.Ask,
		FreeUSDT:     models.FindBalance(t.balances, t.quote).Free,
		MinOrderUSDT: t.b.MM.MinOrderUSDT,
		PriceTick:    t.b.MM.PriceTick,
		QtyStep:      t.b.MM.QtyStep,
		Config:       cfg,
	})
	if d.Deactivate {
		if err := r.deps.Store.UpdatePriceSupportConfig(ctx, r.botID, d.Config); err != nil {
			return err
		}
		t.b.PriceSupport = d.Config
		r.bundle.Store(t.b.Clone())
	}
	if d.Alert {
		_ = r.notifier.Alert(ctx, models.AlertWarn, "Price support budget exhausted", d.Reason)
	}
	if d.Quote == nil || len(resting) > 0 {
		return nil
	}

	q := *d.Quote
	q.ClientOrderID = orderid.New(orderid.PriceSupport, now)
	accepted, err := r.place(ctx, t, q)
	if accepted {
		r.support.MarkAction(now, q.ClientOrderID, q.Notional())
	}
	if err != nil || !accepted {
		return err
	}
	r.logger.Info(d.Reason)
	return nil
}

// place submits q and records its order mapping. It reports whether the
// venue accepted the order. Rejections that are not transient are logged and
// skipped; transient failures abort the tick.
func (r *Runner) place(ctx context.Context, t *tickState, q models.Quote) (bool, error) {
	defer r.invalidateAccount(t)
	id, err := t.ex.PlaceOrder(ctx, q)
	if err != nil {
		if errclass.Transient(errclass.Classify(err)) {
			return false, fmt.Errorf("place %s: %w", q.ClientOrderID, err)
		}
		r.logger.Warn("order rejected",
			zap.String("client_order_id", q.ClientOrderID),
			zap.String("side", string(q.Side)),
			zap.Float64("price", q.Price),
			zap.Float64("qty", q.Qty),
			zap.Error(err))
		return false, nil
	}
	now := r.now()
	return true, r.deps.Store.UpsertOrderMap(ctx, models.OrderMapping{
		BotID:         r.botID,
		Symbol:        q.Symbol,
		Exchange:      t.b.Bot.Exchange,
		ClientOrderID: q.ClientOrderID,
		OrderID:       id,
		Side:          q.Side,
		Price:         q.Price,
		Qty:           q.Qty,
		QuoteQty:      q.QuoteQty,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// cancelOrders cancels each order best-effort and returns how many failed.
func (r *Runner) cancelOrders(ctx context.Context, t *tickState, orders []models.Order) int {
	if len(orders) == 0 {
		return 0
	}
	defer r.invalidateAccount(t)
	failed := 0
	for _, o := range orders {
		if err := t.ex.CancelOrder(ctx, t.b.Bot.Symbol, o.ID); err != nil {
			failed++
			r.logger.Warn("cancel failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		r.support.Release(o.ClientOrderID)
		if err := r.deps.Store.MarkOrderMapping(ctx, r.botID, o.ClientOrderID, models.MappingCanceled); err != nil {
			r.logger.Debug("mark mapping cancelled failed", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
		}
	}
	return failed
}

// cancelAll is best-effort; failures are logged.
func (r *Runner) cancelAll(ctx context.Context, b *models.BotBundle, reason string) {
	symbol := b.Bot.Symbol
	r.balances.Invalidate(b.Bot.Exchange)
	r.openOrders.Invalidate(symbol)

	ex, err := r.deps.Venues.Resolve(b.Bot.Exchange)
	if err != nil {
		r.logger.Warn("cancel all: no venue", zap.Error(err))
		return
	}
	if err := ex.CancelAll(ctx, symbol); err != nil {
		r.logger.Warn("cancel all failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	r.logger.Info("cancelled all orders", zap.String("symbol", symbol), zap.String("reason", reason))
	if err := r.deps.Store.MarkSymbolCanceled(ctx, r.botID, symbol); err != nil {
		r.logger.Debug("mark mappings cancelled failed", zap.Error(err))
	}
}

// ownLocked sums what the given orders lock: quote for buys, base for sells.
func ownLocked(groups ...[]models.Order) (quote, base float64) {
	for _, orders := range groups {
		for _, o := range orders {
			if o.Side == models.Buy {
				quote += o.Price * o.Qty
			} else {
				base += o.Qty
			}
		}
	}
	return quote, base
}

func (r *Runner) invalidateAccount(t *tickState) {
	r.balances.Invalidate(t.b.Bot.Exchange)
	r.openOrders.Invalidate(t.b.Bot.Symbol)
}

func (r *Runner) publish(ctx context.Context, t *tickState) {
	r.writeRuntime(ctx, models.RuntimeSnapshot{
		BotID:               r.botID,
		Symbol:              t.b.Bot.Symbol,
		Reason:              t.reason,
		Mid:                 t.exec.Mid,
		Bid:                 t.exec.Bid,
		Ask:                 t.exec.Ask,
		OpenOrders:          len(t.open),
		OpenOrdersMM:        len(t.mm),
		OpenOrdersPS:        len(t.ps),
		FreeUSDT:            models.FindBalance(t.balances, t.quote).Free,
		FreeBase:            models.FindBalance(t.balances, t.base).Free,
		TradedNotionalToday: r.tradedToday,
	})
}
