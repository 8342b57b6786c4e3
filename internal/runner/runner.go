// Package runner owns the per-bot tick loop.
//
// Each tick is strictly sequential: reload config, gate on status and license,
// fetch market and account state, sync fills, enforce risk and funds, reconcile
// the market-making ladder, run price support, then publish a runtime snapshot.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"binance-mm-runner/internal/alerts"
	"binance-mm-runner/internal/cache"
	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/feed"
	"binance-mm-runner/internal/funds"
	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/pricesupport"
	"binance-mm-runner/internal/reconciler"
	"binance-mm-runner/internal/risk"
	"binance-mm-runner/internal/statemanager"

	"go.uber.org/zap"
)

// accountStaleFactor bounds how old cached balances or open orders may be
// when served after a failed fetch.
const accountStaleFactor = 2

// errTickSkipped marks a tick abandoned for invalid market data. It is not a failure.
var errTickSkipped = errors.New("tick skipped")

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces the time source and the sleeper, for tests.
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(r *Runner) {
		r.now = now
		r.sleep = sleep
	}
}

// Runner drives one bot.
type Runner struct {
	botID  string
	cfg    models.RunnerConfig
	deps   Deps
	usage  Usage
	logger *zap.Logger
	now    func() time.Time
	sleep  SleepFunc

	bundle     atomic.Pointer[models.BotBundle]
	reloadNow  atomic.Bool // set by Wake
	lastReload time.Time
	license    string // non-empty while the license gate blocks trading

	state      *statemanager.StateManager
	execFeed   *feed.PriceFeed
	masterFeed *feed.PriceFeed
	balances   *cache.Cache[string, []models.Balance]
	openOrders *cache.Cache[string, []models.Order]
	reprice    reconciler.RepricePolicy
	risk       *risk.Engine
	funds      *funds.Guard
	support    *pricesupport.Controller
	backoff    *errclass.Backoff
	notifier   *alerts.Notifier
	wake       chan struct{}

	lastFillsSync time.Time
	tradedToday   float64

	inactiveCancelled bool
	riskTripped       bool
	riskAlertPending  bool
	fundsAlertPending bool
	fatalAlerted      bool
}

// New creates a Runner for botID. cfg must already carry defaults.
func New(botID string, cfg models.RunnerConfig, deps Deps, usage Usage, opts ...Option) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("bot_id", botID))

	r := &Runner{
		botID:  botID,
		cfg:    cfg,
		deps:   deps,
		usage:  usage,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	clock := func() time.Time { return r.now() }

	priceTTL := models.Ms(cfg.PriceFeedTTLMs)
	r.execFeed = feed.New(deps.Venues, priceTTL, logger).WithClock(clock)
	r.masterFeed = feed.New(deps.Venues, min(priceTTL, models.Ms(cfg.MasterStaleMs)/2), logger).WithClock(clock)
	r.balances = cache.New[string, []models.Balance](models.Ms(cfg.BalancesTTLMs)).WithClock(clock)
	r.openOrders = cache.New[string, []models.Order](models.Ms(cfg.OpenOrdersTTLMs)).WithClock(clock)
	r.risk = risk.NewEngine(models.RiskConfig{})
	r.funds = funds.NewGuard(models.Ms(cfg.FundsGraceMs))
	r.support = pricesupport.NewController()
	r.backoff = errclass.NewBackoff(models.Ms(cfg.MaxBackoffMs))
	r.state = statemanager.NewStateManager(statemanager.Running, logger)
	r.notifier = alerts.NewNotifier(deps.AlertSink, botID, r.minAlertLevel, logger)
	return r
}

// BotID returns the bot this runner drives.
func (r *Runner) BotID() string {
	return r.botID
}

// State returns the current lifecycle state and reason.
func (r *Runner) State() statemanager.Snapshot {
	return r.state.GetStateSnapshot()
}

// Wake makes the next tick reload the bot and interrupts a PAUSED/STOPPED
// wait, so an external status change is seen without waiting for the next
// reload or poll.
func (r *Runner) Wake() {
	r.reloadNow.Store(true)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) minAlertLevel() models.AlertLevel {
	if b := r.bundle.Load(); b != nil {
		return b.Notification.MinLevel
	}
	return models.AlertInfo
}

// Run loops until ctx is cancelled or, under the stop policy, a fatal error occurs.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", zap.String("failure_policy", string(r.cfg.FailurePolicy)))
	defer r.logger.Info("runner stopped")

	tick := models.Ms(r.cfg.TickMs)
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := r.now()
		err := r.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := max(0, tick-r.now().Sub(start))
		switch {
		case err == nil:
			r.backoff.Reset()
			r.fatalAlerted = false
		case errors.Is(err, errTickSkipped):
		default:
			d, stop := r.handleFailure(ctx, err, delay)
			if stop {
				return err
			}
			delay = d
		}

		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// handleFailure applies the failure policy and returns the delay before the
// next tick, or stop=true when the loop must end.
func (r *Runner) handleFailure(ctx context.Context, err error, remaining time.Duration) (time.Duration, bool) {
	category := errclass.Classify(err)
	b := r.bundle.Load()

	if errclass.Transient(category) {
		r.logger.Warn("tick failed", zap.String("category", string(category)), zap.Error(err))
		r.state.Set(statemanager.Error, string(category))
		r.writeStatus(ctx, b, string(category))
		if r.cfg.FailurePolicy == models.PolicyStop {
			return remaining, false
		}
		return r.backoff.Next(), false
	}

	reason := fmt.Sprintf("%s: %v", errclass.Fatal, err)
	r.logger.Error("fatal tick error", zap.Error(err))
	if b != nil {
		r.cancelAll(ctx, b, reason)
	}
	r.state.Set(statemanager.Error, reason)
	r.writeStatus(ctx, b, reason)
	if !r.fatalAlerted {
		r.fatalAlerted = true
		_ = r.notifier.Alert(ctx, models.AlertError, "Runner error", reason)
	}

	if r.cfg.FailurePolicy == models.PolicyStop {
		return 0, true
	}
	return r.backoff.Next(), false
}

// reload refreshes the bundle when ReloadEveryMs elapsed, or always when force is set.
func (r *Runner) reload(ctx context.Context, force bool) error {
	if r.reloadNow.Swap(false) {
		force = true
	}
	if !force && r.bundle.Load() != nil && r.now().Sub(r.lastReload) < models.Ms(r.cfg.ReloadEveryMs) {
		return nil
	}
	b, err := r.deps.Store.LoadBotAndConfigs(ctx, r.botID)
	if err != nil {
		return fmt.Errorf("reload bot: %w", err)
	}
	r.bundle.Store(b)
	r.lastReload = r.now()

	r.risk = risk.NewEngine(b.Risk)
	r.reprice.MinInterval = models.Ms(b.MM.MinRepriceMs)
	r.reprice.MinMovePct = b.MM.MinRepricePct
	r.reprice.ActionCooldown = models.Ms(b.MM.ActionCooldownMs)

	return r.checkLicense(ctx, b)
}

func (r *Runner) checkLicense(ctx context.Context, b *models.BotBundle) error {
	if r.deps.License == nil {
		return nil
	}
	res, err := r.deps.License.EnsureLicense(ctx, models.LicenseRequest{
		BotCount:        r.usage.BotCount,
		CexCount:        r.usage.CexCount,
		UsePriceSupport: b.PriceSupport.Enabled,
		UsePriceFollow:  b.Bot.PriceFollowEnabled,
	})
	if err != nil {
		return fmt.Errorf("ensure license: %w", err)
	}
	allowed, reason := res.Allowed()
	if allowed {
		if r.license != "" {
			r.logger.Info("license gate cleared")
		}
		r.license = ""
		return nil
	}
	if reason == "" {
		reason = "not allowed"
	}
	r.license = reason
	return nil
}

// inactive returns the state the bot must idle in, or "" when it may trade.
func (r *Runner) inactive(b *models.BotBundle) (statemanager.State, string) {
	switch b.Bot.Status {
	case models.StatusStopped:
		return statemanager.Stopped, "STOPPED"
	case models.StatusPaused:
		return statemanager.Paused, "PAUSED"
	}
	if r.license != "" {
		return statemanager.Paused, fmt.Sprintf("%s: %s", errclass.LicenseBlocked, r.license)
	}
	return "", ""
}

// waitWhileInactive idles while the bot is paused, stopped or unlicensed.
// Orders are cancelled once on entering; status is polled every StatusPollMs.
func (r *Runner) waitWhileInactive(ctx context.Context) error {
	for {
		b := r.bundle.Load()
		st, reason := r.inactive(b)
		if st == "" {
			if r.inactiveCancelled {
				r.logger.Info("resuming")
				r.inactiveCancelled = false
			}
			return nil
		}

		if prev := r.state.GetStateSnapshot(); prev.State != st || prev.Reason != reason {
			r.state.Set(st, reason)
			r.writeStatus(ctx, b, reason)
		}
		if !r.inactiveCancelled {
			r.cancelAll(ctx, b, reason)
			r.inactiveCancelled = true
		}

		if err := r.pollWait(ctx); err != nil {
			return err
		}
		if err := r.reload(ctx, true); err != nil {
			return err
		}
	}
}

func (r *Runner) pollWait(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.wake:
			cancel()
		case <-pollCtx.Done():
		}
	}()
	_ = r.sleep(pollCtx, models.Ms(r.cfg.StatusPollMs))
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// writeStatus publishes a snapshot that carries only status and reason.
func (r *Runner) writeStatus(ctx context.Context, b *models.BotBundle, reason string) {
	snap := models.RuntimeSnapshot{BotID: r.botID, Reason: reason, TradedNotionalToday: r.tradedToday}
	if b != nil {
		snap.Symbol = b.Bot.Symbol
	}
	r.writeRuntime(ctx, snap)
}

// writeRuntime is best-effort: failures are logged and never retried.
func (r *Runner) writeRuntime(ctx context.Context, snap models.RuntimeSnapshot) {
	snap.Status = string(r.state.State())
	snap.UpdatedAt = r.now()
	if err := r.deps.Store.WriteRuntime(ctx, snap); err != nil {
		r.logger.Debug("write runtime failed", zap.Error(err))
	}
}
