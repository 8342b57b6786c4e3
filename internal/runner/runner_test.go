package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/fills"
	"binance-mm-runner/internal/license"
	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/orderid"
	"binance-mm-runner/internal/persistence"
	"binance-mm-runner/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "ABCUSDT"

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.list() {
		if e == name {
			n++
		}
	}
	return n
}

type recordingExchange struct {
	exchange.Exchange
	rec *recorder
}

func (e *recordingExchange) PlaceOrder(ctx context.Context, q models.Quote) (string, error) {
	e.rec.add("PlaceOrder")
	return e.Exchange.PlaceOrder(ctx, q)
}

func (e *recordingExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.rec.add("CancelOrder")
	return e.Exchange.CancelOrder(ctx, symbol, orderID)
}

func (e *recordingExchange) CancelAll(ctx context.Context, symbol string) error {
	e.rec.add("CancelAll")
	return e.Exchange.CancelAll(ctx, symbol)
}

type recordingStore struct {
	*persistence.Store
	rec *recorder
}

func (s *recordingStore) UpdateBotFlags(ctx context.Context, botID string, flags models.BotFlags) error {
	s.rec.add("UpdateBotFlags")
	return s.Store.UpdateBotFlags(ctx, botID, flags)
}

// fakeClock advances only when the runner sleeps or the test says so.
type fakeClock struct {
	mu          sync.Mutex
	t           time.Time
	sleeps      []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	n := len(c.sleeps)
	c.mu.Unlock()
	if c.cancel != nil && c.cancelAfter > 0 && n >= c.cancelAfter {
		c.cancel()
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type harness struct {
	r     *Runner
	store *persistence.Store
	paper *exchange.PaperExchange
	reg   *exchange.Registry
	rec   *recorder
	clock *fakeClock
}

func testBundle() models.BotBundle {
	return models.BotBundle{
		Bot: models.BotConfig{ID: "b1", Symbol: symbol, Exchange: "paper", Status: models.StatusRunning, MMEnabled: true},
		MM: models.MarketMakingConfig{
			BudgetQuoteUSDT: 100,
			BudgetBaseToken: 100,
			SpreadPct:       0.01,
			StepPct:         0.005,
			Levels:          2,
			PriceEpsPct:     0.001,
			QtyEpsPct:       0.01,
			PriceTick:       0.0001,
			QtyStep:         0.01,
			MinOrderUSDT:    5,
		},
		Notification: models.NotificationConfig{MinLevel: models.AlertInfo},
	}
}

func newHarness(t *testing.T, bundle models.BotBundle, cfg models.RunnerConfig, balances map[string]float64, gate LicenseGate, usage Usage) *harness {
	t.Helper()
	store, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveBundle(context.Background(), &bundle))

	if balances == nil {
		balances = map[string]float64{"USDT": 1000, "ABC": 1000}
	}
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	paper := exchange.NewPaperExchange(models.PaperConfig{
		Prices:    map[string]float64{symbol: 1.0},
		SpreadPct: 0.002,
		Balances:  balances,
	})
	paper.SetClock(clock.Now)

	rec := &recorder{}
	reg := exchange.NewRegistry()
	reg.Register("paper", &recordingExchange{Exchange: paper, rec: rec})

	deps := Deps{
		Store:     &recordingStore{Store: store, rec: rec},
		Venues:    reg,
		AlertSink: store,
		Fills:     fills.NewSyncer(reg, store, zap.NewNop()).WithClock(clock.Now),
		License:   gate,
		Logger:    zap.NewNop(),
	}
	r := New("b1", cfg.WithDefaults(), deps, usage, WithClock(clock.Now, clock.Sleep))
	return &harness{r: r, store: store, paper: paper, reg: reg, rec: rec, clock: clock}
}

func (h *harness) alerts(t *testing.T, title string) int {
	t.Helper()
	all, err := h.store.ListAlerts(context.Background(), "b1")
	require.NoError(t, err)
	n := 0
	for _, a := range all {
		if a.Title == title {
			n++
		}
	}
	return n
}

func (h *harness) bundle(t *testing.T) *models.BotBundle {
	t.Helper()
	b, err := h.store.LoadBotAndConfigs(context.Background(), "b1")
	require.NoError(t, err)
	return b
}

func (h *harness) runFor(t *testing.T, sleeps int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.cancel = cancel
	h.clock.cancelAfter = sleeps
	return h.r.Run(ctx)
}

func TestTickPlacesLadderAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 4, h.rec.count("PlaceOrder"))

	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 4)
	for _, o := range open {
		assert.Equal(t, orderid.CategoryMM, orderid.CategoryOf(o.ClientOrderID), o.ClientOrderID)
	}
	mappings, err := h.store.OpenOrderMappings(ctx, "b1", symbol)
	require.NoError(t, err)
	assert.Len(t, mappings, 4)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 4, h.rec.count("PlaceOrder"), "unchanged market must not re-place")
	assert.Zero(t, h.rec.count("CancelOrder"))

	snaps, err := h.store.ListRuntime(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "RUNNING", snaps[0].Status)
	assert.Equal(t, 4, snaps[0].OpenOrders)
	assert.Equal(t, 4, snaps[0].OpenOrdersMM)
	assert.Zero(t, snaps[0].OpenOrdersPS)
	assert.LessOrEqual(t, snaps[0].OpenOrdersMM+snaps[0].OpenOrdersPS, snaps[0].OpenOrders)
}

func TestTickRepricesWhenMarketMoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	require.Equal(t, 4, h.rec.count("PlaceOrder"))

	h.paper.SetPrice(symbol, 1.002) // inside the ladder, nothing fills
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 4, h.rec.count("CancelOrder"))
	assert.Equal(t, 8, h.rec.count("PlaceOrder"))

	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Len(t, open, 4)
}

func TestRiskBlockCancelsOnceBeforeDisablingFlags(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Risk = models.RiskConfig{Enabled: true, MaxSpreadPct: 0.001}
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, []string{"CancelAll", "UpdateBotFlags"}, h.rec.list())
	assert.False(t, h.bundle(t).Bot.MMEnabled)
	assert.Equal(t, 1, h.alerts(t, "Risk triggered"))

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, []string{"CancelAll", "UpdateBotFlags"}, h.rec.list(), "still blocked: no new cancels, flags or places")
	assert.Equal(t, 1, h.alerts(t, "Risk triggered"))

	snap := h.r.State()
	assert.Equal(t, statemanager.Running, snap.State)
	assert.True(t, strings.HasPrefix(snap.Reason, "RISK_TRIGGERED: "), snap.Reason)
}

func TestFundsDisableAfterGrace(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.MM.BudgetBaseToken = 0
	h := newHarness(t, b, models.RunnerConfig{}, map[string]float64{"USDT": 1}, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	assert.True(t, strings.HasPrefix(h.r.State().Reason, "FUNDS_LOW: waiting"), h.r.State().Reason)

	h.clock.Advance(59999 * time.Millisecond)
	require.NoError(t, h.r.tick(ctx))
	assert.True(t, h.bundle(t).Bot.MMEnabled, "not disabled before the grace period")
	assert.Zero(t, h.rec.count("CancelAll"))

	h.clock.Advance(time.Millisecond)
	require.NoError(t, h.r.tick(ctx))
	assert.False(t, h.bundle(t).Bot.MMEnabled)
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Equal(t, 1, h.alerts(t, "Funds low"))
	assert.True(t, strings.HasPrefix(h.r.State().Reason, "FUNDS_LOW: strategies disabled"))

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Equal(t, 1, h.alerts(t, "Funds low"))
	assert.Empty(t, h.r.State().Reason)
}

func TestTransientErrorsBackOffAndReset(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{MaxBackoffMs: 8000}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	for range 5 {
		h.paper.FailNext("GetMidPrice", &errclass.NetworkError{Op: "GetMidPrice", Err: errors.New("connection reset")})
	}

	require.NoError(t, h.runFor(t, 7))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
		2 * time.Second, 2 * time.Second,
	}, h.clock.Sleeps())
	assert.Equal(t, statemanager.Running, h.r.State().State)
	assert.Zero(t, h.rec.count("CancelAll"), "transient errors never cancel")
}

func TestTransientErrorReportsCategory(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	h.paper.FailNext("GetMidPrice", &errclass.RateLimitError{Op: "GetMidPrice", StatusCode: 429})
	h.paper.FailNext("GetMidPrice", &errclass.RateLimitError{Op: "GetMidPrice", StatusCode: 429})

	require.NoError(t, h.runFor(t, 1))
	snap := h.r.State()
	assert.Equal(t, statemanager.Error, snap.State)
	assert.Equal(t, "RATE_LIMIT", snap.Reason)

	snaps, err := h.store.ListRuntime(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ERROR", snaps[0].Status)
}

func TestStopPolicyWaitsRemainingTickOnTransient(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{FailurePolicy: models.PolicyStop}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	h.paper.FailNext("GetMidPrice", &errclass.NetworkError{Op: "GetMidPrice", Err: errors.New("timeout")})
	h.paper.FailNext("GetMidPrice", &errclass.NetworkError{Op: "GetMidPrice", Err: errors.New("timeout")})

	require.NoError(t, h.runFor(t, 2))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Sleeps())
}

func TestFatalStopPolicy(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{FailurePolicy: models.PolicyStop}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	h.paper.FailNext("GetBalances", errors.New("account has been frozen"))

	err := h.runFor(t, 10)
	require.Error(t, err)
	assert.Empty(t, h.clock.Sleeps())
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Equal(t, 1, h.alerts(t, "Runner error"))

	snap := h.r.State()
	assert.Equal(t, statemanager.Error, snap.State)
	assert.True(t, strings.HasPrefix(snap.Reason, "FATAL: "), snap.Reason)
}

func TestFatalBackoffPolicyAlertsOncePerEpisode(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	h.paper.FailNext("GetBalances", errors.New("account has been frozen"))
	h.paper.FailNext("GetBalances", errors.New("account has been frozen"))

	require.NoError(t, h.runFor(t, 3))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, 2, h.rec.count("CancelAll"))
	assert.Equal(t, 1, h.alerts(t, "Runner error"))
	assert.Equal(t, statemanager.Running, h.r.State().State)
}

func TestMissingBotIsFatal(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{FailurePolicy: models.PolicyStop}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	r := New("ghost", h.r.cfg, h.r.deps, Usage{}, WithClock(h.clock.Now, h.clock.Sleep))

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, persistence.ErrBotNotFound)
	assert.Zero(t, h.rec.count("CancelAll"))
}

func TestMasterFeedStaleAbortsTick(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Bot.PriceFollowEnabled = true
	b.Bot.PriceSourceExchange = "master"
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 2})

	master := exchange.NewPaperExchange(models.PaperConfig{Prices: map[string]float64{symbol: 1.01}})
	master.SetClock(func() time.Time { return h.clock.Now().Add(-time.Minute) })
	h.reg.Register("master", master)

	err := h.r.tick(ctx)
	require.Error(t, err)
	assert.Equal(t, errclass.MasterFeedStale, errclass.Classify(err))
	assert.Zero(t, h.rec.count("PlaceOrder"))
}

func TestPriceFollowQuotesAroundMaster(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Bot.PriceFollowEnabled = true
	b.Bot.PriceSourceExchange = "master"
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 2})

	master := exchange.NewPaperExchange(models.PaperConfig{Prices: map[string]float64{symbol: 0.9}})
	master.SetClock(h.clock.Now)
	h.reg.Register("master", master)

	require.NoError(t, h.r.tick(ctx))
	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.NotEmpty(t, open)
	for _, o := range open {
		if o.Side == models.Buy {
			assert.Less(t, o.Price, 0.9)
		} else {
			assert.Greater(t, o.Price, 0.999, "asks stay above the execution bid")
		}
	}
}

func TestInvalidMarketDataSkipsTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	h.paper.SetPrice(symbol, 0)

	err := h.r.tick(ctx)
	assert.ErrorIs(t, err, errTickSkipped)
	assert.Zero(t, h.rec.count("PlaceOrder"))
	assert.Equal(t, statemanager.Running, h.r.State().State)

	snaps, err := h.store.ListRuntime(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, strings.HasPrefix(snaps[0].Reason, "MARKET_DATA_INVALID"))
}

func TestPausedCancelsOnceAndResumes(t *testing.T) {
	b := testBundle()
	b.Bot.Status = models.StatusPaused
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.runFor(t, 3))
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond}, h.clock.Sleeps())
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Zero(t, h.rec.count("PlaceOrder"))
	assert.Equal(t, statemanager.Paused, h.r.State().State)

	require.NoError(t, h.store.UpdateBotStatus(context.Background(), "b1", models.StatusRunning))
	h.clock.cancel = nil
	require.NoError(t, h.r.tick(context.Background()))
	assert.Equal(t, statemanager.Running, h.r.State().State)
	assert.Equal(t, 4, h.rec.count("PlaceOrder"))
	assert.Equal(t, 1, h.rec.count("CancelAll"))
}

func TestWakeInterruptsPoll(t *testing.T) {
	b := testBundle()
	b.Bot.Status = models.StatusStopped
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blocked := make(chan struct{})
	r := New("b1", h.r.cfg, h.r.deps, Usage{}, WithClock(h.clock.Now, func(ctx context.Context, d time.Duration) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, r.reload(ctx, true))

	done := make(chan error, 1)
	go func() {
		done <- r.pollWait(ctx)
	}()
	<-blocked
	r.Wake()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wake did not interrupt the poll")
	}
}

func TestLicenseBlockedPauses(t *testing.T) {
	gate := license.NewGate(models.LicenseConfig{MaxBots: 1})
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, gate, Usage{BotCount: 2, CexCount: 1})

	require.NoError(t, h.runFor(t, 2))
	snap := h.r.State()
	assert.Equal(t, statemanager.Paused, snap.State)
	assert.Equal(t, "LICENSE_BLOCKED: bot limit exceeded (2 > 1)", snap.Reason)
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Zero(t, h.rec.count("PlaceOrder"))
}

func TestPriceSupportBuysBelowFloorAndRecordsSpend(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Bot.MMEnabled = false
	b.PriceSupport = models.PriceSupportConfig{
		Enabled:      true,
		Mode:         models.SupportPassive,
		FloorPrice:   1.2,
		BudgetUSDT:   50,
		MaxOrderUSDT: 20,
	}
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, orderid.PriceSupport, orderid.OwnerOf(open[0].ClientOrderID))
	assert.Equal(t, models.Buy, open[0].Side)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 1, h.rec.count("PlaceOrder"), "one resting support order at a time")

	h.paper.SetPrice(symbol, 0.99) // fills the support bid
	h.clock.Advance(16 * time.Second)
	require.NoError(t, h.r.tick(ctx))

	spent := h.bundle(t).PriceSupport.SpentUSDT
	assert.InDelta(t, 20, spent, 0.05)
	assert.Equal(t, 2, h.rec.count("PlaceOrder"))

	open, err = h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Less(t, open[0].Price, 0.99)

	snaps, err := h.store.ListRuntime(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 20, snaps[0].TradedNotionalToday, 0.05)
	assert.Zero(t, snaps[0].OpenOrdersPS, "the filled order left the book before this tick acted")
}

func TestMMDisabledCancelsItsOrders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	require.NoError(t, h.r.tick(ctx))

	require.NoError(t, h.store.UpdateBotFlags(ctx, "b1", models.BotFlags{MMEnabled: false}))
	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.r.tick(ctx))

	assert.Equal(t, 4, h.rec.count("CancelOrder"))
	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
	mappings, err := h.store.OpenOrderMappings(ctx, "b1", symbol)
	require.NoError(t, err)
	assert.Empty(t, mappings, "cancelled orders are not counted as fills")
}

func TestPriceSupportNeverOutspendsBudgetBetweenFillSyncs(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Bot.MMEnabled = false
	b.PriceSupport = models.PriceSupportConfig{
		Enabled:      true,
		Mode:         models.SupportActive,
		FloorPrice:   1.2,
		BudgetUSDT:   50,
		MaxOrderUSDT: 20,
		CooldownMs:   1000,
	}
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})

	for i := 0; i < 6; i++ {
		require.NoError(t, h.r.tick(ctx))
		h.clock.Advance(1500 * time.Millisecond)
	}

	assert.Equal(t, 3, h.rec.count("PlaceOrder"), "20 + 20 + 10 USDT")
	var placed float64
	for _, f := range h.paper.TradeLog {
		placed += f.Price * f.Qty
	}
	assert.LessOrEqual(t, placed, 50.0+1e-6)

	ps := h.bundle(t).PriceSupport
	assert.InDelta(t, 50, ps.SpentUSDT, 1e-6)
	assert.False(t, ps.Enabled, "budget exhausted")
	assert.Equal(t, 1, h.alerts(t, "Price support budget exhausted"))
}

func TestFailedCancelSkipsPlacement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	require.NoError(t, h.r.tick(ctx))
	require.Equal(t, 4, h.rec.count("PlaceOrder"))

	h.paper.SetPrice(symbol, 1.002)
	h.paper.FailNext("CancelOrder", errors.New("unknown order sent"))
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 4, h.rec.count("CancelOrder"))
	assert.Equal(t, 4, h.rec.count("PlaceOrder"), "a pending cancel blocks placement for the tick")

	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)

	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 8, h.rec.count("PlaceOrder"))
	open, err = h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Len(t, open, 4)
}

func TestFailedStaleSupportCancelSkipsNewSupportOrder(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.Bot.MMEnabled = false
	b.PriceSupport = models.PriceSupportConfig{
		Enabled:      true,
		Mode:         models.SupportPassive,
		FloorPrice:   1.2,
		BudgetUSDT:   50,
		MaxOrderUSDT: 20,
		OrderTTLMs:   10000,
	}
	h := newHarness(t, b, models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	require.NoError(t, h.r.tick(ctx))
	require.Equal(t, 1, h.rec.count("PlaceOrder"))

	h.paper.FailNext("CancelOrder", errors.New("unknown order sent"))
	h.clock.Advance(11 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 1, h.rec.count("CancelOrder"))
	assert.Equal(t, 1, h.rec.count("PlaceOrder"))

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Equal(t, 2, h.rec.count("CancelOrder"))
	assert.Equal(t, 2, h.rec.count("PlaceOrder"), "expired order replaced once the cancel went through")
	open, err := h.paper.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, orderid.PriceSupport, orderid.OwnerOf(open[0].ClientOrderID))
}

func TestWakeReloadsStatusBeforeNextTick(t *testing.T) {
	h := newHarness(t, testBundle(), models.RunnerConfig{}, nil, nil, Usage{BotCount: 1, CexCount: 1})
	require.NoError(t, h.r.tick(context.Background()))
	require.Equal(t, 4, h.rec.count("PlaceOrder"))

	require.NoError(t, h.store.UpdateBotStatus(context.Background(), "b1", models.StatusPaused))
	require.NoError(t, h.r.tick(context.Background()))
	assert.Equal(t, statemanager.Running, h.r.State().State, "status is only reloaded on cadence")

	h.r.Wake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.cancel = cancel
	h.clock.cancelAfter = 1
	err := h.r.tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, statemanager.Paused, h.r.State().State)
	assert.Equal(t, 1, h.rec.count("CancelAll"))
	assert.Equal(t, 4, h.rec.count("PlaceOrder"))
}

func TestFundsCheckCountsOwnLockedOrders(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.MM.BudgetBaseToken = 0
	h := newHarness(t, b, models.RunnerConfig{}, map[string]float64{"USDT": 102}, nil, Usage{BotCount: 1, CexCount: 1})

	require.NoError(t, h.r.tick(ctx))
	require.Equal(t, 2, h.rec.count("PlaceOrder"))
	bal, err := h.paper.GetBalances(ctx)
	require.NoError(t, err)
	require.Less(t, models.FindBalance(bal, "USDT").Free, b.MM.MinOrderUSDT, "the ladder locks nearly all quote")

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.r.tick(ctx))
	assert.Empty(t, h.r.State().Reason)
	assert.Equal(t, 2, h.rec.count("PlaceOrder"))
}

func TestFundsCheckIgnoresForeignLockedOrders(t *testing.T) {
	ctx := context.Background()
	b := testBundle()
	b.MM.BudgetQuoteUSDT = 8 // below the minimum order per level, nothing is quoted
	b.MM.BudgetBaseToken = 0
	h := newHarness(t, b, models.RunnerConfig{}, map[string]float64{"USDT": 100}, nil, Usage{BotCount: 1, CexCount: 1})
	_, err := h.paper.PlaceOrder(ctx, models.Quote{
		Symbol: symbol, Side: models.Buy, Type: models.Limit, Price: 0.96, Qty: 100, ClientOrderID: "web_1",
	})
	require.NoError(t, err)

	require.NoError(t, h.r.tick(ctx))
	assert.True(t, strings.HasPrefix(h.r.State().Reason, "FUNDS_LOW: waiting"), h.r.State().Reason)
	assert.Zero(t, h.rec.count("PlaceOrder"))
}
