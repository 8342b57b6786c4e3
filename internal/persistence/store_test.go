package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBundle(id string) *models.BotBundle {
	return &models.BotBundle{
		Bot: models.BotConfig{ID: id, Symbol: "ABCUSDT", Exchange: "paper", Status: models.StatusRunning, MMEnabled: true},
		MM:  models.MarketMakingConfig{BudgetQuoteUSDT: 100, Levels: 2},
		PriceSupport: models.PriceSupportConfig{
			Enabled:    true,
			FloorPrice: 1,
			BudgetUSDT: 50,
		},
	}
}

func TestLoadMissingBot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadBotAndConfigs(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.Equal(t, errclass.Fatal, errclass.Classify(err))
}

func TestSeedAndUpdateBundle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seeded, err := s.SeedBundle(ctx, testBundle("b1"))
	require.NoError(t, err)
	assert.True(t, seeded)

	again := testBundle("b1")
	again.MM.Levels = 9
	seeded, err = s.SeedBundle(ctx, again)
	require.NoError(t, err)
	assert.False(t, seeded, "existing records are not overwritten")

	require.NoError(t, s.UpdateBotFlags(ctx, "b1", models.BotFlags{MMEnabled: false}))
	require.NoError(t, s.UpdateBotStatus(ctx, "b1", models.StatusPaused))

	b, err := s.LoadBotAndConfigs(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, b.Bot.MMEnabled)
	assert.Equal(t, models.StatusPaused, b.Bot.Status)
	assert.Equal(t, 2, b.MM.Levels)

	ps, err := s.AddPriceSupportSpent(ctx, "b1", 12.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, ps.SpentUSDT)

	now := time.Unix(1_700_000_000, 0).UTC()
	ps.Enabled = false
	ps.NotifiedAt = &now
	require.NoError(t, s.UpdatePriceSupportConfig(ctx, "b1", ps))
	b, err = s.LoadBotAndConfigs(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, b.PriceSupport.Enabled)
	require.NotNil(t, b.PriceSupport.NotifiedAt)
	assert.True(t, now.Equal(*b.PriceSupport.NotifiedAt))

	ids, err := s.ListBotIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids)

	assert.ErrorIs(t, s.UpdateBotFlags(ctx, "ghost", models.BotFlags{}), ErrBotNotFound)
}

func TestOrderMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"mmb_a_1", "mms_a_2", "ps_a_3"} {
		require.NoError(t, s.UpsertOrderMap(ctx, models.OrderMapping{BotID: "b1", Symbol: "ABCUSDT", ClientOrderID: id, OrderID: id, Price: 1, Qty: 10}))
	}
	require.NoError(t, s.UpsertOrderMap(ctx, models.OrderMapping{BotID: "b2", Symbol: "ABCUSDT", ClientOrderID: "mmb_x_9"}))

	open, err := s.OpenOrderMappings(ctx, "b1", "ABCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 3)

	require.NoError(t, s.MarkOrderMapping(ctx, "b1", "mmb_a_1", models.MappingFilled))
	require.NoError(t, s.MarkOrderMapping(ctx, "b1", "unknown", models.MappingFilled))
	open, err = s.OpenOrderMappings(ctx, "b1", "ABCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, s.MarkSymbolCanceled(ctx, "b1", "ABCUSDT"))
	open, err = s.OpenOrderMappings(ctx, "b1", "ABCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	open, err = s.OpenOrderMappings(ctx, "b2", "")
	require.NoError(t, err)
	assert.Len(t, open, 1, "other bots are untouched")
}

func TestFillTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	total, err := s.AddFillNotional(ctx, "b1", "2026-10-19", 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, total)
	total, err = s.AddFillNotional(ctx, "b1", "2026-10-19", 5)
	require.NoError(t, err)
	assert.Equal(t, 15.0, total)
	total, err = s.AddFillNotional(ctx, "b1", "2026-10-19", -3)
	require.NoError(t, err)
	assert.Equal(t, 15.0, total, "daily notional never decreases")

	total, err = s.FillTotal(ctx, "b1", "2026-10-20")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRuntimeAndAlerts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.WriteRuntime(ctx, models.RuntimeSnapshot{BotID: "b1", Status: "RUNNING", Mid: 1}))
	require.NoError(t, s.WriteRuntime(ctx, models.RuntimeSnapshot{BotID: "b1", Status: "ERROR", Reason: "RATE_LIMIT"}))
	snaps, err := s.ListRuntime(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ERROR", snaps[0].Status)
	assert.False(t, snaps[0].UpdatedAt.IsZero())

	a, err := s.WriteAlert(ctx, models.Alert{BotID: "b1", Level: models.AlertWarn, Title: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	_, err = s.WriteAlert(ctx, models.Alert{BotID: "b1", Level: models.AlertError, Title: "t2", CreatedAt: a.CreatedAt.Add(time.Second)})
	require.NoError(t, err)
	_, err = s.WriteAlert(ctx, models.Alert{BotID: "b10", Title: "other"})
	require.NoError(t, err)

	alerts, err := s.ListAlerts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "t1", alerts[0].Title)
	assert.Equal(t, "t2", alerts[1].Title)

	all, err := s.ListAlerts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStorageErrorsAreClassifiedUnavailable(t *testing.T) {
	err := unavailable("WriteRuntime", errors.New("write failed"))
	assert.Equal(t, errclass.DBUnavailable, errclass.Classify(err))
	assert.NoError(t, unavailable("WriteRuntime", nil))
}
