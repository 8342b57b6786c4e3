package runner

import (
	"context"

	"binance-mm-runner/internal/alerts"
	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/models"

	"go.uber.org/zap"
)

// Store is the bot/config store and order map the runner reads and writes.
type Store interface {
	LoadBotAndConfigs(ctx context.Context, botID string) (*models.BotBundle, error)
	UpdateBotFlags(ctx context.Context, botID string, flags models.BotFlags) error
	UpdatePriceSupportConfig(ctx context.Context, botID string, cfg models.PriceSupportConfig) error
	AddPriceSupportSpent(ctx context.Context, botID string, delta float64) (models.PriceSupportConfig, error)
	UpsertOrderMap(ctx context.Context, m models.OrderMapping) error
	MarkOrderMapping(ctx context.Context, botID, clientOrderID string, state models.OrderMappingState) error
	MarkSymbolCanceled(ctx context.Context, botID, symbol string) error
	WriteRuntime(ctx context.Context, snap models.RuntimeSnapshot) error
}

// FillsSyncer reports fills of the bot's own orders.
type FillsSyncer interface {
	SyncFills(ctx context.Context, req models.FillsSyncRequest) (models.FillsSyncResult, error)
}

// LicenseGate is consulted on every config reload.
type LicenseGate interface {
	EnsureLicense(ctx context.Context, req models.LicenseRequest) (models.LicenseResult, error)
}

// Usage is the license-relevant footprint of the whole deployment.
type Usage struct {
	BotCount int
	CexCount int
}

// Deps are the collaborators shared by every runner. License and Fills may be nil.
type Deps struct {
	Store     Store
	Venues    exchange.Resolver
	AlertSink alerts.Sink
	Fills     FillsSyncer
	License   LicenseGate
	Logger    *zap.Logger
}
