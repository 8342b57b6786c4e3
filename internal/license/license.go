// Package license enforces the locally configured usage limits.
package license

import (
	"context"
	"fmt"

	"binance-mm-runner/internal/models"
)

// Gate checks a usage request against LicenseConfig limits.
type Gate struct {
	cfg models.LicenseConfig
}

// NewGate creates a Gate. Zero limits mean unlimited.
func NewGate(cfg models.LicenseConfig) *Gate {
	return &Gate{cfg: cfg}
}

// EnsureLicense reports whether the requested usage is allowed.
func (g *Gate) EnsureLicense(_ context.Context, req models.LicenseRequest) (models.LicenseResult, error) {
	deny := func(format string, args ...any) models.LicenseResult {
		return models.LicenseResult{OK: true, Enforce: &models.LicenseEnforcement{Allowed: false, Reason: fmt.Sprintf(format, args...)}}
	}
	switch {
	case g.cfg.MaxBots > 0 && req.BotCount > g.cfg.MaxBots:
		return deny("bot limit exceeded (%d > %d)", req.BotCount, g.cfg.MaxBots), nil
	case g.cfg.MaxCex > 0 && req.CexCount > g.cfg.MaxCex:
		return deny("exchange limit exceeded (%d > %d)", req.CexCount, g.cfg.MaxCex), nil
	case g.cfg.NoPriceSupport && req.UsePriceSupport:
		return deny("price support is not licensed"), nil
	case g.cfg.NoPriceFollow && req.UsePriceFollow:
		return deny("price follow is not licensed"), nil
	}
	return models.LicenseResult{OK: true, Enforce: &models.LicenseEnforcement{Allowed: true}}, nil
}
