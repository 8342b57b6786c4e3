// Package feed fetches mid prices with a short-lived per-venue cache.
package feed

import (
	"context"
	"fmt"
	"math"
	"time"

	"binance-mm-runner/internal/cache"
	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/models"

	"go.uber.org/zap"
)

// staleFactor bounds how old a cached price may be when serving it after a failed fetch.
const staleFactor = 6

type key struct {
	venue  string
	symbol string
}

// PriceFeed caches market snapshots per (venue, symbol).
type PriceFeed struct {
	venues exchange.Resolver
	cache  *cache.Cache[key, models.MidPrice]
	now    func() time.Time
	logger *zap.Logger
}

// New creates a PriceFeed whose entries are fresh for ttl.
func New(venues exchange.Resolver, ttl time.Duration, logger *zap.Logger) *PriceFeed {
	f := &PriceFeed{
		venues: venues,
		now:    time.Now,
		logger: logger,
	}
	f.cache = cache.New[key, models.MidPrice](ttl).WithClock(func() time.Time { return f.now() })
	return f
}

// WithClock replaces the time source, for tests.
func (f *PriceFeed) WithClock(now func() time.Time) *PriceFeed {
	f.now = now
	return f
}

// GetMarketPrice returns a fresh cached snapshot or fetches a new one. When the
// fetch fails a cached snapshot younger than 6×TTL is served instead.
func (f *PriceFeed) GetMarketPrice(ctx context.Context, venue, symbol string) (models.MidPrice, error) {
	k := key{venue: venue, symbol: symbol}
	if mp, ok := f.cache.Fresh(k); ok {
		return mp, nil
	}

	ex, err := f.venues.Resolve(venue)
	if err != nil {
		return models.MidPrice{}, err
	}
	mp, err := ex.GetMidPrice(ctx, symbol)
	if err == nil {
		mp = Normalize(mp)
		if mp.TS.IsZero() {
			mp.TS = f.now()
		}
		f.cache.SetAt(k, mp, f.now())
		return mp, nil
	}

	if cached, age, ok := f.cache.Get(k); ok && age < staleFactor*f.cache.TTL() {
		f.logger.Warn("price fetch failed, serving cached price",
			zap.String("venue", venue),
			zap.String("symbol", symbol),
			zap.Duration("age", age),
			zap.Error(err))
		return cached, nil
	}
	return models.MidPrice{}, fmt.Errorf("get market price %s/%s: %w", venue, symbol, err)
}

// Normalize fills Mid from bid/ask or last when the venue did not provide it.
func Normalize(mp models.MidPrice) models.MidPrice {
	if mp.Mid > 0 {
		return mp
	}
	if mp.Bid > 0 && mp.Ask > 0 {
		mp.Mid = (mp.Bid + mp.Ask) / 2
	} else if mp.Last > 0 {
		mp.Mid = mp.Last
	}
	return mp
}

func usable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate rejects snapshots that cannot be traded against: mid must be
// finite and positive, bid/ask when present likewise and not crossed.
func Validate(mp models.MidPrice) error {
	if !usable(mp.Mid) {
		return fmt.Errorf("%w: mid=%v", errclass.ErrMarketDataInvalid, mp.Mid)
	}
	if mp.Bid != 0 && !usable(mp.Bid) || mp.Ask != 0 && !usable(mp.Ask) {
		return fmt.Errorf("%w: bid=%v ask=%v", errclass.ErrMarketDataInvalid, mp.Bid, mp.Ask)
	}
	if mp.Bid > 0 && mp.Ask > 0 && mp.Bid > mp.Ask {
		return fmt.Errorf("%w: crossed book bid=%v ask=%v", errclass.ErrMarketDataInvalid, mp.Bid, mp.Ask)
	}
	return nil
}

// Follow is the pair of prices used when price following is enabled: the
// master mid drives quoting while the execution snapshot bounds placement.
type Follow struct {
	Master       models.MidPrice
	Exec         models.MidPrice
	DeviationPct float64
}

// NewFollow checks master freshness and computes |master−exec|/exec.
func NewFollow(master, exec models.MidPrice, now time.Time, maxAge time.Duration) (Follow, error) {
	if age := now.Sub(master.TS); age > maxAge {
		return Follow{}, fmt.Errorf("%w: age %s > %s", errclass.ErrMasterFeedStale, age.Truncate(time.Millisecond), maxAge)
	}
	f := Follow{Master: master, Exec: exec}
	if exec.Mid > 0 {
		f.DeviationPct = math.Abs(master.Mid-exec.Mid) / exec.Mid
	}
	return f, nil
}
