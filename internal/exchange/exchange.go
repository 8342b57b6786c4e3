package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"binance-mm-runner/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// Runner 只通过这个接口与交易所交互，实盘与模拟盘可以互换。
type Exchange interface {
	GetMidPrice(ctx context.Context, symbol string) (models.MidPrice, error)
	GetBalances(ctx context.Context) ([]models.Balance, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, q models.Quote) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
}

// Resolver maps venue keys from the bot config to exchange adapters.
type Resolver interface {
	Resolve(key string) (Exchange, error)
}

// Registry is a fixed, concurrency-safe Resolver.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]Exchange
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]Exchange)}
}

// Register adds or replaces the adapter for key.
func (r *Registry) Register(key string, ex Exchange) {
	r.mu.Lock()
	r.venues[key] = ex
	r.mu.Unlock()
}

// Resolve implements Resolver.
func (r *Registry) Resolve(key string) (Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.venues[key]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", key)
	}
	return ex, nil
}

// Keys returns the registered venue keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.venues))
	for k := range r.venues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
