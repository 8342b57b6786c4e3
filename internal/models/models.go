package models

import (
	"strings"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the execution type of a desired order.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// BotStatus is the externally controlled status persisted with the bot.
type BotStatus string

const (
	StatusRunning BotStatus = "RUNNING"
	StatusPaused  BotStatus = "PAUSED"
	StatusStopped BotStatus = "STOPPED"
)

// SupportMode selects how the price support controller buys.
type SupportMode string

const (
	SupportActive  SupportMode = "ACTIVE"
	SupportPassive SupportMode = "PASSIVE"
	SupportMixed   SupportMode = "MIXED"
)

// BotConfig 是外部存储中机器人的主记录。Runner 只持有只读的缓存副本。
type BotConfig struct {
	ID                  string    `json:"id" yaml:"id"`
	Symbol              string    `json:"symbol" yaml:"symbol"`     // e.g. "ABCUSDT"
	Exchange            string    `json:"exchange" yaml:"exchange"` // venue key, see Config.Exchanges
	Status              BotStatus `json:"status" yaml:"status"`
	MMEnabled           bool      `json:"mm_enabled" yaml:"mm_enabled"`
	PriceFollowEnabled  bool      `json:"price_follow_enabled" yaml:"price_follow_enabled"`
	PriceSourceExchange string    `json:"price_source_exchange,omitempty" yaml:"price_source_exchange,omitempty"`
	PriceSourceSymbol   string    `json:"price_source_symbol,omitempty" yaml:"price_source_symbol,omitempty"`
}

// BotFlags are the strategy switches the runner is allowed to persist.
type BotFlags struct {
	MMEnabled bool `json:"mm_enabled"`
}

// MarketMakingConfig 做市参数，在一次重载周期内不可变
type MarketMakingConfig struct {
	BudgetQuoteUSDT  float64 `json:"budget_quote_usdt" yaml:"budget_quote_usdt"`
	BudgetBaseToken  float64 `json:"budget_base_token" yaml:"budget_base_token"`
	SpreadPct        float64 `json:"spread_pct" yaml:"spread_pct"` // full spread between best bid and best ask quote
	StepPct          float64 `json:"step_pct" yaml:"step_pct"`     // distance between ladder levels
	Levels           int     `json:"levels" yaml:"levels"`         // levels per side
	PriceEpsPct      float64 `json:"price_eps_pct" yaml:"price_eps_pct"`
	QtyEpsPct        float64 `json:"qty_eps_pct" yaml:"qty_eps_pct"`
	MinRepriceMs     int64   `json:"min_reprice_ms" yaml:"min_reprice_ms"`
	MinRepricePct    float64 `json:"min_reprice_pct" yaml:"min_reprice_pct"`
	ActionCooldownMs int64   `json:"action_cooldown_ms" yaml:"action_cooldown_ms"` // quiet period after a price support order
	PriceTick        float64 `json:"price_tick" yaml:"price_tick"`
	QtyStep          float64 `json:"qty_step" yaml:"qty_step"`
	MinOrderUSDT     float64 `json:"min_order_usdt" yaml:"min_order_usdt"`
}

// RiskConfig 风控限制。零值表示关闭对应检查。
type RiskConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	MaxDeviationPct float64 `json:"max_deviation_pct" yaml:"max_deviation_pct"`
	MaxOpenOrders   int     `json:"max_open_orders" yaml:"max_open_orders"`
	MinQuoteBalance float64 `json:"min_quote_balance" yaml:"min_quote_balance"`
	MinBaseBalance  float64 `json:"min_base_balance" yaml:"min_base_balance"`
	MaxSpreadPct    float64 `json:"max_spread_pct" yaml:"max_spread_pct"`
}

// PriceSupportConfig 托底策略配置。SpentUSDT 与 NotifiedAt 由 Runner 回写。
type PriceSupportConfig struct {
	Enabled      bool        `json:"enabled" yaml:"enabled"`
	Mode         SupportMode `json:"mode" yaml:"mode"`
	FloorPrice   float64     `json:"floor_price" yaml:"floor_price"`
	BudgetUSDT   float64     `json:"budget_usdt" yaml:"budget_usdt"`
	SpentUSDT    float64     `json:"spent_usdt" yaml:"spent_usdt"`
	MaxOrderUSDT float64     `json:"max_order_usdt" yaml:"max_order_usdt"`
	CooldownMs   int64       `json:"cooldown_ms" yaml:"cooldown_ms"`
	OffsetPct    float64     `json:"offset_pct" yaml:"offset_pct"`
	AskSafetyPct float64     `json:"ask_safety_pct" yaml:"ask_safety_pct"`
	OrderTTLMs   int64       `json:"order_ttl_ms" yaml:"order_ttl_ms"`
	NotifiedAt   *time.Time  `json:"notified_at,omitempty" yaml:"notified_at,omitempty"`
}

// NotificationConfig controls which alerts reach the sink.
type NotificationConfig struct {
	MinLevel AlertLevel `json:"min_level" yaml:"min_level"`
}

// BotBundle is everything loadBotAndConfigs returns for one bot.
type BotBundle struct {
	Bot          BotConfig          `json:"bot" yaml:"bot"`
	MM           MarketMakingConfig `json:"mm" yaml:"mm"`
	Risk         RiskConfig         `json:"risk" yaml:"risk"`
	Notification NotificationConfig `json:"notification" yaml:"notification"`
	PriceSupport PriceSupportConfig `json:"price_support" yaml:"price_support"`
}

// Clone returns a copy that shares no pointers with b.
func (b *BotBundle) Clone() *BotBundle {
	if b == nil {
		return nil
	}
	c := *b
	if b.PriceSupport.NotifiedAt != nil {
		t := *b.PriceSupport.NotifiedAt
		c.PriceSupport.NotifiedAt = &t
	}
	return &c
}

// MidPrice 是某一时刻的行情快照，只会被整体替换，不会被修改。
type MidPrice struct {
	Mid  float64   `json:"mid"`
	Bid  float64   `json:"bid,omitempty"`
	Ask  float64   `json:"ask,omitempty"`
	Last float64   `json:"last,omitempty"`
	TS   time.Time `json:"ts"`
}

// Balance 单个资产余额
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// NormalizeAsset strips venue suffixes such as "USDT:SPOT" or "BTC.e" and uppercases.
func NormalizeAsset(asset string) string {
	a := strings.TrimSpace(asset)
	if i := strings.IndexAny(a, ":.@"); i > 0 {
		a = a[:i]
	}
	return strings.ToUpper(a)
}

// NormalizeBalances returns a copy with normalized asset names; duplicates are summed.
func NormalizeBalances(in []Balance) []Balance {
	out := make([]Balance, 0, len(in))
	index := make(map[string]int, len(in))
	for _, b := range in {
		asset := NormalizeAsset(b.Asset)
		if asset == "" {
			continue
		}
		if i, ok := index[asset]; ok {
			out[i].Free += b.Free
			out[i].Locked += b.Locked
			continue
		}
		index[asset] = len(out)
		out = append(out, Balance{Asset: asset, Free: b.Free, Locked: b.Locked})
	}
	return out
}

// FindBalance returns the balance for asset, or a zero balance.
func FindBalance(balances []Balance, asset string) Balance {
	asset = NormalizeAsset(asset)
	for _, b := range balances {
		if NormalizeAsset(b.Asset) == asset {
			return b
		}
	}
	return Balance{Asset: asset}
}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB"}

// SplitSymbol splits "ABCUSDT", "ABC/USDT", "ABC_USDT" or "ABC-USDT" into base and quote.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "_", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return parts[0], parts[1]
		}
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}

// Quote 是期望存在于交易所的订单
type Quote struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,omitempty"`
	Qty           float64   `json:"qty"`
	QuoteQty      float64   `json:"quote_qty,omitempty"`
	PostOnly      bool      `json:"post_only,omitempty"`
	ClientOrderID string    `json:"client_order_id"`
}

// Notional is price*qty, or QuoteQty for market orders sized in quote.
func (q Quote) Notional() float64 {
	if q.QuoteQty > 0 {
		return q.QuoteQty
	}
	return q.Price * q.Qty
}

// Order 交易所上的活动订单
type Order struct {
	ID            string  `json:"id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Qty           float64 `json:"qty"`
	Side          Side    `json:"side"`
}

// OrderMappingState tracks what the runner knows about one of its orders.
type OrderMappingState string

const (
	MappingOpen     OrderMappingState = "OPEN"
	MappingCanceled OrderMappingState = "CANCELED"
	MappingFilled   OrderMappingState = "FILLED"
)

// OrderMapping 持久化 clientOrderId 与交易所订单号的对应关系，用于成交回溯
type OrderMapping struct {
	BotID         string            `json:"bot_id"`
	Symbol        string            `json:"symbol"`
	Exchange      string            `json:"exchange"`
	ClientOrderID string            `json:"client_order_id"`
	OrderID       string            `json:"order_id"`
	Side          Side              `json:"side"`
	Price         float64           `json:"price"`
	Qty           float64           `json:"qty"`
	QuoteQty      float64           `json:"quote_qty,omitempty"`
	State         OrderMappingState `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Notional returns the quote value the mapping represents when filled.
func (m OrderMapping) Notional() float64 {
	if m.QuoteQty > 0 {
		return m.QuoteQty
	}
	return m.Price * m.Qty
}

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertInfo  AlertLevel = "info"
	AlertWarn  AlertLevel = "warn"
	AlertError AlertLevel = "error"
)

// Rank orders levels for filtering; unknown levels rank as info.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertWarn:
		return 1
	case AlertError:
		return 2
	default:
		return 0
	}
}

// Alert is an operator-facing notification.
type Alert struct {
	ID        string     `json:"id"`
	BotID     string     `json:"bot_id"`
	Level     AlertLevel `json:"level"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// LicenseRequest describes the feature usage checked against the license.
type LicenseRequest struct {
	BotCount        int  `json:"bot_count"`
	CexCount        int  `json:"cex_count"`
	UsePriceSupport bool `json:"use_price_support"`
	UsePriceFollow  bool `json:"use_price_follow"`
}

// LicenseEnforcement is the yes/no gate with a reason.
type LicenseEnforcement struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// LicenseResult is returned by the license gate.
type LicenseResult struct {
	OK      bool                `json:"ok"`
	Enforce *LicenseEnforcement `json:"enforce,omitempty"`
}

// Allowed reports whether trading may continue, and why not. A result that
// is not OK never allows trading.
func (r LicenseResult) Allowed() (bool, string) {
	if r.Enforce != nil && !r.Enforce.Allowed {
		return false, r.Enforce.Reason
	}
	if !r.OK {
		if r.Enforce != nil && r.Enforce.Reason != "" {
			return false, r.Enforce.Reason
		}
		return false, "license check failed"
	}
	return true, ""
}

// FillsSyncRequest identifies whose fills to reconcile.
type FillsSyncRequest struct {
	BotID    string
	Symbol   string
	Exchange string
}

// FillsSyncResult 成交同步结果
type FillsSyncResult struct {
	TradedNotionalToday    float64
	FilledNotional         float64 // notional of the fills detected by this sync
	PriceSupportSpentDelta float64
}
