package models

import "time"

// RuntimeSnapshot 是每个 tick 对外可见的运行结果，只写，每个 tick 至多一次
type RuntimeSnapshot struct {
	BotID               string    `json:"bot_id"`
	Symbol              string    `json:"symbol"`
	Status              string    `json:"status"`
	Reason              string    `json:"reason,omitempty"`
	Mid                 float64   `json:"mid"`
	Bid                 float64   `json:"bid"`
	Ask                 float64   `json:"ask"`
	OpenOrders          int       `json:"open_orders"`
	OpenOrdersMM        int       `json:"open_orders_mm"`
	OpenOrdersPS        int       `json:"open_orders_ps"`
	FreeUSDT            float64   `json:"free_usdt"`
	FreeBase            float64   `json:"free_base"`
	TradedNotionalToday float64   `json:"traded_notional_today"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// FailurePolicy decides what the runner does after a fatal error.
type FailurePolicy string

const (
	// PolicyStop terminates the loop on fatal errors; transient errors wait out the tick.
	PolicyStop FailurePolicy = "stop"
	// PolicyBackoff keeps running with exponential backoff for every error.
	PolicyBackoff FailurePolicy = "backoff"
)

// RunnerConfig 执行引擎参数，所有时间单位为毫秒
type RunnerConfig struct {
	TickMs          int64         `json:"tick_ms" yaml:"tick_ms"`
	ReloadEveryMs   int64         `json:"reload_every_ms" yaml:"reload_every_ms"`
	PriceFeedTTLMs  int64         `json:"price_feed_ttl_ms" yaml:"price_feed_ttl_ms"`
	MasterStaleMs   int64         `json:"master_stale_ms" yaml:"master_stale_ms"`
	BalancesTTLMs   int64         `json:"balances_ttl_ms" yaml:"balances_ttl_ms"`
	OpenOrdersTTLMs int64         `json:"open_orders_ttl_ms" yaml:"open_orders_ttl_ms"`
	FillsEveryMs    int64         `json:"fills_every_ms" yaml:"fills_every_ms"`
	StatusPollMs    int64         `json:"status_poll_ms" yaml:"status_poll_ms"`
	FundsGraceMs    int64         `json:"funds_grace_ms" yaml:"funds_grace_ms"`
	MaxBackoffMs    int64         `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	FailurePolicy   FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
}

// Ms converts a millisecond setting to a duration.
func Ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// WithDefaults fills unset fields with the engine defaults.
func (c RunnerConfig) WithDefaults() RunnerConfig {
	def := func(v *int64, d int64) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.TickMs, 2000)
	def(&c.ReloadEveryMs, 5000)
	def(&c.PriceFeedTTLMs, 15000)
	def(&c.MasterStaleMs, 10000)
	def(&c.BalancesTTLMs, 30000)
	def(&c.OpenOrdersTTLMs, 30000)
	def(&c.FillsEveryMs, 3000)
	def(&c.StatusPollMs, 1500)
	def(&c.FundsGraceMs, 60000)
	def(&c.MaxBackoffMs, 60000)
	if c.FailurePolicy == "" {
		c.FailurePolicy = PolicyBackoff
	}
	return c
}

// Config 结构体定义了程序的所有配置参数
type Config struct {
	DBPath            string                    `json:"db_path" yaml:"db_path"`
	ControlDir        string                    `json:"control_dir" yaml:"control_dir"` // status requests and published status, shared with CLI commands
	LogConfig         LogConfig                 `json:"log" yaml:"log"`
	Runner            RunnerConfig              `json:"runner" yaml:"runner"`
	Exchanges         map[string]ExchangeConfig `json:"exchanges" yaml:"exchanges"`
	License           LicenseConfig             `json:"license" yaml:"license"`
	Bots              []BotBundle               `json:"bots" yaml:"bots"`                               // seeded into the store when absent
	StatusIntervalSec int                       `json:"status_interval_sec" yaml:"status_interval_sec"` // 0 disables the status table
}

// ExchangeConfig describes one venue key.
type ExchangeConfig struct {
	Kind              string      `json:"kind" yaml:"kind"` // "binance" or "paper"
	Testnet           bool        `json:"testnet" yaml:"testnet"`
	APIKeyEnv         string      `json:"api_key_env" yaml:"api_key_env"`
	SecretKeyEnv      string      `json:"secret_key_env" yaml:"secret_key_env"`
	RequestsPerSecond float64     `json:"requests_per_second" yaml:"requests_per_second"`
	Paper             PaperConfig `json:"paper" yaml:"paper"`
}

// PaperConfig seeds the simulated venue.
type PaperConfig struct {
	Prices    map[string]float64 `json:"prices" yaml:"prices"` // symbol -> mid
	SpreadPct float64            `json:"spread_pct" yaml:"spread_pct"`
	Balances  map[string]float64 `json:"balances" yaml:"balances"` // asset -> free
}

// LicenseConfig 本地许可限制，0 表示不限制
type LicenseConfig struct {
	MaxBots        int  `json:"max_bots" yaml:"max_bots"`
	MaxCex         int  `json:"max_cex" yaml:"max_cex"`
	NoPriceSupport bool `json:"no_price_support" yaml:"no_price_support"`
	NoPriceFollow  bool `json:"no_price_follow" yaml:"no_price_follow"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}
