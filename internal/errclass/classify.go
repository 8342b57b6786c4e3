package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Category is the error taxonomy the runner reports in its reason strings.
type Category string

const (
	TransientNetwork    Category = "TRANSIENT_NETWORK"
	RateLimit           Category = "RATE_LIMIT"
	ExchangeUnavailable Category = "EXCHANGE_UNAVAILABLE"
	DBUnavailable       Category = "DB_UNAVAILABLE"
	MasterFeedStale     Category = "MASTER_FEED_STALE"
	MarketDataInvalid   Category = "MARKET_DATA_INVALID"
	RiskTriggered       Category = "RISK_TRIGGERED"
	FundsLow            Category = "FUNDS_LOW"
	LicenseBlocked      Category = "LICENSE_BLOCKED"
	Fatal               Category = "FATAL"
)

// Transient reports whether errors of category c are retried on the next tick
// without cancelling orders.
func Transient(c Category) bool {
	switch c {
	case TransientNetwork, RateLimit, ExchangeUnavailable, DBUnavailable, MasterFeedStale, MarketDataInvalid:
		return true
	default:
		return false
	}
}

// Classify maps err to a Category. Typed errors are matched first; message
// sniffing is a fallback for opaque third-party errors.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var (
		netErr  *NetworkError
		rlErr   *RateLimitError
		unErr   *UnavailableError
		badErr  *InvalidResponseError
		dbErr   *DBUnavailableError
		stdNet  net.Error
		opError *net.OpError
	)
	switch {
	case errors.As(err, &rlErr):
		return RateLimit
	case errors.As(err, &unErr):
		return ExchangeUnavailable
	case errors.As(err, &dbErr):
		return DBUnavailable
	case errors.As(err, &netErr), errors.As(err, &badErr):
		return TransientNetwork
	case errors.Is(err, ErrMasterFeedStale):
		return MasterFeedStale
	case errors.Is(err, ErrMarketDataInvalid):
		return MarketDataInvalid
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return TransientNetwork
	case errors.As(err, &opError):
		return TransientNetwork
	case errors.As(err, &stdNet) && stdNet.Timeout():
		return TransientNetwork
	}

	return sniff(err.Error())
}

var sniffRules = []struct {
	needles  []string
	category Category
}{
	{[]string{"429", "too many requests", "rate limit", "-1003", "-1015"}, RateLimit},
	{[]string{"502", "503", "504", "bad gateway", "service unavailable", "gateway timeout", "maintenance"}, ExchangeUnavailable},
	{[]string{"database is locked", "db closed", "database unavailable", "connection pool"}, DBUnavailable},
	{[]string{"timeout", "timed out", "connection reset", "econnreset", "broken pipe", "eof", "no such host", "connection refused"}, TransientNetwork},
	{[]string{"invalid character", "unexpected end of json", "cannot unmarshal", "non-json"}, TransientNetwork},
}

func sniff(msg string) Category {
	m := strings.ToLower(msg)
	for _, rule := range sniffRules {
		for _, n := range rule.needles {
			if strings.Contains(m, n) {
				return rule.category
			}
		}
	}
	return Fatal
}
