package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BinanceExchange 实现了 Exchange 接口，用于与币安现货交易所进行交互。
type BinanceExchange struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
// requestsPerSecond 限制本地发出的请求速率，0 使用默认值 10。
func NewBinanceExchange(apiKey, secretKey string, testnet bool, requestsPerSecond float64, logger *zap.Logger) *BinanceExchange {
	if testnet {
		binance.UseTestnet = true
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &BinanceExchange{
		client:  binance.NewClient(apiKey, secretKey),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
	}
}

func (e *BinanceExchange) wait(ctx context.Context, op string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return &errclass.NetworkError{Op: op, Err: err}
	}
	return nil
}

// GetMidPrice 通过最优挂单接口计算中间价
func (e *BinanceExchange) GetMidPrice(ctx context.Context, symbol string) (models.MidPrice, error) {
	const op = "GetMidPrice"
	if err := e.wait(ctx, op); err != nil {
		return models.MidPrice{}, err
	}
	tickers, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.MidPrice{}, translateError(op, err)
	}
	if len(tickers) == 0 {
		return models.MidPrice{}, &errclass.InvalidResponseError{Op: op, Err: fmt.Errorf("no book ticker for %s", symbol)}
	}
	bid, err1 := strconv.ParseFloat(tickers[0].BidPrice, 64)
	ask, err2 := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err := errors.Join(err1, err2); err != nil {
		return models.MidPrice{}, &errclass.InvalidResponseError{Op: op, Err: err}
	}
	mp := models.MidPrice{Bid: bid, Ask: ask, TS: time.Now()}
	if bid > 0 && ask > 0 {
		mp.Mid = (bid + ask) / 2
	}
	return mp, nil
}

// GetBalances 获取现货账户余额，过滤掉全零资产
func (e *BinanceExchange) GetBalances(ctx context.Context) ([]models.Balance, error) {
	const op = "GetBalances"
	if err := e.wait(ctx, op); err != nil {
		return nil, err
	}
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, translateError(op, err)
	}
	out := make([]models.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err1 := strconv.ParseFloat(b.Free, 64)
		locked, err2 := strconv.ParseFloat(b.Locked, 64)
		if err := errors.Join(err1, err2); err != nil {
			return nil, &errclass.InvalidResponseError{Op: op, Err: err}
		}
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, models.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return models.NormalizeBalances(out), nil
}

// GetOpenOrders 获取交易对上的所有挂单
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	const op = "GetOpenOrders"
	if err := e.wait(ctx, op); err != nil {
		return nil, err
	}
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, translateError(op, err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		price, err1 := strconv.ParseFloat(o.Price, 64)
		orig, err2 := strconv.ParseFloat(o.OrigQuantity, 64)
		executed, err3 := strconv.ParseFloat(o.ExecutedQuantity, 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, &errclass.InvalidResponseError{Op: op, Err: err}
		}
		out = append(out, models.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Price:         price,
			Qty:           orig - executed,
			Side:          models.Side(o.Side),
		})
	}
	return out, nil
}

// PlaceOrder 下单。post-only 限价单使用 LIMIT_MAKER，市价单可按计价币金额下单。
func (e *BinanceExchange) PlaceOrder(ctx context.Context, q models.Quote) (string, error) {
	const op = "PlaceOrder"
	if err := e.wait(ctx, op); err != nil {
		return "", err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(q.Symbol).
		Side(binance.SideType(q.Side)).
		NewClientOrderID(q.ClientOrderID)

	switch {
	case q.Type == models.Market && q.QuoteQty > 0:
		svc = svc.Type(binance.OrderTypeMarket).QuoteOrderQty(formatDecimal(q.QuoteQty))
	case q.Type == models.Market:
		svc = svc.Type(binance.OrderTypeMarket).Quantity(formatDecimal(q.Qty))
	case q.PostOnly:
		svc = svc.Type(binance.OrderTypeLimitMaker).
			Quantity(formatDecimal(q.Qty)).
			Price(formatDecimal(q.Price))
	default:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(formatDecimal(q.Qty)).
			Price(formatDecimal(q.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", translateError(op, err)
	}
	e.logger.Debug("order placed",
		zap.String("symbol", q.Symbol),
		zap.String("client_order_id", q.ClientOrderID),
		zap.Int64("order_id", res.OrderID))
	return strconv.FormatInt(res.OrderID, 10), nil
}

// CancelOrder 撤销单个订单
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	const op = "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid order id %q: %w", op, orderID, err)
	}
	if err := e.wait(ctx, op); err != nil {
		return err
	}
	if _, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return translateError(op, err)
	}
	return nil
}

// CancelAll 撤销交易对上的所有挂单。没有挂单时币安返回 -2011，视为成功。
func (e *BinanceExchange) CancelAll(ctx context.Context, symbol string) error {
	const op = "CancelAll"
	if err := e.wait(ctx, op); err != nil {
		return err
	}
	if _, err := e.client.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return translateError(op, err)
	}
	return nil
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// translateError maps go-binance errors onto the typed errclass hierarchy.
func translateError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return &errclass.RateLimitError{Op: op, StatusCode: 429, Err: err}
		case -1001, -1006, -1007, -1016:
			return &errclass.UnavailableError{Op: op, StatusCode: 503, Err: err}
		case 0:
			// error bodies that are not JSON (gateway pages) decode to an empty APIError
			return &errclass.UnavailableError{Op: op, Err: err}
		}
		return err
	}

	var (
		urlErr    *url.Error
		netErr    net.Error
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return &errclass.InvalidResponseError{Op: op, Err: err}
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return &errclass.NetworkError{Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &errclass.NetworkError{Op: op, Err: err}
	}
	return err
}
