package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"binance-mm-runner/internal/models"
)

// ErrInsufficientBalance is returned when a simulated order cannot be funded.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrWouldTakeLiquidity is returned when a post-only order would cross the book.
var ErrWouldTakeLiquidity = errors.New("post-only order would immediately match")

// PaperExchange 实现了 Exchange 接口，在内存中模拟一个现货交易所。
// 限价单在价格穿越时成交，市价单立即以对手价成交。
type PaperExchange struct {
	mu          sync.Mutex
	spreadPct   float64
	mids        map[string]float64
	balances    map[string]*models.Balance
	orders      map[string]*paperOrder
	nextOrderID int64
	failures    map[string][]error
	now         func() time.Time
	TradeLog    []PaperFill
}

type paperOrder struct {
	order models.Order
	quote models.Quote
}

// PaperFill records a simulated execution.
type PaperFill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Price         float64
	Qty           float64
	Time          time.Time
}

// NewPaperExchange creates a simulated venue from config.
func NewPaperExchange(cfg models.PaperConfig) *PaperExchange {
	e := &PaperExchange{
		spreadPct:   cfg.SpreadPct,
		mids:        make(map[string]float64),
		balances:    make(map[string]*models.Balance),
		orders:      make(map[string]*paperOrder),
		nextOrderID: 1,
		failures:    make(map[string][]error),
		now:         time.Now,
	}
	if e.spreadPct <= 0 {
		e.spreadPct = 0.002
	}
	for s, p := range cfg.Prices {
		e.mids[s] = p
	}
	for a, v := range cfg.Balances {
		asset := models.NormalizeAsset(a)
		e.balances[asset] = &models.Balance{Asset: asset, Free: v}
	}
	return e
}

// SetClock replaces the time source.
func (e *PaperExchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// FailNext makes the next call of op ("GetMidPrice", "PlaceOrder", ...) return err.
func (e *PaperExchange) FailNext(op string, err error) {
	e.mu.Lock()
	e.failures[op] = append(e.failures[op], err)
	e.mu.Unlock()
}

func (e *PaperExchange) takeFailure(op string) error {
	queue := e.failures[op]
	if len(queue) == 0 {
		return nil
	}
	e.failures[op] = queue[1:]
	return queue[0]
}

// SetPrice moves the mid of symbol and fills any resting orders it crosses.
func (e *PaperExchange) SetPrice(symbol string, mid float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mids[symbol] = mid
	bid, ask := e.bookLocked(symbol)

	ids := make([]string, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		po := e.orders[id]
		if po.order.Symbol != symbol {
			continue
		}
		if (po.order.Side == models.Buy && ask <= po.order.Price) ||
			(po.order.Side == models.Sell && bid >= po.order.Price) {
			e.fillLocked(po, po.order.Price)
			delete(e.orders, id)
		}
	}
}

// SetBalance overwrites the free amount of asset.
func (e *PaperExchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balanceLocked(asset).Free = free
}

func (e *PaperExchange) bookLocked(symbol string) (bid, ask float64) {
	mid := e.mids[symbol]
	half := mid * e.spreadPct / 2
	return mid - half, mid + half
}

func (e *PaperExchange) balanceLocked(asset string) *models.Balance {
	asset = models.NormalizeAsset(asset)
	b, ok := e.balances[asset]
	if !ok {
		b = &models.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

// GetMidPrice implements Exchange.
func (e *PaperExchange) GetMidPrice(_ context.Context, symbol string) (models.MidPrice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("GetMidPrice"); err != nil {
		return models.MidPrice{}, err
	}
	mid, ok := e.mids[symbol]
	if !ok {
		return models.MidPrice{}, fmt.Errorf("paper: no price for %s", symbol)
	}
	bid, ask := e.bookLocked(symbol)
	return models.MidPrice{Mid: mid, Bid: bid, Ask: ask, Last: mid, TS: e.now()}, nil
}

// GetBalances implements Exchange.
func (e *PaperExchange) GetBalances(_ context.Context) ([]models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("GetBalances"); err != nil {
		return nil, err
	}
	out := make([]models.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// GetOpenOrders implements Exchange.
func (e *PaperExchange) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("GetOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(e.orders))
	for _, po := range e.orders {
		if po.order.Symbol == symbol {
			out = append(out, po.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PlaceOrder implements Exchange.
func (e *PaperExchange) PlaceOrder(_ context.Context, q models.Quote) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("PlaceOrder"); err != nil {
		return "", err
	}
	if _, ok := e.mids[q.Symbol]; !ok {
		return "", fmt.Errorf("paper: unknown symbol %s", q.Symbol)
	}
	base, quote := models.SplitSymbol(q.Symbol)
	bid, ask := e.bookLocked(q.Symbol)

	id := strconv.FormatInt(e.nextOrderID, 10)
	e.nextOrderID++

	if q.Type == models.Market {
		price := ask
		if q.Side == models.Sell {
			price = bid
		}
		qty := q.Qty
		if qty <= 0 && q.QuoteQty > 0 {
			qty = q.QuoteQty / price
		}
		po := &paperOrder{
			order: models.Order{ID: id, ClientOrderID: q.ClientOrderID, Symbol: q.Symbol, Price: price, Qty: qty, Side: q.Side},
			quote: q,
		}
		if err := e.lockLocked(po.order, base, quote); err != nil {
			return "", err
		}
		e.fillLocked(po, price)
		return id, nil
	}

	if q.PostOnly && ((q.Side == models.Buy && q.Price >= ask) || (q.Side == models.Sell && q.Price <= bid)) {
		return "", ErrWouldTakeLiquidity
	}
	po := &paperOrder{
		order: models.Order{ID: id, ClientOrderID: q.ClientOrderID, Symbol: q.Symbol, Price: q.Price, Qty: q.Qty, Side: q.Side},
		quote: q,
	}
	if err := e.lockLocked(po.order, base, quote); err != nil {
		return "", err
	}
	e.orders[id] = po
	return id, nil
}

func (e *PaperExchange) lockLocked(o models.Order, base, quote string) error {
	if o.Side == models.Buy {
		b := e.balanceLocked(quote)
		cost := o.Price * o.Qty
		if b.Free < cost {
			return ErrInsufficientBalance
		}
		b.Free -= cost
		b.Locked += cost
		return nil
	}
	b := e.balanceLocked(base)
	if b.Free < o.Qty {
		return ErrInsufficientBalance
	}
	b.Free -= o.Qty
	b.Locked += o.Qty
	return nil
}

func (e *PaperExchange) unlockLocked(o models.Order) {
	base, quote := models.SplitSymbol(o.Symbol)
	if o.Side == models.Buy {
		b := e.balanceLocked(quote)
		cost := o.Price * o.Qty
		b.Locked -= cost
		b.Free += cost
		return
	}
	b := e.balanceLocked(base)
	b.Locked -= o.Qty
	b.Free += o.Qty
}

// fillLocked settles an order whose funds were locked at o.Price.
func (e *PaperExchange) fillLocked(po *paperOrder, price float64) {
	o := po.order
	base, quote := models.SplitSymbol(o.Symbol)
	if o.Side == models.Buy {
		qb := e.balanceLocked(quote)
		qb.Locked -= o.Price * o.Qty
		qb.Free += (o.Price - price) * o.Qty
		e.balanceLocked(base).Free += o.Qty
	} else {
		e.balanceLocked(base).Locked -= o.Qty
		e.balanceLocked(quote).Free += price * o.Qty
	}
	e.TradeLog = append(e.TradeLog, PaperFill{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         price,
		Qty:           o.Qty,
		Time:          e.now(),
	})
}

// CancelOrder implements Exchange.
func (e *PaperExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("CancelOrder"); err != nil {
		return err
	}
	po, ok := e.orders[orderID]
	if !ok || po.order.Symbol != symbol {
		return fmt.Errorf("paper: order %s not found", orderID)
	}
	e.unlockLocked(po.order)
	delete(e.orders, orderID)
	return nil
}

// CancelAll implements Exchange.
func (e *PaperExchange) CancelAll(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("CancelAll"); err != nil {
		return err
	}
	for id, po := range e.orders {
		if po.order.Symbol == symbol {
			e.unlockLocked(po.order)
			delete(e.orders, id)
		}
	}
	return nil
}
