package reporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderStatus 将各机器人的最新运行快照渲染为表格
func RenderStatus(w io.Writer, snaps []models.RuntimeSnapshot, now time.Time) {
	sorted := append([]models.RuntimeSnapshot(nil), snaps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BotID < sorted[j].BotID })

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Bots")
	t.AppendHeader(table.Row{"Bot", "Symbol", "Status", "Mid", "Bid", "Ask", "Orders", "MM", "PS", "Free USDT", "Free Base", "Traded Today", "Age", "Reason"})
	for _, s := range sorted {
		t.AppendRow(table.Row{
			s.BotID,
			s.Symbol,
			s.Status,
			formatPrice(s.Mid),
			formatPrice(s.Bid),
			formatPrice(s.Ask),
			s.OpenOrders,
			s.OpenOrdersMM,
			s.OpenOrdersPS,
			fmt.Sprintf("%.2f", s.FreeUSDT),
			fmt.Sprintf("%.4f", s.FreeBase),
			fmt.Sprintf("%.2f", s.TradedNotionalToday),
			age(now, s.UpdatedAt),
			s.Reason,
		})
	}
	t.Render()
}

// RenderAlerts 渲染最近 limit 条告警，最新的在最后
func RenderAlerts(w io.Writer, alerts []models.Alert, limit int) {
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Alerts")
	t.AppendHeader(table.Row{"Time", "Bot", "Level", "Title", "Message"})
	for _, a := range alerts {
		t.AppendRow(table.Row{a.CreatedAt.Format(time.DateTime), a.BotID, a.Level, a.Title, a.Message})
	}
	t.Render()
}

func formatPrice(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.8g", v)
}

func age(now, at time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return now.Sub(at).Truncate(time.Second).String()
}

// PaperSummary 存储模拟盘成交的汇总指标
type PaperSummary struct {
	Symbol       string
	TotalTrades  int
	BuyTrades    int
	SellTrades   int
	BuyQty       float64
	SellQty      float64
	BuyNotional  float64
	SellNotional float64
	AvgBuyPrice  float64
	AvgSellPrice float64
	NetBase      float64 // bought minus sold
	NetQuote     float64 // received minus spent
	StartTime    time.Time
	EndTime      time.Time
}

// SummarizePaper 根据模拟交易所的成交记录计算指标，只统计 symbol 的成交
func SummarizePaper(fills []exchange.PaperFill, symbol string) PaperSummary {
	m := PaperSummary{Symbol: symbol}
	for _, f := range fills {
		if f.Symbol != symbol {
			continue
		}
		m.TotalTrades++
		if m.StartTime.IsZero() || f.Time.Before(m.StartTime) {
			m.StartTime = f.Time
		}
		if f.Time.After(m.EndTime) {
			m.EndTime = f.Time
		}
		notional := f.Price * f.Qty
		if f.Side == models.Buy {
			m.BuyTrades++
			m.BuyQty += f.Qty
			m.BuyNotional += notional
		} else {
			m.SellTrades++
			m.SellQty += f.Qty
			m.SellNotional += notional
		}
	}
	if m.BuyQty > 0 {
		m.AvgBuyPrice = m.BuyNotional / m.BuyQty
	}
	if m.SellQty > 0 {
		m.AvgSellPrice = m.SellNotional / m.SellQty
	}
	m.NetBase = m.BuyQty - m.SellQty
	m.NetQuote = m.SellNotional - m.BuyNotional
	return m
}

// RenderPaperSummary 打印模拟盘成交报告
func RenderPaperSummary(w io.Writer, m PaperSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Paper fills " + m.Symbol)
	period := "-"
	if m.TotalTrades > 0 {
		period = fmt.Sprintf("%s to %s", m.StartTime.Format("2006-01-02 15:04:05"), m.EndTime.Format("2006-01-02 15:04:05"))
	}
	t.AppendRows([]table.Row{
		{"Period", period},
		{"Trades", m.TotalTrades},
		{"Buys", fmt.Sprintf("%d (%.4f @ %.8g)", m.BuyTrades, m.BuyQty, m.AvgBuyPrice)},
		{"Sells", fmt.Sprintf("%d (%.4f @ %.8g)", m.SellTrades, m.SellQty, m.AvgSellPrice)},
		{"Buy notional", fmt.Sprintf("%.2f", m.BuyNotional)},
		{"Sell notional", fmt.Sprintf("%.2f", m.SellNotional)},
		{"Net base", fmt.Sprintf("%.4f", m.NetBase)},
		{"Net quote", fmt.Sprintf("%.2f", m.NetQuote)},
	})
	t.Render()
}
