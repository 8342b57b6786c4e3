// Package downloader fetches historical klines into the CSV layout that the
// paper mode price replay reads.
package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pageLimit is the largest kline page Binance serves per request.
const pageLimit = 1000

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineSource returns up to limit klines starting at start.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*binance.Kline, error)
}

// BinanceSource reads klines from the public Binance endpoint.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource creates a source on the public API; no key is needed.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{client: binance.NewClient("", "")}
}

func (s *BinanceSource) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*binance.Kline, error) {
	return s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

// KlineDownloader pages klines from a source into a CSV file.
type KlineDownloader struct {
	source  KlineSource
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewKlineDownloader paces requests to perSecond (5 when <= 0).
func NewKlineDownloader(source KlineSource, perSecond float64, logger *zap.Logger) *KlineDownloader {
	if perSecond <= 0 {
		perSecond = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}
}

// DownloadKlines writes klines for [start, end) to filePath. An existing file
// is treated as a cache hit and left untouched.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, start, end time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}
	if !start.Before(end) {
		return fmt.Errorf("empty range %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	// Write to a temp file so an interrupted download never looks like a cache hit.
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}

	rows, err := d.write(ctx, file, symbol, interval, start, end)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("symbol", symbol), zap.String("path", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, file *os.File, symbol, interval string, start, end time.Time) (int, error) {
	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := start; t.Before(end); {
		if err := d.limiter.Wait(ctx); err != nil {
			return rows, err
		}
		klines, err := d.source.Klines(ctx, symbol, interval, t, pageLimit)
		if err != nil {
			return rows, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			if k.OpenTime >= end.UnixMilli() {
				break
			}
			if err := writer.Write(record(k)); err != nil {
				return rows, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			rows++
		}
		next := time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Debug("已下载数据", zap.Time("until", t))
	}
	writer.Flush()
	return rows, writer.Error()
}

func record(k *binance.Kline) []string {
	return []string{
		strconv.FormatInt(k.OpenTime, 10),
		k.Open,
		k.High,
		k.Low,
		k.Close,
		k.Volume,
		strconv.FormatInt(k.CloseTime, 10),
		k.QuoteAssetVolume,
		strconv.FormatInt(k.TradeNum, 10),
		k.TakerBuyBaseAssetVolume,
		k.TakerBuyQuoteAssetVolume,
	}
}

// ReadClosePrices returns the close column of a kline CSV. The header row and
// malformed rows are skipped.
func ReadClosePrices(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	prices := make([]float64, 0, len(records))
	for _, rec := range records {
		if len(rec) < 5 {
			continue
		}
		p, err := strconv.ParseFloat(rec[4], 64)
		if err != nil || p <= 0 {
			continue
		}
		prices = append(prices, p)
	}
	if len(prices) == 0 {
		return nil, errors.New(path + " contains no prices")
	}
	return prices, nil
}
