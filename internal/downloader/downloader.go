package downloader

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kline 是回测使用的一根 K 线
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client   *binance.Client
	logger   *zap.Logger
	interval string
	pause    time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client:   binance.NewClient("", ""), // 公共接口不需要API Key
		logger:   logger.Named("downloader"),
		interval: "1m",
		pause:    200 * time.Millisecond,
	}
}

// FileName 返回缓存文件名, 例如 data/BTCUSDT-2026-03-01-2026-03-31.csv
func FileName(dir, symbol string, start, end time.Time) string {
	return filepath.Join(dir, symbol+"-"+start.Format("2006-01-02")+"-"+end.Format("2006-01-02")+".csv")
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("using cached klines", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("downloading klines",
		zap.String("symbol", symbol), zap.Time("start", startTime), zap.Time("end", endTime))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "create dir for %s", filePath)
	}
	// 先写临时文件, 中途失败不会留下不完整的缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}

	writer := csv.NewWriter(file)
	if err := d.download(ctx, writer, symbol, startTime, endTime); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "flush csv")
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "close csv")
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return errors.Wrap(err, "rename csv")
	}
	d.logger.Info("klines saved", zap.String("file", filePath))
	return nil
}

func (d *KlineDownloader) download(ctx context.Context, writer *csv.Writer, symbol string, startTime, endTime time.Time) error {
	if err := writer.Write(header); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch klines")
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
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
			if err := writer.Write(record); err != nil {
				return errors.Wrap(err, "write csv record")
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("klines downloaded", zap.Time("until", t))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}
	return nil
}

// LoadKlines 读取 CSV 格式的K线, 无法解析的行会被跳过并计数
func LoadKlines(path string, logger *zap.Logger) ([]Kline, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()
	return ReadKlines(file, logger)
}

// ReadKlines 从 reader 解析K线, 第一行是表头
func ReadKlines(r io.Reader, logger *zap.Logger) ([]Kline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	if len(records) <= 1 {
		return nil, errors.New("kline file is empty")
	}

	out := make([]Kline, 0, len(records)-1)
	skipped := 0
	for _, rec := range records[1:] {
		k, err := parseKline(rec)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, k)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed kline rows", zap.Int("count", skipped))
	}
	if len(out) == 0 {
		return nil, errors.New("no valid klines")
	}
	return out, nil
}

func parseKline(rec []string) (Kline, error) {
	if len(rec) < 6 {
		return Kline{}, errors.Errorf("expected at least 6 fields, got %d", len(rec))
	}
	ms, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return Kline{}, errors.Wrap(err, "open time")
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		if vals[i], err = decimal.NewFromString(rec[i+1]); err != nil {
			return Kline{}, errors.Wrapf(err, "field %s", header[i+1])
		}
	}
	return Kline{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
