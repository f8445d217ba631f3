package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid-engine-go/internal/backtest"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/logger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live, paper or backtest (overrides config)")
	dataPath := flag.String("data", "", "path to historical kline csv for backtesting")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 读取配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatal(err)
		}
	}

	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	switch cfg.Mode {
	case "backtest":
		if err := runBacktest(cfg, *dataPath, *startDate, *endDate, log); err != nil {
			logger.S().Fatal(err)
		}
	default:
		log.Info("starting engine", zap.String("mode", cfg.Mode), zap.String("symbol", cfg.Symbol))
		newApp(cfg, log).Run()
	}
}

// runBacktest 下载或读取K线, 回放后打印每日日志表格
func runBacktest(cfg *models.Config, dataPath, startDate, endDate string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if startDate != "" && endDate != "" {
		start, err1 := time.Parse("2006-01-02", startDate)
		end, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return errors.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		dataPath = downloader.FileName("data", cfg.Symbol, start, end)
		if err := downloader.NewKlineDownloader(log).DownloadKlines(ctx, cfg.Symbol, dataPath, start, end); err != nil {
			return errors.Wrap(err, "下载数据失败")
		}
	}
	if dataPath == "" {
		return errors.New("回测模式需要通过 --data 或 --start/--end 参数指定数据源")
	}

	klines, err := downloader.LoadKlines(dataPath, log)
	if err != nil {
		return err
	}

	dbPath := cfg.DailyLogPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := storage.InitDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := backtest.Run(ctx, cfg, klines, db, log)
	if err != nil {
		return err
	}

	reporter.Render(os.Stdout, res.Records)
	log.Info("========== 回测结果 ==========",
		zap.String("data", dataPath),
		zap.String("symbol", res.Symbol),
		zap.Time("start", res.Start),
		zap.Time("end", res.End),
		zap.String("initialEquity", res.InitialEquity.StringFixed(2)),
		zap.String("finalEquity", res.FinalEquity.StringFixed(2)),
		zap.String("returnPercent", res.ReturnPercent.StringFixed(2)),
		zap.String("fees", res.TotalFees.StringFixed(4)),
		zap.String("maxDrawdown", res.EquityDrawdown.StringFixed(2)),
		zap.Int("cyclesClosed", res.Status.Cycles.Closed),
		zap.Bool("halted", res.Halted))
	return nil
}
