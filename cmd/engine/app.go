package main

import (
	"context"
	"database/sql"
	"os"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/api"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/notify"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/scheduler"
	"grid-engine-go/internal/storage"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// minPriceDispatch 行情推送投递到调度器的最小间隔, 两次之间的成交价只更新模拟盘
const minPriceDispatch = time.Second

// newApp 组装实盘/模拟盘服务
func newApp(cfg *models.Config, log *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, log),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			newExchange,
			newRepository,
			newEngine,
			newScheduler,
			newDailyLog,
			newReporter,
			newNotifier,
			newAPIServer,
		),
		fx.Invoke(run),
	)
}

func newExchange(cfg *models.Config, log *zap.Logger) (exchange.Exchange, error) {
	// 公共行情接口不需要密钥, 模拟盘用它取初始价格
	apiKey, secretKey := os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY")
	live := exchange.NewLiveExchange(apiKey, secretKey, cfg.IsTestnet, log.Named("exchange"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.Mode == "live" {
		if apiKey == "" || secretKey == "" {
			return nil, errors.New("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set in live mode")
		}
		if _, err := live.SyncTime(ctx); err != nil {
			log.Warn("time sync failed", zap.Error(err))
		}
		return live, nil
	}

	paper := exchange.NewPaperExchange(exchange.PaperConfigFromSettings(cfg), log.Named("paper"))
	ticker, err := live.GetTicker(ctx, cfg.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "seed paper exchange price")
	}
	paper.SetLastPrice(ticker.Last, time.Now())
	log.Info("paper exchange seeded", zap.String("price", ticker.Last.String()))
	return paper, nil
}

func newRepository(lc fx.Lifecycle, cfg *models.Config) (persistence.StateRepository, error) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(repo.Close))
	return repo, nil
}

func newEngine(cfg *models.Config, ex exchange.Exchange, repo persistence.StateRepository, log *zap.Logger) (*engine.Engine, error) {
	eng, err := engine.New(cfg, ex, log)
	if err != nil {
		return nil, err
	}
	snapshot, err := repo.LoadSnapshot(cfg.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	if snapshot != nil {
		if err := eng.Restore(snapshot); err != nil {
			return nil, errors.Wrap(err, "restore snapshot")
		}
		log.Info("state restored", zap.Time("savedAt", snapshot.SavedAt),
			zap.Bool("globalStopped", snapshot.Latches.GlobalStopped),
			zap.Bool("emergencyStopped", snapshot.Latches.EmergencyStopped))
	}
	return eng, nil
}

func newScheduler(cfg *models.Config, eng *engine.Engine, repo persistence.StateRepository, log *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(eng, repo, cfg.TickInterval(), log,
		scheduler.WithStatusInterval(time.Duration(cfg.Scheduler.StatusIntervalSeconds)*time.Second))
}

func newDailyLog(lc fx.Lifecycle, cfg *models.Config) (*sql.DB, error) {
	path := cfg.DailyLogPath
	if path == "" {
		path = ":memory:"
	}
	db, err := storage.InitDB(path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func newReporter(db *sql.DB, eng *engine.Engine, log *zap.Logger) *reporter.Reporter {
	return reporter.New(db, eng, reporter.DefaultThresholds(), log)
}

func newNotifier(cfg *models.Config, log *zap.Logger) *notify.Notifier {
	senders := []notify.Sender{notify.NewLogSender(log)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			senders = append(senders, tg)
		}
	}
	return notify.New(log, senders)
}

func newAPIServer(eng *engine.Engine, sched *scheduler.Scheduler, rep *reporter.Reporter, log *zap.Logger) *api.Server {
	return api.NewServer(eng, sched, rep, log)
}

// run 按依赖顺序注册生命周期钩子, 停止时逆序执行
func run(lc fx.Lifecycle, cfg *models.Config, ex exchange.Exchange, eng *engine.Engine, sched *scheduler.Scheduler,
	rep *reporter.Reporter, notifier *notify.Notifier, server *api.Server, log *zap.Logger) {
	bg, cancel := context.WithCancel(context.Background())

	notifier.Attach(eng)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			notifier.Start(bg)
			return nil
		},
		OnStop: func(context.Context) error {
			notifier.Stop()
			return nil
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Start(ctx); err != nil {
				return errors.Wrap(err, "start engine")
			}
			sched.Start(bg)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			sched.Stop()
			res := eng.Stop(ctx)
			log.Info("engine stopped", zap.Int("canceled", res.Canceled), zap.Int("failed", res.Failed))
			return nil
		},
	})

	paper, _ := ex.(*exchange.PaperExchange)
	var lastDispatch atomic.Int64
	stream := exchange.NewPriceStream(cfg.StreamURL(), cfg.Symbol,
		time.Duration(cfg.WebSocket.PingIntervalSec)*time.Second,
		time.Duration(cfg.WebSocket.PongTimeoutSec)*time.Second,
		func(price decimal.Decimal, ts time.Time) {
			if paper != nil {
				paper.SetLastPrice(price, ts)
			}
			now := time.Now().UnixNano()
			if last := lastDispatch.Load(); now-last < int64(minPriceDispatch) || !lastDispatch.CompareAndSwap(last, now) {
				return
			}
			sched.DispatchPrice(price, ts)
		}, log.Named("stream"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go stream.Run(bg)
			go rolloverLoop(bg, sched, rep, log)
			return nil
		},
	})

	if cfg.API.Enabled {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				server.Start(cfg.API.Addr)
				return nil
			},
			OnStop: server.Shutdown,
		})
	}
}

// rolloverLoop 每分钟检查一次 UTC 日期, 跨日时在事件循环中写入前一天的日志
func rolloverLoop(ctx context.Context, sched *scheduler.Scheduler, rep *reporter.Reporter, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	check := func() {
		_, err := sched.Do(ctx, func(context.Context) (interface{}, error) {
			return rep.Rollover(time.Now())
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("daily rollover failed", zap.Error(err))
		}
	}
	check()
	for {
		select {
		case <-ticker.C:
			check()
		case <-ctx.Done():
			return
		}
	}
}
