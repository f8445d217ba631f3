package config

import (
	"strings"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀, 例如 GRID_RISK_DAILY_LOSS_LIMIT 覆盖 risk.daily_loss_limit
const EnvPrefix = "GRID"

var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载JSON配置文件, 叠加默认值和环境变量后解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回只包含默认值的配置, 用于测试和回测
func Default() *models.Config {
	v := viper.New()
	setDefaults(v)
	cfg := &models.Config{}
	// 默认值均为基础类型, 解码不会失败
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("is_testnet", false)
	v.SetDefault("db_path", "data/state")
	v.SetDefault("daily_log_path", "data/daily_log.db")
	v.SetDefault("symbol", "BTCUSDT")
	v.SetDefault("base_asset", "BTC")
	v.SetDefault("quote_asset", "USDT")

	v.SetDefault("grid.total_capital", 500.0)
	v.SetDefault("grid.num_levels", 15)
	v.SetDefault("grid.range_percent", 14.0)
	v.SetDefault("grid.profit_target_percent", 0.8)
	v.SetDefault("grid.min_order_size", 0.00001)
	v.SetDefault("grid.fee_percent", 0.1)

	v.SetDefault("reinvest.strategy", "same_level")
	v.SetDefault("reinvest.sell_level_offset", 8)

	v.SetDefault("rebalance.threshold_percent", 2.0)
	v.SetDefault("rebalance.min_interval_seconds", 300)
	v.SetDefault("rebalance.liquidate_on_rebalance", false)

	v.SetDefault("risk.daily_loss_limit", 50.0)
	v.SetDefault("risk.global_stop_percent", 20.0)
	v.SetDefault("risk.max_drawdown_percent", 15.0)
	v.SetDefault("risk.max_exposure_percent", 80.0)
	v.SetDefault("risk.warning_threshold_percent", 50.0)
	v.SetDefault("risk.max_order_notional_percent", 20.0)
	v.SetDefault("risk.alert_coalesce_window_seconds", 300)
	v.SetDefault("risk.emergency_on_global_stop", true)

	v.SetDefault("scheduler.tick_interval_seconds", 10)
	v.SetDefault("scheduler.status_interval_seconds", 60)

	v.SetDefault("paper.initial_quote", 500.0)
	v.SetDefault("paper.initial_base", 0.0)
	v.SetDefault("paper.maker_fee_rate", 0.001)
	v.SetDefault("paper.taker_fee_rate", 0.001)
	v.SetDefault("paper.slippage_rate", 0.0005)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", 0)

	v.SetDefault("websocket.live_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("websocket.testnet_url", "wss://stream.testnet.binance.vision/ws")
	v.SetDefault("websocket.ping_interval_sec", 54)
	v.SetDefault("websocket.pong_timeout_sec", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file", "logs/engine.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
}

// Validate 检查配置是否可以构造一个合法的引擎, 配置错误直接拒绝启动
func Validate(cfg *models.Config) error {
	switch cfg.Mode {
	case "live", "paper", "backtest":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown mode %q", cfg.Mode)
	}
	if cfg.Symbol == "" || cfg.BaseAsset == "" || cfg.QuoteAsset == "" {
		return errors.Wrap(ErrInvalidConfig, "symbol, base_asset and quote_asset are required")
	}

	g := cfg.Grid
	if g.NumLevels < 3 {
		return errors.Wrapf(ErrInvalidConfig, "grid.num_levels must be at least 3, got %d", g.NumLevels)
	}
	if g.TotalCapital <= 0 {
		return errors.Wrap(ErrInvalidConfig, "grid.total_capital must be positive")
	}
	if g.RangePercent <= 0 || g.RangePercent >= 200 {
		return errors.Wrap(ErrInvalidConfig, "grid.range_percent must be in (0, 200)")
	}
	if g.ProfitTargetPercent < 0 || g.FeePercent < 0 || g.MinOrderSize < 0 {
		return errors.Wrap(ErrInvalidConfig, "grid percentages and min_order_size must not be negative")
	}

	switch cfg.Reinvest.Strategy {
	case "same_level":
	case "offset_level":
		if cfg.Reinvest.SellLevelOffset <= 0 {
			return errors.Wrap(ErrInvalidConfig, "reinvest.sell_level_offset must be positive")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown reinvest.strategy %q", cfg.Reinvest.Strategy)
	}

	r := cfg.Risk
	if r.DailyLossLimit <= 0 || r.GlobalStopPercent <= 0 || r.MaxDrawdownPercent <= 0 || r.MaxExposurePercent <= 0 {
		return errors.Wrap(ErrInvalidConfig, "risk limits must be positive")
	}
	if r.MaxOrderNotionalPercent <= 0 || r.WarningThresholdPercent <= 0 || r.WarningThresholdPercent > 100 {
		return errors.Wrap(ErrInvalidConfig, "risk.max_order_notional_percent and risk.warning_threshold_percent are out of range")
	}
	if cfg.Rebalance.ThresholdPercent < 0 || cfg.Rebalance.MinIntervalSeconds < 0 {
		return errors.Wrap(ErrInvalidConfig, "rebalance settings must not be negative")
	}
	if cfg.Scheduler.TickIntervalSeconds <= 0 {
		return errors.Wrap(ErrInvalidConfig, "scheduler.tick_interval_seconds must be positive")
	}
	return nil
}
