package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// 配置结构体（与规划一致，保留必要字段，便于后续扩展）
type Config struct {
	App AppConfig `toml:"app"`

	Exchange ExchangeConfig `toml:"exchange"`

	Pair PairConfig `toml:"pair"`

	Ledger LedgerConfig `toml:"ledger"`

	Entry EntryConfig `toml:"entry"`

	Layers LayerConfig `toml:"layers"`

	Risk RiskConfig `toml:"risk"`

	Exit ExitConfig `toml:"exit"`

	Trend TrendConfig `toml:"trend"`

	Notify NotifyConfig `toml:"notify"`
}

type AppConfig struct {
	Env             string `toml:"env"`
	LogLevel        string `toml:"log_level"`
	HTTPAddr        string `toml:"http_addr"`
	IntervalSeconds int    `toml:"interval_seconds"` // 决策循环周期（秒）
}

type ExchangeConfig struct {
	Name      string `toml:"name"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	Testnet   bool   `toml:"testnet"`
}

type PairConfig struct {
	Symbol string `toml:"symbol"` // 交易对，如 DOGEUSDT
	Asset  string `toml:"asset"`  // 基础币，如 DOGE
	Quote  string `toml:"quote"`  // 计价币，如 USDT
}

type LedgerConfig struct {
	DBPath string `toml:"db_path"`
}

// EntryConfig 控制开仓/补仓（DCA）相关的节流参数。
type EntryConfig struct {
	StakeQuote         float64 `toml:"stake_quote"`          // 每次买入的计价币金额
	DcaStepPct         float64 `toml:"dca_step_pct"`         // 相对均价回撤多少才补仓
	MaxLayers          int     `toml:"max_layers"`           // 最多补仓层数
	MaxPerDay          int     `toml:"max_per_day"`          // 每日最多入场次数
	MaxConsecutive     int     `toml:"max_consecutive"`      // 两次成功退出之间最多连续入场次数
	MinIntervalMinutes int     `toml:"min_interval_minutes"` // 两次入场之间的最小间隔
	LossBlockPct       float64 `toml:"loss_block_pct"`       // 浮亏超过该比例则暂停入场
}

type LayerConfig struct {
	PriceTolerance    float64 `toml:"price_tolerance"`     // 价格相对偏差聚类阈值
	TimeToleranceDays float64 `toml:"time_tolerance_days"` // 时间聚类阈值（天）
	MinSellQuantity   float64 `toml:"min_sell_quantity"`   // 低于该数量的层永不可卖
	MinLayerProfit    float64 `toml:"min_layer_profit"`    // 层级止盈的最小盈利比例
	MaxHoldHours      float64 `toml:"max_hold_hours"`      // 超龄强制可卖（小时）
}

type RiskConfig struct {
	MaxExposureFraction  float64 `toml:"max_exposure_fraction"`  // 单次新增敞口占余额上限
	MinBalance           float64 `toml:"min_balance"`            // 余额下限，低于则拒绝新敞口
	DailyLossFraction    float64 `toml:"daily_loss_fraction"`    // 当日已实现亏损上限（占余额比例）
	CriticalBalance      float64 `toml:"critical_balance"`       // 紧急清仓的余额红线
	MaxConsecutiveErrors int     `toml:"max_consecutive_errors"` // 连续错误数触发紧急停止
}

// EmergencyLevel 定义一档紧急止损规则。threshold 为负数（如 -0.08）。
type EmergencyLevel struct {
	LossThreshold float64 `toml:"loss_threshold"`
	SellFraction  float64 `toml:"sell_fraction"`
	MinHoldHours  float64 `toml:"min_hold_hours"` // 0 表示立即生效（immediate）
}

// ProfitTier 定义一档分层止盈规则。
type ProfitTier struct {
	ProfitTarget   float64 `toml:"profit_target"`
	SellFraction   float64 `toml:"sell_fraction"`
	MinProfitQuote float64 `toml:"min_profit_quote"` // 低于该计价币利润不触发
}

type ExitConfig struct {
	EmergencyLevels          []EmergencyLevel `toml:"emergency_levels"`
	ProfitTiers              []ProfitTier     `toml:"profit_tiers"`
	EmergencyCooldownMinutes int              `toml:"emergency_cooldown_minutes"`
	AggressiveOffsetPct      float64          `toml:"aggressive_offset_pct"` // 紧急卖出的让价比例
	MinTradeQuantity         float64          `toml:"min_trade_quantity"`    // 交易所最小可交易数量
}

type TrendConfig struct {
	Enabled   bool    `toml:"enabled"`
	Interval  string  `toml:"interval"`   // 趋势判定使用的 K 线周期
	Lookback  int     `toml:"lookback"`   // 拉取的 K 线条数
	RSIPeriod int     `toml:"rsi_period"` //
	RSIMax    float64 `toml:"rsi_max"`    // RSI 高于该值认为追高，不入场
	SMAPeriod int     `toml:"sma_period"` //
}

type NotifyConfig struct {
	Telegram struct {
		Enabled  bool   `toml:"enabled"`
		BotToken string `toml:"bot_token"`
		ChatID   string `toml:"chat_id"`
	} `toml:"telegram"`
}

// Load 读取并解析 TOML 配置文件，并设置缺省值与基本校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 TOML 失败: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// 默认值设置
func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.IntervalSeconds <= 0 {
		c.App.IntervalSeconds = 15
	}
	if c.Pair.Symbol == "" && c.Pair.Asset != "" && c.Pair.Quote != "" {
		c.Pair.Symbol = strings.ToUpper(c.Pair.Asset + c.Pair.Quote)
	}
	if c.Pair.Quote == "" {
		c.Pair.Quote = "USDT"
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = "data/live/strata.db"
	}
	if c.Entry.DcaStepPct <= 0 {
		c.Entry.DcaStepPct = 0.03
	}
	if c.Entry.MaxLayers <= 0 {
		c.Entry.MaxLayers = 6
	}
	if c.Entry.MaxPerDay <= 0 {
		c.Entry.MaxPerDay = 5
	}
	if c.Entry.MaxConsecutive <= 0 {
		c.Entry.MaxConsecutive = 3
	}
	if c.Entry.MinIntervalMinutes <= 0 {
		c.Entry.MinIntervalMinutes = 60
	}
	if c.Entry.LossBlockPct <= 0 {
		c.Entry.LossBlockPct = 0.10
	}
	if c.Layers.PriceTolerance <= 0 {
		c.Layers.PriceTolerance = 0.02
	}
	if c.Layers.TimeToleranceDays <= 0 {
		c.Layers.TimeToleranceDays = 2
	}
	if c.Layers.MinLayerProfit <= 0 {
		c.Layers.MinLayerProfit = 0.01
	}
	if c.Layers.MaxHoldHours <= 0 {
		c.Layers.MaxHoldHours = 72
	}
	if c.Risk.MaxExposureFraction <= 0 {
		c.Risk.MaxExposureFraction = 0.2
	}
	if c.Risk.DailyLossFraction <= 0 {
		c.Risk.DailyLossFraction = 0.05
	}
	if c.Risk.MaxConsecutiveErrors <= 0 {
		c.Risk.MaxConsecutiveErrors = 10
	}
	if len(c.Exit.EmergencyLevels) == 0 {
		c.Exit.EmergencyLevels = []EmergencyLevel{
			{LossThreshold: -0.05, SellFraction: 0.3, MinHoldHours: 24},
			{LossThreshold: -0.08, SellFraction: 0.5, MinHoldHours: 0},
			{LossThreshold: -0.12, SellFraction: 1.0, MinHoldHours: 0},
		}
	}
	if len(c.Exit.ProfitTiers) == 0 {
		c.Exit.ProfitTiers = []ProfitTier{
			{ProfitTarget: 0.008, SellFraction: 0.25, MinProfitQuote: 0.10},
			{ProfitTarget: 0.02, SellFraction: 0.35, MinProfitQuote: 0.20},
			{ProfitTarget: 0.05, SellFraction: 0.5, MinProfitQuote: 0.50},
		}
	}
	if c.Exit.EmergencyCooldownMinutes <= 0 {
		c.Exit.EmergencyCooldownMinutes = 30
	}
	if c.Exit.AggressiveOffsetPct <= 0 {
		c.Exit.AggressiveOffsetPct = 0.002
	}
	if c.Trend.Interval == "" {
		c.Trend.Interval = "1h"
	}
	if c.Trend.Lookback <= 0 {
		c.Trend.Lookback = 100
	}
	if c.Trend.RSIPeriod <= 0 {
		c.Trend.RSIPeriod = 14
	}
	if c.Trend.RSIMax <= 0 {
		c.Trend.RSIMax = 70
	}
	if c.Trend.SMAPeriod <= 0 {
		c.Trend.SMAPeriod = 20
	}
	// 紧急档按亏损阈值从浅到深排序，保证决策引擎的扫描顺序稳定
	sort.SliceStable(c.Exit.EmergencyLevels, func(i, j int) bool {
		return c.Exit.EmergencyLevels[i].LossThreshold > c.Exit.EmergencyLevels[j].LossThreshold
	})
}

// 基础校验
func validate(c *Config) error {
	if strings.TrimSpace(c.Pair.Symbol) == "" {
		return fmt.Errorf("pair.symbol 不能为空")
	}
	if strings.TrimSpace(c.Pair.Asset) == "" {
		return fmt.Errorf("pair.asset 不能为空")
	}
	if c.Entry.StakeQuote <= 0 {
		return fmt.Errorf("entry.stake_quote 必须大于 0")
	}
	if c.Layers.PriceTolerance <= 0 || c.Layers.PriceTolerance >= 1 {
		return fmt.Errorf("layers.price_tolerance 需在 (0,1)")
	}
	if c.Layers.MinSellQuantity < 0 {
		return fmt.Errorf("layers.min_sell_quantity 不能为负")
	}
	for i, lv := range c.Exit.EmergencyLevels {
		if lv.LossThreshold >= 0 {
			return fmt.Errorf("exit.emergency_levels[%d].loss_threshold 必须为负数", i)
		}
		if lv.SellFraction <= 0 || lv.SellFraction > 1 {
			return fmt.Errorf("exit.emergency_levels[%d].sell_fraction 需在 (0,1]", i)
		}
	}
	for i, t := range c.Exit.ProfitTiers {
		if t.ProfitTarget <= 0 {
			return fmt.Errorf("exit.profit_tiers[%d].profit_target 必须大于 0", i)
		}
		if t.SellFraction <= 0 || t.SellFraction > 1 {
			return fmt.Errorf("exit.profit_tiers[%d].sell_fraction 需在 (0,1]", i)
		}
	}
	if c.Risk.MaxExposureFraction <= 0 || c.Risk.MaxExposureFraction > 1 {
		return fmt.Errorf("risk.max_exposure_fraction 需在 (0,1]")
	}
	if c.Risk.DailyLossFraction <= 0 || c.Risk.DailyLossFraction > 1 {
		return fmt.Errorf("risk.daily_loss_fraction 需在 (0,1]")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("已启用 Telegram 通知，请提供 bot_token 与 chat_id")
		}
	}
	return nil
}
