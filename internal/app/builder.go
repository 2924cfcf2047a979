package app

import (
	"context"
	"fmt"

	strcfg "strata/internal/config"
	"strata/internal/decision"
	execbinance "strata/internal/executor/binance"
	"strata/internal/gateway/binance"
	"strata/internal/gateway/database"
	"strata/internal/gateway/notifier"
	"strata/internal/ledger"
	"strata/internal/limiter"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/risk"
	"strata/internal/trader"
	"strata/internal/transport/web"
)

// AppBuilder 把配置装配成可运行的 App：
// 打开存储→恢复状态→构建交易所协作方→组装交易器与观测面。
type AppBuilder struct {
	cfg *strcfg.Config
}

// NewAppBuilder 构造装配器。
func NewAppBuilder(cfg *strcfg.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 完成全部依赖装配。任一环节失败都会关闭已打开的资源并返回错误。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	store, err := database.NewStore(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = store.Close()
		}
	}()

	book := ledger.New(store)
	positions, err := store.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载持仓快照失败: %w", err)
	}
	book.Restore(positions)
	if len(positions) > 0 {
		logger.Infof("✓ 恢复 %d 个持仓快照", len(positions))
	}

	lim := limiter.New(limiter.Params{
		MaxPerDay:          cfg.Entry.MaxPerDay,
		MaxConsecutive:     cfg.Entry.MaxConsecutive,
		MinIntervalMinutes: cfg.Entry.MinIntervalMinutes,
		LossBlockPct:       cfg.Entry.LossBlockPct,
	})
	if st, ok, err := store.LoadLimiterState(ctx); err != nil {
		return nil, fmt.Errorf("加载限流状态失败: %w", err)
	} else if ok {
		lim.Restore(st)
		logger.Infof("✓ 恢复限流状态: 当日已入场 %d 次", st.DailyCount)
	}

	gate := risk.New(risk.Params{
		MaxExposureFraction:  cfg.Risk.MaxExposureFraction,
		MinBalance:           cfg.Risk.MinBalance,
		DailyLossFraction:    cfg.Risk.DailyLossFraction,
		CriticalBalance:      cfg.Risk.CriticalBalance,
		MaxConsecutiveErrors: cfg.Risk.MaxConsecutiveErrors,
	})
	if st, ok, err := store.LoadRiskState(ctx); err != nil {
		return nil, fmt.Errorf("加载风控状态失败: %w", err)
	} else if ok {
		gate.Restore(st)
		logger.Infof("✓ 恢复风控状态: 当日已实现亏损 %.4f", st.DailyRealizedLoss)
	}

	engine := decision.NewEngine(cfg.Exit)
	source := binance.NewSource(cfg.Exchange)
	executor := execbinance.NewExecutor(cfg.Exchange)

	var trend trader.TrendGate
	if cfg.Trend.Enabled {
		trend = market.NewTrendFilter(cfg.Trend, source)
		logger.Infof("✓ 趋势过滤已启用: %s RSI%d/SMA%d", cfg.Trend.Interval, cfg.Trend.RSIPeriod, cfg.Trend.SMAPeriod)
	}

	var tg *notifier.Telegram
	var textNotifier trader.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		tg = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		textNotifier = tg
		logger.Infof("✓ Telegram 推送已启用")
	}

	t := trader.New(cfg, book, lim, gate, engine, source, source, executor, trend, store, textNotifier)

	live := &LiveService{cfg: cfg, trader: t, store: store, tg: tg}
	webSrv := web.NewServer(cfg, book, lim, gate, t, store, source)

	success = true
	return &App{cfg: cfg, live: live, web: webSrv}, nil
}
