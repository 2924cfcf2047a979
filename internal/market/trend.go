package market

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"strata/internal/config"
	"strata/internal/pkg/format"
)

// KlineSource 提供趋势判定所需的 K 线序列。
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// TrendFilter 在空仓首次建仓前做趋势确认：
// RSI 未超买且收盘价站上 SMA 才放行。补仓不经过该过滤器。
type TrendFilter struct {
	cfg    config.TrendConfig
	source KlineSource
}

// NewTrendFilter 构造趋势过滤器。
func NewTrendFilter(cfg config.TrendConfig, source KlineSource) *TrendFilter {
	return &TrendFilter{cfg: cfg, source: source}
}

// AllowEntry 判断当前是否允许首仓入场。
// 数据不足或行情拉取失败按保守处理：拒绝入场并返回错误供上层记录。
func (f *TrendFilter) AllowEntry(ctx context.Context, symbol string) (bool, string, error) {
	if !f.cfg.Enabled {
		return true, "趋势过滤未启用", nil
	}
	need := f.cfg.SMAPeriod
	if f.cfg.RSIPeriod+1 > need {
		need = f.cfg.RSIPeriod + 1
	}
	limit := f.cfg.Lookback
	if limit < need {
		limit = need
	}
	candles, err := f.source.Klines(ctx, symbol, f.cfg.Interval, limit)
	if err != nil {
		return false, "", err
	}
	if len(candles) < need {
		return false, "", fmt.Errorf("K线数量不足: 需要 %d 根, 实际 %d 根", need, len(candles))
	}
	closes := Closes(candles)
	last := closes[len(closes)-1]

	rsi := talib.Rsi(closes, f.cfg.RSIPeriod)
	lastRSI := rsi[len(rsi)-1]
	if lastRSI >= f.cfg.RSIMax {
		return false, fmt.Sprintf("RSI %.1f 超买（上限 %.1f）", lastRSI, f.cfg.RSIMax), nil
	}

	sma := talib.Sma(closes, f.cfg.SMAPeriod)
	lastSMA := sma[len(sma)-1]
	if lastSMA > 0 && last < lastSMA {
		return false, fmt.Sprintf("收盘价 %s 低于 SMA%d %s", format.Float(last, 6), f.cfg.SMAPeriod, format.Float(lastSMA, 6)), nil
	}
	return true, fmt.Sprintf("RSI %.1f / 价格在 SMA%d 之上", lastRSI, f.cfg.SMAPeriod), nil
}
