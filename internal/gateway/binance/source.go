package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"

	"strata/internal/config"
	"strata/internal/market"
)

// Source 封装币安现货行情与账户查询。
// 行情失败向上返回错误，由调用方决定本周期是否降级为观望。
type Source struct {
	client *binance.Client
}

// NewSource 构造行情/账户数据源。testnet 下自动切换基础地址。
func NewSource(cfg config.ExchangeConfig) *Source {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	return &Source{client: binance.NewClient(cfg.APIKey, cfg.APISecret)}
}

// CurrentPrice 获取最新成交价。
func (s *Source) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("交易所未返回 %s 的价格", symbol)
	}
	v, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("解析价格 %q 失败: %w", prices[0].Price, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("交易所返回非正价格 %v", v)
	}
	return v, nil
}

// Balance 返回指定币种的可用余额（不含冻结部分）。
func (s *Source) Balance(ctx context.Context, currency string) (float64, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	acct, err := s.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取账户信息失败: %w", err)
	}
	for _, b := range acct.Balances {
		if strings.EqualFold(b.Asset, currency) {
			v, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("解析余额 %q 失败: %w", b.Free, err)
			}
			return v, nil
		}
	}
	// 账户里没有该币种记录视为零余额，而不是错误。
	return 0, nil
}

// Klines 拉取收盘价序列（时间升序），供趋势判定使用。
func (s *Source) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", symbol, err)
	}
	candles := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		c, err := parseCandle(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandle(k *binance.Kline) (market.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("解析K线开盘价失败: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("解析K线最高价失败: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("解析K线最低价失败: %w", err)
	}
	closePx, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("解析K线收盘价失败: %w", err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("解析K线成交量失败: %w", err)
	}
	return market.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    vol,
	}, nil
}
