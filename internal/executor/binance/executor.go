package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"

	"strata/internal/config"
	"strata/internal/ledger"
	"strata/internal/logger"
	"strata/internal/trader"
)

// Executor 通过币安现货市价单执行交易指令。
// 每笔订单携带唯一 clientOrderId，交易所侧幂等去重。
type Executor struct {
	client *binance.Client
}

var _ trader.OrderExecutor = (*Executor)(nil)

// NewExecutor 构造现货执行器。
func NewExecutor(cfg config.ExchangeConfig) *Executor {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	return &Executor{client: binance.NewClient(cfg.APIKey, cfg.APISecret)}
}

// SubmitOrder 提交市价单并等待确定回执。
// 返回的成交价取各笔撮合的数量加权均价。
func (e *Executor) SubmitOrder(ctx context.Context, req trader.OrderRequest) (trader.OrderResult, error) {
	if req.Quantity <= 0 {
		return trader.OrderResult{}, fmt.Errorf("订单数量必须为正: %v", req.Quantity)
	}
	side := binance.SideTypeBuy
	if req.Side == ledger.SideSell {
		side = binance.SideTypeSell
	}
	clientID := "strata-" + uuid.NewString()

	svc := e.client.NewCreateOrderService().
		Symbol(strings.ToUpper(strings.TrimSpace(req.Symbol))).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(formatQuantity(req.Quantity)).
		NewClientOrderID(clientID)

	res, err := svc.Do(ctx)
	if err != nil {
		return trader.OrderResult{}, fmt.Errorf("提交订单失败: %w", err)
	}

	filledQty, err := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if err != nil {
		return trader.OrderResult{}, fmt.Errorf("解析成交数量 %q 失败: %w", res.ExecutedQuantity, err)
	}
	if filledQty <= 0 {
		return trader.OrderResult{}, fmt.Errorf("订单 %s 未成交", clientID)
	}
	avgPrice, err := averageFillPrice(res, filledQty)
	if err != nil {
		return trader.OrderResult{}, err
	}
	logger.Infof("订单成交: %s %s 数量=%s 均价=%.8f", req.Symbol, side, res.ExecutedQuantity, avgPrice)
	return trader.OrderResult{
		OrderID:        clientID,
		FilledQuantity: filledQty,
		FilledPrice:    avgPrice,
	}, nil
}

func averageFillPrice(res *binance.CreateOrderResponse, filledQty float64) (float64, error) {
	var notional float64
	for _, f := range res.Fills {
		p, err := strconv.ParseFloat(f.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("解析成交价 %q 失败: %w", f.Price, err)
		}
		q, err := strconv.ParseFloat(f.Quantity, 64)
		if err != nil {
			return 0, fmt.Errorf("解析成交量 %q 失败: %w", f.Quantity, err)
		}
		notional += p * q
	}
	if notional > 0 {
		return notional / filledQty, nil
	}
	// 部分接口不回传 fills，退化为累计成交额 / 成交量。
	quote, err := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if err != nil {
		return 0, fmt.Errorf("解析累计成交额 %q 失败: %w", res.CummulativeQuoteQuantity, err)
	}
	if quote <= 0 {
		return 0, fmt.Errorf("无法确定订单成交均价")
	}
	return quote / filledQty, nil
}

func formatQuantity(q float64) string {
	out := strconv.FormatFloat(q, 'f', 8, 64)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	return out
}
