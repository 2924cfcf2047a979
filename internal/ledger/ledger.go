package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"strata/internal/logger"
)

// Side 成交方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Fill 表示一笔已成交记录，写入后不可变。
type Fill struct {
	Side      Side      `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate 拒绝非法成交：方向未知、数量/价格非正。
func (f Fill) Validate() error {
	switch f.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("非法成交方向: %q", f.Side)
	}
	if f.Quantity <= 0 {
		return fmt.Errorf("成交数量必须大于 0，当前=%v", f.Quantity)
	}
	if f.Price <= 0 {
		return fmt.Errorf("成交价格必须大于 0，当前=%v", f.Price)
	}
	return nil
}

// Position 单一币种的持仓与成本账。
// 不变量：Quantity > 0 时 AverageCost == TotalCost/Quantity（浮点容差内）；
// Quantity == 0 时 AverageCost 与 TotalCost 均为 0。
// Fills 是只增不减的审计历史；Lots 是未平的买入批次，
// 每笔卖出按比例消耗各批次，批次数量之和始终等于 Quantity。
type Position struct {
	Asset       string    `json:"asset"`
	Quantity    float64   `json:"quantity"`
	AverageCost float64   `json:"average_cost"`
	TotalCost   float64   `json:"total_cost"`
	Fills       []Fill    `json:"fills"`
	Lots        []Fill    `json:"open_lots,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OpenLots 返回未平买入批次的副本（供分层器使用）。
func (p Position) OpenLots() []Fill {
	out := make([]Fill, len(p.Lots))
	copy(out, p.Lots)
	return out
}

// ProfitPercent 按当前价计算浮动盈亏比例；空仓或均价无效时返回 0。
func (p Position) ProfitPercent(currentPrice float64) float64 {
	if p.Quantity <= 0 || p.AverageCost <= 0 {
		return 0
	}
	return (currentPrice - p.AverageCost) / p.AverageCost
}

// AgeHours 返回最早一笔未平买入批次的持有时长（小时）。
func (p Position) AgeHours(now time.Time) float64 {
	var oldest time.Time
	for _, f := range p.Lots {
		if oldest.IsZero() || f.Timestamp.Before(oldest) {
			oldest = f.Timestamp
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest).Hours()
}

// Saver 由外部持久化协作方实现（落库失败不回滚内存状态）。
type Saver interface {
	SavePosition(ctx context.Context, pos Position) error
}

// Ledger 是持仓数量、均价与总成本的唯一事实来源。
// 对每笔成交做事务式更新：四个字段要么全部更新、要么全部不变。
type Ledger struct {
	mu        sync.Mutex
	positions map[string]Position
	saver     Saver
}

// New 构造空账本；saver 可为 nil（纯内存模式，供测试与回放）。
func New(saver Saver) *Ledger {
	return &Ledger{
		positions: make(map[string]Position),
		saver:     saver,
	}
}

// Restore 从持久化快照恢复持仓（启动时调用）。
// 未平批次不入库，这里按成交历史确定性重放得到，与记账路径逐笔一致。
func (l *Ledger) Restore(positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		asset := normalizeAsset(p.Asset)
		if asset == "" {
			continue
		}
		p.Asset = asset
		p.Lots = rebuildLots(p.Fills)
		l.positions[asset] = p
	}
}

// rebuildLots 按时间顺序重放成交历史：买入开新批次，
// 卖出按比例消耗全部批次，清仓清空批次。
func rebuildLots(fills []Fill) []Fill {
	var lots []Fill
	var qty float64
	for _, f := range fills {
		switch f.Side {
		case SideBuy:
			lots = append(lots, f)
			qty += f.Quantity
		case SideSell:
			if qty <= 0 {
				continue
			}
			newQty := math.Max(0, qty-f.Quantity)
			if newQty == 0 {
				lots = nil
				qty = 0
				continue
			}
			ratio := newQty / qty
			for i := range lots {
				lots[i].Quantity *= ratio
			}
			qty = newQty
		}
	}
	return lots
}

// ApplyFill 以事务语义记账。
// 买入：数量与总成本累加，均价重算；
// 卖出：数量减少，剩余总成本按剩余/原数量等比缩减（均价不变，体现按比例移除成本）；
// 清仓：均价与总成本精确归零。
// 成交通过校验后无论买卖都会追加进历史。
func (l *Ledger) ApplyFill(ctx context.Context, asset string, fill Fill) (Position, error) {
	asset = normalizeAsset(asset)
	if asset == "" {
		return Position{}, fmt.Errorf("asset 不能为空")
	}
	if err := fill.Validate(); err != nil {
		return Position{}, err
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}

	l.mu.Lock()
	pos, ok := l.positions[asset]
	if !ok {
		pos = Position{Asset: asset}
	}
	if fill.Side == SideSell && pos.Quantity <= 0 {
		l.mu.Unlock()
		return Position{}, fmt.Errorf("空仓状态不能卖出: asset=%s", asset)
	}
	switch fill.Side {
	case SideBuy:
		newQty := pos.Quantity + fill.Quantity
		newCost := pos.TotalCost + fill.Quantity*fill.Price
		pos.Quantity = newQty
		pos.TotalCost = newCost
		pos.AverageCost = newCost / newQty
		pos.Lots = append(pos.Lots, fill)
	case SideSell:
		oldQty := pos.Quantity
		newQty := math.Max(0, oldQty-fill.Quantity)
		if newQty > 0 {
			// 卖出不指定批次，按比例消耗全部未平批次，批次之和保持等于持仓数量。
			ratio := newQty / oldQty
			pos.TotalCost = pos.TotalCost * ratio
			pos.Quantity = newQty
			for i := range pos.Lots {
				pos.Lots[i].Quantity *= ratio
			}
		} else {
			pos.Quantity = 0
			pos.TotalCost = 0
			pos.AverageCost = 0
			pos.Lots = nil
		}
	}
	pos.Fills = append(pos.Fills, fill)
	pos.UpdatedAt = fill.Timestamp
	l.positions[asset] = pos
	snapshot := clonePosition(pos)
	l.mu.Unlock()

	if l.saver != nil {
		if err := l.saver.SavePosition(ctx, snapshot); err != nil {
			// 至少一次持久化：失败只记日志，内存状态不回滚
			logger.Warnf("持仓落库失败 asset=%s: %v", asset, err)
		}
	}
	return snapshot, nil
}

// Position 查询当前持仓；未知币种返回零持仓，永不失败。
func (l *Ledger) Position(asset string) Position {
	asset = normalizeAsset(asset)
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[asset]
	if !ok {
		return Position{Asset: asset}
	}
	return clonePosition(pos)
}

func clonePosition(p Position) Position {
	out := p
	out.Fills = make([]Fill, len(p.Fills))
	copy(out.Fills, p.Fills)
	out.Lots = make([]Fill, len(p.Lots))
	copy(out.Lots, p.Lots)
	return out
}

func normalizeAsset(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
