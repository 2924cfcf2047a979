package layers

import (
	"fmt"
	"math"
	"sort"
	"time"

	"strata/internal/ledger"
)

// 超龄微利档的固定阈值：盈利 ≥0.5% 且持有 ≥48 小时的层可卖。
const (
	agedProfitPct = 0.005
	agedMinHours  = 48
)

// Params 控制聚类与可卖性判定。
type Params struct {
	PriceTolerance    float64 // 相对当前层均价的最大偏差
	TimeToleranceDays float64 // 与当前层最近一笔的最大时间间隔（天）
	MinSellQuantity   float64
	MinLayerProfit    float64
	MaxHoldHours      float64
}

// Layer 是从买入历史派生出的一段独立可评估的仓位。
// 每个周期重算，不持久化。
type Layer struct {
	ID            int           `json:"id"` // 1 起始，越新越小
	Fills         []ledger.Fill `json:"fills"`
	AverageCost   float64       `json:"average_cost"`
	TotalQuantity float64       `json:"total_quantity"`
	AgeHours      float64       `json:"age_hours"`
	ProfitPercent float64       `json:"profit_percent"`
	Sellable      bool          `json:"sellable"`
	Trigger       string        `json:"trigger,omitempty"` // 可卖原因：profit / age
}

// Segment 把未平买入批次按价格邻近度与时间邻近度切分成若干层。
// 输入必须是未平批次（数量之和等于持仓数量），否则分区校验必然失败。
// 算法：按时间倒序（最新在前）做单遍贪心聚类——候选批次与当前层
// 「运行均价」的相对距离 ≤ PriceTolerance，且与当前层最近一笔的
// 时间差 ≤ TimeToleranceDays 时并入当前层，否则封层另起。
// 贪心单遍不是全局最优，但对固定输入与参数是确定且顺序稳定的。
func Segment(lots []ledger.Fill, currentPrice float64, now time.Time, p Params) []Layer {
	if len(lots) == 0 {
		return nil
	}
	fills := make([]ledger.Fill, len(lots))
	copy(fills, lots)
	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].Timestamp.After(fills[j].Timestamp)
	})

	var out []Layer
	cur := newAccum(fills[0])
	for _, f := range fills[1:] {
		dist := math.Abs(f.Price-cur.avgPrice()) / cur.avgPrice()
		gap := cur.newest.Sub(f.Timestamp)
		if dist <= p.PriceTolerance && gap <= daysToDuration(p.TimeToleranceDays) {
			cur.absorb(f)
			continue
		}
		out = append(out, cur.emit(len(out)+1, currentPrice, now, p))
		cur = newAccum(f)
	}
	out = append(out, cur.emit(len(out)+1, currentPrice, now, p))
	return out
}

// CheckPartition 校验层数量之和与持仓数量一致（相对误差 1e-9）。
// 失败说明账本或分层器存在缺陷，本周期必须按致命错误处理。
func CheckPartition(ls []Layer, positionQty float64) error {
	var sum float64
	for _, l := range ls {
		sum += l.TotalQuantity
	}
	diff := math.Abs(sum - positionQty)
	scale := math.Max(math.Abs(positionQty), 1)
	if diff/scale > 1e-9 {
		return fmt.Errorf("层数量之和 %v 与持仓数量 %v 不一致", sum, positionQty)
	}
	return nil
}

// accum 聚类过程中的「打开」层。
type accum struct {
	fills  []ledger.Fill
	qty    float64
	cost   float64
	newest time.Time
	oldest time.Time
}

func newAccum(f ledger.Fill) *accum {
	return &accum{
		fills:  []ledger.Fill{f},
		qty:    f.Quantity,
		cost:   f.Quantity * f.Price,
		newest: f.Timestamp,
		oldest: f.Timestamp,
	}
}

func (a *accum) avgPrice() float64 { return a.cost / a.qty }

func (a *accum) absorb(f ledger.Fill) {
	a.fills = append(a.fills, f)
	a.qty += f.Quantity
	a.cost += f.Quantity * f.Price
	if f.Timestamp.Before(a.oldest) {
		a.oldest = f.Timestamp
	}
}

func (a *accum) emit(id int, currentPrice float64, now time.Time, p Params) Layer {
	l := Layer{
		ID:            id,
		Fills:         a.fills,
		AverageCost:   a.avgPrice(),
		TotalQuantity: a.qty,
		AgeHours:      now.Sub(a.oldest).Hours(),
	}
	if l.AverageCost > 0 {
		l.ProfitPercent = (currentPrice - l.AverageCost) / l.AverageCost
	}
	l.Sellable, l.Trigger = sellable(l, p)
	return l
}

// sellable 判定一层是否可独立卖出，并给出触发原因。
// 数量不足 MinSellQuantity 的层无论盈亏/层龄永不可卖。
func sellable(l Layer, p Params) (bool, string) {
	if l.TotalQuantity < p.MinSellQuantity {
		return false, ""
	}
	if l.ProfitPercent >= p.MinLayerProfit {
		return true, "profit"
	}
	if l.AgeHours >= p.MaxHoldHours {
		return true, "age"
	}
	if l.ProfitPercent >= agedProfitPct && l.AgeHours >= agedMinHours {
		return true, "profit"
	}
	return false, ""
}

func daysToDuration(days float64) time.Duration {
	return time.Duration(days * 24 * float64(time.Hour))
}
