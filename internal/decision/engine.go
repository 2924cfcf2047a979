package decision

import (
	"fmt"
	"strings"
	"time"

	"strata/internal/config"
	"strata/internal/layers"
	"strata/internal/ledger"
	"strata/internal/pkg/format"
)

// Action 是引擎每周期的输出动作。
type Action string

const (
	ActionHold Action = "hold"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Tag 标记卖出指令的来源规则。
type Tag string

const (
	TagNone      Tag = ""
	TagEmergency Tag = "emergency" // 紧急止损
	TagPyramid   Tag = "pyramid"   // 分层止盈
	TagPartial   Tag = "partial"   // 层级部分退出
)

// Instruction 是引擎对单个周期的唯一建议。
type Instruction struct {
	Action   Action  `json:"action"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"` // 参考价
	Tag      Tag     `json:"tag,omitempty"`
	Reason   string  `json:"reason"`
}

// Engine 按固定优先级评估退出规则：紧急止损 > 分层止盈 > 层级部分退出。
// Decide 本身是纯函数；唯一的可变状态是紧急卖出冷却时间戳，
// 由调用方在紧急卖单确认成交后通过 NoteEmergencyFill 写入。
type Engine struct {
	exit config.ExitConfig

	lastEmergencyAt time.Time
}

// NewEngine 构造决策引擎。emergency_levels 已在配置加载时按阈值从浅到深排序。
func NewEngine(exit config.ExitConfig) *Engine {
	return &Engine{exit: exit}
}

// NoteEmergencyFill 记录紧急卖出成交时间，用于冷却控制。
func (e *Engine) NoteEmergencyFill(t time.Time) { e.lastEmergencyAt = t }

// LastEmergencyAt 返回最近一次紧急卖出时间（持久化/诊断用）。
func (e *Engine) LastEmergencyAt() time.Time { return e.lastEmergencyAt }

// Decide 在固定优先级下返回本周期的唯一指令。
// 规则命中即止，后序规则不再评估；全部未命中时返回带诊断信息的 hold。
func (e *Engine) Decide(now time.Time, currentPrice float64, pos ledger.Position, ls []layers.Layer) Instruction {
	profit := pos.ProfitPercent(currentPrice)
	ageHours := pos.AgeHours(now)

	if inst, ok := e.emergency(now, currentPrice, pos, profit, ageHours); ok {
		return inst
	}
	if profit > 0 {
		if inst, ok := e.profitTier(currentPrice, pos, profit); ok {
			return inst
		}
	}
	if inst, ok := e.layeredPartial(currentPrice, ls); ok {
		return inst
	}
	return Instruction{
		Action: ActionHold,
		Reason: e.holdDiagnostics(profit, ageHours),
	}
}

// emergency 从最浅档扫到最深档并保留最后一个命中档：
// 亏损越深应当落在越深的档位上。仅在浮亏时生效，盈利状态永不触发。
func (e *Engine) emergency(now time.Time, currentPrice float64, pos ledger.Position, profit, ageHours float64) (Instruction, bool) {
	if pos.Quantity <= 0 || profit >= 0 {
		return Instruction{}, false
	}
	cooldown := time.Duration(e.exit.EmergencyCooldownMinutes) * time.Minute
	if !e.lastEmergencyAt.IsZero() && now.Sub(e.lastEmergencyAt) < cooldown {
		return Instruction{}, false
	}
	var hit *config.EmergencyLevel
	for i := range e.exit.EmergencyLevels {
		lv := &e.exit.EmergencyLevels[i]
		if profit > lv.LossThreshold {
			continue
		}
		if lv.MinHoldHours > 0 && ageHours < lv.MinHoldHours {
			continue
		}
		hit = lv
	}
	if hit == nil {
		return Instruction{}, false
	}
	qty := pos.Quantity * hit.SellFraction
	refPrice := currentPrice * (1 - e.exit.AggressiveOffsetPct)
	return Instruction{
		Action:   ActionSell,
		Quantity: qty,
		Price:    refPrice,
		Tag:      TagEmergency,
		Reason: fmt.Sprintf("紧急止损: 浮亏 %s 触及阈值 %s，卖出 %s（让价 %.4f）",
			format.Percent(profit), format.Percent(hit.LossThreshold), format.Percent(hit.SellFraction), refPrice),
	}, true
}

// profitTier 在所有满足目标且计价币利润达标的档位中，
// 选择绝对计价币利润最大的一档（而不是百分比最高的一档）。
func (e *Engine) profitTier(currentPrice float64, pos ledger.Position, profit float64) (Instruction, bool) {
	var (
		best       *config.ProfitTier
		bestProfit float64
	)
	for i := range e.exit.ProfitTiers {
		t := &e.exit.ProfitTiers[i]
		if profit < t.ProfitTarget {
			continue
		}
		sellQty := pos.Quantity * t.SellFraction
		quoteProfit := sellQty * (currentPrice - pos.AverageCost)
		if quoteProfit < t.MinProfitQuote {
			continue
		}
		if best == nil || quoteProfit > bestProfit {
			best = t
			bestProfit = quoteProfit
		}
	}
	if best == nil {
		return Instruction{}, false
	}
	return Instruction{
		Action:   ActionSell,
		Quantity: pos.Quantity * best.SellFraction,
		Price:    currentPrice,
		Tag:      TagPyramid,
		Reason: fmt.Sprintf("分层止盈: 盈利 %s ≥ 目标 %s，卖出 %s，预计利润 %.4f",
			format.Percent(profit), format.Percent(best.ProfitTarget), format.Percent(best.SellFraction), bestProfit),
	}, true
}

// layeredPartial 汇总所有可卖层的数量做一次部分退出。
func (e *Engine) layeredPartial(currentPrice float64, ls []layers.Layer) (Instruction, bool) {
	var (
		total float64
		parts []string
	)
	for _, l := range ls {
		if !l.Sellable {
			continue
		}
		total += l.TotalQuantity
		parts = append(parts, fmt.Sprintf("层%d: 数量=%s 触发=%s", l.ID, format.Float(l.TotalQuantity, 6), l.Trigger))
	}
	if total < e.exit.MinTradeQuantity || total <= 0 {
		return Instruction{}, false
	}
	return Instruction{
		Action:   ActionSell,
		Quantity: total,
		Price:    currentPrice,
		Tag:      TagPartial,
		Reason:   "层级部分退出: " + strings.Join(parts, "; "),
	}, true
}

// holdDiagnostics 汇报持仓现状，并提示下一档紧急规则的距离。
func (e *Engine) holdDiagnostics(profit, ageHours float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "观望: 盈亏=%s 持仓=%s", format.Percent(profit), format.Hours(ageHours))
	if profit < 0 {
		if lv, ok := e.nextEmergencyLevel(profit, ageHours); ok {
			fmt.Fprintf(&b, "，距紧急档 %s 还差 %s", format.Percent(lv.LossThreshold), format.Percent(profit-lv.LossThreshold))
			if lv.MinHoldHours > 0 && ageHours < lv.MinHoldHours {
				fmt.Fprintf(&b, "（或还需持有 %s）", format.Hours(lv.MinHoldHours-ageHours))
			}
		}
	}
	return b.String()
}

// nextEmergencyLevel 返回将要触发的最浅一档紧急规则。
func (e *Engine) nextEmergencyLevel(profit, ageHours float64) (config.EmergencyLevel, bool) {
	for _, lv := range e.exit.EmergencyLevels {
		if profit > lv.LossThreshold {
			return lv, true
		}
		if lv.MinHoldHours > 0 && ageHours < lv.MinHoldHours {
			return lv, true
		}
	}
	return config.EmergencyLevel{}, false
}
