package risk

import (
	"fmt"
	"time"
)

// Params 是风控静态配置。
type Params struct {
	MaxExposureFraction  float64 // 单次新增敞口占余额的上限
	MinBalance           float64 // 低于该余额拒绝新敞口
	DailyLossFraction    float64 // 当日已实现亏损上限（占余额比例）
	CriticalBalance      float64 // 紧急清仓的余额红线
	MaxConsecutiveErrors int     // 连续错误数触发紧急停止
}

// State 是风控的可持久化状态。
// DailyRealizedLoss 累计为非负数；每日首次使用时随日期翻转清零。
type State struct {
	DailyRealizedLoss float64 `json:"daily_realized_loss"`
	DailyTradeCount   int     `json:"daily_trade_count"`
	ErrorCount        int     `json:"error_count"`
	LastResetDate     string  `json:"last_reset_date"` // YYYY-MM-DD
}

// Verdict 是一次风控询问的结果。
type Verdict struct {
	Allow  bool
	Reason string
}

// Gate 独立于入场限流器的高优先级风控：
// 跟踪当日已实现亏损与连续错误数，可强制全量紧急清仓。
type Gate struct {
	params Params
	state  State
}

// New 构造风控闸门。
func New(params Params) *Gate {
	if params.MaxConsecutiveErrors <= 0 {
		params.MaxConsecutiveErrors = 10
	}
	return &Gate{params: params}
}

// Restore 从持久化状态恢复。
func (g *Gate) Restore(st State) { g.state = st }

// State 返回当前状态快照。
func (g *Gate) State() State { return g.state }

// CanOpenNewExposure 判断能否再增加 proposedQuote 的敞口。
func (g *Gate) CanOpenNewExposure(now time.Time, proposedQuote, balance float64) Verdict {
	g.resetDailyIfNeeded(now)
	if balance < g.params.MinBalance {
		return Verdict{Allow: false, Reason: fmt.Sprintf("余额 %.2f 低于下限 %.2f", balance, g.params.MinBalance)}
	}
	if proposedQuote > balance*g.params.MaxExposureFraction {
		return Verdict{Allow: false, Reason: fmt.Sprintf("新增敞口 %.2f 超过余额的 %.0f%%", proposedQuote, g.params.MaxExposureFraction*100)}
	}
	if g.state.DailyRealizedLoss >= balance*g.params.DailyLossFraction {
		return Verdict{Allow: false, Reason: fmt.Sprintf("当日已实现亏损 %.2f 已达上限", g.state.DailyRealizedLoss)}
	}
	return Verdict{Allow: true}
}

// CheckEmergencyStop 返回是否需要紧急停止并全量清仓。
// 该检查优先于本周期内的一切其他决策。
func (g *Gate) CheckEmergencyStop(now time.Time, balance float64) (bool, string) {
	g.resetDailyIfNeeded(now)
	if ceiling := balance * g.params.DailyLossFraction; ceiling > 0 && g.state.DailyRealizedLoss >= ceiling {
		return true, fmt.Sprintf("当日已实现亏损 %.2f 达到上限 %.2f", g.state.DailyRealizedLoss, ceiling)
	}
	if g.state.ErrorCount >= g.params.MaxConsecutiveErrors {
		return true, fmt.Sprintf("连续错误 %d 次达到上限 %d", g.state.ErrorCount, g.params.MaxConsecutiveErrors)
	}
	if g.params.CriticalBalance > 0 && balance < g.params.CriticalBalance {
		return true, fmt.Sprintf("余额 %.2f 跌破红线 %.2f", balance, g.params.CriticalBalance)
	}
	return false, ""
}

// RegisterTradeResult 记录一笔已实现盈亏；亏损累计进当日计数。
func (g *Gate) RegisterTradeResult(now time.Time, profitLoss float64) {
	g.resetDailyIfNeeded(now)
	g.state.DailyTradeCount++
	if profitLoss < 0 {
		g.state.DailyRealizedLoss += -profitLoss
	}
}

// RegisterError 记录一次执行错误（由调用方在订单失败时触发）。
func (g *Gate) RegisterError() { g.state.ErrorCount++ }

// ClearErrors 显式清零错误计数；何时调用由外围策略决定（例如连续健康周期后）。
func (g *Gate) ClearErrors() { g.state.ErrorCount = 0 }

func (g *Gate) resetDailyIfNeeded(now time.Time) {
	day := now.Format("2006-01-02")
	if g.state.LastResetDate == day {
		return
	}
	g.state.LastResetDate = day
	g.state.DailyRealizedLoss = 0
	g.state.DailyTradeCount = 0
}
