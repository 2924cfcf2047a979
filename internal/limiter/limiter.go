package limiter

import (
	"fmt"
	"time"

	"strata/internal/ledger"
)

// BlockReason 标识限流器进入 BLOCKED 的原因。
type BlockReason string

const (
	BlockNone        BlockReason = ""
	BlockDailyLimit  BlockReason = "daily_limit" // 当日入场次数用尽，封禁 24h
	BlockConsecutive BlockReason = "consecutive" // 连续入场未见成功退出，封禁 4h
	BlockLoss        BlockReason = "loss"        // 浮亏超阈值，封禁 2h
)

// 各类封禁的时长。封禁到期自动解除；只有亏损类封禁会被成功退出提前清除。
const (
	dailyBlockDuration       = 24 * time.Hour
	consecutiveBlockDuration = 4 * time.Hour
	lossBlockDuration        = 2 * time.Hour
)

// Params 是入场限流的静态配置。
type Params struct {
	MaxPerDay          int
	MaxConsecutive     int
	MinIntervalMinutes int
	LossBlockPct       float64 // 浮亏比例阈值（正数，如 0.10 表示 -10%）
}

// State 是限流器的可持久化状态。
type State struct {
	DailyCount           int         `json:"daily_count"`
	ConsecutiveCount     int         `json:"consecutive_count"`
	LastEntryAt          time.Time   `json:"last_entry_at"`
	LastSuccessfulExitAt time.Time   `json:"last_successful_exit_at"`
	Blocked              bool        `json:"blocked"`
	BlockReason          BlockReason `json:"block_reason"`
	BlockUntil           time.Time   `json:"block_until"`
	LastCounterResetDate string      `json:"last_counter_reset_date"` // YYYY-MM-DD
}

// Verdict 是一次入场询问的结果。
type Verdict struct {
	Allow  bool
	Reason string
}

// EntryLimiter 限制补仓/开仓的频率与次数。
// 状态机只有 OPEN 与 BLOCKED(reason, until) 两态；封禁到期自动回到 OPEN。
type EntryLimiter struct {
	params Params
	state  State
}

// New 构造限流器。
func New(params Params) *EntryLimiter {
	return &EntryLimiter{params: params}
}

// Restore 从持久化状态恢复。
func (l *EntryLimiter) Restore(st State) { l.state = st }

// State 返回当前状态快照（供持久化与 HTTP 查询）。
func (l *EntryLimiter) State() State { return l.state }

// CanEnter 判断此刻是否允许一次新的入场。
// 拒绝原因的优先级固定：日限 > 连续限 > 间隔冷却 > 浮亏阈值；
// 第一个触发的条件即为上报原因，并（在适用时）建立封禁。
func (l *EntryLimiter) CanEnter(now time.Time, currentPrice float64, pos ledger.Position) Verdict {
	l.resetDailyIfNeeded(now)

	if l.state.Blocked {
		if now.Before(l.state.BlockUntil) {
			remain := l.state.BlockUntil.Sub(now).Truncate(time.Second)
			return Verdict{Allow: false, Reason: fmt.Sprintf("封禁中(%s)，剩余 %s", l.state.BlockReason, remain)}
		}
		// 到期自动解封，继续评估
		l.clearBlock()
	}

	if l.state.DailyCount >= l.params.MaxPerDay {
		l.block(BlockDailyLimit, now.Add(dailyBlockDuration))
		return Verdict{Allow: false, Reason: fmt.Sprintf("daily limit: 当日入场已达上限 %d 次", l.params.MaxPerDay)}
	}
	if l.state.ConsecutiveCount >= l.params.MaxConsecutive {
		l.block(BlockConsecutive, now.Add(consecutiveBlockDuration))
		return Verdict{Allow: false, Reason: fmt.Sprintf("连续入场已达 %d 次且未见成功退出", l.params.MaxConsecutive)}
	}
	if !l.state.LastEntryAt.IsZero() {
		elapsed := now.Sub(l.state.LastEntryAt)
		min := time.Duration(l.params.MinIntervalMinutes) * time.Minute
		if elapsed < min {
			// 间隔冷却只拒绝，不建立封禁
			return Verdict{Allow: false, Reason: fmt.Sprintf("入场冷却中，剩余 %s", (min - elapsed).Truncate(time.Second))}
		}
	}
	if pos.Quantity > 0 && pos.AverageCost > 0 && currentPrice > 0 {
		lossPct := (pos.AverageCost - currentPrice) / pos.AverageCost
		if lossPct > l.params.LossBlockPct {
			l.block(BlockLoss, now.Add(lossBlockDuration))
			return Verdict{Allow: false, Reason: fmt.Sprintf("浮亏 %.2f%% 超过阈值 %.2f%%", lossPct*100, l.params.LossBlockPct*100)}
		}
	}
	return Verdict{Allow: true}
}

// RegisterEntrySuccess 在入场订单确认成交后调用。
func (l *EntryLimiter) RegisterEntrySuccess(now time.Time, price, quantity float64) {
	l.resetDailyIfNeeded(now)
	l.state.DailyCount++
	l.state.ConsecutiveCount++
	l.state.LastEntryAt = now
}

// RegisterExitSuccess 在一次成功退出确认后调用：
// 连续计数归零；只清除亏损类封禁，频率/次数类封禁必须自然到期。
func (l *EntryLimiter) RegisterExitSuccess(now time.Time) {
	l.state.ConsecutiveCount = 0
	l.state.LastSuccessfulExitAt = now
	if l.state.Blocked && l.state.BlockReason == BlockLoss {
		l.clearBlock()
	}
}

func (l *EntryLimiter) block(reason BlockReason, until time.Time) {
	l.state.Blocked = true
	l.state.BlockReason = reason
	l.state.BlockUntil = until
}

func (l *EntryLimiter) clearBlock() {
	l.state.Blocked = false
	l.state.BlockReason = BlockNone
	l.state.BlockUntil = time.Time{}
}

func (l *EntryLimiter) resetDailyIfNeeded(now time.Time) {
	day := now.Format("2006-01-02")
	if l.state.LastCounterResetDate == day {
		return
	}
	l.state.LastCounterResetDate = day
	l.state.DailyCount = 0
}
