package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"strata/internal/config"
	"strata/internal/decision"
	"strata/internal/layers"
	"strata/internal/ledger"
	"strata/internal/limiter"
	"strata/internal/logger"
	"strata/internal/pkg/format"
	"strata/internal/risk"
)

// ErrHalted 表示分层不变量被破坏后交易已挂起，需人工检查后 ResetHalt。
var ErrHalted = errors.New("交易已挂起：层分割不变量被破坏")

// 连续健康周期达到该值后清零风控错误计数。
const healthyCyclesToClearErrors = 10

// PriceProvider 提供当前价格；非正值视为数据故障。
type PriceProvider interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// BalanceProvider 提供计价币可用余额。
type BalanceProvider interface {
	Balance(ctx context.Context, currency string) (float64, error)
}

// OrderRequest 描述一笔待提交订单。
type OrderRequest struct {
	Symbol   string
	Side     ledger.Side
	Quantity float64
	Price    float64 // 参考价；市价单允许为 0
}

// OrderResult 是执行器的确定性回执。
type OrderResult struct {
	OrderID        string
	FilledQuantity float64
	FilledPrice    float64
}

// OrderExecutor 提交订单并等待确定的成交/失败回执。
type OrderExecutor interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// TrendGate 是外部趋势协作方的最小接口：只回答「现在可以入场吗」。
type TrendGate interface {
	AllowEntry(ctx context.Context, symbol string) (bool, string, error)
}

// StateStore 持久化限流器与风控状态，并记录成交流水。
type StateStore interface {
	SaveLimiterState(ctx context.Context, st limiter.State) error
	SaveRiskState(ctx context.Context, st risk.State) error
	AppendTradeLog(ctx context.Context, rec TradeLog) error
}

// TextNotifier 描述最小化的文本推送接口（用于 Telegram 等）。
type TextNotifier interface {
	SendText(text string) error
}

// TradeLog 是一条已执行操作的流水。
type TradeLog struct {
	Symbol    string
	Side      ledger.Side
	Quantity  float64
	Price     float64
	Tag       decision.Tag
	Reason    string
	OrderID   string
	Timestamp time.Time
}

// Trader 按外部轮询节奏驱动完整的决策周期：
// 风控紧急检查 → 入场（空仓/补仓）→ 分层 → 退出决策 → 执行与记账。
// 单线程顺序执行，一个周期跑完才开始下一个，组件间不共享可变状态。
type Trader struct {
	cfg    *config.Config
	book   *ledger.Ledger
	lim    *limiter.EntryLimiter
	gate   *risk.Gate
	engine *decision.Engine

	prices   PriceProvider
	balances BalanceProvider
	executor OrderExecutor
	trend    TrendGate
	store    StateStore
	notifier TextNotifier

	halted        bool
	haltReason    string
	healthyCycles int
}

// New 组装交易器。trend、store、notifier 均可为 nil。
func New(cfg *config.Config, book *ledger.Ledger, lim *limiter.EntryLimiter, gate *risk.Gate,
	engine *decision.Engine, prices PriceProvider, balances BalanceProvider, executor OrderExecutor,
	trend TrendGate, store StateStore, notifier TextNotifier) *Trader {
	return &Trader{
		cfg:      cfg,
		book:     book,
		lim:      lim,
		gate:     gate,
		engine:   engine,
		prices:   prices,
		balances: balances,
		executor: executor,
		trend:    trend,
		store:    store,
		notifier: notifier,
	}
}

// Halted 返回是否处于挂起状态及原因。
func (t *Trader) Halted() (bool, string) { return t.halted, t.haltReason }

// ResetHalt 人工确认后恢复交易。
func (t *Trader) ResetHalt() {
	t.halted = false
	t.haltReason = ""
}

// LastLayers 基于最新持仓与给定价格重算分层（HTTP 查询用，无副作用）。
func (t *Trader) LastLayers(currentPrice float64, now time.Time) []layers.Layer {
	pos := t.book.Position(t.cfg.Pair.Asset)
	return layers.Segment(pos.OpenLots(), currentPrice, now, t.layerParams())
}

// RunCycle 执行一个完整决策周期，返回本周期的指令。
// 行情/余额不可用时退化为 hold 且不推进任何计数器；
// 执行失败向上返回错误并计入风控错误计数。
func (t *Trader) RunCycle(ctx context.Context) (decision.Instruction, error) {
	if t.halted {
		return decision.Instruction{Action: decision.ActionHold, Reason: t.haltReason}, ErrHalted
	}
	now := time.Now()
	symbol := t.cfg.Pair.Symbol

	price, err := t.prices.CurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		reason := fmt.Sprintf("行情不可用，跳过本周期: price=%v err=%v", price, err)
		logger.Warnf("%s", reason)
		return decision.Instruction{Action: decision.ActionHold, Reason: reason}, nil
	}
	balance, err := t.balances.Balance(ctx, t.cfg.Pair.Quote)
	if err != nil || balance < 0 {
		reason := fmt.Sprintf("余额不可用，跳过本周期: err=%v", err)
		logger.Warnf("%s", reason)
		return decision.Instruction{Action: decision.ActionHold, Reason: reason}, nil
	}

	pos := t.book.Position(t.cfg.Pair.Asset)

	// 风控紧急检查拥有最高优先级：命中即全量清仓，无视层/盈利状态。
	if stop, why := t.gate.CheckEmergencyStop(now, balance); stop {
		inst := decision.Instruction{
			Action: decision.ActionHold,
			Reason: "紧急停止: " + why,
		}
		if pos.Quantity > 0 {
			inst = decision.Instruction{
				Action:   decision.ActionSell,
				Quantity: pos.Quantity,
				Price:    price * (1 - t.cfg.Exit.AggressiveOffsetPct),
				Tag:      decision.TagEmergency,
				Reason:   "紧急停止，全量清仓: " + why,
			}
		}
		t.notify("⛔ 紧急停止\n" + why)
		if inst.Action == decision.ActionSell {
			return t.execute(ctx, now, inst, pos)
		}
		return inst, nil
	}

	ls := layers.Segment(pos.OpenLots(), price, now, t.layerParams())
	if pos.Quantity > 0 {
		if err := layers.CheckPartition(ls, pos.Quantity); err != nil {
			// 不变量破坏说明账本或分层器有缺陷，挂起该币种直至人工检查
			t.halted = true
			t.haltReason = err.Error()
			logger.Errorf("层分割不变量被破坏，交易挂起: %v", err)
			t.notify("🛑 层分割不变量被破坏，交易已挂起\n" + err.Error())
			return decision.Instruction{Action: decision.ActionHold, Reason: err.Error()}, ErrHalted
		}
	}

	// 退出优先于补仓：持仓状态先询问退出引擎。
	if pos.Quantity > 0 {
		inst := t.engine.Decide(now, price, pos, ls)
		if inst.Action == decision.ActionSell {
			return t.execute(ctx, now, inst, pos)
		}
		// 引擎观望时再看是否满足补仓条件
		if buy, ok := t.maybeBuy(ctx, now, price, balance, pos, ls); ok {
			return t.execute(ctx, now, buy, pos)
		}
		t.noteHealthyCycle()
		return inst, nil
	}

	// 空仓：入场路径
	if buy, ok := t.maybeBuy(ctx, now, price, balance, pos, ls); ok {
		return t.execute(ctx, now, buy, pos)
	}
	t.noteHealthyCycle()
	return decision.Instruction{Action: decision.ActionHold, Reason: "空仓观望"}, nil
}

// maybeBuy 评估一次入场（空仓首买或浮亏补仓），通过风控与限流双闸门。
func (t *Trader) maybeBuy(ctx context.Context, now time.Time, price, balance float64, pos ledger.Position, ls []layers.Layer) (decision.Instruction, bool) {
	isDCA := pos.Quantity > 0
	if isDCA {
		drawdown := -pos.ProfitPercent(price)
		if drawdown < t.cfg.Entry.DcaStepPct {
			return decision.Instruction{}, false
		}
		if len(ls) >= t.cfg.Entry.MaxLayers {
			logger.Debugf("已达最大层数 %d，不再补仓", t.cfg.Entry.MaxLayers)
			return decision.Instruction{}, false
		}
	} else if t.trend != nil && t.cfg.Trend.Enabled {
		allow, why, err := t.trend.AllowEntry(ctx, t.cfg.Pair.Symbol)
		if err != nil {
			logger.Warnf("趋势判定失败，保守跳过入场: %v", err)
			return decision.Instruction{}, false
		}
		if !allow {
			logger.Debugf("趋势闸门拒绝入场: %s", why)
			return decision.Instruction{}, false
		}
	}

	stake := t.cfg.Entry.StakeQuote
	if v := t.gate.CanOpenNewExposure(now, stake, balance); !v.Allow {
		logger.Debugf("风控拒绝新增敞口: %s", v.Reason)
		return decision.Instruction{}, false
	}
	if v := t.lim.CanEnter(now, price, pos); !v.Allow {
		logger.Debugf("入场限流拒绝: %s", v.Reason)
		t.persistStates(ctx)
		return decision.Instruction{}, false
	}

	qty := stake / price
	if qty < t.cfg.Exit.MinTradeQuantity {
		return decision.Instruction{}, false
	}
	kind := "首次建仓"
	if isDCA {
		kind = fmt.Sprintf("补仓（浮亏 %s）", format.Percent(pos.ProfitPercent(price)))
	}
	return decision.Instruction{
		Action:   decision.ActionBuy,
		Quantity: qty,
		Price:    price,
		Reason:   fmt.Sprintf("%s: 投入 %.2f %s", kind, stake, t.cfg.Pair.Quote),
	}, true
}

// execute 提交订单并在确认成交后完成记账与计数器更新。
// 失败时不更新任何账本/计数器，只上报并累计风控错误。
func (t *Trader) execute(ctx context.Context, now time.Time, inst decision.Instruction, before ledger.Position) (decision.Instruction, error) {
	res, err := t.executor.SubmitOrder(ctx, OrderRequest{
		Symbol:   t.cfg.Pair.Symbol,
		Side:     sideOf(inst.Action),
		Quantity: inst.Quantity,
		Price:    inst.Price,
	})
	if err != nil {
		t.gate.RegisterError()
		t.healthyCycles = 0
		t.persistStates(ctx)
		return inst, fmt.Errorf("订单执行失败: %w", err)
	}

	fill := ledger.Fill{
		Side:      sideOf(inst.Action),
		Quantity:  res.FilledQuantity,
		Price:     res.FilledPrice,
		Timestamp: now,
	}
	after, err := t.book.ApplyFill(ctx, t.cfg.Pair.Asset, fill)
	if err != nil {
		return inst, fmt.Errorf("成交记账失败: %w", err)
	}

	switch inst.Action {
	case decision.ActionBuy:
		t.lim.RegisterEntrySuccess(now, res.FilledPrice, res.FilledQuantity)
		logger.Infof("买入成交: %s qty=%s price=%.6f 均价=%.6f", t.cfg.Pair.Symbol,
			format.Float(res.FilledQuantity, 6), res.FilledPrice, after.AverageCost)
	case decision.ActionSell:
		pnl := (res.FilledPrice - before.AverageCost) * res.FilledQuantity
		t.gate.RegisterTradeResult(now, pnl)
		t.lim.RegisterExitSuccess(now)
		if inst.Tag == decision.TagEmergency {
			t.engine.NoteEmergencyFill(now)
		}
		logger.Infof("卖出成交: %s tag=%s qty=%s price=%.6f 已实现盈亏=%.4f", t.cfg.Pair.Symbol,
			inst.Tag, format.Float(res.FilledQuantity, 6), res.FilledPrice, pnl)
	}
	t.noteHealthyCycle()
	t.persistStates(ctx)
	t.appendTradeLog(ctx, now, inst, res)
	t.notifyExecution(inst, res)
	return inst, nil
}

func (t *Trader) noteHealthyCycle() {
	t.healthyCycles++
	if t.healthyCycles >= healthyCyclesToClearErrors {
		t.gate.ClearErrors()
		t.healthyCycles = 0
	}
}

func (t *Trader) layerParams() layers.Params {
	return layers.Params{
		PriceTolerance:    t.cfg.Layers.PriceTolerance,
		TimeToleranceDays: t.cfg.Layers.TimeToleranceDays,
		MinSellQuantity:   t.cfg.Layers.MinSellQuantity,
		MinLayerProfit:    t.cfg.Layers.MinLayerProfit,
		MaxHoldHours:      t.cfg.Layers.MaxHoldHours,
	}
}

func (t *Trader) persistStates(ctx context.Context) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveLimiterState(ctx, t.lim.State()); err != nil {
		logger.Warnf("限流状态落库失败: %v", err)
	}
	if err := t.store.SaveRiskState(ctx, t.gate.State()); err != nil {
		logger.Warnf("风控状态落库失败: %v", err)
	}
}

func (t *Trader) appendTradeLog(ctx context.Context, now time.Time, inst decision.Instruction, res OrderResult) {
	if t.store == nil {
		return
	}
	rec := TradeLog{
		Symbol:    t.cfg.Pair.Symbol,
		Side:      sideOf(inst.Action),
		Quantity:  res.FilledQuantity,
		Price:     res.FilledPrice,
		Tag:       inst.Tag,
		Reason:    inst.Reason,
		OrderID:   res.OrderID,
		Timestamp: now,
	}
	if err := t.store.AppendTradeLog(ctx, rec); err != nil {
		logger.Warnf("成交流水落库失败: %v", err)
	}
}

func (t *Trader) notify(text string) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.SendText(text); err != nil {
		logger.Warnf("Telegram 推送失败: %v", err)
	}
}

func (t *Trader) notifyExecution(inst decision.Instruction, res OrderResult) {
	if t.notifier == nil {
		return
	}
	var b strings.Builder
	switch inst.Action {
	case decision.ActionBuy:
		b.WriteString("🟢 买入成交\n")
	case decision.ActionSell:
		b.WriteString("🔴 卖出成交\n")
	default:
		return
	}
	b.WriteString("```\n")
	fmt.Fprintf(&b, "symbol : %s\n", t.cfg.Pair.Symbol)
	fmt.Fprintf(&b, "qty    : %s\n", format.Float(res.FilledQuantity, 6))
	fmt.Fprintf(&b, "price  : %.6f\n", res.FilledPrice)
	if inst.Tag != decision.TagNone {
		fmt.Fprintf(&b, "tag    : %s\n", inst.Tag)
	}
	b.WriteString("```\n")
	if reason := strings.TrimSpace(inst.Reason); reason != "" {
		b.WriteString(reason)
	}
	t.notify(b.String())
}

func sideOf(a decision.Action) ledger.Side {
	if a == decision.ActionBuy {
		return ledger.SideBuy
	}
	return ledger.SideSell
}
