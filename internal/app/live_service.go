package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	strcfg "strata/internal/config"
	"strata/internal/decision"
	"strata/internal/gateway/database"
	"strata/internal/gateway/notifier"
	"strata/internal/logger"
	"strata/internal/trader"
)

// LiveService 驱动交易周期：按固定间隔串行执行，一个周期跑完才开始下一个。
type LiveService struct {
	cfg    *strcfg.Config
	trader *trader.Trader
	store  *database.Store
	tg     *notifier.Telegram

	started time.Time
}

// Run 启动周期循环，直到 ctx 取消。
func (s *LiveService) Run(ctx context.Context) error {
	if s == nil || s.cfg == nil {
		return fmt.Errorf("live service not initialized")
	}
	s.started = time.Now()

	interval := time.Duration(s.cfg.App.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.tg != nil {
		msg := fmt.Sprintf("*Strata 启动成功* ✅\n交易对: %s\n周期间隔: %d 秒", s.cfg.Pair.Symbol, int(interval.Seconds()))
		_ = s.tg.SendText(msg)
	}
	fmt.Printf("Strata 启动完成。每 %d 秒执行一次交易周期，按 Ctrl+C 退出。\n", int(interval.Seconds()))

	// 启动即跑一轮，不等第一个 tick。
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *LiveService) tick(ctx context.Context) {
	inst, err := s.trader.RunCycle(ctx)
	switch {
	case errors.Is(err, trader.ErrHalted):
		logger.Warnf("交易已挂起，等待人工处理")
	case err != nil:
		logger.Warnf("交易周期失败: %v", err)
	default:
		logger.Infof("周期完成: action=%s reason=%s", inst.Action, inst.Reason)
		if inst.Action != decision.ActionHold {
			logger.Infof("执行明细: 数量=%v 参考价=%v 标签=%s", inst.Quantity, inst.Price, inst.Tag)
		}
	}
}

// Close 释放 LiveService 持有的资源。
func (s *LiveService) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	}
}
