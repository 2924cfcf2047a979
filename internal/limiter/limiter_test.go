package limiter

import (
	"strings"
	"testing"
	"time"

	"strata/internal/ledger"
)

func newTestLimiter() *EntryLimiter {
	return New(Params{
		MaxPerDay:          5,
		MaxConsecutive:     3,
		MinIntervalMinutes: 60,
		LossBlockPct:       0.10,
	})
}

func flat() ledger.Position { return ledger.Position{Asset: "DOGE"} }

func TestDailyLimitBlocksFor24h(t *testing.T) {
	// maxPerDay=5：第 6 次入场拒绝并给出 daily limit 原因，封禁 24 小时。
	l := newTestLimiter()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 2 * time.Hour)
		if v := l.CanEnter(at, 0.2, flat()); !v.Allow {
			t.Fatalf("第 %d 次入场应放行: %s", i+1, v.Reason)
		}
		l.RegisterEntrySuccess(at, 0.2, 100)
		l.RegisterExitSuccess(at.Add(time.Hour)) // 保持连续计数不触发
	}

	sixth := now.Add(10*time.Hour + time.Minute)
	v := l.CanEnter(sixth, 0.2, flat())
	if v.Allow {
		t.Fatal("第 6 次入场应被拒绝")
	}
	if !strings.Contains(v.Reason, "daily limit") {
		t.Fatalf("拒绝原因应包含 daily limit: %q", v.Reason)
	}
	st := l.State()
	if !st.Blocked || st.BlockReason != BlockDailyLimit {
		t.Fatalf("应建立 daily_limit 封禁: %+v", st)
	}
	if got := st.BlockUntil.Sub(sixth); got != 24*time.Hour {
		t.Fatalf("封禁时长应为 24h，实际 %v", got)
	}
}

func TestConsecutiveLimitClearedByExit(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * 2 * time.Hour)
		if v := l.CanEnter(at, 0.2, flat()); !v.Allow {
			t.Fatalf("第 %d 次入场应放行: %s", i+1, v.Reason)
		}
		l.RegisterEntrySuccess(at, 0.2, 100)
	}
	at := now.Add(8 * time.Hour)
	if v := l.CanEnter(at, 0.2, flat()); v.Allow {
		t.Fatal("连续 3 次入场后应被拒绝")
	}
	if st := l.State(); st.BlockReason != BlockConsecutive {
		t.Fatalf("封禁原因应为 consecutive: %+v", st)
	}

	// 成功退出清零连续计数，但 consecutive 封禁必须自然到期。
	l.RegisterExitSuccess(at)
	if st := l.State(); st.ConsecutiveCount != 0 {
		t.Fatalf("成功退出后连续计数应为 0: %+v", st)
	}
	if v := l.CanEnter(at.Add(time.Minute), 0.2, flat()); v.Allow {
		t.Fatal("consecutive 封禁不应被成功退出提前清除")
	}
	// 4 小时后到期自动解封。
	if v := l.CanEnter(at.Add(4*time.Hour+time.Minute), 0.2, flat()); !v.Allow {
		t.Fatalf("封禁到期后应放行: %s", v.Reason)
	}
}

func TestMinIntervalDeniesWithoutBlock(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	l.RegisterEntrySuccess(now, 0.2, 100)

	v := l.CanEnter(now.Add(30*time.Minute), 0.2, flat())
	if v.Allow {
		t.Fatal("间隔不足应拒绝")
	}
	if st := l.State(); st.Blocked {
		t.Fatalf("间隔冷却不应建立封禁: %+v", st)
	}
	if v := l.CanEnter(now.Add(61*time.Minute), 0.2, flat()); !v.Allow {
		t.Fatalf("间隔满足后应放行: %s", v.Reason)
	}
}

func TestLossBlockClearedByExit(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	pos := ledger.Position{Asset: "DOGE", Quantity: 100, AverageCost: 0.20, TotalCost: 20}

	// 现价 0.17，浮亏 15% 超过 10% 阈值。
	v := l.CanEnter(now, 0.17, pos)
	if v.Allow {
		t.Fatal("浮亏超阈值应拒绝")
	}
	if st := l.State(); st.BlockReason != BlockLoss {
		t.Fatalf("封禁原因应为 loss: %+v", st)
	}

	// 亏损类封禁被成功退出立即清除。
	l.RegisterExitSuccess(now.Add(time.Minute))
	if st := l.State(); st.Blocked {
		t.Fatalf("成功退出后 loss 封禁应被清除: %+v", st)
	}
	if v := l.CanEnter(now.Add(2*time.Minute), 0.21, pos); !v.Allow {
		t.Fatalf("封禁清除且无浮亏时应放行: %s", v.Reason)
	}
}

func TestDailyCounterResetsAtMidnight(t *testing.T) {
	l := newTestLimiter()
	day1 := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := day1.Add(time.Duration(i) * 2 * time.Hour)
		l.RegisterEntrySuccess(at, 0.2, 100)
		l.RegisterExitSuccess(at.Add(time.Hour))
	}
	if v := l.CanEnter(day1.Add(11*time.Hour), 0.2, flat()); v.Allow {
		t.Fatal("当日用尽后应拒绝")
	}

	// 次日计数翻转，但 24h 封禁仍未到期，依旧拒绝。
	day2 := day1.Add(20 * time.Hour) // 次日凌晨 2 点
	if v := l.CanEnter(day2, 0.2, flat()); v.Allow {
		t.Fatal("24h 封禁未到期，次日凌晨仍应拒绝")
	}
	// 封禁到期后恢复放行，且日计数已翻转。
	day2late := day1.Add(17*time.Hour + 24*time.Hour)
	if v := l.CanEnter(day2late, 0.2, flat()); !v.Allow {
		t.Fatalf("封禁到期且日计数翻转后应放行: %s", v.Reason)
	}
	if st := l.State(); st.DailyCount != 0 {
		t.Fatalf("日计数应翻转为 0: %+v", st)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	l.RegisterEntrySuccess(now, 0.2, 100)
	l.RegisterEntrySuccess(now.Add(2*time.Hour), 0.19, 100)
	snap := l.State()

	restored := newTestLimiter()
	restored.Restore(snap)
	if restored.State() != snap {
		t.Fatalf("状态恢复不一致: %+v != %+v", restored.State(), snap)
	}
}
