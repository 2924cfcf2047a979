package layers

import (
	"math"
	"testing"
	"time"

	"strata/internal/ledger"
)

func buy(qty, price float64, at time.Time) ledger.Fill {
	return ledger.Fill{Side: ledger.SideBuy, Quantity: qty, Price: price, Timestamp: at}
}

func defaultParams() Params {
	return Params{
		PriceTolerance:    0.02,
		TimeToleranceDays: 2,
		MinSellQuantity:   20,
		MinLayerProfit:    0.01,
		MaxHoldHours:      72,
	}
}

func TestSegmentClustersNearbyFills(t *testing.T) {
	// 0.200/0.195/0.190 三笔邻近买入应聚成一层（均价约 0.195），
	// 0.150 的深跌买入独立成层。
	now := time.Now()
	fills := []ledger.Fill{
		buy(100, 0.200, now.Add(-30*time.Hour)),
		buy(100, 0.195, now.Add(-20*time.Hour)),
		buy(100, 0.190, now.Add(-10*time.Hour)),
		buy(100, 0.150, now.Add(-5*time.Hour)),
	}
	ls := Segment(fills, 0.18, now, defaultParams())
	if len(ls) != 2 {
		t.Fatalf("应分出 2 层，实际 %d: %+v", len(ls), ls)
	}
	// 最新的 0.150 一笔自成一层。
	if !floatEquals(ls[0].AverageCost, 0.150) || !floatEquals(ls[0].TotalQuantity, 100) {
		t.Fatalf("第 1 层应为 0.150 的单笔: %+v", ls[0])
	}
	wantAvg := (0.200 + 0.195 + 0.190) / 3
	if math.Abs(ls[1].AverageCost-wantAvg) > 1e-9 {
		t.Fatalf("第 2 层均价应约为 %.6f，实际 %v", wantAvg, ls[1].AverageCost)
	}
	if !floatEquals(ls[1].TotalQuantity, 300) {
		t.Fatalf("第 2 层数量应为 300: %+v", ls[1])
	}
}

func TestSegmentSplitsOnTimeGap(t *testing.T) {
	// 价格相同但间隔超过时间阈值的两笔不应归入同一层。
	now := time.Now()
	fills := []ledger.Fill{
		buy(50, 0.20, now.Add(-100*time.Hour)),
		buy(50, 0.20, now.Add(-1*time.Hour)),
	}
	ls := Segment(fills, 0.20, now, defaultParams())
	if len(ls) != 2 {
		t.Fatalf("时间间隔超限应分层，实际 %d 层", len(ls))
	}
}

func TestSegmentEmptyAndSingle(t *testing.T) {
	now := time.Now()
	if ls := Segment(nil, 0.2, now, defaultParams()); ls != nil {
		t.Fatalf("空输入应返回 nil，实际 %+v", ls)
	}
	ls := Segment([]ledger.Fill{buy(10, 0.2, now)}, 0.2, now, defaultParams())
	if len(ls) != 1 || ls[0].ID != 1 {
		t.Fatalf("单笔输入应返回单层: %+v", ls)
	}
}

func TestSegmentPartitionIsComplete(t *testing.T) {
	// 每笔买入恰好属于一层，数量之和等于买入总量。
	now := time.Now()
	var fills []ledger.Fill
	var total float64
	prices := []float64{0.20, 0.21, 0.19, 0.15, 0.151, 0.30, 0.299, 0.22}
	for i, p := range prices {
		q := 10 + float64(i)*3.3
		fills = append(fills, buy(q, p, now.Add(-time.Duration(i*30)*time.Hour)))
		total += q
	}
	ls := Segment(fills, 0.2, now, defaultParams())
	if err := CheckPartition(ls, total); err != nil {
		t.Fatalf("层划分不完整: %v", err)
	}
	var count int
	for _, l := range ls {
		count += len(l.Fills)
	}
	if count != len(fills) {
		t.Fatalf("成交归属重复或遗漏: %d != %d", count, len(fills))
	}
}

func TestCheckPartitionDetectsMismatch(t *testing.T) {
	now := time.Now()
	ls := Segment([]ledger.Fill{buy(100, 0.2, now)}, 0.2, now, defaultParams())
	if err := CheckPartition(ls, 100); err != nil {
		t.Fatalf("一致时不应报错: %v", err)
	}
	if err := CheckPartition(ls, 90); err == nil {
		t.Fatal("数量不一致应报错")
	}
}

func TestSellableTriggers(t *testing.T) {
	cases := []struct {
		name     string
		layer    Layer
		sellable bool
		trigger  string
	}{
		{"盈利达标", Layer{TotalQuantity: 50, ProfitPercent: 0.015, AgeHours: 1}, true, "profit"},
		{"超龄强制", Layer{TotalQuantity: 50, ProfitPercent: -0.05, AgeHours: 80}, true, "age"},
		{"超龄微利", Layer{TotalQuantity: 50, ProfitPercent: 0.006, AgeHours: 50}, true, "profit"},
		{"微利但太新", Layer{TotalQuantity: 50, ProfitPercent: 0.006, AgeHours: 10}, false, ""},
		{"数量不足永不可卖", Layer{TotalQuantity: 5, ProfitPercent: 0.10, AgeHours: 100}, false, ""},
		{"亏损且未超龄", Layer{TotalQuantity: 50, ProfitPercent: -0.02, AgeHours: 10}, false, ""},
	}
	p := defaultParams()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, trigger := sellable(tc.layer, p)
			if ok != tc.sellable || trigger != tc.trigger {
				t.Fatalf("sellable=%v trigger=%q，期望 %v/%q", ok, trigger, tc.sellable, tc.trigger)
			}
		})
	}
}

func TestSegmentDeterministic(t *testing.T) {
	now := time.Now()
	fills := []ledger.Fill{
		buy(30, 0.20, now.Add(-40*time.Hour)),
		buy(40, 0.198, now.Add(-30*time.Hour)),
		buy(50, 0.15, now.Add(-20*time.Hour)),
	}
	a := Segment(fills, 0.19, now, defaultParams())
	b := Segment(fills, 0.19, now, defaultParams())
	if len(a) != len(b) {
		t.Fatalf("相同输入应得到相同层数: %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || !floatEquals(a[i].TotalQuantity, b[i].TotalQuantity) {
			t.Fatalf("第 %d 层不一致: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
