package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"strata/internal/decision"
	"strata/internal/gateway/database"
	"strata/internal/ledger"
	"strata/internal/trader"
)

// Seed a SQLite database with a mock position and trade history for the status UI.
// Usage: go run scripts/seed_mock_data.go [db_path]
// Default db_path: data/live/strata.db
func main() {
	dbPath := "data/live/strata.db"
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		dbPath = strings.TrimSpace(os.Args[1])
	}

	store, err := database.NewStore(dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seedPosition(ctx, store); err != nil {
		panic(err)
	}
	if err := seedTrades(ctx, store); err != nil {
		panic(err)
	}

	fmt.Printf("✓ mock data seeded into %s\n", dbPath)
}

func seedPosition(ctx context.Context, store *database.Store) error {
	now := time.Now()
	base := 0.20
	var (
		fills     []ledger.Fill
		qty       float64
		totalCost float64
	)
	// 三笔邻近买入形成一层，外加一笔深跌补仓形成第二层。
	prices := []float64{base, base * 0.975, base * 0.95, base * 0.75}
	for i, p := range prices {
		f := ledger.Fill{
			Side:      ledger.SideBuy,
			Quantity:  100,
			Price:     p,
			Timestamp: now.Add(-time.Duration(72-i*12) * time.Hour),
		}
		fills = append(fills, f)
		qty += f.Quantity
		totalCost += f.Quantity * f.Price
	}
	pos := ledger.Position{
		Asset:       "DOGE",
		Quantity:    qty,
		AverageCost: totalCost / qty,
		TotalCost:   totalCost,
		Fills:       fills,
		UpdatedAt:   now,
	}
	return store.SavePosition(ctx, pos)
}

func seedTrades(ctx context.Context, store *database.Store) error {
	now := time.Now()
	for i := 0; i < 4; i++ {
		rec := trader.TradeLog{
			Symbol:    "DOGEUSDT",
			Side:      ledger.SideBuy,
			Quantity:  100,
			Price:     0.20 * (1 - rand.Float64()*0.05),
			Reason:    "补仓: 回撤达到阈值",
			OrderID:   fmt.Sprintf("mock-%d", i),
			Timestamp: now.Add(-time.Duration(72-i*12) * time.Hour),
		}
		if err := store.AppendTradeLog(ctx, rec); err != nil {
			return err
		}
	}
	rec := trader.TradeLog{
		Symbol:    "DOGEUSDT",
		Side:      ledger.SideSell,
		Quantity:  80,
		Price:     0.205,
		Tag:       decision.TagPyramid,
		Reason:    "分层止盈: 盈利达标",
		OrderID:   "mock-sell-0",
		Timestamp: now.Add(-6 * time.Hour),
	}
	return store.AppendTradeLog(ctx, rec)
}
