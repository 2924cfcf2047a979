package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"strata/internal/decision"
	"strata/internal/ledger"
	"strata/internal/limiter"
	"strata/internal/risk"
	"strata/internal/trader"
)

// Store 基于 SQLite 的持久化：持仓快照、成交历史、限流/风控状态与操作流水。
// 快照往返要求：数量/价格保持 float64 全精度（REAL 列），时间戳毫秒精度。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var (
	_ ledger.Saver      = (*Store)(nil)
	_ trader.StateStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	asset        TEXT PRIMARY KEY,
	quantity     REAL NOT NULL,
	average_cost REAL NOT NULL,
	total_cost   REAL NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	asset    TEXT NOT NULL,
	side     TEXT NOT NULL,
	quantity REAL NOT NULL,
	price    REAL NOT NULL,
	ts       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_asset_ts ON fills(asset, ts);
CREATE TABLE IF NOT EXISTS limiter_state (
	id                      INTEGER PRIMARY KEY CHECK (id = 1),
	daily_count             INTEGER NOT NULL,
	consecutive_count       INTEGER NOT NULL,
	last_entry_ts           INTEGER,
	last_successful_exit_ts INTEGER,
	blocked                 INTEGER NOT NULL,
	block_reason            TEXT,
	block_until_ts          INTEGER,
	last_counter_reset_date TEXT
);
CREATE TABLE IF NOT EXISTS risk_state (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	daily_realized_loss REAL NOT NULL,
	daily_trade_count   INTEGER NOT NULL,
	error_count         INTEGER NOT NULL,
	last_reset_date     TEXT
);
CREATE TABLE IF NOT EXISTS trade_log (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	quantity REAL NOT NULL,
	price    REAL NOT NULL,
	tag      TEXT,
	reason   TEXT,
	order_id TEXT,
	ts       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_log_ts ON trade_log(ts);
`

// NewStore 打开（必要时创建）数据库并建表。
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SavePosition 在一个事务内写入持仓快照与完整成交历史，保证原子性。
func (s *Store) SavePosition(ctx context.Context, pos ledger.Position) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("store 未初始化")
	}
	asset := strings.ToUpper(strings.TrimSpace(pos.Asset))
	if asset == "" {
		return fmt.Errorf("asset 必填")
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO positions (asset, quantity, average_cost, total_cost, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			quantity=excluded.quantity,
			average_cost=excluded.average_cost,
			total_cost=excluded.total_cost,
			updated_at=excluded.updated_at;
	`, asset, pos.Quantity, pos.AverageCost, pos.TotalCost, pos.UpdatedAt.UnixMilli()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM fills WHERE asset=?`, asset); err != nil {
		return err
	}
	for _, f := range pos.Fills {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO fills (asset, side, quantity, price, ts) VALUES (?, ?, ?, ?, ?)`,
			asset, string(f.Side), f.Quantity, f.Price, f.Timestamp.UnixMilli()); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// LoadPositions 读取全部持仓快照（含按时间升序的成交历史）。
func (s *Store) LoadPositions(ctx context.Context) ([]ledger.Position, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	rows, err := db.QueryContext(ctx, `SELECT asset, quantity, average_cost, total_cost, updated_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Position
	for rows.Next() {
		var p ledger.Position
		var updated int64
		if err := rows.Scan(&p.Asset, &p.Quantity, &p.AverageCost, &p.TotalCost, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		fills, err := s.loadFills(ctx, db, out[i].Asset)
		if err != nil {
			return nil, err
		}
		out[i].Fills = fills
	}
	return out, nil
}

func (s *Store) loadFills(ctx context.Context, db *sql.DB, asset string) ([]ledger.Fill, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT side, quantity, price, ts FROM fills WHERE asset=? ORDER BY ts ASC, id ASC`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fills []ledger.Fill
	for rows.Next() {
		var f ledger.Fill
		var side string
		var ts int64
		if err := rows.Scan(&side, &f.Quantity, &f.Price, &ts); err != nil {
			return nil, err
		}
		f.Side = ledger.Side(side)
		f.Timestamp = time.UnixMilli(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// SaveLimiterState 覆盖写限流器单例状态。
func (s *Store) SaveLimiterState(ctx context.Context, st limiter.State) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("store 未初始化")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO limiter_state
			(id, daily_count, consecutive_count, last_entry_ts, last_successful_exit_ts,
			 blocked, block_reason, block_until_ts, last_counter_reset_date)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			daily_count=excluded.daily_count,
			consecutive_count=excluded.consecutive_count,
			last_entry_ts=excluded.last_entry_ts,
			last_successful_exit_ts=excluded.last_successful_exit_ts,
			blocked=excluded.blocked,
			block_reason=excluded.block_reason,
			block_until_ts=excluded.block_until_ts,
			last_counter_reset_date=excluded.last_counter_reset_date;
	`, st.DailyCount, st.ConsecutiveCount, millisOrNil(st.LastEntryAt), millisOrNil(st.LastSuccessfulExitAt),
		boolToInt(st.Blocked), string(st.BlockReason), millisOrNil(st.BlockUntil), st.LastCounterResetDate)
	return err
}

// LoadLimiterState 读取限流器状态；无记录时返回零值。
func (s *Store) LoadLimiterState(ctx context.Context) (limiter.State, bool, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return limiter.State{}, false, fmt.Errorf("store 未初始化")
	}
	row := db.QueryRowContext(ctx, `
		SELECT daily_count, consecutive_count, last_entry_ts, last_successful_exit_ts,
		       blocked, block_reason, block_until_ts, last_counter_reset_date
		FROM limiter_state WHERE id=1`)
	var (
		st                     limiter.State
		lastEntry, lastExit    sql.NullInt64
		blocked                int
		blockReason, resetDate sql.NullString
		blockUntil             sql.NullInt64
	)
	if err := row.Scan(&st.DailyCount, &st.ConsecutiveCount, &lastEntry, &lastExit,
		&blocked, &blockReason, &blockUntil, &resetDate); err != nil {
		if err == sql.ErrNoRows {
			return limiter.State{}, false, nil
		}
		return limiter.State{}, false, err
	}
	if lastEntry.Valid {
		st.LastEntryAt = time.UnixMilli(lastEntry.Int64)
	}
	if lastExit.Valid {
		st.LastSuccessfulExitAt = time.UnixMilli(lastExit.Int64)
	}
	st.Blocked = blocked != 0
	st.BlockReason = limiter.BlockReason(blockReason.String)
	if blockUntil.Valid {
		st.BlockUntil = time.UnixMilli(blockUntil.Int64)
	}
	st.LastCounterResetDate = resetDate.String
	return st, true, nil
}

// SaveRiskState 覆盖写风控单例状态。
func (s *Store) SaveRiskState(ctx context.Context, st risk.State) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("store 未初始化")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO risk_state (id, daily_realized_loss, daily_trade_count, error_count, last_reset_date)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			daily_realized_loss=excluded.daily_realized_loss,
			daily_trade_count=excluded.daily_trade_count,
			error_count=excluded.error_count,
			last_reset_date=excluded.last_reset_date;
	`, st.DailyRealizedLoss, st.DailyTradeCount, st.ErrorCount, st.LastResetDate)
	return err
}

// LoadRiskState 读取风控状态；无记录时返回零值。
func (s *Store) LoadRiskState(ctx context.Context) (risk.State, bool, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return risk.State{}, false, fmt.Errorf("store 未初始化")
	}
	row := db.QueryRowContext(ctx, `
		SELECT daily_realized_loss, daily_trade_count, error_count, last_reset_date
		FROM risk_state WHERE id=1`)
	var (
		st        risk.State
		resetDate sql.NullString
	)
	if err := row.Scan(&st.DailyRealizedLoss, &st.DailyTradeCount, &st.ErrorCount, &resetDate); err != nil {
		if err == sql.ErrNoRows {
			return risk.State{}, false, nil
		}
		return risk.State{}, false, err
	}
	st.LastResetDate = resetDate.String
	return st, true, nil
}

// AppendTradeLog 插入一条操作流水。
func (s *Store) AppendTradeLog(ctx context.Context, rec trader.TradeLog) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("store 未初始化")
	}
	symbol := strings.ToUpper(strings.TrimSpace(rec.Symbol))
	if symbol == "" {
		return fmt.Errorf("symbol 必填")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO trade_log (symbol, side, quantity, price, tag, reason, order_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		symbol, string(rec.Side), rec.Quantity, rec.Price, string(rec.Tag), rec.Reason, rec.OrderID,
		rec.Timestamp.UnixMilli())
	return err
}

// ListTradeLogs 返回最近的操作流水（按时间倒序）。
func (s *Store) ListTradeLogs(ctx context.Context, limit int) ([]trader.TradeLog, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT symbol, side, quantity, price, tag, reason, order_id, ts
		FROM trade_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trader.TradeLog
	for rows.Next() {
		var rec trader.TradeLog
		var side, tag string
		var reason, orderID sql.NullString
		var ts int64
		if err := rows.Scan(&rec.Symbol, &side, &rec.Quantity, &rec.Price, &tag, &reason, &orderID, &ts); err != nil {
			return nil, err
		}
		rec.Side = ledger.Side(side)
		rec.Tag = decision.Tag(tag)
		rec.Reason = reason.String
		rec.OrderID = orderID.String
		rec.Timestamp = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func millisOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
