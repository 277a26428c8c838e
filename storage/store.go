package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for single-host deployments.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSourceTrades inserts new trades, ignoring ids already stored.
func (s *Store) SaveSourceTrades(ctx context.Context, trades []models.SourceTrade, markHistorical bool) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, t := range trades {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO source_trades (
				id, source_account, condition_id, asset_id, type, side,
				usd_size, price, token_size, outcome, title, transaction_hash,
				timestamp, observed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID, strings.ToLower(t.SourceAccount), t.ConditionID, t.AssetID, string(t.Type), string(t.Side),
			t.UsdSize, t.Price, t.TokenSize, t.Outcome, t.Title, t.TransactionHash,
			t.Timestamp.UTC().UnixMilli(), t.ObservedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert trade %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		inserted++

		if markHistorical {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO processed_trades (trade_id, status, reason, processed_at)
				VALUES (?, ?, 'present before start', ?)
			`, t.ID, string(models.StatusHistorical), time.Now().UnixMilli()); err != nil {
				return 0, fmt.Errorf("storage: mark historical %s: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// FetchUnprocessedTrades returns trades without a processed mark, oldest
// first. An empty account matches every account.
func (s *Store) FetchUnprocessedTrades(ctx context.Context, account string, limit int) ([]models.SourceTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	account = strings.ToLower(account)
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.source_account, st.condition_id, st.asset_id, st.type, st.side,
			   st.usd_size, st.price, st.token_size, st.outcome, st.title, st.transaction_hash,
			   st.timestamp, st.observed_at
		FROM source_trades st
		LEFT JOIN processed_trades pt ON st.id = pt.trade_id
		WHERE pt.trade_id IS NULL
		  AND (? = '' OR st.source_account = ?)
		ORDER BY st.timestamp ASC, st.id ASC
		LIMIT ?
	`, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.SourceTrade
	for rows.Next() {
		var t models.SourceTrade
		var tradeType, side string
		var ts, observed int64
		if err := rows.Scan(
			&t.ID, &t.SourceAccount, &t.ConditionID, &t.AssetID, &tradeType, &side,
			&t.UsdSize, &t.Price, &t.TokenSize, &t.Outcome, &t.Title, &t.TransactionHash,
			&ts, &observed,
		); err != nil {
			return nil, err
		}
		t.Type = models.TradeType(tradeType)
		t.Side = models.Side(side)
		t.Timestamp = time.UnixMilli(ts).UTC()
		t.ObservedAt = time.UnixMilli(observed).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountSourceTrades returns how many trades are stored for account
func (s *Store) CountSourceTrades(ctx context.Context, account string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_trades WHERE source_account = ?`,
		strings.ToLower(account)).Scan(&n)
	return n, err
}

// MarkProcessed closes out a trade. A second mark is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, tradeID string, mark models.ProcessedMark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_trades (trade_id, status, executed_tokens, attempts, reason, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tradeID, string(mark.Status), mark.ExecutedTokens, mark.Attempts, mark.Reason, time.Now().UnixMilli())
	return err
}

// MarkSkipped closes out a trade without execution
func (s *Store) MarkSkipped(ctx context.Context, tradeID string, reason string) error {
	return s.MarkProcessed(ctx, tradeID, models.ProcessedMark{Status: models.StatusSkipped, Reason: reason})
}

// GetProcessedMark returns nil when the trade is still open
func (s *Store) GetProcessedMark(ctx context.Context, tradeID string) (*models.ProcessedMark, error) {
	var mark models.ProcessedMark
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, executed_tokens, attempts, reason FROM processed_trades WHERE trade_id = ?
	`, tradeID).Scan(&status, &mark.ExecutedTokens, &mark.Attempts, &mark.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mark.Status = models.ProcessedStatus(status)
	return &mark, nil
}

// QueryPreviousBuys returns the live tracked purchases for a key.
// Tokens are stored as decimal text.
func (s *Store) QueryPreviousBuys(ctx context.Context, conditionID, assetID, account string) ([]models.TrackedPurchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT condition_id, asset_id, account, tokens, source_trade_id, created_at
		FROM tracked_purchases
		WHERE condition_id = ? AND asset_id = ? AND account = ?
		ORDER BY id ASC
	`, conditionID, assetID, strings.ToLower(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []models.TrackedPurchase
	for rows.Next() {
		var p models.TrackedPurchase
		var tokens string
		var createdAt int64
		if err := rows.Scan(&p.ConditionID, &p.AssetID, &p.Account, &tokens, &p.SourceTradeID, &createdAt); err != nil {
			return nil, err
		}
		if p.TokensAcquired, err = decimal.NewFromString(tokens); err != nil {
			return nil, fmt.Errorf("storage: parse tracked tokens %q: %w", tokens, err)
		}
		if !p.TokensAcquired.IsPositive() {
			continue
		}
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// RecordPurchase stores tokens acquired by a copied buy
func (s *Store) RecordPurchase(ctx context.Context, p models.TrackedPurchase) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_purchases (condition_id, asset_id, account, tokens, source_trade_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ConditionID, p.AssetID, strings.ToLower(p.Account),
		p.TokensAcquired.Round(trackedPrecision).String(), p.SourceTradeID, createdAt.UnixMilli())
	return err
}

// ScalePurchases multiplies every tracked purchase of a key by factor.
// SQLite has no exact decimal type, so rows are rewritten from Go.
func (s *Store) ScalePurchases(ctx context.Context, conditionID, assetID, account string, factor decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tokens FROM tracked_purchases
		WHERE condition_id = ? AND asset_id = ? AND account = ?
	`, conditionID, assetID, strings.ToLower(account))
	if err != nil {
		return err
	}

	type row struct {
		id     int64
		tokens decimal.Decimal
	}
	var updates []row
	for rows.Next() {
		var id int64
		var tokens string
		if err := rows.Scan(&id, &tokens); err != nil {
			rows.Close()
			return err
		}
		d, err := decimal.NewFromString(tokens)
		if err != nil {
			rows.Close()
			return fmt.Errorf("storage: parse tracked tokens %q: %w", tokens, err)
		}
		updates = append(updates, row{id: id, tokens: d.Mul(factor).Round(trackedPrecision)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE tracked_purchases SET tokens = ? WHERE id = ?`,
			u.tokens.String(), u.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearPurchases zeroes every tracked purchase of a key
func (s *Store) ClearPurchases(ctx context.Context, conditionID, assetID, account string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_purchases SET tokens = '0'
		WHERE condition_id = ? AND asset_id = ? AND account = ?
	`, conditionID, assetID, strings.ToLower(account))
	return err
}

// SaveCopyTrade saves a copy trade record
func (s *Store) SaveCopyTrade(ctx context.Context, r models.CopyTradeRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO copy_trades (
			order_id, source_trade_ids, source_account, condition_id, asset_id, action,
			aggregated, intended_amount, filled_usd, filled_tokens, attempts, terminal,
			reasoning, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.OrderID, strings.Join(r.SourceTradeIDs, ","), strings.ToLower(r.SourceAccount), r.ConditionID, r.AssetID, r.Action,
		r.Aggregated, r.IntendedAmount, r.FilledUsd, r.FilledTokens, r.Attempts, r.Terminal,
		r.Reasoning, createdAt.UnixMilli(),
	)
	return err
}

// GetCopyTradeStats returns statistics about copy trading
func (s *Store) GetCopyTradeStats(ctx context.Context) (*CopyTradeStats, error) {
	stats := &CopyTradeStats{
		ByTerminal:     make(map[string]int),
		ProcessedCount: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT terminal, COUNT(*), COALESCE(SUM(filled_usd), 0), COALESCE(SUM(filled_tokens), 0)
		FROM copy_trades GROUP BY terminal
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var terminal string
		var count int
		var usd, tokens float64
		if err := rows.Scan(&terminal, &count, &usd, &tokens); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByTerminal[terminal] = count
		stats.TotalOrders += count
		stats.FilledUsd += usd
		stats.FilledTokens += tokens
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processed_trades GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ProcessedCount[status] = count
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT order_id, source_trade_ids, source_account, condition_id, asset_id, action,
			   aggregated, intended_amount, filled_usd, filled_tokens, attempts, terminal,
			   reasoning, created_at
		FROM copy_trades
		ORDER BY created_at DESC
		LIMIT ?
	`, recentCopyTrades)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r models.CopyTradeRecord
		var ids string
		var createdAt int64
		if err := rows.Scan(
			&r.OrderID, &ids, &r.SourceAccount, &r.ConditionID, &r.AssetID, &r.Action,
			&r.Aggregated, &r.IntendedAmount, &r.FilledUsd, &r.FilledTokens, &r.Attempts, &r.Terminal,
			&r.Reasoning, &createdAt,
		); err != nil {
			return nil, err
		}
		if ids != "" {
			r.SourceTradeIDs = strings.Split(ids, ",")
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		stats.Recent = append(stats.Recent, r)
	}
	return stats, rows.Err()
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS source_trades (
        id TEXT PRIMARY KEY,
        source_account TEXT NOT NULL,
        condition_id TEXT NOT NULL,
        asset_id TEXT NOT NULL,
        type TEXT NOT NULL,
        side TEXT NOT NULL,
        usd_size REAL NOT NULL DEFAULT 0,
        price REAL NOT NULL DEFAULT 0,
        token_size REAL NOT NULL DEFAULT 0,
        outcome TEXT NOT NULL DEFAULT '',
        title TEXT NOT NULL DEFAULT '',
        transaction_hash TEXT NOT NULL DEFAULT '',
        timestamp INTEGER NOT NULL,
        observed_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_source_trades_account_ts ON source_trades(source_account, timestamp);

    CREATE TABLE IF NOT EXISTS processed_trades (
        trade_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        executed_tokens REAL NOT NULL DEFAULT 0,
        attempts INTEGER NOT NULL DEFAULT 0,
        reason TEXT NOT NULL DEFAULT '',
        processed_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS tracked_purchases (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        condition_id TEXT NOT NULL,
        asset_id TEXT NOT NULL,
        account TEXT NOT NULL,
        tokens TEXT NOT NULL,
        source_trade_id TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_tracked_purchases_key ON tracked_purchases(condition_id, asset_id, account);

    CREATE TABLE IF NOT EXISTS copy_trades (
        order_id TEXT PRIMARY KEY,
        source_trade_ids TEXT NOT NULL,
        source_account TEXT NOT NULL,
        condition_id TEXT NOT NULL,
        asset_id TEXT NOT NULL,
        action TEXT NOT NULL,
        aggregated INTEGER NOT NULL DEFAULT 0,
        intended_amount REAL NOT NULL DEFAULT 0,
        filled_usd REAL NOT NULL DEFAULT 0,
        filled_tokens REAL NOT NULL DEFAULT 0,
        attempts INTEGER NOT NULL DEFAULT 0,
        terminal TEXT NOT NULL,
        reasoning TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
    );
    `
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
