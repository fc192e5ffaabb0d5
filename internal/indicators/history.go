// Package indicators supplies the evaluator's data capabilities from a
// local price-history database: RSI, moving averages and volatility are
// computed on demand from stored daily closes.
package indicators

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// HistorySchema creates the daily price table. Applied idempotently on
// every startup via database.Config.Schema.
const HistorySchema = `
CREATE TABLE IF NOT EXISTS daily_prices (
    symbol TEXT NOT NULL,
    date   INTEGER NOT NULL,
    open   REAL,
    high   REAL,
    low    REAL,
    close  REAL NOT NULL,
    volume INTEGER,
    PRIMARY KEY (symbol, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_prices_symbol_date
    ON daily_prices(symbol, date DESC);
`

// DailyPrice is one OHLCV price point.
type DailyPrice struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume *int64    `json:"volume,omitempty"`
}

// HistoryRepository provides access to historical daily price data.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a history repository over the given
// connection.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
	}
}

// ClosesUpTo returns up to limit daily closes for a symbol at or before
// the given instant, oldest first - the order the formula helpers expect.
func (h *HistoryRepository) ClosesUpTo(symbol string, asOf time.Time, limit int) ([]float64, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := h.db.Query(`
		SELECT close FROM daily_prices
		WHERE symbol = ? AND date <= ?
		ORDER BY date DESC
		LIMIT ?
	`, symbol, asOf.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes for %s: %w", symbol, err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var close float64
		if err := rows.Scan(&close); err != nil {
			return nil, fmt.Errorf("failed to scan close for %s: %w", symbol, err)
		}
		closes = append(closes, close)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closes for %s: %w", symbol, err)
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}

// LatestClose returns the most recent close at or before the given
// instant. The boolean reports availability; no rows is not an error.
func (h *HistoryRepository) LatestClose(symbol string, asOf time.Time) (float64, bool, error) {
	var close float64
	err := h.db.QueryRow(`
		SELECT close FROM daily_prices
		WHERE symbol = ? AND date <= ?
		ORDER BY date DESC
		LIMIT 1
	`, symbol, asOf.Unix()).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest close for %s: %w", symbol, err)
	}
	return close, true, nil
}

// UpsertDailyPrices stores a batch of price points for a symbol, replacing
// rows that already exist for the same date.
func (h *HistoryRepository) UpsertDailyPrices(symbol string, prices []DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin price upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO daily_prices (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare price upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range prices {
		var volume interface{}
		if p.Volume != nil {
			volume = *p.Volume
		}
		if _, err := stmt.Exec(symbol, p.Date.Unix(), p.Open, p.High, p.Low, p.Close, volume); err != nil {
			return fmt.Errorf("failed to upsert price for %s at %s: %w",
				symbol, p.Date.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit price upsert: %w", err)
	}

	h.log.Debug().Str("symbol", symbol).Int("rows", len(prices)).Msg("Daily prices upserted")
	return nil
}

// CountSymbols returns how many distinct symbols have price history.
func (h *HistoryRepository) CountSymbols() (int, error) {
	var count int
	err := h.db.QueryRow(`SELECT COUNT(DISTINCT symbol) FROM daily_prices`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count symbols: %w", err)
	}
	return count, nil
}
