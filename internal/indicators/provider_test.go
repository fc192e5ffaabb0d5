package indicators

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvallis/helmsman/internal/database"
	"github.com/jvallis/helmsman/internal/evaluation"
)

func newTestRepository(t *testing.T) *HistoryRepository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:history_%s?mode=memory&cache=shared", uuid.New().String()),
		Profile: database.ProfileStandard,
		Name:    "history-test",
		Schema:  HistorySchema,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewHistoryRepository(db.Conn(), zerolog.Nop())
}

// seedRisingPrices stores days consecutive daily closes ending at end,
// rising by one each day from a base of 100.
func seedRisingPrices(t *testing.T, repo *HistoryRepository, symbol string, days int, end time.Time) {
	t.Helper()
	prices := make([]DailyPrice, days)
	for i := 0; i < days; i++ {
		date := end.AddDate(0, 0, i-days+1)
		close := 100.0 + float64(i)
		prices[i] = DailyPrice{Date: date, Open: close, High: close + 1, Low: close - 1, Close: close}
	}
	require.NoError(t, repo.UpsertDailyPrices(symbol, prices))
}

func TestHistoryRepositoryClosesUpTo(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 10, end)

	closes, err := repo.ClosesUpTo("AAPL", end, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{105, 106, 107, 108, 109}, closes)

	// As-of in the middle of the series only sees earlier rows.
	closes, err = repo.ClosesUpTo("AAPL", end.AddDate(0, 0, -5), 100)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 102, 103, 104}, closes)

	closes, err = repo.ClosesUpTo("TSLA", end, 5)
	require.NoError(t, err)
	assert.Empty(t, closes)
}

func TestHistoryRepositoryLatestClose(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 3, end)

	price, ok, err := repo.LatestClose("AAPL", end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 102.0, price)

	_, ok, err = repo.LatestClose("AAPL", end.AddDate(0, 0, -10))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryRepositoryUpsertReplaces(t *testing.T) {
	repo := newTestRepository(t)
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertDailyPrices("AAPL", []DailyPrice{{Date: date, Close: 100}}))
	require.NoError(t, repo.UpsertDailyPrices("AAPL", []DailyPrice{{Date: date, Close: 101}}))

	price, ok, err := repo.LatestClose("AAPL", date)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.0, price)

	count, err := repo.CountSymbols()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProviderRSI(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 30, end)
	provider := NewProvider(repo, 0, zerolog.Nop())

	value, err := provider.Get("AAPL", evaluation.IndicatorRSI, 14, end)
	require.NoError(t, err)
	require.False(t, value.Absent)
	// A strictly rising series has no losses, so RSI saturates at 100.
	assert.InDelta(t, 100.0, value.Value, 1e-6)
}

func TestProviderMovingAverage(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 30, end)
	provider := NewProvider(repo, 0, zerolog.Nop())

	value, err := provider.Get("AAPL", evaluation.IndicatorMovingAverage, 5, end)
	require.NoError(t, err)
	require.False(t, value.Absent)
	// Last five closes are 125..129.
	assert.InDelta(t, 127.0, value.Value, 1e-9)
}

func TestProviderVolatility(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 30, end)
	provider := NewProvider(repo, 0, zerolog.Nop())

	value, err := provider.Get("AAPL", evaluation.IndicatorVolatility, 20, end)
	require.NoError(t, err)
	require.False(t, value.Absent)
	assert.Greater(t, value.Value, 0.0)
}

func TestProviderCurrentPrice(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 3, end)
	provider := NewProvider(repo, 0, zerolog.Nop())

	value, err := provider.Get("AAPL", evaluation.IndicatorCurrentPrice, 0, end)
	require.NoError(t, err)
	require.False(t, value.Absent)
	assert.Equal(t, 102.0, value.Value)

	price, ok, err := provider.Price("AAPL", end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 102.0, price)
}

func TestProviderAbsentData(t *testing.T) {
	repo := newTestRepository(t)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	seedRisingPrices(t, repo, "AAPL", 10, end)
	provider := NewProvider(repo, 0, zerolog.Nop())

	tests := []struct {
		name   string
		symbol string
		kind   string
		window int
	}{
		{"unknown symbol", "TSLA", evaluation.IndicatorRSI, 14},
		{"not enough history for rsi", "AAPL", evaluation.IndicatorRSI, 14},
		{"not enough history for volatility", "AAPL", evaluation.IndicatorVolatility, 20},
		{"unknown symbol price", "TSLA", evaluation.IndicatorCurrentPrice, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := provider.Get(tt.symbol, tt.kind, tt.window, end)
			require.NoError(t, err)
			assert.True(t, value.Absent)
		})
	}
}

func TestProviderUnknownKind(t *testing.T) {
	repo := newTestRepository(t)
	provider := NewProvider(repo, 0, zerolog.Nop())

	_, err := provider.Get("AAPL", "macd", 12, time.Now())
	assert.Error(t, err)
}
