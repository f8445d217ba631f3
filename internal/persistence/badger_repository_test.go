package persistence

import (
	"testing"
	"time"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T, path string) StateRepository {
	t.Helper()
	repo, err := NewBadgerRepository(path)
	require.NoError(t, err)
	return repo
}

func sampleSnapshot() *models.EngineSnapshot {
	return &models.EngineSnapshot{
		Symbol:  "BTCUSDT",
		Version: models.SnapshotVersion,
		Center:  decimal.RequireFromString("50000"),
		Upper:   decimal.RequireFromString("53500"),
		Lower:   decimal.RequireFromString("46500"),
		Alerts: []models.RiskAlert{{
			ID:        "a1",
			Type:      models.AlertGlobalStop,
			Severity:  models.RiskEmergency,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		Latches: models.RiskLatches{GlobalStopped: true, DailyPauseDay: "2026-01-02"},
		Account: &models.AccountState{
			RealizedPnL: decimal.RequireFromString("-40.5"),
			PeakEquity:  decimal.RequireFromString("512"),
			TotalTrades: 9,
			Days: []models.DailyStats{
				{Date: "2026-01-02", RealizedPnL: decimal.RequireFromString("-40.5"), Trades: 9, Losses: 2},
			},
		},
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestLoadMissingSnapshotReturnsNil(t *testing.T) {
	repo := newRepo(t, "")
	defer repo.Close()

	got, err := repo.LoadSnapshot("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	repo := newRepo(t, dir)
	require.NoError(t, repo.SaveSnapshot(sampleSnapshot()))
	require.NoError(t, repo.Close())

	repo = newRepo(t, dir)
	defer repo.Close()
	got, err := repo.LoadSnapshot("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, got.Latches.GlobalStopped)
	assert.Equal(t, "2026-01-02", got.Latches.DailyPauseDay)
	assert.True(t, got.Center.Equal(decimal.RequireFromString("50000")))
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, models.RiskEmergency, got.Alerts[0].Severity)
	assert.True(t, got.SavedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	require.NotNil(t, got.Account)
	assert.True(t, got.Account.RealizedPnL.Equal(decimal.RequireFromString("-40.5")))
	assert.True(t, got.Account.PeakEquity.Equal(decimal.RequireFromString("512")))
	assert.Equal(t, 9, got.Account.TotalTrades)
	require.Len(t, got.Account.Days, 1)
	assert.Equal(t, 2, got.Account.Days[0].Losses)
}

func TestSnapshotsAreKeyedBySymbol(t *testing.T) {
	repo := newRepo(t, "")
	defer repo.Close()

	require.NoError(t, repo.SaveSnapshot(sampleSnapshot()))
	eth := sampleSnapshot()
	eth.Symbol = "ETHUSDT"
	eth.Latches = models.RiskLatches{}
	require.NoError(t, repo.SaveSnapshot(eth))

	btc, err := repo.LoadSnapshot("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, btc.Latches.GlobalStopped)
	other, err := repo.LoadSnapshot("ETHUSDT")
	require.NoError(t, err)
	assert.False(t, other.Latches.GlobalStopped)
}

func TestRejectsInvalidSnapshots(t *testing.T) {
	repo := newRepo(t, "")
	defer repo.Close()

	assert.True(t, errors.Is(repo.SaveSnapshot(&models.EngineSnapshot{}), ErrMissingSymbol))

	old := sampleSnapshot()
	old.Version = 0
	require.NoError(t, repo.SaveSnapshot(old))
	_, err := repo.LoadSnapshot("BTCUSDT")
	assert.True(t, errors.Is(err, ErrSnapshotVersion))
}
