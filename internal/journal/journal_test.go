package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func openTest(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.db"), filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordFillRoundTrips(t *testing.T) {
	j := openTest(t)

	filledAt := time.Date(2026, 2, 22, 12, 0, 5, 0, time.UTC)
	entry, err := j.RecordFill("xrp", 1771820400, "cond-1", "tok-up", "Up", d("198.0"), d("200"), d("0.99"), filledAt, "ext-1", false)
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	var got Entry
	require.NoError(t, j.db.First(&got, "id = ?", entry.ID).Error)
	require.True(t, got.Cost.Equal(d("198.0")))
	require.True(t, got.FilledSize.Equal(d("200")))
	require.Equal(t, "ext-1", got.ExternalOrderID)
	require.Equal(t, ResolutionPending, got.ResolutionStatus)
}

func TestRecordSkipHasZeroFilledSize(t *testing.T) {
	j := openTest(t)

	entry, err := j.RecordSkip("btc", 1771820400, "below min_confidence_pct")
	require.NoError(t, err)
	require.True(t, entry.FilledSize.IsZero())
	require.Equal(t, "below min_confidence_pct", entry.Reason)
	require.Equal(t, RedemptionNotApplicable, entry.RedemptionStatus)
}

func TestOutstandingCostExcludesRedeemedAndLost(t *testing.T) {
	j := openTest(t)

	won, err := j.RecordFill("btc", 1, "c1", "t1", "Down", d("100"), d("101"), d("0.99"), time.Now(), "e1", false)
	require.NoError(t, err)
	require.NoError(t, j.MarkResolved(won.ID, true))

	lost, err := j.RecordFill("eth", 2, "c2", "t2", "Up", d("50"), d("51"), d("0.98"), time.Now(), "e2", false)
	require.NoError(t, err)
	require.NoError(t, j.MarkResolved(lost.ID, false))

	redeemed, err := j.RecordFill("sol", 3, "c3", "t3", "Up", d("30"), d("31"), d("0.97"), time.Now(), "e3", false)
	require.NoError(t, err)
	require.NoError(t, j.MarkResolved(redeemed.ID, true))
	require.NoError(t, j.MarkRedeemed(redeemed.ID, "0xabc"))

	stillOpen, err := j.RecordFill("xrp", 4, "c4", "t4", "Down", d("20"), d("21"), d("0.96"), time.Now(), "e4", false)
	require.NoError(t, err)

	total, err := j.OutstandingCost()
	require.NoError(t, err)
	require.True(t, total.Equal(d("120")), "the won-but-unredeemed fill and the unresolved fill should count: got %s", total)
	_ = stillOpen
}

func TestPendingRedemptionsListsOnlyWonUnredeemed(t *testing.T) {
	j := openTest(t)

	won, err := j.RecordFill("btc", 1, "c1", "t1", "Down", d("100"), d("101"), d("0.99"), time.Now(), "e1", false)
	require.NoError(t, err)
	require.NoError(t, j.MarkResolved(won.ID, true))

	pending, err := j.PendingRedemptions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, won.ID, pending[0].ID)

	require.NoError(t, j.MarkRedeemed(won.ID, "0xdead"))
	pending, err = j.PendingRedemptions()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRebuildFromAppendLogWhenSQLTableIsFresh(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "journal.db")
	logPath := filepath.Join(dir, "journal.jsonl")

	j1, err := Open(dsn, logPath)
	require.NoError(t, err)
	_, err = j1.RecordFill("btc", 1, "c1", "t1", "Down", d("100"), d("101"), d("0.99"), time.Now(), "e1", false)
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	// Drop the SQL file but keep the append log, simulating a corrupt/missing mirror.
	require.NoError(t, os.Remove(dsn))

	j2, err := Open(dsn, logPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j2.Close() })

	var count int64
	require.NoError(t, j2.db.Model(&Entry{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestAppendLogIsNewlineDelimitedJSON(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "journal.jsonl")
	j, err := Open(filepath.Join(dir, "journal.db"), logPath)
	require.NoError(t, err)

	_, err = j.RecordFill("btc", 1, "c1", "t1", "Down", d("100"), d("101"), d("0.99"), time.Now(), "e1", false)
	require.NoError(t, err)
	_, err = j.RecordSkip("eth", 2, "confidence")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}
