package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typhfeng/poly-pnl/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "stats.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, time.Hour) // long throttle; tests force-persist explicitly
}

func TestRecordSuccessUpdatesCounters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.RecordSuccess(ctx, "polymarket", "condition", 1000, 50*time.Millisecond)
	l.RecordSuccess(ctx, "polymarket", "condition", 500, 30*time.Millisecond)

	snaps := l.All()
	require.Len(t, snaps, 1)
	require.EqualValues(t, 2, snaps[0].TotalRequests)
	require.EqualValues(t, 1500, snaps[0].TotalRows)
	require.Equal(t, 1.0, snaps[0].SuccessRate)
}

func TestRecordFailureTracksKind(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.RecordFailure(ctx, "polymarket", "split", FailGraphQL, time.Millisecond)
	snaps := l.All()
	require.Len(t, snaps, 1)
	require.EqualValues(t, 1, snaps[0].GraphQLFailures)
	require.Equal(t, 0.0, snaps[0].SuccessRate)
}

func TestIndexerFailureAttributionSortedDescending(t *testing.T) {
	l := newTestLedger(t)
	l.RecordIndexerFailure("polymarket", "condition", "idx1")
	l.RecordIndexerFailure("polymarket", "condition", "idx2")
	l.RecordIndexerFailure("polymarket", "condition", "idx2")

	fails := l.IndexerFailures("polymarket", "condition")
	require.Len(t, fails, 2)
	require.Equal(t, "idx2", fails[0].IndexerID)
	require.EqualValues(t, 2, fails[0].FailRequests)
}

func TestSetStateIdleForcesPersist(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.RecordSuccess(ctx, "polymarket", "condition", 10, time.Millisecond)
	l.SetState(ctx, "polymarket", "condition", Idle)

	n, err := l.st.QuerySingleInt(ctx, "SELECT total_rows FROM entity_stats_meta WHERE source = ? AND entity = ?", "polymarket", "condition")
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
}
