package rebuild

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/store"
)

func openFullStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "collect.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, name := range []string{"condition", "enrichedOrderFilled", "split", "merge", "redemption"} {
		e, ok := registry.Lookup(name)
		require.True(t, ok)
		require.NoError(t, st.InitEntity(context.Background(), e))
	}
	return st
}

func TestCollectEventsOrdersProduceBuySellPair(t *testing.T) {
	st := openFullStore(t)
	insertCondition(t, st, "c0", `["tokenYes","tokenNo"]`, "null", 2, nil)

	err := st.AtomicInsertWithCursor(context.Background(), "enriched_order_filled",
		[]string{"id", "timestamp", "maker", "taker", "market", "side", "size", "price"},
		[][]any{{"o1", "100", "maker1", "taker1", "tokenYes", "Buy", "10", 0.5}},
		"test", "enrichedOrderFilled", "", 0, 0)
	require.NoError(t, err)

	md, err := LoadMetadata(context.Background(), st)
	require.NoError(t, err)

	userIDs, events, err := CollectEvents(context.Background(), st, md, nil)
	require.NoError(t, err)
	require.Len(t, userIDs, 2)

	total := 0
	for _, ev := range events {
		total += len(ev)
	}
	require.Equal(t, 2, total)
}

func TestCollectEventsSkipsForeignMarket(t *testing.T) {
	st := openFullStore(t)
	insertCondition(t, st, "c0", `["tokenYes","tokenNo"]`, "null", 2, nil)

	err := st.AtomicInsertWithCursor(context.Background(), "enriched_order_filled",
		[]string{"id", "timestamp", "maker", "taker", "market", "side", "size", "price"},
		[][]any{{"o1", "100", "maker1", "taker1", "unknownMarket", "Buy", "10", 0.5}},
		"test", "enrichedOrderFilled", "", 0, 0)
	require.NoError(t, err)

	md, err := LoadMetadata(context.Background(), st)
	require.NoError(t, err)

	var progress Progress
	userIDs, _, err := CollectEvents(context.Background(), st, md, &progress)
	require.NoError(t, err)
	require.Len(t, userIDs, 0)
	require.Equal(t, int64(1), progress.ForeignSkipped.Load())
}

func TestCollectEventsSplitAndRedemption(t *testing.T) {
	st := openFullStore(t)
	insertCondition(t, st, "c0", `["tokenYes","tokenNo"]`, `[1,0]`, 2, int64(1))

	require.NoError(t, st.AtomicInsertWithCursor(context.Background(), "split",
		[]string{"id", "timestamp", "stakeholder", "condition", "amount"},
		[][]any{{"s1", "10", "user1", "c0", "5"}},
		"test", "split", "", 0, 0))
	require.NoError(t, st.AtomicInsertWithCursor(context.Background(), "redemption",
		[]string{"id", "timestamp", "redeemer", "condition", "index_sets", "payout"},
		[][]any{{"r1", "20", "user1", "c0", "null", "3"}},
		"test", "redemption", "", 0, 0))

	md, err := LoadMetadata(context.Background(), st)
	require.NoError(t, err)

	userIDs, events, err := CollectEvents(context.Background(), st, md, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"user1"}, userIDs)
	require.Len(t, events[0], 2)
}
