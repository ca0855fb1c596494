package rebuild

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/store"
)

func TestEngineRunProducesQueryableState(t *testing.T) {
	st := openFullStore(t)
	insertCondition(t, st, "c0", `["tokenYes","tokenNo"]`, `[1,0]`, 2, int64(1))

	require.NoError(t, st.AtomicInsertWithCursor(context.Background(), "enriched_order_filled",
		[]string{"id", "timestamp", "maker", "taker", "market", "side", "size", "price"},
		[][]any{{"o1", "1", "maker1", "taker1", "tokenYes", "Buy", "100", 0.5}},
		"test", "enrichedOrderFilled", "", 0, 0))

	require.NoError(t, st.AtomicInsertWithCursor(context.Background(), "redemption",
		[]string{"id", "timestamp", "redeemer", "condition", "index_sets", "payout"},
		[][]any{{"r1", "2", "taker1", "c0", "null", "0"}},
		"test", "redemption", "", 0, 0))

	outDir := t.TempDir()
	engine := NewEngine(st, zap.NewNop(), outDir)

	require.NoError(t, engine.StartAsync(context.Background()))

	deadline := time.Now().Add(5 * time.Second)
	for engine.Status().Phase != "done" && engine.Status().Phase != "failed" {
		if time.Now().After(deadline) {
			t.Fatal("rebuild did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := engine.Status()
	require.Equal(t, "done", status.Phase, status.Error)
	require.Equal(t, 1, status.ConditionCount)

	user, ok := engine.FindUser("taker1")
	require.True(t, ok)
	require.NotEmpty(t, user.Histories)
}

func TestEngineStartAsyncRejectsConcurrentRebuild(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine_concurrent.duckdb"))
	require.NoError(t, err)
	defer st.Close()

	engine := NewEngine(st, zap.NewNop(), t.TempDir())
	engine.mu.Lock()
	engine.running = true
	engine.mu.Unlock()

	err = engine.StartAsync(context.Background())
	require.Error(t, err)
}
