package sync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
	"github.com/typhfeng/poly-pnl/transport"
)

// newTestExecutor builds an executor whose pool points at an unreachable
// host, for exercising advanceCursor directly.
func newTestExecutor(t *testing.T, e registry.Entity) *Executor {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "executor.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ledger := stats.New(st, time.Hour)
	pool := transport.New("http://127.0.0.1:0", "key", 1)
	t.Cleanup(pool.Close)
	return NewExecutor("testsrc", "testsub", e, pool, st, ledger)
}

func tsRow(id, timestamp string) map[string]any {
	return map[string]any{"id": id, "timestamp": timestamp}
}

func TestAdvanceCursorIDModeUsesLastRowID(t *testing.T) {
	e, ok := registry.Lookup("pnlCondition")
	require.True(t, ok)
	ex := newTestExecutor(t, e)

	rows := []map[string]any{
		{"id": "a"},
		{"id": "b"},
	}
	value, skip := ex.advanceCursor(rows, false)
	require.Equal(t, "b", value)
	require.Equal(t, int64(0), skip)
}

func TestAdvanceCursorTimestampModeSameBucketIncrementsSkipByPageLength(t *testing.T) {
	e, ok := registry.Lookup("split")
	require.True(t, ok)
	ex := newTestExecutor(t, e)
	ex.cursor = store.Cursor{Value: "100", Skip: 2}

	rows := []map[string]any{
		tsRow("c", "100"),
		tsRow("d", "100"),
	}
	value, skip := ex.advanceCursor(rows, false)
	require.Equal(t, "100", value)
	require.Equal(t, int64(4), skip)
}

func TestAdvanceCursorTimestampModeDifferingValueCountsTrailingRun(t *testing.T) {
	e, ok := registry.Lookup("split")
	require.True(t, ok)
	ex := newTestExecutor(t, e)
	ex.cursor = store.Cursor{Value: "100", Skip: 2}

	rows := []map[string]any{
		tsRow("c", "100"),
		tsRow("d", "200"),
	}
	value, skip := ex.advanceCursor(rows, false)
	require.Equal(t, "200", value)
	require.Equal(t, int64(1), skip)
}

func TestAdvanceCursorTerminalPageResetsSkip(t *testing.T) {
	e, ok := registry.Lookup("split")
	require.True(t, ok)
	ex := newTestExecutor(t, e)
	ex.cursor = store.Cursor{Value: "200", Skip: 1}

	rows := []map[string]any{tsRow("e", "200")}
	value, skip := ex.advanceCursor(rows, true)
	require.Equal(t, "200", value)
	require.Equal(t, int64(0), skip)
}

// TestAdvanceCursorSeedScenarioCursorTieChain reproduces SPEC_FULL.md §8.3
// seed scenario #1 exactly: three rows at timestamp=100, two at
// timestamp=200, PAGE=2. Page 1 -> (100,2); page 2 -> (200,1); page 3 (short,
// terminal) -> (200,0).
func TestAdvanceCursorSeedScenarioCursorTieChain(t *testing.T) {
	e, ok := registry.Lookup("split")
	require.True(t, ok)
	ex := newTestExecutor(t, e)

	page1 := []map[string]any{tsRow("a", "100"), tsRow("b", "100")}
	value, skip := ex.advanceCursor(page1, false)
	require.Equal(t, "100", value)
	require.Equal(t, int64(2), skip)
	ex.cursor = store.Cursor{Value: value, Skip: skip}

	page2 := []map[string]any{tsRow("c", "100"), tsRow("d", "200")}
	value, skip = ex.advanceCursor(page2, false)
	require.Equal(t, "200", value)
	require.Equal(t, int64(1), skip)
	ex.cursor = store.Cursor{Value: value, Skip: skip}

	page3 := []map[string]any{tsRow("e", "200")}
	value, skip = ex.advanceCursor(page3, true)
	require.Equal(t, "200", value)
	require.Equal(t, int64(0), skip)
}
