package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
	"github.com/typhfeng/poly-pnl/transport"
)

// emptyPageServer always answers with a zero-row page, so an executor
// terminates after its first request.
func emptyPageServer(t *testing.T, plural string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"` + plural + `":[]}}`))
	}))
}

func newTestStoreAndLedger(t *testing.T) (*store.Store, *stats.Ledger) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scheduler.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, stats.New(st, time.Hour)
}

func TestSchedulerRunsAllExecutorsToCompletion(t *testing.T) {
	srv := emptyPageServer(t, "splits")
	defer srv.Close()

	st, ledger := newTestStoreAndLedger(t)
	e, ok := registry.Lookup("split")
	require.True(t, ok)
	require.NoError(t, st.InitEntity(context.Background(), e))

	pool := transport.New(srv.URL, "key", 4)
	defer pool.Close()

	executors := []*Executor{
		NewExecutor("testsrc", "testsub", e, pool, st, ledger),
		NewExecutor("testsrc", "testsub", e, pool, st, ledger),
	}

	sched := NewScheduler("testsrc", executors, 2, semaphore.NewWeighted(8))
	sched.Run(context.Background())

	select {
	case <-sched.Done():
	default:
		t.Fatal("scheduler Done channel not closed after Run returned")
	}
}

func TestSchedulerRespectsLocalConcurrencyCap(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{"data":{"splits":[]}}`))
	}))
	defer srv.Close()

	st, ledger := newTestStoreAndLedger(t)
	e, _ := registry.Lookup("split")
	require.NoError(t, st.InitEntity(context.Background(), e))

	pool := transport.New(srv.URL, "key", 10)
	defer pool.Close()

	var executors []*Executor
	for i := 0; i < 6; i++ {
		executors = append(executors, NewExecutor("testsrc", "testsub", e, pool, st, ledger))
	}

	sched := NewScheduler("testsrc", executors, 2, semaphore.NewWeighted(100))
	sched.Run(context.Background())

	require.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestSchedulerWithNoExecutorsReturnsImmediately(t *testing.T) {
	sched := NewScheduler("empty", nil, 2, semaphore.NewWeighted(8))
	sched.Run(context.Background())
}
