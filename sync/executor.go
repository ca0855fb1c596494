package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
	"github.com/typhfeng/poly-pnl/transport"
)

// backoffCap and backoffBase implement spec.md §4.4.3: exponential backoff
// doubled per attempt, capped at a short maximum, retried indefinitely.
const (
	backoffBase = 50 * time.Millisecond
	backoffCap  = 200 * time.Millisecond
)

// Executor drives one entity's cursor for one source to completion: a
// linear state machine over {request page, classify, commit, advance
// cursor} until a short (possibly empty) page is reached.
type Executor struct {
	Source     string
	SubgraphID string
	Entity     registry.Entity

	pool   *transport.Pool
	st     *store.Store
	ledger *stats.Ledger

	cursor store.Cursor

	bo backoff.BackOff

	onDone func()
}

// NewExecutor builds an executor for one (source, entity) pair.
func NewExecutor(source, subgraphID string, e registry.Entity, pool *transport.Pool, st *store.Store, ledger *stats.Ledger) *Executor {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = backoffBase
	eb.Multiplier = 2
	eb.MaxInterval = backoffCap
	eb.MaxElapsedTime = 0 // retry indefinitely, per spec.md §4.4.3

	return &Executor{
		Source:     source,
		SubgraphID: subgraphID,
		Entity:     e,
		pool:       pool,
		st:         st,
		ledger:     ledger,
		bo:         eb,
	}
}

// Start runs the executor until a terminal page is committed or ctx is
// cancelled, invoking onDone exactly once.
func (ex *Executor) Start(ctx context.Context, onDone func()) {
	ex.onDone = onDone

	cur, err := ex.st.GetCursor(ctx, ex.Source, ex.Entity.Name)
	if err != nil {
		// Treat a store failure on load as transient; retry the whole
		// load rather than wedge the entity permanently.
		ex.scheduleRetry(ctx, func() { ex.Start(ctx, onDone) })
		return
	}
	ex.cursor = cur
	ex.requestPage(ctx)
}

func (ex *Executor) requestPage(ctx context.Context) {
	ex.ledger.SetState(ctx, ex.Source, ex.Entity.Name, stats.Calling)

	body := buildQuery(ex.Entity, ex.cursor.Value, ex.cursor.Skip)
	started := time.Now()

	ex.pool.Post(ctx, "/api/subgraphs/id/"+ex.SubgraphID, body, func(resp transport.Response, err error) {
		latency := time.Since(started)

		if err != nil {
			ex.fail(ctx, stats.FailNetwork, latency)
			return
		}

		rows, errMsgs, kind := parsePage(ex.Entity, resp.Body)
		switch kind {
		case parseJSON:
			ex.fail(ctx, stats.FailJSON, latency)
			return
		case parseGraphQL:
			ex.attributeIndexerFailures(errMsgs)
			ex.fail(ctx, stats.FailGraphQL, latency)
			return
		case parseFormat:
			ex.fail(ctx, stats.FailFormat, latency)
			return
		}

		ex.succeed(ctx, rows, latency)
	})
}

func (ex *Executor) attributeIndexerFailures(msgs []string) {
	for _, msg := range msgs {
		for _, indexerID := range parseBadIndexers(msg) {
			ex.ledger.RecordIndexerFailure(ex.Source, ex.Entity.Name, indexerID)
		}
	}
}

func (ex *Executor) fail(ctx context.Context, kind stats.FailKind, latency time.Duration) {
	ex.ledger.RecordFailure(ctx, ex.Source, ex.Entity.Name, kind, latency)
	ex.scheduleRetry(ctx, func() { ex.requestPage(ctx) })
}

func (ex *Executor) scheduleRetry(ctx context.Context, fn func()) {
	if ctx.Err() != nil {
		// Cancelled: stop retrying and report completion.
		if ex.onDone != nil {
			ex.onDone()
		}
		return
	}
	delay := ex.bo.NextBackOff()
	if delay == backoff.Stop {
		delay = backoffCap
	}
	ex.pool.ScheduleRetry(delay, fn)
}

// succeed handles a well-formed page: commits the rows and advances the
// cursor atomically, then either requests the next page or terminates.
func (ex *Executor) succeed(ctx context.Context, rows []map[string]any, latency time.Duration) {
	ex.bo.Reset() // a successful request resets backoff for this entity's future failures

	n := len(rows)
	terminal := n < PageSize

	values := make([][]any, 0, n)
	for _, row := range rows {
		vals, err := ex.Entity.MapRow(row)
		if err != nil {
			// A single malformed row is a Format failure for this page;
			// the whole page is discarded and retried untouched.
			ex.fail(ctx, stats.FailFormat, latency)
			return
		}
		values = append(values, vals)
	}

	nextValue, nextSkip := ex.advanceCursor(rows, terminal)

	if err := ex.st.AtomicInsertWithCursor(
		ctx, ex.Entity.Table, ex.Entity.ColumnNames(), values,
		ex.Source, ex.Entity.Name, nextValue, nextSkip, time.Now().Unix(),
	); err != nil {
		ex.fail(ctx, stats.FailFormat, latency)
		return
	}

	ex.ledger.RecordSuccess(ctx, ex.Source, ex.Entity.Name, n, latency)
	ex.cursor = store.Cursor{Value: nextValue, Skip: nextSkip}

	if n == 0 || terminal {
		ex.ledger.SetState(ctx, ex.Source, ex.Entity.Name, stats.Idle)
		if ex.onDone != nil {
			ex.onDone()
		}
		return
	}

	ex.requestPage(ctx)
}

// advanceCursor implements spec.md §4.4.2.
func (ex *Executor) advanceCursor(rows []map[string]any, terminal bool) (value string, skip int64) {
	if len(rows) == 0 {
		return ex.cursor.Value, ex.cursor.Skip
	}

	if ex.Entity.Mode == registry.ModeID {
		return rowID(rows[len(rows)-1]), 0
	}

	lastVal, ok := orderFieldValue(ex.Entity, rows[len(rows)-1])
	if !ok {
		// Open Question 2: rows with a null ordering field are excluded
		// from the _gte filter upstream, so they never reach here under
		// normal operation; fall back to holding the cursor steady.
		return ex.cursor.Value, ex.cursor.Skip
	}

	if terminal {
		return lastVal, 0
	}

	if lastVal == ex.cursor.Value {
		return ex.cursor.Value, ex.cursor.Skip + int64(len(rows))
	}

	// lastVal differs from the cursor that started this page: count the
	// trailing rows sharing lastVal so the next page resumes after them.
	trailing := int64(0)
	for i := len(rows) - 1; i >= 0; i-- {
		v, ok := orderFieldValue(ex.Entity, rows[i])
		if !ok || v != lastVal {
			break
		}
		trailing++
	}
	return lastVal, trailing
}
