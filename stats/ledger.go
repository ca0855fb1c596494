// Package stats implements the per-(source, entity) counters and the
// per-indexer failure attribution table described in spec.md §4.7. The
// counters are persisted with throttling so a busy sync round doesn't
// hammer the store with one write per request; the per-indexer failure
// counts are kept in memory only and are not written to indexer_fail_meta.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/typhfeng/poly-pnl/store"
)

// APIState is the coarse state of one entity's executor.
type APIState int

const (
	Idle APIState = iota
	Calling
	Processing
)

func (s APIState) String() string {
	switch s {
	case Calling:
		return "calling"
	case Processing:
		return "processing"
	default:
		return "idle"
	}
}

// FailKind enumerates the four sync error kinds of spec.md §7.1.
type FailKind int

const (
	FailNetwork FailKind = iota
	FailJSON
	FailGraphQL
	FailFormat
)

const recentLatencyWindow = 20

// key identifies one (source, entity) counter set.
type key struct{ source, entity string }

// counters is the cumulative, persisted state for one (source, entity).
type counters struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failures           [4]int64
	totalRows          int64
	totalLatencyMS      int64
	recentLatenciesMS  []int64 // ring of the most recent 20, not persisted
	state              APIState
	lastPersist        time.Time
}

func (c *counters) successRate() float64 {
	if c.totalRequests == 0 {
		return 0
	}
	return float64(c.successfulRequests) / float64(c.totalRequests)
}

// Ledger is the process-wide stats ledger: one counters struct per
// (source, entity), one indexer-fail counter per (source, entity, indexer),
// and a 200ms-coalesced read-side JSON cache for dashboard polling.
type Ledger struct {
	st *store.Store

	mu       sync.Mutex
	entities map[key]*counters
	indexers map[key]map[string]int64

	persistInterval time.Duration

	cacheMu     sync.Mutex
	cache       *lru.Cache[key, []byte]
	cacheExpiry time.Time

	metrics metricSet
}

type metricSet struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	rows     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a ledger persisting to st at most once per persistInterval
// per (source, entity), with a force-flush on terminal transitions.
func New(st *store.Store, persistInterval time.Duration) *Ledger {
	if persistInterval <= 0 {
		persistInterval = 5 * time.Second
	}
	cache, _ := lru.New[key, []byte](256)
	return &Ledger{
		st:              st,
		entities:        make(map[key]*counters),
		indexers:        make(map[key]map[string]int64),
		persistInterval: persistInterval,
		cache:           cache,
		metrics: metricSet{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "polypnl_sync_requests_total",
				Help: "Total sync requests by source, entity, and outcome.",
			}, []string{"source", "entity", "outcome"}),
			failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "polypnl_sync_failures_total",
				Help: "Sync failures by source, entity, and kind.",
			}, []string{"source", "entity", "kind"}),
			rows: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "polypnl_sync_rows_total",
				Help: "Rows committed by source and entity.",
			}, []string{"source", "entity"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "polypnl_sync_request_latency_ms",
				Help:    "Sync request latency in milliseconds.",
				Buckets: prometheus.ExponentialBuckets(10, 2, 12),
			}, []string{"source", "entity"}),
		},
	}
}

func (l *Ledger) get(source, entity string) *counters {
	k := key{source, entity}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.entities[k]
	if !ok {
		c = &counters{}
		l.entities[k] = c
	}
	return c
}

// RecordSuccess records one successful request: its row count and latency,
// and persists if the throttle interval has elapsed.
func (l *Ledger) RecordSuccess(ctx context.Context, source, entity string, rows int, latency time.Duration) {
	c := l.get(source, entity)
	c.mu.Lock()
	c.totalRequests++
	c.successfulRequests++
	c.totalRows += int64(rows)
	ms := latency.Milliseconds()
	c.totalLatencyMS += ms
	c.recentLatenciesMS = append(c.recentLatenciesMS, ms)
	if len(c.recentLatenciesMS) > recentLatencyWindow {
		c.recentLatenciesMS = c.recentLatenciesMS[len(c.recentLatenciesMS)-recentLatencyWindow:]
	}
	c.state = Processing
	shouldPersist := time.Since(c.lastPersist) >= l.persistInterval
	if shouldPersist {
		c.lastPersist = time.Now()
	}
	c.mu.Unlock()

	l.metrics.requests.WithLabelValues(source, entity, "success").Inc()
	l.metrics.rows.WithLabelValues(source, entity).Add(float64(rows))
	l.metrics.latency.WithLabelValues(source, entity).Observe(float64(ms))

	if shouldPersist {
		_ = l.persist(ctx, source, entity, c)
	}
}

// RecordFailure records one failed request of the given kind.
func (l *Ledger) RecordFailure(ctx context.Context, source, entity string, kind FailKind, latency time.Duration) {
	c := l.get(source, entity)
	c.mu.Lock()
	c.totalRequests++
	c.failures[kind]++
	c.totalLatencyMS += latency.Milliseconds()
	c.state = Calling
	shouldPersist := time.Since(c.lastPersist) >= l.persistInterval
	if shouldPersist {
		c.lastPersist = time.Now()
	}
	c.mu.Unlock()

	l.metrics.requests.WithLabelValues(source, entity, "failure").Inc()
	l.metrics.failures.WithLabelValues(source, entity, kindName(kind)).Inc()

	if shouldPersist {
		_ = l.persist(ctx, source, entity, c)
	}
}

// SetState records the coarse API state and always persists if transitioning
// to Idle (a terminal transition, per spec.md §4.7).
func (l *Ledger) SetState(ctx context.Context, source, entity string, state APIState) {
	c := l.get(source, entity)
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	if state == Idle {
		_ = l.persist(ctx, source, entity, c)
	}
}

func kindName(k FailKind) string {
	switch k {
	case FailNetwork:
		return "network"
	case FailJSON:
		return "json"
	case FailGraphQL:
		return "graphql"
	case FailFormat:
		return "format"
	default:
		return "unknown"
	}
}

// RecordIndexerFailure increments the BadResponse attribution counter for
// one (source, entity, indexer), per spec.md §4.4.4.
func (l *Ledger) RecordIndexerFailure(source, entity, indexerID string) {
	k := key{source, entity}
	l.mu.Lock()
	m, ok := l.indexers[k]
	if !ok {
		m = make(map[string]int64)
		l.indexers[k] = m
	}
	m[indexerID]++
	l.mu.Unlock()
}

// IndexerFailures returns counts for one (source, entity), sorted
// descending, for the /indexer-fails façade endpoint.
func (l *Ledger) IndexerFailures(source, entity string) []IndexerFailure {
	l.mu.Lock()
	m := l.indexers[key{source, entity}]
	out := make([]IndexerFailure, 0, len(m))
	for id, n := range m {
		out = append(out, IndexerFailure{IndexerID: id, FailRequests: n})
	}
	l.mu.Unlock()

	sortIndexerFailuresDesc(out)
	return out
}

// IndexerFailure is one row of the /indexer-fails response.
type IndexerFailure struct {
	IndexerID    string `json:"indexer_id"`
	FailRequests int64  `json:"fail_requests"`
}

func sortIndexerFailuresDesc(xs []IndexerFailure) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j].FailRequests > xs[j-1].FailRequests; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

func (l *Ledger) persist(ctx context.Context, source, entity string, c *counters) error {
	c.mu.Lock()
	total, success := c.totalRequests, c.successfulRequests
	failures := c.failures
	rows, latency := c.totalRows, c.totalLatencyMS
	c.mu.Unlock()

	_, err := l.st.DB().ExecContext(ctx, `
		INSERT INTO entity_stats_meta (
			source, entity, total_requests, successful_requests,
			network_failures, json_failures, graphql_failures, format_failures,
			total_rows, total_latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, entity) DO UPDATE SET
			total_requests = excluded.total_requests,
			successful_requests = excluded.successful_requests,
			network_failures = excluded.network_failures,
			json_failures = excluded.json_failures,
			graphql_failures = excluded.graphql_failures,
			format_failures = excluded.format_failures,
			total_rows = excluded.total_rows,
			total_latency_ms = excluded.total_latency_ms
	`, source, entity, total, success,
		failures[FailNetwork], failures[FailJSON], failures[FailGraphQL], failures[FailFormat],
		rows, latency)

	l.invalidateCache()
	return err
}

// Snapshot is the JSON-serialisable view of one entity's stats, returned by
// the /entity-stats façade endpoint.
type Snapshot struct {
	Source             string   `json:"source"`
	Entity             string   `json:"entity"`
	TotalRequests      int64    `json:"total_requests"`
	SuccessfulRequests int64    `json:"successful_requests"`
	NetworkFailures    int64    `json:"network_failures"`
	JSONFailures       int64    `json:"json_failures"`
	GraphQLFailures    int64    `json:"graphql_failures"`
	FormatFailures     int64    `json:"format_failures"`
	TotalRows          int64    `json:"total_rows"`
	SuccessRate        float64  `json:"success_rate"`
	State              string   `json:"api_state"`
	RecentLatenciesMS  []int64  `json:"recent_latencies_ms"`
}

// All returns a snapshot of every tracked entity, rebuilding its internal
// JSON cache at most once per 200ms to absorb dashboard polling.
func (l *Ledger) All() []Snapshot {
	l.mu.Lock()
	out := make([]Snapshot, 0, len(l.entities))
	for k, c := range l.entities {
		c.mu.Lock()
		out = append(out, Snapshot{
			Source: k.source, Entity: k.entity,
			TotalRequests: c.totalRequests, SuccessfulRequests: c.successfulRequests,
			NetworkFailures: c.failures[FailNetwork], JSONFailures: c.failures[FailJSON],
			GraphQLFailures: c.failures[FailGraphQL], FormatFailures: c.failures[FailFormat],
			TotalRows: c.totalRows, SuccessRate: c.successRate(),
			State: c.state.String(), RecentLatenciesMS: append([]int64(nil), c.recentLatenciesMS...),
		})
		c.mu.Unlock()
	}
	l.mu.Unlock()
	return out
}

// AllJSON returns the marshalled form of All(), cached for 200ms.
func (l *Ledger) AllJSON() ([]byte, error) {
	l.cacheMu.Lock()
	if time.Now().Before(l.cacheExpiry) {
		if b, ok := l.cache.Get(key{}); ok {
			l.cacheMu.Unlock()
			return b, nil
		}
	}
	l.cacheMu.Unlock()

	b, err := json.Marshal(l.All())
	if err != nil {
		return nil, err
	}

	l.cacheMu.Lock()
	l.cache.Add(key{}, b)
	l.cacheExpiry = time.Now().Add(200 * time.Millisecond)
	l.cacheMu.Unlock()
	return b, nil
}

func (l *Ledger) invalidateCache() {
	l.cacheMu.Lock()
	l.cacheExpiry = time.Time{}
	l.cacheMu.Unlock()
}
