package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
	"github.com/typhfeng/poly-pnl/transport"
)

// SourceConfig is one configured subgraph source, per spec.md §6.5.
type SourceConfig struct {
	Name       string
	Host       string
	SubgraphID string
	APIKey     string
	Entities   map[string]string // entity name -> storage table name override
	LocalCap   int
}

// Coordinator owns the global concurrency budget and the round timer
// described in spec.md §4.6. A round creates a fresh scheduler per source,
// starts them all, and waits for every one to complete; rounds never
// overlap, and a timer arms the next round only once the current one ends.
type Coordinator struct {
	st      *store.Store
	ledger  *stats.Ledger
	log     *zap.Logger
	sources []SourceConfig

	globalCap int
	interval  time.Duration

	mu      sync.Mutex
	pools   map[string]*transport.Pool
	stopped bool
}

// NewCoordinator builds a coordinator over the given sources, sharing one
// HTTPS pool per source host.
func NewCoordinator(st *store.Store, ledger *stats.Ledger, log *zap.Logger, sources []SourceConfig, globalCap int, interval time.Duration) *Coordinator {
	pools := make(map[string]*transport.Pool, len(sources))
	for _, src := range sources {
		cap := src.LocalCap
		if cap <= 0 {
			cap = 4
		}
		pools[src.Name] = transport.New(src.Host, src.APIKey, cap)
	}
	return &Coordinator{
		st: st, ledger: ledger, log: log, sources: sources,
		globalCap: globalCap, interval: interval, pools: pools,
	}
}

// Run initialises every configured entity's storage table and starts the
// round loop, blocking until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.initEntities(ctx); err != nil {
		c.log.Error("failed to initialise entity tables", zap.Error(err))
		return
	}

	for {
		c.runRound(ctx)

		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *Coordinator) runRound(ctx context.Context) {
	globalSem := semaphore.NewWeighted(int64(c.globalCap))

	var wg sync.WaitGroup
	for _, src := range c.sources {
		src := src
		executors := c.buildExecutors(src)
		localCap := src.LocalCap
		if localCap <= 0 {
			localCap = 4
		}
		sched := NewScheduler(src.Name, executors, localCap, globalSem)

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.log.Info("sync round starting source", zap.String("source", src.Name), zap.Int("entities", len(executors)))
			sched.Run(ctx)
			c.log.Info("sync round finished source", zap.String("source", src.Name))
		}()
	}
	wg.Wait()
}

func (c *Coordinator) buildExecutors(src SourceConfig) []*Executor {
	pool := c.pools[src.Name]
	var out []*Executor
	for entityName, tableOverride := range src.Entities {
		e, ok := registry.Lookup(entityName)
		if !ok {
			c.log.Warn("unknown entity in source config", zap.String("source", src.Name), zap.String("entity", entityName))
			continue
		}
		if tableOverride != "" {
			e.Table = tableOverride
		}
		out = append(out, NewExecutor(src.Name, src.SubgraphID, e, pool, c.st, c.ledger))
	}
	return out
}

func (c *Coordinator) initEntities(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, src := range c.sources {
		for entityName, tableOverride := range src.Entities {
			e, ok := registry.Lookup(entityName)
			if !ok {
				continue
			}
			if tableOverride != "" {
				e.Table = tableOverride
			}
			if seen[e.Table] {
				continue
			}
			seen[e.Table] = true
			if err := c.st.InitEntity(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, p := range c.pools {
		p.Close()
	}
}
