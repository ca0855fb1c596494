package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler is the per-source fairness layer of spec.md §4.5: it holds one
// executor per entity configured for its source and a local concurrency
// budget, launching the next un-started executor whenever both a global
// and a local slot are free.
type Scheduler struct {
	Source string

	executors []*Executor
	localSem  *semaphore.Weighted
	globalSem *semaphore.Weighted

	mu      sync.Mutex
	started int
	done    chan struct{}
}

// NewScheduler builds a scheduler for one source, bounded by its own local
// concurrency cap and sharing globalSem with every other source's scheduler.
func NewScheduler(source string, executors []*Executor, localCap int, globalSem *semaphore.Weighted) *Scheduler {
	return &Scheduler{
		Source:    source,
		executors: executors,
		localSem:  semaphore.NewWeighted(int64(localCap)),
		globalSem: globalSem,
		done:      make(chan struct{}),
	}
}

// Run starts every executor as slots become available and blocks until all
// have completed.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.executors) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ex := range s.executors {
		ex := ex
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOne(ctx, ex)
		}()
	}
	wg.Wait()
	close(s.done)
}

func (s *Scheduler) runOne(ctx context.Context, ex *Executor) {
	if err := s.globalSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.globalSem.Release(1)

	if err := s.localSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.localSem.Release(1)

	finished := make(chan struct{})
	ex.Start(ctx, func() { close(finished) })
	<-finished
}

// Done is closed once every executor owned by this scheduler has completed.
func (s *Scheduler) Done() <-chan struct{} { return s.done }
