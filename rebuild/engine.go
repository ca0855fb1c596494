package rebuild

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/store"
)

// Phase names a rebuild's current stage, surfaced by /rebuild-status.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMetadata
	PhaseCollect
	PhaseReplay
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMetadata:
		return "metadata"
	case PhaseCollect:
		return "collect"
	case PhaseReplay:
		return "replay"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a rebuild's progress, safe to read
// concurrently with a running rebuild.
type Status struct {
	Phase          string `json:"phase"`
	ConditionCount int    `json:"condition_count"`
	UserCount      int    `json:"user_count"`
	EOFRows        int64  `json:"eof_rows"`
	EOFEvents      int64  `json:"eof_events"`
	ForeignSkipped int64  `json:"foreign_skipped"`
	StartedAt      int64  `json:"started_at_unix"`
	FinishedAt     int64  `json:"finished_at_unix,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Engine coordinates a background rebuild and holds the most recently
// completed (or loaded) State, frozen for concurrent reads by the replay
// query surface once a rebuild finishes. Mirrors the
// scan/build-then-publish pattern used by the sync coordinator: a rebuild
// either completes and is published atomically, or the previous State is
// left untouched (spec §7.3).
type Engine struct {
	st     *store.Store
	log    *zap.Logger
	outDir string

	mu      sync.Mutex
	running bool
	phase   atomic.Int32

	progress Progress
	started  atomic.Int64
	finished atomic.Int64
	lastErr  atomic.Value // string

	stateMu sync.RWMutex
	state   *State
}

// NewEngine builds a rebuild engine writing its persistence file under
// outDir (see Save's path argument, spec §6.3's data/pnl/rebuild.bin).
func NewEngine(st *store.Store, log *zap.Logger, outDir string) *Engine {
	e := &Engine{st: st, log: log, outDir: outDir}
	e.lastErr.Store("")
	return e
}

// RebuildPath is the fixed persistence file path under outDir.
func (e *Engine) RebuildPath() string {
	return e.outDir + "/rebuild.bin"
}

// StartAsync launches a rebuild in the background if one is not already
// running, returning immediately. Mirrors /rebuild-all of spec §6.4.
func (e *Engine) StartAsync(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("rebuild: already running")
	}
	e.running = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
		}()
		e.run(ctx)
	}()
	return nil
}

func (e *Engine) run(ctx context.Context) {
	e.progress = Progress{}
	e.started.Store(time.Now().Unix())
	e.finished.Store(0)
	e.lastErr.Store("")
	e.phase.Store(int32(PhaseMetadata))

	md, err := LoadMetadata(ctx, e.st)
	if err != nil {
		e.fail(err)
		return
	}

	e.phase.Store(int32(PhaseCollect))
	userIDs, events, err := CollectEvents(ctx, e.st, md, &e.progress)
	if err != nil {
		e.fail(err)
		return
	}

	e.phase.Store(int32(PhaseReplay))
	users, err := Replay(ctx, userIDs, events, md)
	if err != nil {
		e.fail(err)
		return
	}

	newState := &State{Metadata: md, Users: users}
	if err := Save(newState, e.RebuildPath()); err != nil {
		e.fail(err)
		return
	}

	e.stateMu.Lock()
	e.state = newState
	e.stateMu.Unlock()

	e.phase.Store(int32(PhaseDone))
	e.finished.Store(time.Now().Unix())
	e.log.Info("rebuild finished", zap.Int("conditions", len(md.Conditions)), zap.Int("users", len(users)))
}

func (e *Engine) fail(err error) {
	e.phase.Store(int32(PhaseFailed))
	e.finished.Store(time.Now().Unix())
	e.lastErr.Store(err.Error())
	e.log.Error("rebuild failed", zap.Error(err))
}

// LoadFromDisk loads the persisted rebuild file into the engine's current
// state, per /rebuild-load of spec §6.4.
func (e *Engine) LoadFromDisk() error {
	st, err := Load(e.RebuildPath())
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.state = st
	e.stateMu.Unlock()
	return nil
}

// State returns the current frozen state, or nil if no rebuild has
// completed or been loaded yet.
func (e *Engine) State() *State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// FindUser looks up one user's replayed state by id.
func (e *Engine) FindUser(userID string) (*UserState, bool) {
	st := e.State()
	if st == nil {
		return nil, false
	}
	for i := range st.Users {
		if st.Users[i].UserID == userID {
			return &st.Users[i], true
		}
	}
	return nil, false
}

// Status reports the engine's current progress.
func (e *Engine) Status() Status {
	phase := Phase(e.phase.Load())
	s := e.State()
	userCount := 0
	condCount := 0
	if s != nil {
		userCount = len(s.Users)
		condCount = len(s.Metadata.Conditions)
	}
	return Status{
		Phase:          phase.String(),
		ConditionCount: condCount,
		UserCount:      userCount,
		EOFRows:        e.progress.EOFRows.Load(),
		EOFEvents:      e.progress.EOFEvents.Load(),
		ForeignSkipped: e.progress.ForeignSkipped.Load(),
		StartedAt:      e.started.Load(),
		FinishedAt:     e.finished.Load(),
		Error:          e.lastErr.Load().(string),
	}
}
