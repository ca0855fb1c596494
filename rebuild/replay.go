package rebuild

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// WorkerCap bounds Phase 3's parallelism: min(hardware parallelism, 16),
// per spec §4.10/§9.
const WorkerCap = 16

// Replay runs Rebuild Phase 3: partitions users into contiguous ranges
// across a bounded worker pool, sorts each user's event vector, and
// replays it deterministically into a UserState.
func Replay(ctx context.Context, userIDs []string, eventsByUser [][]RawEvent, md *Metadata) ([]UserState, error) {
	n := len(userIDs)
	states := make([]UserState, n)

	workers := runtime.GOMAXPROCS(0)
	if workers > WorkerCap {
		workers = WorkerCap
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if n == 0 {
		return states, nil
	}

	chunk := (n + workers - 1) / workers

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				states[i] = replayUser(uint32(i), userIDs[i], eventsByUser[i], md)
				eventsByUser[i] = nil // free the raw event vector once replayed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// replayUser sorts one user's events and applies them in order, per
// spec §4.10 steps 1-4.
func replayUser(userIndex uint32, userID string, events []RawEvent, md *Metadata) UserState {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		// Open Question 1: a deterministic secondary key (collection
		// order) makes snapshot sequences repeatable across rebuilds.
		return events[i].seq < events[j].seq
	})

	byCond := make(map[uint32]*ReplayState)
	order := make([]uint32, 0)
	histories := make(map[uint32]*UserConditionHistory)

	for _, ev := range events {
		st, ok := byCond[ev.CondIndex]
		if !ok {
			st = &ReplayState{}
			byCond[ev.CondIndex] = st
			order = append(order, ev.CondIndex)
			histories[ev.CondIndex] = &UserConditionHistory{CondIndex: ev.CondIndex}
		}

		outcomeCount := md.Conditions[ev.CondIndex].OutcomeCount
		applyEvent(st, ev, md.Conditions[ev.CondIndex])

		snap := Snapshot{
			Timestamp:    ev.Timestamp,
			Delta:        ev.Amount,
			Price:        ev.Price,
			Positions:    st.Positions,
			CostBasis:    sumCost(st) / Scale,
			RealizedPnl:  st.RealizedPnl,
			EventType:    ev.Type,
			TokenIndex:   ev.TokenIndex,
			OutcomeCount: outcomeCount,
		}
		h := histories[ev.CondIndex]
		h.Snapshots = append(h.Snapshots, snap)
	}

	out := UserState{UserID: userID, UserIndex: userIndex}
	for _, condIndex := range order {
		out.Histories = append(out.Histories, *histories[condIndex])
	}
	return out
}

func sumCost(st *ReplayState) int64 {
	var sum int64
	for _, c := range st.Cost {
		sum += c
	}
	return sum
}

// applyEvent implements the replay rules of spec §4.10.1. Integer division
// truncates toward zero (Go's native int64 division semantics), and the
// order of operations below is normative.
func applyEvent(st *ReplayState, ev RawEvent, cond ConditionMeta) {
	switch ev.Type {
	case Buy:
		i := ev.TokenIndex
		st.Cost[i] += ev.Amount * ev.Price
		st.Positions[i] += ev.Amount

	case Sell:
		i := ev.TokenIndex
		if st.Positions[i] <= 0 {
			return
		}
		removed := st.Cost[i] * ev.Amount / st.Positions[i]
		st.RealizedPnl += (ev.Amount*ev.Price - removed) / Scale
		st.Cost[i] -= removed
		st.Positions[i] -= ev.Amount

	case Split:
		impliedPrice := int64(Scale) / int64(cond.OutcomeCount)
		for i := uint8(0); i < cond.OutcomeCount; i++ {
			st.Cost[i] += ev.Amount * impliedPrice
			st.Positions[i] += ev.Amount
		}

	case Merge:
		impliedPrice := int64(Scale) / int64(cond.OutcomeCount)
		for i := uint8(0); i < cond.OutcomeCount; i++ {
			if st.Positions[i] <= 0 {
				continue
			}
			removed := st.Cost[i] * ev.Amount / st.Positions[i]
			st.RealizedPnl += (ev.Amount*impliedPrice - removed) / Scale
			st.Cost[i] -= removed
			st.Positions[i] -= ev.Amount
		}

	case Redemption:
		if cond.PayoutDenominator == 0 {
			return
		}
		for i := uint8(0); i < cond.OutcomeCount; i++ {
			if st.Positions[i] <= 0 {
				continue
			}
			var numerator int64
			if int(i) < len(cond.PayoutNumerators) {
				numerator = cond.PayoutNumerators[i]
			}
			payoutPrice := numerator * Scale / cond.PayoutDenominator
			st.RealizedPnl += (st.Positions[i]*payoutPrice - st.Cost[i]) / Scale
			st.Cost[i] = 0
			st.Positions[i] = 0
		}
	}
}
