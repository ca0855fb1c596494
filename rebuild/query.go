package rebuild

import (
	"sort"
)

// DustThreshold is the default per-condition position magnitude below
// which a condition is excluded from "active" counts, per spec §4.12.
const DustThreshold = 50 * Scale

// TimelineStep is one emitted step of UserTimeline.
type TimelineStep struct {
	Timestamp           int64
	Type                EventType
	GlobalRealizedPnl   int64
	ActiveConditionCount int
}

// TradeWindow is one element of TradesAt's result: a window of one
// condition's snapshots centred on that condition's snapshot nearest ts.
// Snapshots of different conditions are never combined into one window.
type TradeWindow struct {
	CondIndex uint32
	Snapshots []Snapshot
}

// PositionAt is one condition's position as of a point in time, the unit
// of PositionsAt's result.
type PositionAt struct {
	CondIndex   uint32
	Timestamp   int64
	Positions   [MaxOutcomes]int64
	RealizedPnl int64
}

// UserByEventCount is one row of UserList's result.
type UserByEventCount struct {
	UserID     string
	EventCount int
}

type mergedStep struct {
	ts        int64
	condIndex uint32
	evType    EventType
	positions [MaxOutcomes]int64
	rpnl      int64
	seq       int
}

// UserTimeline merges a user's per-condition snapshot chains by timestamp
// and recomputes the cumulative realized-PnL delta and dust-filtered
// active-condition count at each step, per spec §4.12.
func UserTimeline(user *UserState) []TimelineStep {
	var merged []mergedStep
	seq := 0
	for _, h := range user.Histories {
		for _, s := range h.Snapshots {
			merged = append(merged, mergedStep{
				ts: s.Timestamp, condIndex: h.CondIndex, evType: s.EventType,
				positions: s.Positions, rpnl: s.RealizedPnl, seq: seq,
			})
			seq++
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].ts != merged[j].ts {
			return merged[i].ts < merged[j].ts
		}
		return merged[i].seq < merged[j].seq
	})

	lastCondRpnl := make(map[uint32]int64)
	condPositions := make(map[uint32][MaxOutcomes]int64)

	var globalRpnl int64
	out := make([]TimelineStep, 0, len(merged))
	for _, m := range merged {
		globalRpnl += m.rpnl - lastCondRpnl[m.condIndex]
		lastCondRpnl[m.condIndex] = m.rpnl
		condPositions[m.condIndex] = m.positions

		active := 0
		for _, pos := range condPositions {
			if sumAbs(pos) > DustThreshold {
				active++
			}
		}

		out = append(out, TimelineStep{
			Timestamp:            m.ts,
			Type:                 m.evType,
			GlobalRealizedPnl:    globalRpnl,
			ActiveConditionCount: active,
		})
	}
	return out
}

// TradesAt returns one TradeWindow per condition the user touched: for each
// condition it binary-searches that condition's chain for the snapshot
// closest to ts and returns up to radius snapshots on either side of it.
// It does not locate a single nearest snapshot across all conditions.
func TradesAt(user *UserState, ts int64, radius int) []TradeWindow {
	if radius <= 0 {
		radius = 5
	}
	var out []TradeWindow
	for _, h := range user.Histories {
		if len(h.Snapshots) == 0 {
			continue
		}
		idx := nearestIndex(h.Snapshots, ts)
		lo := idx - radius
		if lo < 0 {
			lo = 0
		}
		hi := idx + radius + 1
		if hi > len(h.Snapshots) {
			hi = len(h.Snapshots)
		}
		out = append(out, TradeWindow{CondIndex: h.CondIndex, Snapshots: h.Snapshots[lo:hi]})
	}
	return out
}

// PositionsAt returns, for each condition, the position as of the last
// snapshot with timestamp <= ts, dust-filtered and sorted by
// |realized_pnl| descending, per spec §4.12.
func PositionsAt(user *UserState, ts int64) []PositionAt {
	var out []PositionAt
	for _, h := range user.Histories {
		i := lastAtOrBefore(h.Snapshots, ts)
		if i < 0 {
			continue
		}
		snap := h.Snapshots[i]
		if sumAbs(snap.Positions) <= DustThreshold {
			continue
		}
		out = append(out, PositionAt{
			CondIndex:   h.CondIndex,
			Timestamp:   snap.Timestamp,
			Positions:   snap.Positions,
			RealizedPnl: snap.RealizedPnl,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return absInt64(out[i].RealizedPnl) > absInt64(out[j].RealizedPnl)
	})
	return out
}

// UserList returns every user sorted by total event count descending,
// truncated to limit (0 or negative means unlimited).
func UserList(users []UserState, limit int) []UserByEventCount {
	out := make([]UserByEventCount, 0, len(users))
	for _, u := range users {
		n := 0
		for _, h := range u.Histories {
			n += len(h.Snapshots)
		}
		out = append(out, UserByEventCount{UserID: u.UserID, EventCount: n})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventCount > out[j].EventCount
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// nearestIndex binary-searches snapshots (sorted by Timestamp) for the
// index closest to ts.
func nearestIndex(snaps []Snapshot, ts int64) int {
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Timestamp >= ts })
	if i == 0 {
		return 0
	}
	if i == len(snaps) {
		return len(snaps) - 1
	}
	if snaps[i].Timestamp-ts < ts-snaps[i-1].Timestamp {
		return i
	}
	return i - 1
}

// lastAtOrBefore binary-searches for the last snapshot with
// Timestamp <= ts, returning -1 if none qualifies.
func lastAtOrBefore(snaps []Snapshot, ts int64) int {
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Timestamp > ts })
	return i - 1
}

func sumAbs(positions [MaxOutcomes]int64) int64 {
	var sum int64
	for _, p := range positions {
		sum += absInt64(p)
	}
	return sum
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
