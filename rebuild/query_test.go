package rebuild

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func twoConditionUser() *UserState {
	return &UserState{
		UserID: "u1",
		Histories: []UserConditionHistory{
			{
				CondIndex: 0,
				Snapshots: []Snapshot{
					{Timestamp: 10, Positions: [MaxOutcomes]int64{100 * Scale, 0}, RealizedPnl: 5, EventType: Buy},
					{Timestamp: 30, Positions: [MaxOutcomes]int64{0, 0}, RealizedPnl: 20, EventType: Sell},
				},
			},
			{
				CondIndex: 1,
				Snapshots: []Snapshot{
					{Timestamp: 20, Positions: [MaxOutcomes]int64{1, 0}, RealizedPnl: -3, EventType: Buy}, // below dust threshold
				},
			},
		},
	}
}

func TestUserTimelineAccumulatesGlobalRealizedPnl(t *testing.T) {
	user := twoConditionUser()
	steps := UserTimeline(user)
	require.Len(t, steps, 3)
	require.Equal(t, int64(10), steps[0].Timestamp)
	require.Equal(t, int64(5), steps[0].GlobalRealizedPnl)
	require.Equal(t, int64(20), steps[1].Timestamp) // cond 1's event at ts 20
	require.Equal(t, int64(2), steps[1].GlobalRealizedPnl) // 5 + (-3 - 0)
	require.Equal(t, int64(30), steps[2].Timestamp)
	require.Equal(t, int64(17), steps[2].GlobalRealizedPnl) // 2 + (20 - 5)
}

func TestPositionsAtIgnoresSnapshotsAfterTs(t *testing.T) {
	user := twoConditionUser()
	positions := PositionsAt(user, 15)
	// Only cond 0's snapshot at ts=10 qualifies by ts<=15; cond1 has none yet.
	require.Len(t, positions, 1)
	require.Equal(t, uint32(0), positions[0].CondIndex)
}

func TestPositionsAtExcludesDustPositions(t *testing.T) {
	user := twoConditionUser()
	positions := PositionsAt(user, 25)
	// cond0 is flat (0,0) by ts=30 window but at ts=25 last snap is still ts=10 (100*Scale) - included;
	// cond1's only snapshot (ts=20) has position 1, below dust threshold - excluded.
	require.Len(t, positions, 1)
	require.Equal(t, uint32(0), positions[0].CondIndex)
}

func TestTradesAtReturnsWindowAroundNearestSnapshot(t *testing.T) {
	user := twoConditionUser()
	windows := TradesAt(user, 11, 1)
	require.Len(t, windows, 2)
	for _, w := range windows {
		require.NotEmpty(t, w.Snapshots)
	}
}

func TestUserListSortsByEventCountDescendingAndTruncates(t *testing.T) {
	users := []UserState{
		{UserID: "few", Histories: []UserConditionHistory{{Snapshots: make([]Snapshot, 2)}}},
		{UserID: "many", Histories: []UserConditionHistory{{Snapshots: make([]Snapshot, 10)}}},
		{UserID: "none"},
	}
	top := UserList(users, 2)
	require.Len(t, top, 2)
	require.Equal(t, "many", top[0].UserID)
	require.Equal(t, "few", top[1].UserID)
}
