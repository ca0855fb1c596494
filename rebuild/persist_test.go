package rebuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRawBytes(path string, b []byte) error {
	return os.WriteFile(path, b, 0o644)
}

func corruptVersionByte(t *testing.T, path string) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	// Bytes [4:8] hold the little-endian format version; flip it to an
	// impossible value.
	b[4] = 0xFF
	b[5] = 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func sampleState() *State {
	return &State{
		Metadata: &Metadata{
			Conditions: []ConditionMeta{
				{ID: "c0", CondIndex: 0, OutcomeCount: 2, PayoutNumerators: []int64{1, 0}, PayoutDenominator: 1},
			},
			CondIDs:   []string{"c0"},
			TokenMap:  map[string]TokenRef{"t0": {CondIndex: 0, OutcomeIndex: 0}, "t1": {CondIndex: 0, OutcomeIndex: 1}},
			condIndex: map[string]uint32{"c0": 0},
		},
		Users: []UserState{
			{
				UserID:    "user1",
				UserIndex: 0,
				Histories: []UserConditionHistory{
					{
						CondIndex: 0,
						Snapshots: []Snapshot{
							{Timestamp: 1, Delta: 10, Price: 500_000, Positions: [MaxOutcomes]int64{10, 0}, CostBasis: 5, RealizedPnl: 0, EventType: Buy, TokenIndex: 0, OutcomeCount: 2},
							{Timestamp: 2, Delta: 5, Positions: [MaxOutcomes]int64{0, 0}, CostBasis: 0, RealizedPnl: 6, EventType: Redemption, TokenIndex: AllOutcomesToken, OutcomeCount: 2},
						},
					},
				},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.bin")
	original := sampleState()
	require.NoError(t, Save(original, path))

	loaded, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, original.Metadata.Conditions, loaded.Metadata.Conditions)
	require.Equal(t, original.Metadata.CondIDs, loaded.Metadata.CondIDs)
	require.Equal(t, original.Metadata.TokenMap, loaded.Metadata.TokenMap)
	require.Len(t, loaded.Users, 1)
	require.Equal(t, original.Users[0].UserID, loaded.Users[0].UserID)
	require.Equal(t, original.Users[0].Histories[0].Snapshots, loaded.Users[0].Histories[0].Snapshots)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, writeRawBytes(path, []byte{0, 0, 0, 0, 1, 0, 0, 0}))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad_version.bin")
	original := sampleState()
	require.NoError(t, Save(original, path))

	corruptVersionByte(t, path)

	_, err := Load(path)
	require.Error(t, err)
}
