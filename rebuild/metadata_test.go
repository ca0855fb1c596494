package rebuild

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/typhfeng/poly-pnl/registry"
	"github.com/typhfeng/poly-pnl/store"
)

func openConditionStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "metadata.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, ok := registry.Lookup("condition")
	require.True(t, ok)
	require.NoError(t, st.InitEntity(context.Background(), e))
	return st
}

func insertCondition(t *testing.T, st *store.Store, id, positionIDsJSON, numeratorsJSON string, slotCount int, denom any) {
	t.Helper()
	err := st.AtomicInsertWithCursor(
		context.Background(), "condition",
		[]string{"id", "question_id", "oracle", "outcome_slot_count", "resolution_timestamp", "payout_numerators", "payout_denominator", "position_ids"},
		[][]any{{id, "q-" + id, "0xOracle", slotCount, nil, numeratorsJSON, denom, positionIDsJSON}},
		"test", "condition", "", 0, 0,
	)
	require.NoError(t, err)
}

func TestLoadMetadataAssignsDenseCondIndexAndTokenMap(t *testing.T) {
	st := openConditionStore(t)
	insertCondition(t, st, "c0", `["t0a","t0b"]`, "null", 2, nil)
	insertCondition(t, st, "c1", `["t1a","t1b","t1c"]`, "null", 3, nil)

	md, err := LoadMetadata(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, md.Conditions, 2)
	require.Equal(t, []string{"c0", "c1"}, md.CondIDs)

	ref, ok := md.TokenMap["t1b"]
	require.True(t, ok)
	require.Equal(t, uint32(1), ref.CondIndex)
	require.Equal(t, uint8(1), ref.OutcomeIndex)

	idx, ok := md.CondIndexOf("c0")
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
}

func TestLoadMetadataRejectsOutOfRangeOutcomeSlotCount(t *testing.T) {
	st := openConditionStore(t)
	insertCondition(t, st, "bad", `[]`, "null", 0, nil)

	_, err := LoadMetadata(context.Background(), st)
	require.Error(t, err)
	var schemaErr *ErrSchemaViolation
	require.ErrorAs(t, err, &schemaErr)
}

func TestLoadMetadataRejectsPayoutNumeratorLengthMismatch(t *testing.T) {
	st := openConditionStore(t)
	insertCondition(t, st, "bad", `["a","b"]`, `["1"]`, 2, int64(1))

	_, err := LoadMetadata(context.Background(), st)
	require.Error(t, err)
}

func TestLoadMetadataParsesNumericPayoutNumerators(t *testing.T) {
	st := openConditionStore(t)
	insertCondition(t, st, "c0", `["a","b"]`, `[1,0]`, 2, int64(1))

	md, err := LoadMetadata(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 0}, md.Conditions[0].PayoutNumerators)
	require.Equal(t, int64(1), md.Conditions[0].PayoutDenominator)
}
