package rebuild

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/typhfeng/poly-pnl/store"
)

// Metadata is the frozen output of Phase 1: dense condition indices and the
// token-id-to-(condition,outcome) map every later phase reads without
// locking, per spec §5 ("frozen after Phase 1 and read-only thereafter").
type Metadata struct {
	Conditions []ConditionMeta
	CondIDs    []string // parallel to Conditions, condIndex -> id
	TokenMap   map[string]TokenRef
	condIndex  map[string]uint32 // condition id -> condIndex
}

// CondIndexOf looks up the dense index for a condition id, used by Phase 2
// to attribute split/merge/redemption events to their condition.
func (md *Metadata) CondIndexOf(condID string) (uint32, bool) {
	idx, ok := md.condIndex[condID]
	return idx, ok
}

// LoadMetadata runs Rebuild Phase 1: a single chunked scan over the
// condition table, assigning dense cond_index in scan order and binding
// every position id to its (cond_index, outcome_index).
func LoadMetadata(ctx context.Context, st *store.Store) (*Metadata, error) {
	md := &Metadata{TokenMap: make(map[string]TokenRef), condIndex: make(map[string]uint32)}

	query := `SELECT id, outcome_slot_count, payout_numerators, payout_denominator, position_ids FROM condition`
	var scanErr error
	err := st.ChunkScan(ctx, query, func(c store.Chunk) error {
		for i := 0; i < c.Len; i++ {
			row := c.Row(i)
			meta, tokens, err := decodeCondition(row, uint32(len(md.Conditions)))
			if err != nil {
				scanErr = err
				return err
			}
			md.Conditions = append(md.Conditions, meta)
			md.CondIDs = append(md.CondIDs, meta.ID)
			md.condIndex[meta.ID] = meta.CondIndex
			for tokenID, ref := range tokens {
				md.TokenMap[tokenID] = ref
			}
		}
		return nil
	})
	if err != nil {
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, fmt.Errorf("rebuild: phase 1 scan: %w", err)
	}
	return md, nil
}

func decodeCondition(row map[string]any, condIndex uint32) (ConditionMeta, map[string]TokenRef, error) {
	id, _ := row["id"].(string)

	slotCount, err := asInt(row["outcome_slot_count"])
	if err != nil {
		return ConditionMeta{}, nil, &ErrSchemaViolation{ConditionID: id, Reason: "outcome_slot_count: " + err.Error()}
	}
	if slotCount < 1 || slotCount > MaxOutcomes {
		return ConditionMeta{}, nil, &ErrSchemaViolation{
			ConditionID: id,
			Reason:      fmt.Sprintf("outcomeSlotCount %d out of range [1, %d]", slotCount, MaxOutcomes),
		}
	}

	numerators, err := decodeNumerators(row["payout_numerators"])
	if err != nil {
		return ConditionMeta{}, nil, &ErrSchemaViolation{ConditionID: id, Reason: "payout_numerators: " + err.Error()}
	}
	if len(numerators) > 0 && len(numerators) != slotCount {
		return ConditionMeta{}, nil, &ErrSchemaViolation{
			ConditionID: id,
			Reason:      fmt.Sprintf("payout_numerators length %d != outcomeSlotCount %d", len(numerators), slotCount),
		}
	}

	denom, err := asOptionalInt(row["payout_denominator"])
	if err != nil {
		return ConditionMeta{}, nil, &ErrSchemaViolation{ConditionID: id, Reason: "payout_denominator: " + err.Error()}
	}

	meta := ConditionMeta{
		ID:                id,
		CondIndex:         condIndex,
		OutcomeCount:      uint8(slotCount),
		PayoutNumerators:  numerators,
		PayoutDenominator: denom,
	}

	positionIDs, err := decodeStringArray(row["position_ids"])
	if err != nil {
		return ConditionMeta{}, nil, &ErrSchemaViolation{ConditionID: id, Reason: "position_ids: " + err.Error()}
	}

	tokens := make(map[string]TokenRef, len(positionIDs))
	for i, tokenID := range positionIDs {
		if i >= slotCount {
			break
		}
		tokens[tokenID] = TokenRef{CondIndex: condIndex, OutcomeIndex: uint8(i)}
	}

	return meta, tokens, nil
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case int32:
		return int(t), nil
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, err
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asOptionalInt(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// decodeNumerators reads a JSON column (stored as text by the store layer)
// holding an array of numeric strings or numbers, or "null".
func decodeNumerators(v any) ([]int64, error) {
	raw, ok := v.(string)
	if !ok || raw == "" || raw == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	out := make([]int64, len(items))
	for i, item := range items {
		var asStr string
		if err := json.Unmarshal(item, &asStr); err == nil {
			n, err := asInt(asStr)
			if err != nil {
				return nil, err
			}
			out[i] = int64(n)
			continue
		}
		var asNum float64
		if err := json.Unmarshal(item, &asNum); err != nil {
			return nil, fmt.Errorf("payout numerator %d: %w", i, err)
		}
		out[i] = int64(asNum)
	}
	return out, nil
}

func decodeStringArray(v any) ([]string, error) {
	raw, ok := v.(string)
	if !ok || raw == "" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
