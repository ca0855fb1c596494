package registry

import (
	"encoding/json"
	"fmt"
)

// str reads a required string field from a decoded wire row.
func str(row map[string]any, field string) (string, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", field, v)
	}
	return s, nil
}

// optStr reads an optional string field, returning nil if absent or null.
func optStr(row map[string]any, field string) (*string, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("field %q: expected string, got %T", field, v)
	}
	return &s, nil
}

// refID reads a reference sub-selection field shaped as {"id": "..."}.
func refID(row map[string]any, field string) (string, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", fmt.Errorf("missing reference field %q", field)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("field %q: expected object, got %T", field, v)
	}
	return str(obj, "id")
}

// jsonArray re-marshals an already-decoded JSON array field back to text,
// for storage in a JSON column. Returns "null" for an absent/null field.
func jsonArray(row map[string]any, field string) (string, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", field, err)
	}
	return string(b), nil
}

func conditionEntity() Entity {
	return Entity{
		Name:   "condition",
		Plural: "conditions",
		Table:  "condition",
		WireFields: []string{
			"id", "questionId", "oracle", "outcomeSlotCount",
			"resolutionTimestamp", "payoutNumerators", "payoutDenominator",
		},
		Columns: []Column{
			{Name: "id", Type: "VARCHAR"},
			{Name: "question_id", Type: "VARCHAR"},
			{Name: "oracle", Type: "VARCHAR"},
			{Name: "outcome_slot_count", Type: "INTEGER"},
			{Name: "resolution_timestamp", Type: "BIGINT"},
			{Name: "payout_numerators", Type: "JSON"},
			{Name: "payout_denominator", Type: "BIGINT"},
			{Name: "position_ids", Type: "JSON"},
		},
		Mode:       ModeResolutionTS,
		OrderField: "resolution_timestamp",
		MapRow: func(row map[string]any) ([]any, error) {
			id, err := str(row, "id")
			if err != nil {
				return nil, err
			}
			questionID, err := str(row, "questionId")
			if err != nil {
				return nil, err
			}
			oracle, err := str(row, "oracle")
			if err != nil {
				return nil, err
			}
			slots, err := str(row, "outcomeSlotCount")
			if err != nil {
				return nil, err
			}
			resTs, err := optStr(row, "resolutionTimestamp")
			if err != nil {
				return nil, err
			}
			numerators, err := jsonArray(row, "payoutNumerators")
			if err != nil {
				return nil, err
			}
			denom, err := optStr(row, "payoutDenominator")
			if err != nil {
				return nil, err
			}
			return []any{id, questionID, oracle, slots, resTs, numerators, denom, "null"}, nil
		},
	}
}

// pnlConditionEntity supplies only positionIds; its two-column Columns list
// means store.buildUpsertSQL's per-column ON CONFLICT (id) DO UPDATE SET
// touches only id and position_ids, leaving every other condition column
// on the shared "condition" table untouched for this entity's upserts.
func pnlConditionEntity() Entity {
	return Entity{
		Name:       "pnlCondition",
		Plural:     "pnlConditions",
		Table:      "condition",
		WireFields: []string{"id", "positionIds"},
		Columns: []Column{
			{Name: "id", Type: "VARCHAR"},
			{Name: "position_ids", Type: "JSON"},
		},
		Mode: ModeID,
		MapRow: func(row map[string]any) ([]any, error) {
			id, err := str(row, "id")
			if err != nil {
				return nil, err
			}
			posIDs, err := jsonArray(row, "positionIds")
			if err != nil {
				return nil, err
			}
			return []any{id, posIDs}, nil
		},
	}
}

func orderFilledEntity() Entity {
	return Entity{
		Name:   "enrichedOrderFilled",
		Plural: "enrichedOrderFilleds",
		Table:  "enriched_order_filled",
		WireFields: []string{
			"id", "timestamp", "maker", "taker", "market", "side", "size", "price",
		},
		Columns: []Column{
			{Name: "id", Type: "VARCHAR"},
			{Name: "timestamp", Type: "BIGINT"},
			{Name: "maker", Type: "VARCHAR"},
			{Name: "taker", Type: "VARCHAR"},
			{Name: "market", Type: "VARCHAR"},
			{Name: "side", Type: "VARCHAR"},
			{Name: "size", Type: "VARCHAR"},
			{Name: "price", Type: "DOUBLE"},
		},
		Mode:       ModeTimestamp,
		OrderField: "timestamp",
		MapRow: func(row map[string]any) ([]any, error) {
			id, err := str(row, "id")
			if err != nil {
				return nil, err
			}
			ts, err := str(row, "timestamp")
			if err != nil {
				return nil, err
			}
			maker, err := str(row, "maker")
			if err != nil {
				return nil, err
			}
			taker, err := str(row, "taker")
			if err != nil {
				return nil, err
			}
			market, err := str(row, "market")
			if err != nil {
				return nil, err
			}
			side, err := str(row, "side")
			if err != nil {
				return nil, err
			}
			size, err := str(row, "size")
			if err != nil {
				return nil, err
			}
			priceStr, err := str(row, "price")
			if err != nil {
				return nil, err
			}
			return []any{id, ts, maker, taker, market, side, size, priceStr}, nil
		},
	}
}

func splitEntity() Entity       { return stakeholderEventEntity("split", "splits", "split") }
func mergeEntity() Entity       { return stakeholderEventEntity("merge", "merges", "merge") }

func stakeholderEventEntity(name, plural, table string) Entity {
	return Entity{
		Name:       name,
		Plural:     plural,
		Table:      table,
		WireFields: []string{"id", "timestamp", "stakeholder", "condition { id }", "amount"},
		Columns: []Column{
			{Name: "id", Type: "VARCHAR"},
			{Name: "timestamp", Type: "BIGINT"},
			{Name: "stakeholder", Type: "VARCHAR"},
			{Name: "condition", Type: "VARCHAR"},
			{Name: "amount", Type: "VARCHAR"},
		},
		Mode:       ModeTimestamp,
		OrderField: "timestamp",
		MapRow: func(row map[string]any) ([]any, error) {
			id, err := str(row, "id")
			if err != nil {
				return nil, err
			}
			ts, err := str(row, "timestamp")
			if err != nil {
				return nil, err
			}
			stakeholder, err := str(row, "stakeholder")
			if err != nil {
				return nil, err
			}
			cond, err := refID(row, "condition")
			if err != nil {
				return nil, err
			}
			amount, err := str(row, "amount")
			if err != nil {
				return nil, err
			}
			return []any{id, ts, stakeholder, cond, amount}, nil
		},
	}
}

func redemptionEntity() Entity {
	return Entity{
		Name:   "redemption",
		Plural: "redemptions",
		Table:  "redemption",
		WireFields: []string{
			"id", "timestamp", "redeemer", "condition { id }", "indexSets", "payout",
		},
		Columns: []Column{
			{Name: "id", Type: "VARCHAR"},
			{Name: "timestamp", Type: "BIGINT"},
			{Name: "redeemer", Type: "VARCHAR"},
			{Name: "condition", Type: "VARCHAR"},
			{Name: "index_sets", Type: "JSON"},
			{Name: "payout", Type: "VARCHAR"},
		},
		Mode:       ModeTimestamp,
		OrderField: "timestamp",
		MapRow: func(row map[string]any) ([]any, error) {
			id, err := str(row, "id")
			if err != nil {
				return nil, err
			}
			ts, err := str(row, "timestamp")
			if err != nil {
				return nil, err
			}
			redeemer, err := str(row, "redeemer")
			if err != nil {
				return nil, err
			}
			cond, err := refID(row, "condition")
			if err != nil {
				return nil, err
			}
			indexSets, err := jsonArray(row, "indexSets")
			if err != nil {
				return nil, err
			}
			payout, err := str(row, "payout")
			if err != nil {
				return nil, err
			}
			return []any{id, ts, redeemer, cond, indexSets, payout}, nil
		},
	}
}
