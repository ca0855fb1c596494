package registry

import "testing"

func TestAllEntitiesHaveIDColumnFirst(t *testing.T) {
	for name, e := range All {
		if len(e.Columns) == 0 || e.Columns[0].Name != "id" {
			t.Fatalf("entity %q: first column must be id", name)
		}
	}
}

func TestDDLIncludesPrimaryKey(t *testing.T) {
	e, ok := Lookup("condition")
	if !ok {
		t.Fatal("condition entity not registered")
	}
	ddl := e.DDL()
	if !contains(ddl, "PRIMARY KEY") {
		t.Fatalf("expected PRIMARY KEY in DDL, got: %s", ddl)
	}
}

func TestOrderFilledMapRow(t *testing.T) {
	e, _ := Lookup("enrichedOrderFilled")
	row := map[string]any{
		"id": "evt-1", "timestamp": "100", "maker": "0xA", "taker": "0xB",
		"market": "tok-1", "side": "Buy", "size": "1000000", "price": "0.5",
	}
	vals, err := e.MapRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != len(e.Columns) {
		t.Fatalf("expected %d values, got %d", len(e.Columns), len(vals))
	}
	if vals[0] != "evt-1" {
		t.Fatalf("unexpected id: %v", vals[0])
	}
}

func TestSplitRefID(t *testing.T) {
	e, _ := Lookup("split")
	row := map[string]any{
		"id": "s-1", "timestamp": "50", "stakeholder": "0xC",
		"condition": map[string]any{"id": "cond-1"}, "amount": "10",
	}
	vals, err := e.MapRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if vals[3] != "cond-1" {
		t.Fatalf("expected condition id cond-1, got %v", vals[3])
	}
}

func TestConditionMissingFieldErrors(t *testing.T) {
	e, _ := Lookup("condition")
	_, err := e.MapRow(map[string]any{"id": "c1"})
	if err == nil {
		t.Fatal("expected error for missing questionId")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
