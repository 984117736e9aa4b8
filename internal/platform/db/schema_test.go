package db

import "testing"

func TestSchema_Lookups(t *testing.T) {
	s := NewSchema(map[string][]string{
		"billing_accounts": {"billing_id", "patient_id", "Status"},
		"patients":         {"patient_id"},
	})

	if !s.HasTable("billing_accounts") {
		t.Error("expected billing_accounts to exist")
	}
	if !s.HasTable("PATIENTS") {
		t.Error("table lookup should be case-insensitive")
	}
	if s.HasTable("billing_items") {
		t.Error("billing_items was never registered")
	}
	if !s.HasColumn("billing_accounts", "status") {
		t.Error("column lookup should be case-insensitive")
	}
	if s.HasColumn("billing_accounts", "admission_id") {
		t.Error("admission_id was never registered")
	}
	if s.HasColumn("missing", "patient_id") {
		t.Error("columns of a missing table must not resolve")
	}
}

func TestSchema_Tables_Sorted(t *testing.T) {
	s := NewSchema(map[string][]string{"b": nil, "a": nil, "c": nil})
	got := s.Tables()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tables, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tables[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchema_NilSafe(t *testing.T) {
	var s *Schema
	if s.HasTable("x") || s.HasColumn("x", "y") || s.Tables() != nil {
		t.Error("nil schema should report nothing")
	}
}
