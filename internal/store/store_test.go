package store

import "testing"

func TestGetMissIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New[int]()
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestPutIsUpsert(t *testing.T) {
	t.Parallel()
	s := New[string]()
	s.Put("a", "one")
	s.Put("a", "two")
	v, ok := s.Get("a")
	if !ok || v != "two" {
		t.Fatalf("Get(a) = %q, %v; want \"two\", true", v, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestAllPreservesInsertionOrder(t *testing.T) {
	t.Parallel()
	s := New[int]()
	s.Put("a", 1)
	s.Put("b", 2)
	s.Put("c", 3)
	s.Put("b", 20) // update must not reorder

	got := s.All()
	want := []int{1, 20, 3}
	if len(got) != len(want) {
		t.Fatalf("All returned %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := New[int]()
	s.Put("a", 1)
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected miss after Clear")
	}
	s.Put("a", 2)
	if v, _ := s.Get("a"); v != 2 {
		t.Fatal("store unusable after Clear")
	}
}
