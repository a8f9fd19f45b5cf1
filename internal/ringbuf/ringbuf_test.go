package ringbuf

import "testing"

func TestRing_PushItems(t *testing.T) {
	r := New[int](4)

	r.Push(1)
	r.Push(2)

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
	got := r.Items()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := New[string](2)

	r.Push("a")
	r.Push("b")

	old, ok := r.Push("c")
	if !ok || old != "a" {
		t.Fatalf("expected eviction of a, got %q ok=%v", old, ok)
	}
	if r.Evicted() != 1 {
		t.Fatalf("expected evicted=1, got %d", r.Evicted())
	}

	got := r.Items()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 10; i++ {
		r.Push(i)
	}

	got := r.Items()
	want := []int{8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}

	last, ok := r.Last()
	if !ok || last != 10 {
		t.Fatalf("expected last=10, got %d ok=%v", last, ok)
	}
	if r.Evicted() != 7 {
		t.Fatalf("expected evicted=7, got %d", r.Evicted())
	}
}

func TestRing_Empty(t *testing.T) {
	r := New[int](0)

	if r.Cap() != 1 {
		t.Fatalf("expected min capacity 1, got %d", r.Cap())
	}
	if _, ok := r.Last(); ok {
		t.Fatal("last on empty ring should return false")
	}
	if len(r.Items()) != 0 {
		t.Fatal("items on empty ring should be empty")
	}
}
