package ordering

import "testing"

func TestTouchInsertsInOrder(t *testing.T) {
	l := New()
	for _, k := range []string{"a", "b", "c"} {
		if !l.Touch(k) {
			t.Fatalf("expected Touch(%q) to report a new insertion", k)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("expected len 3, got %d", l.Len())
	}
	oldest, ok := l.Oldest()
	if !ok || oldest != "a" {
		t.Fatalf("expected oldest=a, got %q ok=%v", oldest, ok)
	}
}

func TestTouchExistingMovesToNewest(t *testing.T) {
	l := New()
	l.Touch("a")
	l.Touch("b")
	l.Touch("c")
	if isNew := l.Touch("a"); isNew {
		t.Fatal("expected Touch on existing key to report false")
	}
	oldest, _ := l.Oldest()
	if oldest != "b" {
		t.Fatalf("expected oldest=b after re-touching a, got %q", oldest)
	}
}

func TestEvictOldestFIFO(t *testing.T) {
	l := New()
	l.Touch("a")
	l.Touch("b")
	l.Touch("c")

	got, ok := l.EvictOldest()
	if !ok || got != "a" {
		t.Fatalf("expected to evict a, got %q ok=%v", got, ok)
	}
	got, ok = l.EvictOldest()
	if !ok || got != "b" {
		t.Fatalf("expected to evict b, got %q ok=%v", got, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("expected len 1, got %d", l.Len())
	}
}

func TestRemoveArbitraryKey(t *testing.T) {
	l := New()
	l.Touch("a")
	l.Touch("b")
	l.Touch("c")
	l.Remove("b")
	if l.Len() != 2 {
		t.Fatalf("expected len 2, got %d", l.Len())
	}
	oldest, _ := l.Oldest()
	if oldest != "a" {
		t.Fatalf("expected oldest=a, got %q", oldest)
	}
	got, _ := l.EvictOldest()
	if got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
	got, _ = l.EvictOldest()
	if got != "c" {
		t.Fatalf("expected c after removing b, got %q", got)
	}
}

func TestEmptyListOldest(t *testing.T) {
	l := New()
	if _, ok := l.Oldest(); ok {
		t.Fatal("expected ok=false on empty list")
	}
	if _, ok := l.EvictOldest(); ok {
		t.Fatal("expected ok=false evicting from empty list")
	}
}

func TestSingleElementTouchIsNoop(t *testing.T) {
	l := New()
	l.Touch("a")
	l.Touch("a")
	if l.Len() != 1 {
		t.Fatalf("expected len 1, got %d", l.Len())
	}
	got, _ := l.Oldest()
	if got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
}
