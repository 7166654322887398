package util

import (
	"testing"
)

func TestMapHeapOrder(t *testing.T) {
	h := NewMapHeap[string]()
	h.Set("b", 200)
	h.Set("a", 100)
	h.Set("c", 50)

	if h.Len() != 3 {
		t.Fatalf("Expected 3 items, got %d", h.Len())
	}
	key, prio, ok := h.Peek()
	if !ok || key != "c" || prio != 50 {
		t.Errorf("Expected (c,50), got (%s,%d)", key, prio)
	}

	got := h.PopUntil(150)
	if len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Errorf("Expected [c a], got %v", got)
	}
	if h.Len() != 1 || !h.Contains("b") {
		t.Errorf("Expected only b to remain")
	}
}

func TestMapHeapUpdate(t *testing.T) {
	h := NewMapHeap[string]()
	h.Set("node", 100)
	h.Set("node", 10)
	if h.Len() != 1 {
		t.Fatalf("Updating a key must not add an entry, got %d items", h.Len())
	}
	if p, _ := h.Priority("node"); p != 10 {
		t.Errorf("Expected priority 10, got %d", p)
	}

	h.SetIfEarlier("node", 50)
	if p, _ := h.Priority("node"); p != 10 {
		t.Errorf("A later priority must be ignored, got %d", p)
	}
	h.SetIfEarlier("node", 5)
	if p, _ := h.Priority("node"); p != 5 {
		t.Errorf("An earlier priority must win, got %d", p)
	}
}

func TestMapHeapRemove(t *testing.T) {
	h := NewMapHeap[int]()
	for i := 0; i < 10; i++ {
		h.Set(i, int64(10-i))
	}
	if p, ok := h.Remove(9); !ok || p != 1 {
		t.Errorf("Remove(9) = %d, %v", p, ok)
	}
	if _, ok := h.Remove(42); ok {
		t.Errorf("Removing a missing key must fail")
	}

	prev := int64(-1)
	for _, k := range h.PopUntil(100) {
		p := int64(10 - k)
		if p < prev {
			t.Errorf("Keys not in priority order")
		}
		prev = p
	}
	if h.Len() != 0 {
		t.Errorf("Expected empty heap")
	}
	if _, _, ok := h.Peek(); ok {
		t.Errorf("Peek on empty heap must fail")
	}
}
