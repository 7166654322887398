package util

import "container/heap"

// heapItem is one entry of a MapHeap
type heapItem[K comparable] struct {
	Key      K
	Priority int64
	index    int
}

// MapHeap is a min-heap of keys ordered by priority with O(1) access by key.
// Adding an existing key updates its priority instead of adding a second entry.
//
// The I/O reactor uses it as reconnect schedule (node name -> due time in unix nanos).
// MapHeap is not thread-safe.
type MapHeap[K comparable] struct {
	items []*heapItem[K]
	byKey map[K]*heapItem[K]
}

// NewMapHeap creates an empty heap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{byKey: make(map[K]*heapItem[K])}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x any) {
	it := x.(*heapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byKey[it.Key] = it
}

func (h *MapHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byKey, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed Access
// --------------------------------------------------------------------------

// Set adds key with priority or updates the priority of an existing key
func (h *MapHeap[K]) Set(key K, priority int64) {
	if it, ok := h.byKey[key]; ok {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &heapItem[K]{Key: key, Priority: priority})
}

// SetIfEarlier adds key or lowers its priority, a later priority is ignored
func (h *MapHeap[K]) SetIfEarlier(key K, priority int64) {
	if it, ok := h.byKey[key]; ok && it.Priority <= priority {
		return
	}
	h.Set(key, priority)
}

// Remove deletes key and returns its priority
func (h *MapHeap[K]) Remove(key K) (int64, bool) {
	it, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the key with the lowest priority without removing it
func (h *MapHeap[K]) Peek() (key K, priority int64, ok bool) {
	if len(h.items) == 0 {
		return key, 0, false
	}
	return h.items[0].Key, h.items[0].Priority, true
}

// PopUntil removes and returns all keys with priority <= limit in priority order
func (h *MapHeap[K]) PopUntil(limit int64) []K {
	var out []K
	for len(h.items) > 0 && h.items[0].Priority <= limit {
		out = append(out, heap.Pop(h).(*heapItem[K]).Key)
	}
	return out
}

// Contains checks if a key exists
func (h *MapHeap[K]) Contains(key K) bool {
	_, ok := h.byKey[key]
	return ok
}

// Priority returns the priority of a key
func (h *MapHeap[K]) Priority(key K) (int64, bool) {
	it, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	return it.Priority, true
}
