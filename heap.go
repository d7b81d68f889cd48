package dummynet

//
// Binary min-heap used by the scheduler
//

import (
	"container/heap"
	"errors"
	"fmt"
)

// heapIncrement is the number of entries by which a heap grows.
const heapIncrement = 16

// ErrHeapFull indicates that a heap reached its configured maximum size.
var ErrHeapFull = errors.New("dummynet: heap is full")

// heapEntry is an entry of a [dnHeap].
type heapEntry struct {
	key uint64
	obj any
}

// heapTracked is implemented by objects that remember their position inside
// the heap that contains them, which allows extracting them from the middle
// of the heap in O(log n). An object may be inside at most one tracking heap.
type heapTracked interface {
	heapSlot() *heapSlot
}

// heapSlot is the back-index stored inside a [heapTracked] object.
type heapSlot struct {
	// heap is the heap containing the object or nil.
	heap *dnHeap

	// pos is the position inside heap.
	pos int
}

// keyLess compares two keys in a way that is robust to wraparound.
func keyLess(a, b uint64) bool {
	return int64(a-b) < 0
}

// keyLEQ returns whether a <= b in a way that is robust to wraparound.
func keyLEQ(a, b uint64) bool {
	return int64(a-b) <= 0
}

// keyMax returns the maximum of a and b using [keyLess].
func keyMax(a, b uint64) uint64 {
	if keyLess(a, b) {
		return b
	}
	return a
}

// dnHeap is a min-heap of objects keyed by a 64-bit key. Equal keys
// have no defined relative order. The zero value is invalid; construct
// using [newHeap].
type dnHeap struct {
	// entries contains the heap entries.
	entries []heapEntry

	// maxSize is the maximum number of entries or zero.
	maxSize int

	// name is the heap name used when logging.
	name string
}

// newHeap creates a new [dnHeap].
func newHeap(name string, maxSize int) *dnHeap {
	return &dnHeap{
		entries: nil,
		maxSize: maxSize,
		name:    name,
	}
}

// Len implements heap.Interface
func (h *dnHeap) Len() int {
	return len(h.entries)
}

// Less implements heap.Interface
func (h *dnHeap) Less(i, j int) bool {
	return keyLess(h.entries[i].key, h.entries[j].key)
}

// Swap implements heap.Interface
func (h *dnHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.reseat(i)
	h.reseat(j)
}

// Push implements heap.Interface
func (h *dnHeap) Push(x any) {
	if len(h.entries) == cap(h.entries) {
		grown := make([]heapEntry, len(h.entries), cap(h.entries)*2+heapIncrement)
		copy(grown, h.entries)
		h.entries = grown
	}
	h.entries = append(h.entries, x.(heapEntry))
	h.reseat(len(h.entries) - 1)
}

// Pop implements heap.Interface
func (h *dnHeap) Pop() any {
	last := len(h.entries) - 1
	entry := h.entries[last]
	h.entries[last] = heapEntry{}
	h.entries = h.entries[:last]
	if tracked, good := entry.obj.(heapTracked); good {
		*tracked.heapSlot() = heapSlot{}
	}
	return entry
}

// reseat updates the back-index of the object at the given position.
func (h *dnHeap) reseat(idx int) {
	if tracked, good := h.entries[idx].obj.(heapTracked); good {
		slot := tracked.heapSlot()
		slot.heap = h
		slot.pos = idx
	}
}

// insert inserts obj into the heap with the given key. On failure the
// heap content is unchanged.
func (h *dnHeap) insert(key uint64, obj any) error {
	if h.full() {
		return fmt.Errorf("%w: %s (%d entries)", ErrHeapFull, h.name, len(h.entries))
	}
	if tracked, good := obj.(heapTracked); good && tracked.heapSlot().heap != nil {
		panic(fmt.Sprintf("dummynet: %s: object already inside heap %s", h.name, tracked.heapSlot().heap.name))
	}
	heap.Push(h, heapEntry{key: key, obj: obj})
	return nil
}

// full returns whether inserting would fail with [ErrHeapFull].
func (h *dnHeap) full() bool {
	return h.maxSize > 0 && len(h.entries) >= h.maxSize
}

// empty returns whether the heap is empty.
func (h *dnHeap) empty() bool {
	return len(h.entries) <= 0
}

// min returns the minimum key and object without removing them.
func (h *dnHeap) min() (uint64, any, bool) {
	if len(h.entries) <= 0 {
		return 0, nil, false
	}
	return h.entries[0].key, h.entries[0].obj, true
}

// extractMin removes and returns the minimum key and object.
func (h *dnHeap) extractMin() (uint64, any, bool) {
	if len(h.entries) <= 0 {
		return 0, nil, false
	}
	entry := heap.Pop(h).(heapEntry)
	return entry.key, entry.obj, true
}

// extract removes obj from the middle of the heap using its back-index.
func (h *dnHeap) extract(obj heapTracked) {
	slot := obj.heapSlot()
	if slot.heap != h || slot.pos < 0 || slot.pos >= len(h.entries) || h.entries[slot.pos].obj != obj {
		panic(fmt.Sprintf("dummynet: %s: extract of an object that is not inside the heap", h.name))
	}
	heap.Remove(h, slot.pos)
}

// contains returns whether obj is inside this heap.
func (h *dnHeap) contains(obj any) bool {
	if tracked, good := obj.(heapTracked); good {
		return tracked.heapSlot().heap == h
	}
	for _, entry := range h.entries {
		if entry.obj == obj {
			return true
		}
	}
	return false
}

// heapify restores the heap order after external changes to the entries.
func (h *dnHeap) heapify() {
	for idx := range h.entries {
		h.reseat(idx)
	}
	heap.Init(h)
}

// removeIf removes all the objects for which fn returns true, compacts the
// entries, restores the heap order, and returns the number of removed objects.
func (h *dnHeap) removeIf(fn func(obj any) bool) int {
	kept := h.entries[:0]
	var removed int
	for _, entry := range h.entries {
		if fn(entry.obj) {
			if tracked, good := entry.obj.(heapTracked); good {
				*tracked.heapSlot() = heapSlot{}
			}
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	for idx := len(kept); idx < len(h.entries); idx++ {
		h.entries[idx] = heapEntry{}
	}
	h.entries = kept
	if removed > 0 {
		h.heapify()
	}
	return removed
}

// reset removes all the entries.
func (h *dnHeap) reset() {
	h.removeIf(func(obj any) bool { return true })
}

// foreach calls fn for each entry in heap order (not sorted order).
func (h *dnHeap) foreach(fn func(key uint64, obj any)) {
	for _, entry := range h.entries {
		fn(entry.key, entry.obj)
	}
}
