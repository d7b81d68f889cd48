package dummynet

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// heapTestObject is a heapTracked object used for testing.
type heapTestObject struct {
	key  uint64
	slot heapSlot
}

func (o *heapTestObject) heapSlot() *heapSlot {
	return &o.slot
}

// drainHeap extracts all the keys in order.
func drainHeap(t *testing.T, h *dnHeap) []uint64 {
	var out []uint64
	for !h.empty() {
		key, obj, good := h.extractMin()
		if !good {
			t.Fatal("extractMin failed on a nonempty heap")
		}
		if o, ok := obj.(*heapTestObject); ok {
			if o.slot.heap != nil {
				t.Fatal("the back-index was not cleared")
			}
			if o.key != key {
				t.Fatal("key mismatch", o.key, key)
			}
		}
		out = append(out, key)
	}
	return out
}

// checkHeap verifies the heap order and the back-indexes.
func checkHeap(t *testing.T, h *dnHeap, inside map[*heapTestObject]bool) {
	t.Helper()
	if h.Len() != len(inside) {
		t.Fatal("expected", len(inside), "entries, got", h.Len())
	}
	for idx, entry := range h.entries {
		if idx > 0 && keyLess(entry.key, h.entries[(idx-1)/2].key) {
			t.Fatal("entry", idx, "is smaller than its parent")
		}
		o := entry.obj.(*heapTestObject)
		if !inside[o] {
			t.Fatal("unexpected object at", idx)
		}
		if o.slot.heap != h || o.slot.pos != idx {
			t.Fatal("stale back-index at", idx, o.slot.pos)
		}
		if o.key != entry.key {
			t.Fatal("key mismatch at", idx, o.key, entry.key)
		}
	}
}

func TestHeapInterleavedOperations(t *testing.T) {
	rnd := rand.New(rand.NewSource(17))
	h := newHeap("test", 0)
	inside := map[*heapTestObject]bool{}
	var objs []*heapTestObject

	// pick returns a random object inside the heap
	pick := func() *heapTestObject {
		for {
			o := objs[rnd.Intn(len(objs))]
			if inside[o] {
				return o
			}
		}
	}

	for step := 0; step < 5000; step++ {
		switch op := rnd.Intn(10); {
		case op < 4 || len(inside) <= 0:
			o := &heapTestObject{key: uint64(rnd.Intn(500))}
			if err := h.insert(o.key, o); err != nil {
				t.Fatal(err)
			}
			objs = append(objs, o)
			inside[o] = true

		case op < 6:
			var expect uint64
			first := true
			for o := range inside {
				if first || keyLess(o.key, expect) {
					expect, first = o.key, false
				}
			}
			key, obj, good := h.extractMin()
			if !good || key != expect {
				t.Fatal("expected min", expect, "got", key, good)
			}
			o := obj.(*heapTestObject)
			if o.slot.heap != nil {
				t.Fatal("the back-index was not cleared")
			}
			delete(inside, o)

		case op < 8:
			o := pick()
			h.extract(o)
			if h.contains(o) {
				t.Fatal("object still inside the heap")
			}
			delete(inside, o)

		case op < 9:
			o := pick()
			o.key = uint64(rnd.Intn(500))
			h.entries[o.slot.pos].key = o.key
			h.heapify()

		default:
			threshold := uint64(rnd.Intn(500))
			var expect int
			for o := range inside {
				if o.key%7 == 0 && o.key < threshold {
					expect++
				}
			}
			removed := h.removeIf(func(obj any) bool {
				o := obj.(*heapTestObject)
				return o.key%7 == 0 && o.key < threshold
			})
			if removed != expect {
				t.Fatal("expected", expect, "removed objects, got", removed)
			}
			for o := range inside {
				if o.key%7 == 0 && o.key < threshold {
					if o.slot.heap != nil {
						t.Fatal("the back-index was not cleared")
					}
					delete(inside, o)
				}
			}
		}
		checkHeap(t, h, inside)
	}

	var expect []uint64
	for o := range inside {
		expect = append(expect, o.key)
	}
	sort.Slice(expect, func(i, j int) bool { return expect[i] < expect[j] })
	if diff := cmp.Diff(expect, drainHeap(t, h)); diff != "" {
		t.Fatal(diff)
	}
}

func TestHeap(t *testing.T) {
	t.Run("extractMin returns sorted keys", func(t *testing.T) {
		h := newHeap("test", 0)
		var expect []uint64
		for idx := 0; idx < 1000; idx++ {
			key := uint64(rand.Intn(100000))
			expect = append(expect, key)
			if err := h.insert(key, &heapTestObject{key: key}); err != nil {
				t.Fatal(err)
			}
		}
		sort.Slice(expect, func(i, j int) bool { return expect[i] < expect[j] })
		if diff := cmp.Diff(expect, drainHeap(t, h)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("extract removes objects from the middle", func(t *testing.T) {
		h := newHeap("test", 0)
		var objs []*heapTestObject
		for idx := 0; idx < 200; idx++ {
			o := &heapTestObject{key: uint64(rand.Intn(1000))}
			objs = append(objs, o)
			if err := h.insert(o.key, o); err != nil {
				t.Fatal(err)
			}
		}
		var expect []uint64
		for idx, o := range objs {
			if idx%3 == 0 {
				h.extract(o)
				if h.contains(o) {
					t.Fatal("object still inside the heap")
				}
				continue
			}
			if !h.contains(o) {
				t.Fatal("object not inside the heap")
			}
			expect = append(expect, o.key)
		}
		sort.Slice(expect, func(i, j int) bool { return expect[i] < expect[j] })
		if diff := cmp.Diff(expect, drainHeap(t, h)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("removeIf compacts and restores the order", func(t *testing.T) {
		h := newHeap("test", 0)
		for key := uint64(0); key < 100; key++ {
			if err := h.insert(99-key, &heapTestObject{key: 99 - key}); err != nil {
				t.Fatal(err)
			}
		}
		removed := h.removeIf(func(obj any) bool {
			return obj.(*heapTestObject).key%2 == 1
		})
		if removed != 50 {
			t.Fatal("unexpected number of removed objects", removed)
		}
		var expect []uint64
		for key := uint64(0); key < 100; key += 2 {
			expect = append(expect, key)
		}
		if diff := cmp.Diff(expect, drainHeap(t, h)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("keys are compared modulo wraparound", func(t *testing.T) {
		h := newHeap("test", 0)
		keys := []uint64{5, 1<<64 - 10, 0, 1<<64 - 1}
		for _, key := range keys {
			if err := h.insert(key, key); err != nil {
				t.Fatal(err)
			}
		}
		expect := []uint64{1<<64 - 10, 1<<64 - 1, 0, 5}
		if diff := cmp.Diff(expect, drainHeap(t, h)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("insert fails when the heap is full", func(t *testing.T) {
		h := newHeap("test", 2)
		for key := uint64(0); key < 2; key++ {
			if h.full() {
				t.Fatal("heap full too early")
			}
			if err := h.insert(key, key); err != nil {
				t.Fatal(err)
			}
		}
		if !h.full() {
			t.Fatal("expected the heap to be full")
		}
		o := &heapTestObject{key: 7}
		if err := h.insert(7, o); !errors.Is(err, ErrHeapFull) {
			t.Fatal("unexpected error", err)
		}
		if o.slot.heap != nil || h.Len() != 2 {
			t.Fatal("a failed insert modified the heap")
		}
	})

	t.Run("min and extractMin on an empty heap", func(t *testing.T) {
		h := newHeap("test", 0)
		if _, _, good := h.min(); good {
			t.Fatal("expected min to fail")
		}
		if _, _, good := h.extractMin(); good {
			t.Fatal("expected extractMin to fail")
		}
	})

	t.Run("inserting an object twice panics", func(t *testing.T) {
		h := newHeap("test", 0)
		o := &heapTestObject{key: 1}
		if err := h.insert(1, o); err != nil {
			t.Fatal(err)
		}
		defer func() {
			if recover() == nil {
				t.Fatal("expected a panic")
			}
		}()
		h.insert(2, o)
	})
}
