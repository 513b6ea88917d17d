package aeternus

import (
	"container/heap"
)

// mergeIterator merges already-sorted record streams into a single
// (key asc, lsn desc) stream. Ties on both key and LSN break by source
// order, which keeps the merge stable.
type mergeIterator struct {
	heap mergeHeap
}

type mergeItem struct {
	rec    Record
	src    int
	source recordIterator
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if recordLess(&a.rec, &b.rec) {
		return true
	}
	if recordLess(&b.rec, &a.rec) {
		return false
	}
	return a.src < b.src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// newMergeIterator primes the heap with the head of every source.
func newMergeIterator(sources []recordIterator) *mergeIterator {
	m := &mergeIterator{heap: make(mergeHeap, 0, len(sources))}
	for i, src := range sources {
		if rec, ok := src.Next(); ok {
			m.heap = append(m.heap, &mergeItem{rec: rec, src: i, source: src})
		}
	}
	heap.Init(&m.heap)
	return m
}

// Next pops the smallest record and refills from its source.
func (m *mergeIterator) Next() (Record, bool) {
	if m.heap.Len() == 0 {
		return Record{}, false
	}
	item := m.heap[0]
	rec := item.rec
	if next, ok := item.source.Next(); ok {
		item.rec = next
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}
	return rec, true
}
