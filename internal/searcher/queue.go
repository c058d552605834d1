package searcher

// Item is one scored row in a query's working set.
type Item struct {
	RowID    uint64
	Distance float32
}

// worse reports whether a ranks after b: larger distance first, equal
// distances by larger row id. The order is total, so the set a bounded
// heap retains does not depend on insertion order.
func worse(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.RowID > b.RowID
}

// TopK is a bounded max-heap keeping the k best (smallest distance,
// ties by smallest row id) items offered to it. Storage is value-based
// and does not go through container/heap.
type TopK struct {
	k     int
	items []Item
}

// NewTopK creates a heap bounded to k items.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, items: make([]Item, 0, k)}
}

// Reset re-arms the heap for a new query bounded to k items.
func (t *TopK) Reset(k int) {
	if k < 0 {
		k = 0
	}
	t.k = k
	if cap(t.items) < k {
		t.items = make([]Item, 0, k)
		return
	}
	t.items = t.items[:0]
}

// Len returns the number of retained items.
func (t *TopK) Len() int { return len(t.items) }

// Worst returns the item that would be evicted next.
func (t *TopK) Worst() (Item, bool) {
	if len(t.items) == 0 {
		return Item{}, false
	}
	return t.items[0], true
}

// Threshold returns the distance of the current worst item once the
// heap is full. Rows scoring strictly above it cannot enter, which
// lets scan loops skip the push.
func (t *TopK) Threshold() (float32, bool) {
	if t.k == 0 || len(t.items) < t.k {
		return 0, false
	}
	return t.items[0].Distance, true
}

// Push offers an item. Once full, items not better than the current
// worst are dropped.
func (t *TopK) Push(it Item) {
	if len(t.items) < t.k {
		t.items = append(t.items, it)
		t.siftUp(len(t.items) - 1)
		return
	}
	if t.k == 0 || !worse(t.items[0], it) {
		return
	}
	t.items[0] = it
	t.siftDown(0)
}

// PopWorst removes and returns the worst retained item.
func (t *TopK) PopWorst() (Item, bool) {
	n := len(t.items)
	if n == 0 {
		return Item{}, false
	}
	it := t.items[0]
	t.items[0] = t.items[n-1]
	t.items = t.items[:n-1]
	if len(t.items) > 0 {
		t.siftDown(0)
	}
	return it, true
}

// AppendSorted drains the heap into dst in ascending (distance, row
// id) order and returns the extended slice. The heap is empty after.
func (t *TopK) AppendSorted(dst []Item) []Item {
	start := len(dst)
	n := len(t.items)
	dst = append(dst, make([]Item, n)...)
	for i := n - 1; i >= 0; i-- {
		it, _ := t.PopWorst()
		dst[start+i] = it
	}
	return dst
}

func (t *TopK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !worse(t.items[i], t.items[parent]) {
			break
		}
		t.items[i], t.items[parent] = t.items[parent], t.items[i]
		i = parent
	}
}

func (t *TopK) siftDown(i int) {
	n := len(t.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && worse(t.items[right], t.items[left]) {
			child = right
		}
		if !worse(t.items[child], t.items[i]) {
			break
		}
		t.items[i], t.items[child] = t.items[child], t.items[i]
		i = child
	}
}
