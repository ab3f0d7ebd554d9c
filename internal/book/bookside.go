package book

import (
	"sort"
)

// BookSide is a fixed-capacity arena of resting orders on one side.
// Nodes are addressed by handle; Order lists the live handles best first and
// Free is a stack of unused handles.
type BookSide struct {
	Side  Side       `json:"side"`
	Nodes []LeafNode `json:"nodes"`
	Order []uint32   `json:"order"`
	Free  []uint32   `json:"free"`
}

func NewBookSide(side Side, capacity int) *BookSide {
	bs := &BookSide{
		Side:  side,
		Nodes: make([]LeafNode, capacity),
		Order: make([]uint32, 0, capacity),
		Free:  make([]uint32, capacity),
	}
	// pop order: handle 0 first
	for i := range bs.Free {
		bs.Free[i] = uint32(capacity - 1 - i)
	}
	return bs
}

func (bs *BookSide) Len() int      { return len(bs.Order) }
func (bs *BookSide) Capacity() int { return len(bs.Nodes) }
func (bs *BookSide) IsFull() bool  { return len(bs.Free) == 0 }

// Better reports whether a has priority over b on this side: better price
// first, then the earlier order id.
func (bs *BookSide) Better(a, b *LeafNode) bool {
	if a.Price != b.Price {
		if bs.Side == Bid {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	return a.OrderID < b.OrderID
}

// Insert stores leaf and returns its handle. The caller must ensure the side
// is not full.
func (bs *BookSide) Insert(leaf LeafNode) uint32 {
	h := bs.Free[len(bs.Free)-1]
	bs.Free = bs.Free[:len(bs.Free)-1]
	bs.Nodes[h] = leaf

	pos := sort.Search(len(bs.Order), func(i int) bool {
		return bs.Better(&leaf, &bs.Nodes[bs.Order[i]])
	})
	bs.Order = append(bs.Order, 0)
	copy(bs.Order[pos+1:], bs.Order[pos:])
	bs.Order[pos] = h
	return h
}

// Remove deletes the node at handle and returns it.
func (bs *BookSide) Remove(h uint32) (LeafNode, bool) {
	for i, oh := range bs.Order {
		if oh != h {
			continue
		}
		leaf := bs.Nodes[h]
		bs.Order = append(bs.Order[:i], bs.Order[i+1:]...)
		bs.Nodes[h] = LeafNode{}
		bs.Free = append(bs.Free, h)
		return leaf, true
	}
	return LeafNode{}, false
}

// Find returns the handle of the order with the given id.
func (bs *BookSide) Find(orderID uint64) (uint32, bool) {
	for _, h := range bs.Order {
		if bs.Nodes[h].OrderID == orderID {
			return h, true
		}
	}
	return 0, false
}

func (bs *BookSide) Get(h uint32) *LeafNode {
	return &bs.Nodes[h]
}

// Best returns the best unexpired order.
func (bs *BookSide) Best(now int64) (*LeafNode, bool) {
	for _, h := range bs.Order {
		if n := &bs.Nodes[h]; !n.IsExpired(now) {
			return n, true
		}
	}
	return nil, false
}

// Worst returns the handle of the lowest priority order.
func (bs *BookSide) Worst() (uint32, bool) {
	if len(bs.Order) == 0 {
		return 0, false
	}
	return bs.Order[len(bs.Order)-1], true
}

// Iter calls fn for each live order in priority order until fn returns false.
func (bs *BookSide) Iter(fn func(h uint32, n *LeafNode) bool) {
	for _, h := range bs.Order {
		if !fn(h, &bs.Nodes[h]) {
			return
		}
	}
}

// Quantity returns the total resting quantity of unexpired orders.
func (bs *BookSide) Quantity(now int64) int64 {
	var total int64
	for _, h := range bs.Order {
		if n := &bs.Nodes[h]; !n.IsExpired(now) {
			total += n.Quantity
		}
	}
	return total
}

func (bs *BookSide) Clone() *BookSide {
	return &BookSide{
		Side:  bs.Side,
		Nodes: append(make([]LeafNode, 0, len(bs.Nodes)), bs.Nodes...),
		Order: append(make([]uint32, 0, cap(bs.Order)), bs.Order...),
		Free:  append(make([]uint32, 0, cap(bs.Free)), bs.Free...),
	}
}
