package core

import (
	"fmt"
	"strconv"
)

type nodeKind uint8

const (
	nodeHead nodeKind = iota
	nodeMarker
	nodeBid
	nodeTail
)

// node is one arena entry. The list runs from the head sentinel (lowest) through bucket
// markers and bids to the tail sentinel (highest); next points to the next higher node.
type node struct {
	kind   nodeKind
	cap    Cap
	bid    BidID
	bucket int
	next   int
	prev   int
}

func (n *node) class() int {
	switch n.kind {
	case nodeHead:
		return 0
	case nodeTail:
		return 2
	}
	return 1
}

// nodeLess orders nodes by cap. A marker sorts below bids with the same cap, and among
// equal caps the earlier bid sorts higher so it is scanned first during finalization.
func nodeLess(a, b *node) bool {
	if ca, cb := a.class(), b.class(); ca != cb {
		return ca < cb
	}
	if a.kind == nodeHead || a.kind == nodeTail {
		return false
	}
	if c := a.cap.Cmp(b.cap); c != 0 {
		return c < 0
	}
	if a.kind != b.kind {
		return a.kind == nodeMarker
	}
	return a.bid > b.bid
}

type hintKind uint8

const (
	hintNone hintKind = iota
	hintBid
	hintBucket
)

// Hint names where an insertion walk starts. It only accelerates the search: the book
// always walks from it to the true position and re-validates order.
type Hint struct {
	kind   hintKind
	bid    BidID
	bucket int
}

// NoHint starts the walk at the boundary marker of the bucket holding the cap.
func NoHint() Hint { return Hint{} }

// NearBid starts the walk at an existing bid.
func NearBid(id BidID) Hint { return Hint{kind: hintBid, bid: id} }

// InBucket starts the walk at a bucket's boundary marker.
func InBucket(i int) Hint { return Hint{kind: hintBucket, bucket: i} }

func (h Hint) String() string {
	switch h.kind {
	case hintBid:
		return "bid:" + strconv.FormatUint(uint64(h.bid), 10)
	case hintBucket:
		return "bucket:" + strconv.Itoa(h.bucket)
	}
	return "none"
}

// BidBook keeps bids sorted by cap in an arena-backed doubly linked list.
type BidBook struct {
	nodes  []node
	bids   []Bid // bids[id-1]
	index  *BucketIndex
	head   int
	tail   int
	active map[Identity]BidID
}

// NewBidBook lays out the head sentinel, one marker per bucket, and the tail sentinel.
func NewBidBook(index *BucketIndex) *BidBook {
	bb := &BidBook{
		index:  index,
		active: make(map[Identity]BidID),
	}
	bb.head = bb.appendNode(node{kind: nodeHead, next: -1, prev: -1})
	last := bb.head
	for i := range index.entries {
		slot := bb.appendNode(node{
			kind:   nodeMarker,
			cap:    CapOf(index.entries[i].lower),
			bucket: i,
			prev:   last,
			next:   -1,
		})
		bb.nodes[last].next = slot
		index.entries[i].marker = slot
		index.entries[i].top = slot
		last = slot
	}
	bb.tail = bb.appendNode(node{kind: nodeTail, prev: last, next: -1})
	bb.nodes[last].next = bb.tail
	return bb
}

func (bb *BidBook) appendNode(n node) int {
	bb.nodes = append(bb.nodes, n)
	return len(bb.nodes) - 1
}

// Len returns the number of bids ever inserted.
func (bb *BidBook) Len() int { return len(bb.bids) }

func (bb *BidBook) get(id BidID) (*Bid, bool) {
	if id == 0 || int(id) > len(bb.bids) {
		return nil, false
	}
	return &bb.bids[id-1], true
}

// ActiveBidOf returns the active bid of an identity.
func (bb *BidBook) ActiveBidOf(who Identity) (BidID, bool) {
	id, ok := bb.active[who]
	return id, ok
}

func (bb *BidBook) less(a, b int) bool {
	return nodeLess(&bb.nodes[a], &bb.nodes[b])
}

func (bb *BidBook) bidAt(slot int) BidID {
	return bb.nodes[slot].bid
}

// resolve maps a hint to the arena slot the walk starts from.
func (bb *BidBook) resolve(h Hint, c Cap) (int, error) {
	switch h.kind {
	case hintBid:
		b, ok := bb.get(h.bid)
		if !ok {
			return 0, newError(ErrCodeInvalidHint, h.bid, "hint names unknown bid")
		}
		return b.slot, nil
	case hintBucket:
		if !bb.index.valid(h.bucket) {
			return 0, newError(ErrCodeInvalidHint, 0, "hint names unknown bucket %d", h.bucket)
		}
		return bb.index.entries[h.bucket].marker, nil
	}
	return bb.index.entries[bb.index.Locate(c)].marker, nil
}

// locate walks from start to the pair (below, above) the candidate fits between. Each
// move to a neighbor costs one step; exceeding budget fails with InvalidPosition.
func (bb *BidBook) locate(cand *node, start, budget int) (below, above int, steps int, err error) {
	cur := start
	if nodeLess(&bb.nodes[cur], cand) {
		for {
			nxt := bb.nodes[cur].next
			if !nodeLess(&bb.nodes[nxt], cand) {
				return cur, nxt, steps, nil
			}
			if steps >= budget {
				return 0, 0, steps, newError(ErrCodeInvalidPosition, 0, "walk from hint exceeded %d steps", budget)
			}
			cur = nxt
			steps++
		}
	}
	for {
		prv := bb.nodes[cur].prev
		if !nodeLess(cand, &bb.nodes[prv]) {
			return prv, cur, steps, nil
		}
		if steps >= budget {
			return 0, 0, steps, newError(ErrCodeInvalidPosition, 0, "walk from hint exceeded %d steps", budget)
		}
		cur = prv
		steps++
	}
}

// insert places bid (with ID already assigned) using the hint. The book is unchanged on
// error.
func (bb *BidBook) insert(bid Bid, h Hint, budget int) (int, error) {
	bucket := bb.index.Locate(bid.Cap)
	cand := node{kind: nodeBid, cap: bid.Cap, bid: bid.ID, bucket: bucket}

	start, err := bb.resolve(h, bid.Cap)
	if err != nil {
		return 0, err
	}
	below, above, steps, err := bb.locate(&cand, start, budget)
	if err != nil {
		return steps, err
	}

	cand.prev, cand.next = below, above
	slot := bb.appendNode(cand)
	bb.nodes[below].next = slot
	bb.nodes[above].prev = slot

	bid.slot = slot
	bb.bids = append(bb.bids, bid)
	bb.active[bid.Bidder] = bid.ID
	bb.index.touch(bucket, slot, bb.less)
	return steps, nil
}

// release frees the bidder's identity once its bid is fully withdrawn.
func (bb *BidBook) release(b *Bid) {
	if bb.active[b.Bidder] == b.ID {
		delete(bb.active, b.Bidder)
	}
}

// higherBid returns the nearest bid above slot, skipping markers.
func (bb *BidBook) higherBid(slot int) BidID {
	for cur := bb.nodes[slot].next; cur != bb.tail; cur = bb.nodes[cur].next {
		if bb.nodes[cur].kind == nodeBid {
			return bb.nodes[cur].bid
		}
	}
	return 0
}

// Ascending calls fn for every bid from the lowest position to the highest until fn
// returns false.
func (bb *BidBook) Ascending(fn func(b Bid) bool) {
	var pending Bid
	have := false
	for cur := bb.nodes[bb.head].next; cur != bb.tail; cur = bb.nodes[cur].next {
		n := &bb.nodes[cur]
		if n.kind != nodeBid {
			continue
		}
		if have {
			pending.Next = n.bid
			if !fn(pending) {
				return
			}
		}
		pending, have = bb.bids[n.bid-1], true
	}
	if have {
		pending.Next = 0
		fn(pending)
	}
}

// Buckets returns a view of every bucket.
func (bb *BidBook) Buckets() []Bucket {
	out := make([]Bucket, bb.index.Len())
	for i := range out {
		out[i] = bb.index.view(i, bb.bidAt)
	}
	return out
}

// CheckOrder verifies the list is strictly ordered and consistently linked.
func (bb *BidBook) CheckOrder() error {
	seen := 0
	for cur := bb.head; cur != bb.tail; {
		nxt := bb.nodes[cur].next
		if nxt < 0 || nxt >= len(bb.nodes) {
			return fmt.Errorf("broken link after slot %d", cur)
		}
		if bb.nodes[nxt].prev != cur {
			return fmt.Errorf("prev of slot %d is %d, want %d", nxt, bb.nodes[nxt].prev, cur)
		}
		if !bb.less(cur, nxt) {
			return fmt.Errorf("slot %d (bid %d) not above slot %d", nxt, bb.nodes[nxt].bid, cur)
		}
		cur = nxt
		seen++
	}
	if seen != len(bb.nodes)-1 {
		return fmt.Errorf("list holds %d nodes, arena %d", seen+1, len(bb.nodes))
	}
	return nil
}
