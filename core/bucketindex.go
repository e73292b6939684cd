package core

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Bucket is a read-only view of one BucketIndex entry.
type Bucket struct {
	Index int
	Lower decimal.Decimal
	Upper Cap
	Bids  int
	// Top is the highest bid in the bucket, 0 while the bucket is empty.
	Top BidID
}

type bucketEntry struct {
	lower  decimal.Decimal
	upper  Cap
	marker int // arena slot of the boundary marker
	count  int
	top    int // arena slot of the highest node in the bucket
}

// BucketIndex partitions the valuation domain [0, Uncapped] into contiguous buckets.
// Each bucket owns a boundary marker node in the BidBook, so a walk can always start
// at the bucket holding a cap even when no bid is nearby.
type BucketIndex struct {
	entries []bucketEntry
}

// NewBucketIndex builds buckets [0,b0), [b0,b1), ..., [bn-1, Uncapped] from strictly
// increasing positive bounds. No bounds yields a single bucket covering everything.
func NewBucketIndex(bounds []decimal.Decimal) (*BucketIndex, error) {
	lowers := make([]decimal.Decimal, 0, len(bounds)+1)
	lowers = append(lowers, zero)
	for i, b := range bounds {
		if !b.IsPositive() {
			return nil, fmt.Errorf("bucket bound %d must be positive, got %s", i, b)
		}
		if !b.GreaterThan(lowers[len(lowers)-1]) {
			return nil, fmt.Errorf("bucket bounds must be strictly increasing: %s after %s", b, lowers[len(lowers)-1])
		}
		lowers = append(lowers, b)
	}

	entries := make([]bucketEntry, len(lowers))
	for i, lower := range lowers {
		upper := Uncapped()
		if i+1 < len(lowers) {
			upper = CapOf(lowers[i+1])
		}
		entries[i] = bucketEntry{lower: lower, upper: upper, marker: -1, top: -1}
	}
	return &BucketIndex{entries: entries}, nil
}

// Len returns the number of buckets.
func (bi *BucketIndex) Len() int { return len(bi.entries) }

// Locate returns the bucket holding cap c.
func (bi *BucketIndex) Locate(c Cap) int {
	if c.IsUncapped() {
		return len(bi.entries) - 1
	}
	i := sort.Search(len(bi.entries), func(i int) bool {
		return bi.entries[i].lower.GreaterThan(c.Amount())
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (bi *BucketIndex) valid(i int) bool {
	return i >= 0 && i < len(bi.entries)
}

// touch records a bid inserted into bucket i.
func (bi *BucketIndex) touch(i int, slot int, less func(a, b int) bool) {
	e := &bi.entries[i]
	e.count++
	if e.top == e.marker || less(e.top, slot) {
		e.top = slot
	}
}

func (bi *BucketIndex) view(i int, bidAt func(slot int) BidID) Bucket {
	e := bi.entries[i]
	b := Bucket{Index: i, Lower: e.lower, Upper: e.upper, Bids: e.count}
	if e.top != e.marker {
		b.Top = bidAt(e.top)
	}
	return b
}
