package dht

import (
	"bytes"
	"math/bits"
	"sort"
	"sync"

	"github.com/Charana123/tori/go-torrent/compact"
)

const (
	BUCKET_SIZE = 8
	MAX_BUCKETS = 160
)

// Distance is the XOR of two ids.
func Distance(a, b [20]byte) [20]byte {
	var d [20]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// PrefixLen counts the leading zero bits of the XOR of a and b, 160 when
// they are equal.
func PrefixLen(a, b [20]byte) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return 160
}

// Bucket i holds the nodes sharing exactly i leading bits with the local
// id, except the last bucket which holds everything closer.
type RoutingTable struct {
	sync.RWMutex
	self    [20]byte
	buckets [][]compact.Node
}

func NewRoutingTable(self [20]byte) *RoutingTable {
	return &RoutingTable{
		self:    self,
		buckets: [][]compact.Node{{}},
	}
}

func (rt *RoutingTable) bucketIndex(id [20]byte) int {
	i := PrefixLen(rt.self, id)
	if last := len(rt.buckets) - 1; i > last {
		return last
	}
	return i
}

// Insert adds or refreshes node. It returns false when the node was
// dropped because its bucket is full and can no longer split.
func (rt *RoutingTable) Insert(node compact.Node) bool {
	if node.ID == rt.self {
		return false
	}
	rt.Lock()
	defer rt.Unlock()

	for {
		i := rt.bucketIndex(node.ID)
		bucket := rt.buckets[i]
		for j, n := range bucket {
			if n.ID == node.ID {
				// most recently seen goes last
				bucket = append(bucket[:j], bucket[j+1:]...)
				rt.buckets[i] = append(bucket, node)
				return true
			}
		}
		if len(bucket) < BUCKET_SIZE {
			rt.buckets[i] = append(bucket, node)
			return true
		}
		if i != len(rt.buckets)-1 || len(rt.buckets) >= MAX_BUCKETS {
			return false
		}
		rt.split()
	}
}

// split moves the closest nodes of the last bucket into a new last bucket.
func (rt *RoutingTable) split() {
	last := len(rt.buckets) - 1
	keep := []compact.Node{}
	moved := []compact.Node{}
	for _, n := range rt.buckets[last] {
		if PrefixLen(rt.self, n.ID) > last {
			moved = append(moved, n)
		} else {
			keep = append(keep, n)
		}
	}
	rt.buckets[last] = keep
	rt.buckets = append(rt.buckets, moved)
}

func (rt *RoutingTable) Remove(id [20]byte) {
	rt.Lock()
	defer rt.Unlock()

	i := rt.bucketIndex(id)
	for j, n := range rt.buckets[i] {
		if n.ID == id {
			rt.buckets[i] = append(rt.buckets[i][:j], rt.buckets[i][j+1:]...)
			return
		}
	}
}

// Closest returns up to k known nodes ordered by XOR distance to target.
func (rt *RoutingTable) Closest(target [20]byte, k int) []compact.Node {
	rt.RLock()
	nodes := []compact.Node{}
	for _, bucket := range rt.buckets {
		nodes = append(nodes, bucket...)
	}
	rt.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		di := Distance(nodes[i].ID, target)
		dj := Distance(nodes[j].ID, target)
		return bytes.Compare(di[:], dj[:]) < 0
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}

func (rt *RoutingTable) Len() int {
	rt.RLock()
	defer rt.RUnlock()

	n := 0
	for _, bucket := range rt.buckets {
		n += len(bucket)
	}
	return n
}

func (rt *RoutingTable) NumBuckets() int {
	rt.RLock()
	defer rt.RUnlock()

	return len(rt.buckets)
}
