package core

import (
	"sort"
	"sync"
)

// NStore is the replication factor for a stored (key, value): a store
// request fans out to this many of the closest known peers (§4.4).
const NStore = 3

// dhtBucketCount is the number of XOR-distance buckets, one per possible
// bit position in a 256-bit Identifier.
const dhtBucketCount = IdentifierSize * 8

// DHT is the overlay's Kademlia-flavored routing table and local value
// store (§4.4). Adapted from core_keep/kademlia.go: bucket indexing and
// nearest-peer selection generalize directly from its 160-bit NodeID to our
// 256-bit Identifier; the value store gains kind-aware storage (Permanent/
// Temporary/Distributed) via ValueStore instead of Kademlia's bare
// map[key][]byte.
type DHT struct {
	self    Identifier
	mu      sync.RWMutex
	buckets [dhtBucketCount][]Identifier

	values *ValueStore
}

// NewDHT creates a routing table for self, persisting stored values via vs.
func NewDHT(self Identifier, vs *ValueStore) *DHT {
	return &DHT{self: self, values: vs}
}

func (d *DHT) bucketIndex(id Identifier) int {
	dist := d.self.Distance(id)
	bl := dist.bitLen()
	if bl == 0 {
		return dhtBucketCount - 1
	}
	return dhtBucketCount - bl
}

// AddPeer records id as reachable, placing it in the bucket matching its
// distance from self.
func (d *DHT) AddPeer(id Identifier) {
	if id == d.self {
		return
	}
	idx := d.bucketIndex(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.buckets[idx] {
		if p == id {
			return
		}
	}
	d.buckets[idx] = append(d.buckets[idx], id)
}

// RemovePeer drops id from the routing table, called when its link closes.
func (d *DHT) RemovePeer(id Identifier) {
	idx := d.bucketIndex(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.buckets[idx]
	for i, p := range list {
		if p == id {
			d.buckets[idx] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Nearest returns up to count known peers closest to target, sorted by
// increasing XOR distance (the candidate set retrieve/store route through,
// §4.4).
func (d *DHT) Nearest(target Identifier, count int) []Identifier {
	idx := d.bucketIndex(target)
	d.mu.RLock()
	candidates := make([]Identifier, 0, count*2)
	candidates = append(candidates, d.buckets[idx]...)
	for offset := 1; offset < dhtBucketCount && len(candidates) < count*4; offset++ {
		if lo := idx - offset; lo >= 0 {
			candidates = append(candidates, d.buckets[lo]...)
		}
		if hi := idx + offset; hi < dhtBucketCount {
			candidates = append(candidates, d.buckets[hi]...)
		}
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j], target)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// StoreLocal records (key, value) in the local share of the DHT, called
// both for values this node originates and for replicas it holds on behalf
// of the network (§4.4, I1: repeated stores of identical data are
// idempotent because ValueStore.StoreValue dedupes by value bytes).
func (d *DHT) StoreLocal(key Identifier, value []byte, kind ValueKind) {
	d.values.StoreValue(key, value, kind)
}

// RetrieveLocal returns every value this node holds locally under key.
func (d *DHT) RetrieveLocal(key Identifier) [][]byte {
	return d.values.RetrieveValue(key)
}

// ReplicationTargets returns the NStore closest known peers to key, the set
// a store operation should fan out to.
func (d *DHT) ReplicationTargets(key Identifier) []Identifier {
	return d.Nearest(key, NStore)
}
