package core

// ValueStore is the thin domain wrapper around storeDB's map table,
// exposing the store_value / retrieve_value primitives the overlay DHT and
// the pub/sub fabric's subscription records build on (§4.1, §4.4). It
// shares the BlockStore's underlying storeDB so both block index and value
// map are flushed together.
type ValueStore struct {
	db *storeDB
}

// NewValueStore wraps an already-open BlockStore's index.
func NewValueStore(bs *BlockStore) *ValueStore {
	return &ValueStore{db: bs.db}
}

// StoreValue records value under key. kind distinguishes data the local
// node considers permanent (e.g. its own published records), temporary
// (received as part of a request and cached opportunistically), or
// distributed (held locally as this node's share of the DHT's replication
// set for key).
func (vs *ValueStore) StoreValue(key Identifier, value []byte, kind ValueKind) {
	vs.db.putValue(key, value, kind)
}

// RetrieveValue returns every value currently stored under key.
func (vs *ValueStore) RetrieveValue(key Identifier) [][]byte {
	return vs.db.getValues(key)
}
