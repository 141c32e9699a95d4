package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// IdentifierSize is the length, in bytes, of a Teapotnet identifier: a
// node id, a user id, or a block digest.
const IdentifierSize = 32

// Identifier is a 256-bit opaque name. It is used, uniformly, for node ids
// (hash of the node public key), user ids (hash of the user public key) and
// block digests (hash of the block bytes). Ordering is lexicographic; the
// overlay metric is XOR distance (Distance).
type Identifier [IdentifierSize]byte

// ZeroIdentifier is the all-zero identifier, used as a sentinel for "no
// destination" / "unset".
var ZeroIdentifier Identifier

// RandomIdentifier returns a CSPRNG-generated identifier. Used for tunnel
// ids truncated to 64 bits and other nonces, not for cryptographic keys.
func RandomIdentifier() (Identifier, error) {
	var id Identifier
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("random identifier: %w", err)
	}
	return id, nil
}

// IdentifierFromBytes copies b into a new Identifier. It returns an error if
// b is not exactly IdentifierSize bytes long.
func IdentifierFromBytes(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) != IdentifierSize {
		return id, fmt.Errorf("identifier: expected %d bytes, got %d", IdentifierSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IdentifierFromHex parses a hex-encoded identifier.
func IdentifierFromHex(s string) (Identifier, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		var id Identifier
		return id, fmt.Errorf("identifier: %w", err)
	}
	return IdentifierFromBytes(b)
}

// String renders the identifier as lowercase hex.
func (id Identifier) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the all-zero identifier.
func (id Identifier) IsZero() bool { return id == ZeroIdentifier }

// Compare implements the identifier's total (lexicographic) ordering:
// negative if id < other, zero if equal, positive if id > other.
func (id Identifier) Compare(other Identifier) int {
	return bytes.Compare(id[:], other[:])
}

// Distance returns the XOR distance between id and other, the metric that
// drives overlay routing and the DHT (§3, §4.4).
func (id Identifier) Distance(other Identifier) Identifier {
	var d Identifier
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether a's XOR distance to target is strictly less than
// b's, the comparison used everywhere peers are sorted "closest first".
func Less(a, b, target Identifier) bool {
	da := a.Distance(target)
	db := b.Distance(target)
	return da.Compare(db) < 0
}

// bitLen returns the position (1-indexed, counted from the least significant
// bit) of the highest set bit in id, or 0 if id is all zero. Used for Kademlia-style
// bucket indexing.
func (id Identifier) bitLen() int {
	for i := 0; i < len(id); i++ {
		if id[i] != 0 {
			return (len(id)-i-1)*8 + bits.Len8(id[i])
		}
	}
	return 0
}

// SortByDistance sorts ids in place by increasing XOR distance to target.
func SortByDistance(ids []Identifier, target Identifier) {
	// insertion sort: N_STORE-sized slices dominate call sites (§4.4 §4.9),
	// so an O(n^2) pass keeps this file free of a sort.Interface shim.
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && Less(ids[j], ids[j-1], target) {
			ids[j], ids[j-1] = ids[j-1], ids[j]
			j--
		}
	}
}
