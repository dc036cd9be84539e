// Package kademlia implements the structured overlay primitives of the
// Kademlia DHT: the 256-bit NodeId space, k-buckets, and the routing
// table built from them. It follows the teacher toxcore.dht package's
// shape (XOR distance, bucket-index-by-highest-set-bit, LRU buckets) but
// generalizes the identifier from a Tox-specific public-key wrapper to a
// SHA-256 digest, per the specification.
package kademlia

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IDSize is the length, in bytes, of a NodeId (256 bits).
const IDSize = 32

// ID is a 256-bit opaque identifier with XOR distance and a total byte
// order. NodeIds are derived as SHA-256(encryption public key) for real
// nodes, or SHA-256(utf8 string) for arbitrary DHT keys (e.g. usernames).
type ID [IDSize]byte

// FromBytes wraps a raw 32-byte slice as an ID.
func FromBytes(raw []byte) (ID, error) {
	var id ID
	if len(raw) != IDSize {
		return id, fmt.Errorf("kademlia: invalid id length %d, want %d", len(raw), IDSize)
	}
	copy(id[:], raw)
	return id, nil
}

// FromString derives an ID as SHA-256(utf8(s)). Used for hashing usernames
// and other string keys into the DHT keyspace.
func FromString(s string) ID {
	return ID(sha256.Sum256([]byte(s)))
}

// FromPublicKey derives an ID as SHA-256(pk). Used to compute the NodeId
// of a real node from its X25519 encryption public key.
func FromPublicKey(pk [32]byte) ID {
	return ID(sha256.Sum256(pk[:]))
}

// Random returns a cryptographically random ID, used for test fixtures
// and for sampling random targets during bucket-refresh lookups.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// String returns the lowercase hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// DistanceTo computes the XOR-metric distance to other. The metric is
// symmetric (DistanceTo is commutative) and d(x,x) is the zero ID.
func (id ID) DistanceTo(other ID) ID {
	var d ID
	for i := 0; i < IDSize; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// HighestBitIndex returns the position of the highest set bit in id,
// scanning from the most significant byte, or -1 if id is all zero.
func (id ID) HighestBitIndex() int {
	for i := 0; i < IDSize; i++ {
		if id[i] == 0 {
			continue
		}
		b := id[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return -1
}

// BucketIndex returns the k-bucket index of other relative to id: the
// position of the highest set bit of DistanceTo(other), or -1 if
// id == other (that node is never bucketed).
func (id ID) BucketIndex(other ID) int {
	return id.DistanceTo(other).HighestBitIndex()
}

// GetBit returns the bit at the given position (0 = most significant bit
// of byte 0), counting from the most significant byte.
func (id ID) GetBit(position int) bool {
	if position < 0 || position >= IDSize*8 {
		return false
	}
	byteIdx := position / 8
	bitIdx := 7 - (position % 8)
	return (id[byteIdx]>>bitIdx)&1 == 1
}

// Less implements the total byte-lexicographic order over IDs.
func (id ID) Less(other ID) bool {
	for i := 0; i < IDSize; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Equal reports whether id and other are the same identifier.
func (id ID) Equal(other ID) bool {
	return id == other
}

// lessDistance compares two XOR distances lexicographically, most
// significant byte first. Used to sort candidate nodes by proximity to a
// lookup target.
func lessDistance(a, b ID) bool {
	return a.Less(b)
}
