package keyspace

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

const (
	// Bits is the size of the identifier space in bits
	Bits = 160

	// Size is the length of an identifier in bytes
	Size = Bits / 8
)

// ID identifies both nodes and keys. Distances between IDs are also IDs.
type ID [Size]byte

// Zero is the all-zero identifier.
var Zero ID

// RandomID returns an identifier drawn from crypto/rand.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		panic(fmt.Sprintf("keyspace: reading random bytes: %v", err))
	}
	return id
}

// HashKey derives an identifier from arbitrary data using SHA-1.
func HashKey(data []byte) ID {
	return ID(sha1.Sum(data))
}

// HashString hashes a string to an identifier.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// ParseHex parses a 40 character hex string.
func ParseHex(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != Size*2 {
		return id, fmt.Errorf("invalid id length %d, want %d hex characters", len(s), Size*2)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// ParseKey accepts either a 40 character hex id or any other string, which is hashed.
func ParseKey(s string) ID {
	if id, err := ParseHex(s); err == nil {
		return id
	}
	return HashString(s)
}

// FromBytes copies b into an ID. b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("invalid id length %d, want %d bytes", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// String returns the full lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string {
	return id.String()[:8]
}

// Bytes returns a copy of the identifier bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// Distance returns the XOR of a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare orders identifiers as unsigned big-endian integers.
// It returns -1, 0 or +1.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a < b.
func Less(a, b ID) bool {
	return Compare(a, b) < 0
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b ID) bool {
	return Less(Distance(target, a), Distance(target, b))
}

// LeadingZeros counts the leading zero bits of d, most significant byte first.
// The all-zero value yields Bits.
func LeadingZeros(d ID) int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return Bits
}

// BucketIndex returns the k-bucket that id falls into relative to local,
// clamped to [0, Bits-1].
func BucketIndex(local, id ID) int {
	idx := LeadingZeros(Distance(local, id))
	if idx >= Bits {
		return Bits - 1
	}
	return idx
}

// RandomIDInBucket returns a random identifier whose distance to local has exactly
// index leading zero bits, so that BucketIndex(local, result) == index.
func RandomIDInBucket(local ID, index int) ID {
	if index < 0 {
		index = 0
	}
	if index >= Bits {
		index = Bits - 1
	}

	d := RandomID()
	byteIdx, bitIdx := index/8, uint(index%8)

	for i := 0; i < byteIdx; i++ {
		d[i] = 0
	}
	// clear the bits above the target bit, then set it
	mask := byte(0xff) >> bitIdx
	d[byteIdx] &= mask
	d[byteIdx] |= 0x80 >> bitIdx

	return Distance(local, d)
}
