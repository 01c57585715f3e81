// Package integrity computes dataset commitments. A provider keeps the
// root returned at upload time; re-hashing the same values later proves
// what was encrypted without the ledger ever holding plaintext.
// All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// rootPrefix versions the commitment format.
const rootPrefix = "v1:"

// LeafHash hashes one value at its position: SHA-256(0x00 || index || value),
// both big-endian. The position binds the value to its place in the dataset.
func LeafHash(index int, value int64) string {
	var buf [13]byte
	buf[0] = 0x00 // leaf domain separator
	binary.BigEndian.PutUint32(buf[1:5], uint32(index)) //nolint:gosec // datasets hold at most a few thousand values
	binary.BigEndian.PutUint64(buf[5:], uint64(value))  //nolint:gosec // values are validated non-negative
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

// ValuesRoot returns the versioned Merkle root over values in upload order.
// An empty dataset has no root.
func ValuesRoot(values []int64) string {
	if len(values) == 0 {
		return ""
	}
	leaves := make([]string, len(values))
	for i, v := range values {
		leaves[i] = LeafHash(i, v)
	}
	return rootPrefix + BuildMerkleRoot(leaves)
}

// VerifyValues reports whether values hash to root.
func VerifyValues(root string, values []int64) bool {
	return root != "" && root == ValuesRoot(values)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaf order is significant. An empty input returns "", a single leaf is its
// own root, and odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
