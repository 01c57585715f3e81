package memledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/model"
)

// Compute evaluates an aggregate the way the contracts do: unsigned integer
// arithmetic with truncating division. Mean and variance of an empty set are 0.
func Compute(t model.QueryType, values []uint32, param uint32) uint64 {
	n := uint64(len(values))
	if n == 0 {
		return 0
	}
	switch t {
	case model.QueryMean:
		return sum(values) / n
	case model.QueryVariance:
		mean := sum(values) / n
		var acc uint64
		for _, v := range values {
			d := int64(v) - int64(mean) //nolint:gosec // mean <= max uint32
			acc += uint64(d * d)        //nolint:gosec // square is non-negative
		}
		return acc / n
	case model.QueryCountAbove:
		var c uint64
		for _, v := range values {
			if v > param {
				c++
			}
		}
		return c
	case model.QueryCountBelow:
		var c uint64
		for _, v := range values {
			if v < param {
				c++
			}
		}
		return c
	default:
		return 0
	}
}

func sum(values []uint32) uint64 {
	var s uint64
	for _, v := range values {
		s += uint64(v)
	}
	return s
}

var handleTag = []byte("memledger/v1")

// Encryptor produces handles the memory ledger can open. It stands in for
// the relayer on the memory network; the "ciphertext" is not confidential.
type Encryptor struct{}

var _ encryption.Encryptor = Encryptor{}

// EncryptUint32 packs value into a tagged handle with a keccak proof.
func (Encryptor) EncryptUint32(_ context.Context, value uint32) (encryption.Ciphertext, error) {
	var ct encryption.Ciphertext
	copy(ct.Handle[:], handleTag)
	binary.BigEndian.PutUint32(ct.Handle[28:], value)
	ct.Proof = crypto.Keccak256(ct.Handle[:])
	return ct, nil
}

var errBadHandle = errors.New("handle not produced by memledger.Encryptor")

func openHandle(handle [32]byte, proof []byte) (uint32, error) {
	if !bytes.HasPrefix(handle[:], handleTag) {
		return 0, errBadHandle
	}
	if !bytes.Equal(proof, crypto.Keccak256(handle[:])) {
		return 0, errors.New("input proof does not verify")
	}
	return binary.BigEndian.Uint32(handle[28:]), nil
}
