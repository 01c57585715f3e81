// Package encryption converts plaintext dataset values and query thresholds into
// the representation the active ledger backend expects.
//
// The Plaintext adapter passes values through unchanged for the mock contract.
// The Homomorphic adapter delegates each value to an external Encryptor and
// returns ciphertext handles with their input proofs. Both validate the whole
// batch before any encryption runs, so a rejected batch never half-encrypts.
package encryption

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ashita-ai/himitsu/internal/model"
)

// Input bounds enforced by every adapter.
const (
	MinValues = 1
	MaxValues = 1000
	MaxValue  = math.MaxUint32
)

// UploadInputs is the backend-specific encoding of a dataset.
// Plaintext adapters fill Plain; homomorphic adapters fill Handles and Proofs in parallel.
type UploadInputs struct {
	Plain   []*big.Int
	Handles [][32]byte
	Proofs  [][]byte
}

// Len returns the number of encoded values.
func (u UploadInputs) Len() int {
	if u.Plain != nil {
		return len(u.Plain)
	}
	return len(u.Handles)
}

// Parameter is the backend-specific encoding of an optional query threshold.
// When Present is false the ledger receives a zero value and ignores it.
type Parameter struct {
	Present bool
	Plain   *big.Int
	Handle  [32]byte
	Proof   []byte
}

// Adapter prepares inputs for one backend.
type Adapter interface {
	Mode() model.Mode
	PrepareUploadInputs(ctx context.Context, values []int64) (UploadInputs, error)
	PrepareQueryParameter(ctx context.Context, value *int64) (Parameter, error)
}

// Validate checks batch size and per-value range. It is exported so the
// lifecycle manager can reject bad uploads before touching settlement or the ledger.
func Validate(values []int64) error {
	if len(values) < MinValues || len(values) > MaxValues {
		return fmt.Errorf("%w: got %d values, want %d..%d", model.ErrInvalidInputSize, len(values), MinValues, MaxValues)
	}
	for i, v := range values {
		if err := ValidateValue(v); err != nil {
			return fmt.Errorf("values[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateValue checks that v fits an unsigned 32-bit ledger integer.
func ValidateValue(v int64) error {
	if v < 0 || v > MaxValue {
		return fmt.Errorf("%w: %d not in 0..%d", model.ErrValueOutOfRange, v, uint64(MaxValue))
	}
	return nil
}

// Plaintext is the identity adapter used with the mock contract.
type Plaintext struct{}

// NewPlaintext returns the identity adapter.
func NewPlaintext() Plaintext { return Plaintext{} }

// Mode returns model.ModeMock.
func (Plaintext) Mode() model.Mode { return model.ModeMock }

// PrepareUploadInputs validates values and returns them as ledger integers.
func (Plaintext) PrepareUploadInputs(_ context.Context, values []int64) (UploadInputs, error) {
	if err := Validate(values); err != nil {
		return UploadInputs{}, err
	}
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return UploadInputs{Plain: out}, nil
}

// PrepareQueryParameter returns the threshold as a ledger integer, or zero when absent.
func (Plaintext) PrepareQueryParameter(_ context.Context, value *int64) (Parameter, error) {
	if value == nil {
		return Parameter{Plain: new(big.Int)}, nil
	}
	if err := ValidateValue(*value); err != nil {
		return Parameter{}, fmt.Errorf("parameter: %w", err)
	}
	return Parameter{Present: true, Plain: big.NewInt(*value)}, nil
}
