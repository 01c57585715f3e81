package encryption

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/himitsu/internal/model"
)

// Ciphertext is an encrypted 32-bit value registered with the ledger's input verifier.
type Ciphertext struct {
	Handle [32]byte
	Proof  []byte
}

// Encryptor is the external encryption primitive. Implementations must be safe
// for concurrent use.
type Encryptor interface {
	EncryptUint32(ctx context.Context, value uint32) (Ciphertext, error)
}

// InstanceFactory creates the Encryptor on first use.
type InstanceFactory func(ctx context.Context) (Encryptor, error)

const defaultConcurrency = 4

// Homomorphic encrypts values item by item through an Encryptor.
// The Encryptor instance is created lazily and reused for the adapter's
// lifetime; a failed initialization is retried on the next call.
type Homomorphic struct {
	newInstance InstanceFactory
	concurrency int

	mu       sync.Mutex
	instance Encryptor
}

// NewHomomorphic returns an adapter that creates its Encryptor with factory.
// concurrency bounds in-flight encryptions per batch; <= 0 uses 4.
func NewHomomorphic(factory InstanceFactory, concurrency int) *Homomorphic {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Homomorphic{newInstance: factory, concurrency: concurrency}
}

// Mode returns model.ModeFHE.
func (h *Homomorphic) Mode() model.Mode { return model.ModeFHE }

func (h *Homomorphic) encryptor(ctx context.Context) (Encryptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.instance != nil {
		return h.instance, nil
	}
	if h.newInstance == nil {
		return nil, fmt.Errorf("%w: no encryption instance factory", model.ErrEncryptionFailed)
	}
	inst, err := h.newInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize instance: %w", model.ErrEncryptionFailed, err)
	}
	h.instance = inst
	return inst, nil
}

// PrepareUploadInputs validates the whole batch, then encrypts every value.
// The first failure cancels the remaining work and is reported as a
// *model.EncryptionError carrying the failing index; no partial result is returned.
func (h *Homomorphic) PrepareUploadInputs(ctx context.Context, values []int64) (UploadInputs, error) {
	if err := Validate(values); err != nil {
		return UploadInputs{}, err
	}
	enc, err := h.encryptor(ctx)
	if err != nil {
		return UploadInputs{}, err
	}

	handles := make([][32]byte, len(values))
	proofs := make([][]byte, len(values))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, v := range values {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ct, err := enc.EncryptUint32(gctx, uint32(v)) //nolint:gosec // range checked by Validate
			if err != nil {
				return &model.EncryptionError{Index: i, Err: err}
			}
			handles[i] = ct.Handle
			proofs[i] = ct.Proof
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return UploadInputs{}, err
	}
	return UploadInputs{Handles: handles, Proofs: proofs}, nil
}

// PrepareQueryParameter encrypts the threshold. An absent threshold becomes a
// zero handle with an empty proof, which the ledger ignores for MEAN/VARIANCE.
func (h *Homomorphic) PrepareQueryParameter(ctx context.Context, value *int64) (Parameter, error) {
	if value == nil {
		return Parameter{Proof: []byte{}}, nil
	}
	if err := ValidateValue(*value); err != nil {
		return Parameter{}, fmt.Errorf("parameter: %w", err)
	}
	enc, err := h.encryptor(ctx)
	if err != nil {
		return Parameter{}, err
	}
	ct, err := enc.EncryptUint32(ctx, uint32(*value)) //nolint:gosec // range checked above
	if err != nil {
		return Parameter{}, &model.EncryptionError{Index: 0, Err: err}
	}
	return Parameter{Present: true, Handle: ct.Handle, Proof: ct.Proof}, nil
}
