package encryption

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RelayerConfig points at the encryption relayer sidecar. The sidecar holds the
// network's public FHE key, encrypts inputs for a (contract, user) pair and
// returns the ciphertext handle plus its input proof. It runs inside the
// caller's trust boundary; plaintext never leaves it for the ledger.
type RelayerConfig struct {
	URL      string
	ChainID  uint64
	Contract common.Address
	User     common.Address
	Timeout  time.Duration
}

// RelayerEncryptor implements Encryptor over the relayer's HTTP API.
type RelayerEncryptor struct {
	baseURL    string
	chainID    uint64
	contract   common.Address
	user       common.Address
	keyID      string
	httpClient *http.Client
}

type relayerKeysResponse struct {
	KeyID   string `json:"key_id"`
	ChainID uint64 `json:"chain_id"`
}

type relayerEncryptRequest struct {
	ChainID  uint64 `json:"chain_id"`
	Contract string `json:"contract_address"`
	User     string `json:"user_address"`
	KeyID    string `json:"key_id"`
	Bits     int    `json:"bits"`
	Value    uint32 `json:"value"`
}

type relayerEncryptResponse struct {
	Handle string `json:"handle"`
	Proof  string `json:"proof"`
}

// NewRelayerFactory returns an InstanceFactory that fetches the relayer's key
// material once and yields a ready RelayerEncryptor.
func NewRelayerFactory(cfg RelayerConfig) InstanceFactory {
	return func(ctx context.Context) (Encryptor, error) {
		return NewRelayerEncryptor(ctx, cfg)
	}
}

// NewRelayerEncryptor loads key material from GET /v1/keys and checks it
// matches the configured chain.
func NewRelayerEncryptor(ctx context.Context, cfg RelayerConfig) (*RelayerEncryptor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relayer: url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &RelayerEncryptor{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		chainID:    cfg.ChainID,
		contract:   cfg.Contract,
		user:       cfg.User,
		httpClient: &http.Client{Timeout: timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/keys?chain_id=%d", r.baseURL, r.chainID), nil)
	if err != nil {
		return nil, fmt.Errorf("relayer: create request: %w", err)
	}
	var keys relayerKeysResponse
	if err := r.do(req, &keys); err != nil {
		return nil, fmt.Errorf("relayer: load keys: %w", err)
	}
	if keys.KeyID == "" {
		return nil, fmt.Errorf("relayer: no key material for chain %d", r.chainID)
	}
	if keys.ChainID != 0 && keys.ChainID != r.chainID {
		return nil, fmt.Errorf("relayer: key material is for chain %d, want %d", keys.ChainID, r.chainID)
	}
	r.keyID = keys.KeyID
	return r, nil
}

// EncryptUint32 encrypts one value via POST /v1/encrypt.
func (r *RelayerEncryptor) EncryptUint32(ctx context.Context, value uint32) (Ciphertext, error) {
	body, err := json.Marshal(relayerEncryptRequest{
		ChainID:  r.chainID,
		Contract: r.contract.Hex(),
		User:     r.user.Hex(),
		KeyID:    r.keyID,
		Bits:     32,
		Value:    value,
	})
	if err != nil {
		return Ciphertext{}, fmt.Errorf("relayer: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/encrypt", bytes.NewReader(body))
	if err != nil {
		return Ciphertext{}, fmt.Errorf("relayer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out relayerEncryptResponse
	if err := r.do(req, &out); err != nil {
		return Ciphertext{}, fmt.Errorf("relayer: encrypt: %w", err)
	}

	handle, err := hexutil.Decode(out.Handle)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("relayer: decode handle: %w", err)
	}
	if len(handle) != 32 {
		return Ciphertext{}, fmt.Errorf("relayer: handle is %d bytes, want 32", len(handle))
	}
	proof, err := hexutil.Decode(out.Proof)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("relayer: decode proof: %w", err)
	}
	var ct Ciphertext
	copy(ct.Handle[:], handle)
	ct.Proof = proof
	return ct, nil
}

func (r *RelayerEncryptor) do(req *http.Request, out any) error {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
