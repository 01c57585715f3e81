package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ashita-ai/himitsu/internal/model"
)

// TxBackend is what KeySigner needs to build and broadcast a transaction.
// *ethclient.Client satisfies it.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeySigner signs locally with a secp256k1 private key. Sends are serialized
// so concurrent callers never share a nonce.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	backend TxBackend

	mu        sync.Mutex
	nextNonce uint64 // zero until the first successful broadcast
}

// NewKeySigner parses a hex private key (with or without 0x).
func NewKeySigner(hexKey string, chainID *big.Int, backend TxBackend) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse signer key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		backend: backend,
	}, nil
}

// Address returns the key's account.
func (s *KeySigner) Address(context.Context) (common.Address, error) { return s.address, nil }

// SendTransaction fills nonce, fees and gas, signs and broadcasts. It uses a
// dynamic-fee transaction when the chain reports a base fee.
//
// The nonce is the larger of the node's pending nonce and the one after this
// signer's last broadcast, since the node may not yet count a transaction it
// just accepted. A failed broadcast drops the local value.
func (s *KeySigner) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.From != s.address {
		return common.Hash{}, fmt.Errorf("ledger: signer is %s, request is from %s", s.address.Hex(), req.From.Hex())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: nonce: %w", err)
	}
	nonce = max(nonce, s.nextNonce)
	gas := req.Gas
	if gas == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &req.To, Value: req.Value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("ledger: estimate gas: %w", err)
		}
		gas = est + est/5
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: latest header: %w", err)
	}

	to := req.To
	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("ledger: gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     req.Value,
			Data:      req.Data,
		})
	} else {
		price, err := s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("ledger: gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gas, To: &to, Value: req.Value, Data: req.Data})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nextNonce = 0
		return common.Hash{}, fmt.Errorf("ledger: broadcast: %w", err)
	}
	s.nextNonce = nonce + 1
	return signed.Hash(), nil
}

// RPCCaller issues raw JSON-RPC calls. *rpc.Client satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// NodeSigner delegates signing to an unlocked account on the connected node,
// the way a browser wallet signs for a dapp.
type NodeSigner struct {
	rpc     RPCCaller
	account common.Address
}

// NewNodeSigner signs as account, or as the node's first account when zero.
func NewNodeSigner(rpc RPCCaller, account common.Address) *NodeSigner {
	return &NodeSigner{rpc: rpc, account: account}
}

// Address resolves the sending account via eth_accounts. No unlocked account
// is ErrWalletNotConnected.
func (s *NodeSigner) Address(ctx context.Context) (common.Address, error) {
	var accounts []common.Address
	if err := s.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, fmt.Errorf("ledger: eth_accounts: %w", err)
	}
	if len(accounts) == 0 {
		return common.Address{}, model.ErrWalletNotConnected
	}
	if s.account == (common.Address{}) {
		return accounts[0], nil
	}
	for _, a := range accounts {
		if a == s.account {
			return a, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s is not unlocked on the node", model.ErrWalletNotConnected, s.account.Hex())
}

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// SendTransaction calls eth_sendTransaction with an explicit from.
func (s *NodeSigner) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	args := sendTxArgs{From: req.From, To: req.To, Data: req.Data}
	if req.Value != nil && req.Value.Sign() > 0 {
		args.Value = (*hexutil.Big)(req.Value)
	}
	if req.Gas > 0 {
		g := hexutil.Uint64(req.Gas)
		args.Gas = &g
	}
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: eth_sendTransaction: %w", err)
	}
	return hash, nil
}
