package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ashita-ai/himitsu/internal/model"
)

// Network is a known chain. FHE networks run the encrypted contract and a
// decryption gateway.
type Network struct {
	Name       string
	ChainID    uint64
	RPCURL     string
	FHE        bool
	GatewayURL string
}

// DialConfig describes one ledger binding.
type DialConfig struct {
	Mode     model.Mode
	Network  Network
	Contract common.Address
	// SignerKey is a hex private key. When empty the node's unlocked
	// account (SignerAccount, or the first one) signs.
	SignerKey     string
	SignerAccount common.Address
	Options       Options
}

// Conn is a dialed binding plus the raw clients the CLI reads balances from.
type Conn struct {
	Client Client
	Signer Signer
	Eth    *ethclient.Client
	RPC    *rpc.Client
}

// Close releases the RPC connection.
func (c *Conn) Close() {
	if c.RPC != nil {
		c.RPC.Close()
	}
}

// Dial connects to the network, verifies the chain id and contract code,
// and returns the binding for cfg.Mode. Selecting FHE on a network without
// FHE support, or reaching a node on a different chain, is ErrNetworkMismatch.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if cfg.Mode == model.ModeFHE && !cfg.Network.FHE {
		return nil, fmt.Errorf("%w: %s does not run the encrypted contract", model.ErrNetworkMismatch, cfg.Network.Name)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: no %s contract address for %s", model.ErrContractNotInitialized, cfg.Mode, cfg.Network.Name)
	}
	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", cfg.Network.Name, err)
	}
	eth := ethclient.NewClient(rpcClient)
	conn := &Conn{Eth: eth, RPC: rpcClient}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: chain id: %w", err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != cfg.Network.ChainID {
		conn.Close()
		return nil, fmt.Errorf("%w: node is on chain %s, %s is %d", model.ErrNetworkMismatch, chainID, cfg.Network.Name, cfg.Network.ChainID)
	}
	code, err := eth.CodeAt(ctx, cfg.Contract, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: contract code: %w", err)
	}
	if len(code) == 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: no code at %s on %s", model.ErrContractNotInitialized, cfg.Contract.Hex(), cfg.Network.Name)
	}

	var signer Signer
	if cfg.SignerKey != "" {
		ks, err := NewKeySigner(cfg.SignerKey, chainID, eth)
		if err != nil {
			conn.Close()
			return nil, err
		}
		signer = ks
	} else {
		signer = NewNodeSigner(rpcClient, cfg.SignerAccount)
	}
	conn.Signer = signer

	switch cfg.Mode {
	case model.ModeFHE:
		conn.Client = NewFHEClient(cfg.Contract, eth, signer, cfg.Options)
	default:
		conn.Client = NewMockClient(cfg.Contract, eth, signer, cfg.Options)
	}
	logger.Info("ledger: connected", "network", cfg.Network.Name, "chain_id", cfg.Network.ChainID,
		"mode", cfg.Mode, "contract", cfg.Contract.Hex())
	return conn, nil
}
