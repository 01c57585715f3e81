package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/config"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
)

func (c *cli) hashKeyCmd() *cobra.Command {
	var (
		key, clientID, role string
		generate            bool
	)
	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for HIMITSU_CLIENTS",
		Long: `hash-key prints the HIMITSU_CLIENTS entry for --client with --role. The key
comes from --key, from stdin, or is generated with --generate. The hash is
bound to the client id and role: changing either needs a new hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := model.ValidateClientID(clientID); err != nil {
				return err
			}
			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			out := map[string]string{}
			switch {
			case generate:
				raw, prefix, err := model.GenerateRawKey()
				if err != nil {
					return err
				}
				key = raw
				out["api_key"], out["key_prefix"] = raw, prefix
			case key == "":
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no key: pass --key, --generate or a key on stdin")
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return errors.New("api key must not be empty")
			}
			hash, err := auth.HashAPIKey(clientID, r, key)
			if err != nil {
				return err
			}
			out["hash"] = hash
			out["client_entry"] = fmt.Sprintf("%s:%s:%s", clientID, r, hash)
			return c.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "API key to hash")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new API key")
	cmd.Flags().StringVar(&clientID, "client", "", "client id the key belongs to")
	cmd.Flags().StringVar(&role, "role", string(model.RoleBuyer), "role for the entry: reader, buyer, provider or admin")
	cmd.MarkFlagsMutuallyExclusive("key", "generate")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func (c *cli) jwtKeysCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "jwt-keys",
		Short: "Generate a persistent Ed25519 key pair for signing tokens",
		Long: `jwt-keys writes jwt_private.pem and jwt_public.pem into --dir. Point
HIMITSU_JWT_PRIVATE_KEY and HIMITSU_JWT_PUBLIC_KEY at them; without them the
server signs with an ephemeral key and every restart invalidates all tokens.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			priv, pub := filepath.Join(dir, "jwt_private.pem"), filepath.Join(dir, "jwt_public.pem")
			if err := auth.WriteKeyPair(priv, pub); err != nil {
				return err
			}
			return c.printJSON(map[string]string{
				"HIMITSU_JWT_PRIVATE_KEY": priv,
				"HIMITSU_JWT_PUBLIC_KEY":  pub,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key files")
	return cmd
}

// rpcStatus is one row of rpc-check output.
type rpcStatus struct {
	Network         string `json:"network"`
	RPCURL          string `json:"rpc_url"`
	ExpectedChainID uint64 `json:"expected_chain_id,omitempty"`
	ChainID         uint64 `json:"chain_id,omitempty"`
	HeadBlock       uint64 `json:"head_block,omitempty"`
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
}

func (c *cli) rpcCheckCmd() *cobra.Command {
	var (
		rpcURL  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rpc-check",
		Short: "Check chain id and head block of the known networks",
		Long: `rpc-check dials every known network (or only --network, or only --rpc-url)
and reports its chain id and head block. A node answering with a chain id
other than the network's is reported as a mismatch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var targets []ledger.Network
			switch {
			case rpcURL != "":
				targets = []ledger.Network{{Name: "custom", RPCURL: rpcURL}}
			case c.network != "":
				n, err := config.ResolveNetwork(c.network)
				if err != nil {
					return err
				}
				targets = []ledger.Network{n}
			default:
				for _, name := range config.NetworkNames() {
					n, _ := config.ResolveNetwork(name)
					targets = append(targets, n)
				}
			}

			results := make([]rpcStatus, len(targets))
			g, ctx := errgroup.WithContext(cmd.Context())
			for i, n := range targets {
				g.Go(func() error {
					results[i] = checkRPC(ctx, n, timeout)
					return nil
				})
			}
			_ = g.Wait()

			if err := c.printJSON(results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.OK {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d networks failed the check", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "check a single JSON-RPC endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-network timeout")
	return cmd
}

func checkRPC(ctx context.Context, n ledger.Network, timeout time.Duration) rpcStatus {
	st := rpcStatus{Network: n.Name, RPCURL: n.RPCURL, ExpectedChainID: n.ChainID}
	if n.RPCURL == "" {
		st.OK = true // in-process network
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, n.RPCURL)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer eth.Close()

	id, err := eth.ChainID(ctx)
	if err != nil {
		st.Error = fmt.Sprintf("chain id: %v", err)
		return st
	}
	st.ChainID = id.Uint64()
	head, err := eth.BlockNumber(ctx)
	if err != nil {
		st.Error = fmt.Sprintf("head block: %v", err)
		return st
	}
	st.HeadBlock = head
	if n.ChainID != 0 && st.ChainID != n.ChainID {
		st.Error = fmt.Sprintf("%v: node reports chain %d", model.ErrNetworkMismatch, st.ChainID)
		return st
	}
	st.OK = true
	return st
}

func (c *cli) balanceCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the signer's address and balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			stack, err := c.core(ctx)
			if err != nil {
				return err
			}
			mode := stack.Session.CurrentMode()
			if modeFlag != "" {
				if mode, err = model.ParseMode(modeFlag); err != nil {
					return err
				}
			}
			conn, err := stack.Dial(ctx, mode)
			if err != nil {
				return err
			}
			defer conn.Close()

			addr, err := conn.Signer.Address(ctx)
			if err != nil {
				return err
			}
			bal, err := conn.Eth.BalanceAt(ctx, addr, nil)
			if err != nil {
				return fmt.Errorf("balance: %w", err)
			}
			return c.printJSON(map[string]string{
				"network":     stack.Config.Network.Name,
				"address":     addr.Hex(),
				"balance_wei": bal.String(),
				"balance_eth": new(big.Rat).SetFrac(bal, big.NewInt(1e18)).FloatString(6),
			})
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "contract to dial (defaults to the active mode)")
	return cmd
}
