package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ashita-ai/himitsu/internal/ledger"
)

// MemoryNetwork runs both contracts in process. It needs no node, signer or
// gateway and is the default for local development.
const MemoryNetwork = "memory"

// Default contract deployments. Override per network with
// HIMITSU_MOCK_CONTRACT and HIMITSU_FHE_CONTRACT.
var (
	DefaultMockContract = common.HexToAddress("0x9e138064d8B68E027c8Fe0C4da03325C91cecaeb")
	DefaultFHEContract  = common.HexToAddress("0x39adb32637D1E16C1Cd7159EE3a24C13c161FE69")
)

var networks = map[string]ledger.Network{
	MemoryNetwork: {Name: MemoryNetwork, ChainID: 0, FHE: true},
	"hardhat": {
		Name:    "hardhat",
		ChainID: 31337,
		RPCURL:  "http://127.0.0.1:8545",
	},
	"sepolia": {
		Name:       "sepolia",
		ChainID:    11155111,
		RPCURL:     "https://rpc.sepolia.org",
		FHE:        true,
		GatewayURL: "https://gateway.sepolia.zama.ai",
	},
	"zamaDevnet": {
		Name:       "zamaDevnet",
		ChainID:    8009,
		RPCURL:     "https://devnet.zama.ai",
		FHE:        true,
		GatewayURL: "https://gateway.zama.ai",
	},
	"zamaLocal": {
		Name:    "zamaLocal",
		ChainID: 9000,
		RPCURL:  "http://localhost:8545",
		FHE:     true,
	},
}

// ResolveNetwork looks a network up by name, case-insensitively.
func ResolveNetwork(name string) (ledger.Network, error) {
	if n, ok := networks[name]; ok {
		return n, nil
	}
	for k, n := range networks {
		if strings.EqualFold(k, name) {
			return n, nil
		}
	}
	return ledger.Network{}, fmt.Errorf("HIMITSU_NETWORK=%q is not a known network (%s)", name, strings.Join(NetworkNames(), ", "))
}

// NetworkNames lists the known networks in sorted order.
func NetworkNames() []string {
	names := make([]string, 0, len(networks))
	for k := range networks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
