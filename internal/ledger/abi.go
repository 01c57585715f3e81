package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Shared read surface of both marketplace contracts.
const readABI = `
{"type":"function","name":"getDataset","stateMutability":"view",
 "inputs":[{"name":"datasetId","type":"uint256"}],
 "outputs":[{"name":"id","type":"uint256"},{"name":"owner","type":"address"},{"name":"name","type":"string"},
  {"name":"description","type":"string"},{"name":"dataSize","type":"uint256"},{"name":"pricePerQuery","type":"uint256"},
  {"name":"totalQueries","type":"uint256"},{"name":"totalRevenue","type":"uint256"},{"name":"createdAt","type":"uint256"},
  {"name":"active","type":"bool"}]},
{"type":"function","name":"getActiveDatasets","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getDatasetCount","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getQueryCount","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"uint256"}]}`

const mockABIJSON = `[` + readABI + `,
{"type":"function","name":"uploadDataset","stateMutability":"nonpayable",
 "inputs":[{"name":"name","type":"string"},{"name":"description","type":"string"},
  {"name":"dataArray","type":"uint256[]"},{"name":"pricePerQuery","type":"uint256"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"updateDataset","stateMutability":"nonpayable",
 "inputs":[{"name":"datasetId","type":"uint256"},{"name":"newPrice","type":"uint256"},{"name":"active","type":"bool"}],
 "outputs":[]},
{"type":"function","name":"getProviderDatasets","stateMutability":"view",
 "inputs":[{"name":"provider","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getBuyerQueries","stateMutability":"view",
 "inputs":[{"name":"buyer","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"executeQuery","stateMutability":"payable",
 "inputs":[{"name":"datasetId","type":"uint256"},{"name":"queryType","type":"uint8"},{"name":"parameter","type":"uint256"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getQuery","stateMutability":"view",
 "inputs":[{"name":"queryId","type":"uint256"}],
 "outputs":[{"name":"id","type":"uint256"},{"name":"datasetId","type":"uint256"},{"name":"buyer","type":"address"},
  {"name":"queryType","type":"uint8"},{"name":"parameter","type":"uint256"},{"name":"result","type":"uint256"},
  {"name":"status","type":"uint8"},{"name":"price","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
{"type":"function","name":"getPlatformStats","stateMutability":"view","inputs":[],
 "outputs":[{"name":"totalDatasets","type":"uint256"},{"name":"totalQueries","type":"uint256"},
  {"name":"totalPlatformFees","type":"uint256"}]},
{"type":"event","name":"DatasetCreated","anonymous":false,
 "inputs":[{"name":"datasetId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
  {"name":"name","type":"string","indexed":false},{"name":"pricePerQuery","type":"uint256","indexed":false}]},
{"type":"event","name":"DatasetUpdated","anonymous":false,
 "inputs":[{"name":"datasetId","type":"uint256","indexed":true},{"name":"newPrice","type":"uint256","indexed":false},
  {"name":"active","type":"bool","indexed":false}]},
{"type":"event","name":"QueryExecuted","anonymous":false,
 "inputs":[{"name":"queryId","type":"uint256","indexed":true},{"name":"datasetId","type":"uint256","indexed":true},
  {"name":"buyer","type":"address","indexed":true},{"name":"queryType","type":"uint8","indexed":false},
  {"name":"result","type":"uint256","indexed":false}]},
{"type":"event","name":"QueryRefunded","anonymous":false,
 "inputs":[{"name":"queryId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false}]}
]`

const fheABIJSON = `[` + readABI + `,
{"type":"function","name":"uploadDataset","stateMutability":"nonpayable",
 "inputs":[{"name":"name","type":"string"},{"name":"description","type":"string"},
  {"name":"inputHandles","type":"bytes32[]"},{"name":"inputProofs","type":"bytes[]"},{"name":"pricePerQuery","type":"uint256"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"executeQuery","stateMutability":"payable",
 "inputs":[{"name":"datasetId","type":"uint256"},{"name":"queryType","type":"uint8"},
  {"name":"parameterHandle","type":"bytes32"},{"name":"parameterProof","type":"bytes"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getQuery","stateMutability":"view",
 "inputs":[{"name":"queryId","type":"uint256"}],
 "outputs":[{"name":"id","type":"uint256"},{"name":"datasetId","type":"uint256"},{"name":"buyer","type":"address"},
  {"name":"queryType","type":"uint8"},{"name":"parameter","type":"uint256"},{"name":"result","type":"uint32"},
  {"name":"status","type":"uint8"},{"name":"price","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
{"type":"event","name":"DatasetCreated","anonymous":false,
 "inputs":[{"name":"datasetId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
  {"name":"name","type":"string","indexed":false},{"name":"dataSize","type":"uint256","indexed":false},
  {"name":"pricePerQuery","type":"uint256","indexed":false}]},
{"type":"event","name":"QueryExecuted","anonymous":false,
 "inputs":[{"name":"queryId","type":"uint256","indexed":true},{"name":"datasetId","type":"uint256","indexed":true},
  {"name":"buyer","type":"address","indexed":true},{"name":"queryType","type":"uint8","indexed":false},
  {"name":"price","type":"uint256","indexed":false}]},
{"type":"event","name":"DecryptionRequested","anonymous":false,
 "inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"queryId","type":"uint256","indexed":true},
  {"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"QueryCompleted","anonymous":false,
 "inputs":[{"name":"queryId","type":"uint256","indexed":true},{"name":"result","type":"uint32","indexed":false}]}
]`

var (
	// MockABI is the plaintext marketplace contract interface.
	MockABI = mustParseABI("mock", mockABIJSON)
	// FHEABI is the encrypted marketplace contract interface.
	FHEABI = mustParseABI("fhe", fheABIJSON)
)

func mustParseABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse %s abi: %v", name, err))
	}
	return parsed
}
