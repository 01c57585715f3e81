package main

import (
	"os"
	"time"

	"github.com/ashita-ai/himitsu/internal/ledger"
)

const defaultTimeout = 5 * time.Second

func ledgerNetwork(name string, chainID uint64, url string) ledger.Network {
	return ledger.Network{Name: name, ChainID: chainID, RPCURL: url}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
