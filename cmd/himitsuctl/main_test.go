package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/model"
)

// run executes one invocation against the memory network with an isolated
// preference file.
func run(t *testing.T, prefsPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HIMITSU_NETWORK", "memory")
	t.Setenv("HIMITSU_PREFS_PATH", prefsPath)
	var out, errOut bytes.Buffer
	err := execute(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestQuote(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "quote", "1000000000000000")
	require.NoError(t, err)
	q := decode[model.SettlementQuote](t, out)
	assert.Equal(t, "950000000000000", q.ProviderShare)
	assert.Equal(t, "50000000000000", q.PlatformShare)
	assert.Equal(t, uint64(5), q.FeePercent)
}

func TestQuoteRejectsBadAmount(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "quote", "-5")
	require.Error(t, err)
}

func TestModePersistsAcrossInvocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")

	// The memory network defaults to fhe.
	out, err := run(t, path, "mode")
	require.NoError(t, err)
	assert.Equal(t, model.ModeFHE, decode[model.ModeStatus](t, out).Mode)

	out, err = run(t, path, "mode", "mock")
	require.NoError(t, err)
	assert.Equal(t, model.ModeMock, decode[model.ModeStatus](t, out).Mode)

	out, err = run(t, path, "mode")
	require.NoError(t, err)
	assert.Equal(t, model.ModeMock, decode[model.ModeStatus](t, out).Mode)

	_, err = run(t, path, "mode", "plaintext")
	require.Error(t, err)
}

func TestUploadThenList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	out, err := run(t, path, "upload", "--name", "salaries", "--values", "100,200,300", "--price", "1000000000000000")
	require.NoError(t, err)
	res := decode[map[string]any](t, out)
	assert.EqualValues(t, 1, res["dataset_id"])
	assert.Equal(t, true, res["resolved"])

	// Each invocation starts a fresh memory ledger.
	out, err = run(t, path, "datasets")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestUploadValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	_, err := run(t, path, "upload", "--name", "x", "--values", "1,2", "--price", "10")
	require.ErrorIs(t, err, model.ErrPriceTooLow)

	_, err = run(t, path, "upload", "--values", "1", "--price", "1000000000000000")
	require.Error(t, err, "--name is required")
}

func TestUploadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "values.txt")
	require.NoError(t, writeFile(file, "4\n8, 12\n"))

	values, err := readValues(file)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 8, 12}, values)

	require.NoError(t, writeFile(file, "4 eight"))
	_, err = readValues(file)
	require.Error(t, err)
}

func TestQueryErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")

	_, err := run(t, path, "query", "--dataset", "1", "--type", "count_above")
	require.ErrorIs(t, err, model.ErrMissingParameter)

	_, err = run(t, path, "query", "--dataset", "1", "--type", "median")
	require.ErrorIs(t, err, model.ErrInvalidQueryType)

	_, err = run(t, path, "query", "--dataset", "7")
	require.ErrorIs(t, err, model.ErrDatasetNotFound)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	for _, s := range []string{"0", "-1", "abc", ""} {
		_, err := parseID(s)
		assert.Error(t, err, s)
	}
}

func TestStatsOnEmptyLedger(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "stats")
	require.NoError(t, err)
	st := decode[model.PlatformStats](t, out)
	assert.Zero(t, st.TotalDatasets)
}

func TestSummaryRejectsBadAddress(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "summary", "not-an-address")
	require.ErrorIs(t, err, model.ErrInvalidAddress)
}

func TestQueriesForBuyer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	out, err := run(t, path, "queries", "0x00000000000000000000000000000000000000b1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = run(t, path, "queries", "bob")
	require.ErrorIs(t, err, model.ErrInvalidAddress)
}

func TestHashKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	out, err := run(t, path, "hash-key", "--key", "s3cret", "--client", "alice", "--role", "provider")
	require.NoError(t, err)
	res := decode[map[string]string](t, out)

	alice := model.APIClient{ClientID: "alice", Role: model.RoleProvider, APIKeyHash: res["hash"]}
	ok, err := auth.VerifyAPIKey(alice, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice:provider:"+res["hash"], res["client_entry"])

	_, err = run(t, path, "hash-key", "--key", "s3cret", "--client", "alice", "--role", "owner")
	require.Error(t, err)
	_, err = run(t, path, "hash-key", "--key", "s3cret")
	require.Error(t, err, "the hash is bound to a client")
}

func TestHashKeyGenerate(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "hash-key", "--generate", "--client", "bob")
	require.NoError(t, err)
	res := decode[map[string]string](t, out)

	prefix, ok := model.KeyPrefix(res["api_key"])
	require.True(t, ok)
	assert.Equal(t, res["key_prefix"], prefix)
	ok, err = auth.VerifyAPIKey(model.APIClient{ClientID: "bob", Role: model.RoleBuyer, APIKeyHash: res["hash"]}, res["api_key"])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBalanceNeedsRPC(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "balance")
	require.ErrorIs(t, err, model.ErrUnsupported)
}

// fakeNode answers eth_chainId and eth_blockNumber.
func fakeNode(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := map[string]string{"eth_chainId": chainID, "eth_blockNumber": "0x2a"}[req.Method]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCCheck(t *testing.T) {
	node := fakeNode(t, "0x7a69")
	out, err := run(t, filepath.Join(t.TempDir(), "prefs.db"), "rpc-check", "--rpc-url", node.URL)
	require.NoError(t, err)

	rows := decode[[]rpcStatus](t, out)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].OK)
	assert.Equal(t, uint64(31337), rows[0].ChainID)
	assert.Equal(t, uint64(42), rows[0].HeadBlock)
}

func TestCheckRPCChainMismatch(t *testing.T) {
	node := fakeNode(t, "0x1")
	st := checkRPC(context.Background(), ledgerNetwork("sepolia", 11155111, node.URL), defaultTimeout)
	assert.False(t, st.OK)
	assert.True(t, strings.Contains(st.Error, "chain 1"), st.Error)
}

func TestCheckRPCInProcess(t *testing.T) {
	st := checkRPC(context.Background(), ledgerNetwork("memory", 0, ""), defaultTimeout)
	assert.True(t, st.OK)
}

func TestJWTKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.db")
	out, err := run(t, path, "jwt-keys", "--dir", filepath.Join(dir, "keys"))
	require.NoError(t, err)
	res := decode[map[string]string](t, out)
	assert.Equal(t, filepath.Join(dir, "keys", "jwt_private.pem"), res["HIMITSU_JWT_PRIVATE_KEY"])

	_, err = run(t, path, "jwt-keys", "--dir", filepath.Join(dir, "keys"))
	require.Error(t, err)
}
