package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/ledger/memledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/poll"
	"github.com/ashita-ai/himitsu/internal/ratelimit"
	"github.com/ashita-ai/himitsu/internal/server"
	"github.com/ashita-ai/himitsu/internal/service/dashboard"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/session"
	"github.com/ashita-ai/himitsu/internal/storage"
)

const price = "1000000000000000" // 0.001 ETH

var roles = []model.ClientRole{model.RoleAdmin, model.RoleProvider, model.RoleBuyer, model.RoleReader}

// clients are hashed once; argon2 is deliberately slow.
var clients = sync.OnceValue(func() []model.APIClient {
	out := make([]model.APIClient, 0, len(roles))
	for _, r := range roles {
		hash, err := auth.HashAPIKey(string(r), r, string(r)+"-key")
		if err != nil {
			panic(err)
		}
		out = append(out, model.APIClient{ClientID: string(r), Role: r, APIKeyHash: hash})
	}
	return out
})

type fakeGateway struct{ down atomic.Bool }

func (g *fakeGateway) Healthy(context.Context) error {
	if g.down.Load() {
		return model.ErrGatewayUnavailable
	}
	return nil
}

// memIdempotency mirrors the storage semantics without Postgres.
type memIdempotency struct {
	mu   sync.Mutex
	rows map[storage.IdempotencyKey]*idemRow
}

type idemRow struct {
	hash   string
	done   bool
	status int
	tx     string
	data   []byte
}

func (m *memIdempotency) BeginIdempotency(_ context.Context, k storage.IdempotencyKey, hash string) (storage.IdempotencyLookup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[k]
	if !ok {
		m.rows[k] = &idemRow{hash: hash}
		return storage.IdempotencyLookup{}, nil
	}
	if row.hash != hash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if !row.done {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
	}
	return storage.IdempotencyLookup{Completed: true, StatusCode: row.status, TxHash: row.tx, ResponseData: row.data}, nil
}

func (m *memIdempotency) CompleteIdempotency(_ context.Context, k storage.IdempotencyKey, tx string, status int, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[k]
	if row == nil {
		return errors.New("not reserved")
	}
	row.done, row.status, row.tx, row.data = true, status, tx, b
	return nil
}

func (m *memIdempotency) ClearInProgressIdempotency(_ context.Context, k storage.IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row := m.rows[k]; row != nil && !row.done {
		delete(m.rows, k)
	}
	return nil
}

type harness struct {
	t       *testing.T
	url     string
	mock    *memledger.Ledger
	fhe     *memledger.Ledger
	gateway *fakeGateway
	tokens  map[model.ClientRole]string
}

type harnessOpts struct {
	defaultMode  model.Mode
	decryptDelay int
	limiter      ratelimit.Limiter
	spend        lifecycle.Spender
	idempotency  server.IdempotencyStore
	pollAttempts int
	wrapMock     func(*memledger.Ledger) ledger.Client
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if o.defaultMode == "" {
		o.defaultMode = model.ModeMock
	}
	if o.pollAttempts == 0 {
		o.pollAttempts = 5
	}

	h := &harness{
		t:       t,
		mock:    memledger.New(model.ModeMock),
		fhe:     memledger.New(model.ModeFHE, memledger.WithDecryptionDelay(o.decryptDelay)),
		gateway: &fakeGateway{},
		tokens:  make(map[model.ClientRole]string),
	}
	homomorphic := encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) {
		return memledger.Encryptor{}, nil
	}, 2)
	var mockLedger ledger.Client = h.mock
	if o.wrapMock != nil {
		mockLedger = o.wrapMock(h.mock)
	}
	factory := session.FactoryFunc(func(_ context.Context, mode model.Mode) (*session.Binding, error) {
		if mode == model.ModeFHE {
			return &session.Binding{Mode: mode, Ledger: h.fhe, Encryption: homomorphic}, nil
		}
		return &session.Binding{Mode: mode, Ledger: mockLedger, Encryption: encryption.NewPlaintext()}, nil
	})
	sess, err := session.New(ctx, session.Config{
		DefaultMode:  o.defaultMode,
		FHESupported: true,
		Factory:      factory,
		Gateway:      h.gateway,
		Logger:       logger,
	})
	require.NoError(t, err)

	mgr, err := lifecycle.New(lifecycle.Config{
		Resolver: sess,
		Poll:     poll.Config{Interval: time.Millisecond, MaxAttempts: o.pollAttempts},
		Spend:    o.spend,
		Logger:   logger,
	})
	require.NoError(t, err)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	cfg := server.ServerConfig{
		JWTMgr:              jwtMgr,
		Clients:             auth.NewRegistry(clients()),
		Lifecycle:           mgr,
		Dashboard:           dashboard.New(sess, nil, logger),
		Session:             sess,
		Gateway:             h.gateway,
		Limiter:             o.limiter,
		Broker:              server.NewBroker(nil, sess, logger),
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if o.idempotency != nil {
		cfg.Idempotency = o.idempotency
	}
	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)
	h.url = ts.URL

	for _, r := range roles {
		h.tokens[r] = h.login(string(r), string(r)+"-key")
	}
	return h
}

func (h *harness) login(clientID, key string) string {
	h.t.Helper()
	resp := h.do("", http.MethodPost, "/auth/token", model.AuthTokenRequest{ClientID: clientID, APIKey: key}, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var env struct{ Data model.AuthTokenResponse }
	decode(h.t, resp, &env)
	return env.Data.Token
}

func (h *harness) do(token, method, path string, body any, header map[string]string) *http.Response {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.url+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) as(role model.ClientRole, method, path string, body any) *http.Response {
	return h.do(h.tokens[role], method, path, body, nil)
}

func decode(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env model.APIError
	decode(t, resp, &env)
	return env.Error.Code
}

func (h *harness) upload(values []int64) uint64 {
	h.t.Helper()
	resp := h.as(model.RoleProvider, http.MethodPost, "/v1/datasets", model.UploadDatasetRequest{
		Name: "salaries", Values: values, PriceWei: price,
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	var env struct{ Data lifecycle.UploadResult }
	decode(h.t, resp, &env)
	require.True(h.t, env.Data.Resolved)
	return env.Data.DatasetID
}

func TestAuthToken(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := h.do("", http.MethodPost, "/auth/token", model.AuthTokenRequest{ClientID: "buyer", APIKey: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do("", http.MethodPost, "/auth/token", model.AuthTokenRequest{ClientID: "ghost", APIKey: "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do("", http.MethodGet, "/v1/datasets", nil, nil)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))

	resp = h.do("not-a-jwt", http.MethodGet, "/v1/datasets", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRoleHierarchy(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	cases := []struct {
		role   model.ClientRole
		method string
		path   string
		body   any
		want   int
	}{
		{model.RoleReader, http.MethodGet, "/v1/datasets", nil, http.StatusOK},
		{model.RoleReader, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: 1}, http.StatusForbidden},
		{model.RoleBuyer, http.MethodPost, "/v1/datasets", model.UploadDatasetRequest{Name: "x"}, http.StatusForbidden},
		{model.RoleProvider, http.MethodPut, "/v1/mode", model.SetModeRequest{Mode: model.ModeMock}, http.StatusForbidden},
		{model.RoleAdmin, http.MethodPut, "/v1/mode", model.SetModeRequest{Mode: model.ModeMock}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(string(tc.role)+" "+tc.method+" "+tc.path, func(t *testing.T) {
			resp := h.as(tc.role, tc.method, tc.path, tc.body)
			_ = resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp := h.do("", http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var env struct{ Data model.HealthResponse }
	decode(t, resp, &env)
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, model.ModeMock, env.Data.Mode)
	assert.Equal(t, "reachable", env.Data.Gateway)
	assert.Empty(t, env.Data.Postgres)
}

func TestMockUploadAndQuery(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.upload([]int64{100, 200, 300})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{
		DatasetID: id, QueryType: model.QueryMean, Wait: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env struct{ Data server.QueryResponse }
	decode(t, resp, &env)
	require.NotNil(t, env.Data.Outcome)
	assert.Nil(t, env.Data.Error)
	assert.Equal(t, model.StatusCompleted, env.Data.Outcome.Status)
	assert.Equal(t, "200", env.Data.Outcome.Result.String())
	assert.Equal(t, price, env.Data.Submission.Price.String())

	threshold := int64(150)
	resp = h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{
		DatasetID: id, QueryType: model.QueryCountAbove, Parameter: &threshold, Wait: true,
	})
	decode(t, resp, &env)
	assert.Equal(t, "2", env.Data.Outcome.Result.String())

	resp = h.as(model.RoleReader, http.MethodGet, fmt.Sprintf("/v1/datasets/%d", id), nil)
	var ds struct{ Data model.Dataset }
	decode(t, resp, &ds)
	assert.Equal(t, uint64(2), ds.Data.TotalQueries)
	assert.Equal(t, "1900000000000000", ds.Data.TotalRevenue.String())

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/stats", nil)
	var stats struct{ Data model.PlatformStats }
	decode(t, resp, &stats)
	assert.Equal(t, uint64(2), stats.Data.TotalQueries)
	assert.Equal(t, "100000000000000", stats.Data.TotalPlatformFees.String())
}

func TestSubmitWithoutWaitThenResolve(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.upload([]int64{1, 2, 3})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryVariance})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var env struct{ Data server.QueryResponse }
	decode(t, resp, &env)
	sub := env.Data.Submission
	require.NotNil(t, sub)
	assert.Nil(t, env.Data.Outcome)

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/transactions/"+sub.Tx.Hash+"/query", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res struct{ Data server.ResolvedQuery }
	decode(t, resp, &res)
	assert.Equal(t, sub.QueryID, res.Data.QueryID)

	resp = h.as(model.RoleReader, http.MethodGet, fmt.Sprintf("/v1/queries/%d", sub.QueryID), nil)
	var q struct{ Data model.Query }
	decode(t, resp, &q)
	assert.Equal(t, model.StatusCompleted, q.Data.Status)

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/transactions/0x1234/query", nil)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/queries/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

// unconfirmed lands every query payment but reports it as not yet mined.
type unconfirmed struct{ *memledger.Ledger }

func (l unconfirmed) SubmitQuery(ctx context.Context, p ledger.QueryParams) (ledger.QueryReceipt, error) {
	rcpt, err := l.Ledger.SubmitQuery(ctx, p)
	if err != nil {
		return rcpt, err
	}
	return ledger.QueryReceipt{Tx: rcpt.Tx}, fmt.Errorf("%w: %s not mined", model.ErrTransactionTimeout, rcpt.Tx.Hash)
}

func TestUnconfirmedPaymentReturnsTransaction(t *testing.T) {
	h := newHarness(t, harnessOpts{wrapMock: func(l *memledger.Ledger) ledger.Client { return unconfirmed{l} }})
	id := h.upload([]int64{1, 2, 3})

	for _, wait := range []bool{false, true} {
		resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean, Wait: wait})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var env struct{ Data server.QueryResponse }
		decode(t, resp, &env)
		sub := env.Data.Submission
		require.NotNil(t, sub)
		assert.False(t, sub.Resolved)
		assert.Zero(t, sub.QueryID)
		require.NotEmpty(t, sub.Tx.Hash)
		require.NotNil(t, env.Data.Error)
		assert.Equal(t, model.ErrCodeTimeout, env.Data.Error.Code)
		assert.Nil(t, env.Data.Outcome)

		resp = h.as(model.RoleReader, http.MethodGet, "/v1/transactions/"+sub.Tx.Hash+"/query", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res struct{ Data server.ResolvedQuery }
		decode(t, resp, &res)
		assert.NotZero(t, res.Data.QueryID)
	}
}

func TestBuyerQueries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.upload([]int64{1, 2, 3})
	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean, Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/buyers/"+h.mock.Sender().Hex()+"/queries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qs struct{ Data []model.Query }
	decode(t, resp, &qs)
	require.Len(t, qs.Data, 1)
	assert.Equal(t, id, qs.Data[0].DatasetID)
	assert.Equal(t, "2", qs.Data[0].Result.String())

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/buyers/0x00000000000000000000000000000000000000b2/queries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &qs)
	assert.Empty(t, qs.Data)

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/buyers/bob/queries", nil)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
}

func TestUploadValidationSendsNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	values := make([]int64, 1001)
	resp := h.as(model.RoleProvider, http.MethodPost, "/v1/datasets", model.UploadDatasetRequest{
		Name: "big", Values: values, PriceWei: price,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = h.as(model.RoleProvider, http.MethodPost, "/v1/datasets", model.UploadDatasetRequest{
		Name: "cheap", Values: []int64{1}, PriceWei: "999999999999999",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleProvider, http.MethodPost, "/v1/datasets", model.UploadDatasetRequest{
		Name: "neg", Values: []int64{-1}, PriceWei: price,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	stats, err := h.mock.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDatasets)
}

func TestQueryRejections(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.upload([]int64{1, 2, 3})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryCountAbove})
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: 42, QueryType: model.QueryMean})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleProvider, http.MethodPatch, fmt.Sprintf("/v1/datasets/%d", id), model.UpdateDatasetRequest{PriceWei: price, Active: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/datasets", nil)
	var list struct{ Data []model.Dataset }
	decode(t, resp, &list)
	assert.Empty(t, list.Data)

	resp = h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", map[string]any{"dataset_id": id, "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestFHEQueryTimesOutThenCompletes(t *testing.T) {
	h := newHarness(t, harnessOpts{defaultMode: model.ModeFHE, decryptDelay: 8})
	id := h.upload([]int64{10, 20, 30})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean, Wait: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var env struct{ Data server.QueryResponse }
	decode(t, resp, &env)
	require.NotNil(t, env.Data.Error)
	assert.Equal(t, model.ErrCodeTimeout, env.Data.Error.Code)
	assert.Equal(t, model.StatusProcessing, env.Data.Outcome.Status)
	assert.Equal(t, model.ModeFHE, env.Data.Submission.Mode)
	queryID := env.Data.Submission.QueryID

	resp = h.as(model.RoleBuyer, http.MethodPost, fmt.Sprintf("/v1/queries/%d/wait", queryID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = struct{ Data server.QueryResponse }{}
	decode(t, resp, &env)
	assert.Nil(t, env.Data.Error)
	assert.Equal(t, "20", env.Data.Outcome.Result.String())
}

func TestRefundedQueryReportsLedgerError(t *testing.T) {
	h := newHarness(t, harnessOpts{defaultMode: model.ModeFHE, decryptDelay: 100})
	id := h.upload([]int64{10})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean})
	var env struct{ Data server.QueryResponse }
	decode(t, resp, &env)
	require.NoError(t, h.fhe.Refund(env.Data.Submission.QueryID))

	resp = h.as(model.RoleBuyer, http.MethodPost, fmt.Sprintf("/v1/queries/%d/wait", env.Data.Submission.QueryID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = struct{ Data server.QueryResponse }{}
	decode(t, resp, &env)
	require.NotNil(t, env.Data.Error)
	assert.Equal(t, model.ErrCodeLedger, env.Data.Error.Code)
	assert.Equal(t, model.StatusRefunded, env.Data.Outcome.Status)
}

func TestModeSwitchAndGatewayFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := h.as(model.RoleAdmin, http.MethodPut, "/v1/mode", model.SetModeRequest{Mode: model.ModeFHE})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mode struct{ Data model.ModeStatus }
	decode(t, resp, &mode)
	assert.Equal(t, model.ModeFHE, mode.Data.Mode)
	assert.True(t, mode.Data.FHEAvailable)

	h.gateway.down.Store(true)
	resp = h.as(model.RoleReader, http.MethodGet, "/v1/datasets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/mode", nil)
	decode(t, resp, &mode)
	assert.Equal(t, model.ModeMock, mode.Data.Mode)
	assert.True(t, mode.Data.IsAutoFallback)
	assert.False(t, mode.Data.FHEAvailable)

	resp = h.do("", http.MethodGet, "/health", nil, nil)
	var health struct{ Data model.HealthResponse }
	decode(t, resp, &health)
	assert.Equal(t, "degraded", health.Data.Status)
	assert.Equal(t, "unreachable", health.Data.Gateway)

	resp = h.as(model.RoleAdmin, http.MethodPut, "/v1/mode", map[string]string{"mode": "plaintext"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestIdempotentQueryReplay(t *testing.T) {
	h := newHarness(t, harnessOpts{idempotency: &memIdempotency{rows: map[storage.IdempotencyKey]*idemRow{}}})
	id := h.upload([]int64{5, 7})

	body := model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean, Wait: true}
	key := map[string]string{"Idempotency-Key": "retry-1"}

	first := h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", body, key)
	require.Equal(t, http.StatusOK, first.StatusCode)
	var a struct{ Data server.QueryResponse }
	decode(t, first, &a)

	second := h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", body, key)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replay"))
	assert.Equal(t, a.Data.Submission.Tx.Hash, second.Header.Get("Payment-Tx"))
	var b struct{ Data server.QueryResponse }
	decode(t, second, &b)
	assert.Equal(t, a.Data.Submission.QueryID, b.Data.Submission.QueryID)

	stats, err := h.mock.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalQueries)

	body.QueryType = model.QueryVariance
	resp := h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", body, key)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// A rejected request releases its key.
	bad := model.SubmitQueryRequest{DatasetID: 77, QueryType: model.QueryMean}
	retry := map[string]string{"Idempotency-Key": "retry-2"}
	for range 2 {
		resp = h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", bad, retry)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Keys are scoped to the mode: after a switch the mock response is not
	// replayed and the request runs against the encrypted ledger.
	resp = h.as(model.RoleAdmin, http.MethodPut, "/v1/mode", model.SetModeRequest{Mode: model.ModeFHE})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	body.QueryType = model.QueryMean
	resp = h.do(h.tokens[model.RoleBuyer], http.MethodPost, "/v1/queries", body, key)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replay"))
	_ = resp.Body.Close()
}

func TestPaidSubmissionsAreRateLimited(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = lim.Close() })
	h := newHarness(t, harnessOpts{limiter: lim})

	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: 9, QueryType: model.QueryMean})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", model.SubmitQueryRequest{DatasetID: 9, QueryType: model.QueryMean})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	_ = resp.Body.Close()

	// Reads and admins are not throttled.
	resp = h.as(model.RoleBuyer, http.MethodGet, "/v1/datasets", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSpendBudgetRefusesQuery(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = lim.Close() })
	budget, err := ratelimit.NewSpendBudget(lim, big.NewInt(1_000_000_000_000_000), nil)
	require.NoError(t, err)
	h := newHarness(t, harnessOpts{spend: budget})
	id := h.upload([]int64{4, 6})

	body := model.SubmitQueryRequest{DatasetID: id, QueryType: model.QueryMean}
	resp := h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.as(model.RoleBuyer, http.MethodPost, "/v1/queries", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, resp))

	stats, err := h.mock.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalQueries)
}

func TestQuoteAndSummary(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := h.as(model.RoleReader, http.MethodGet, "/v1/settlement/quote?price=1000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var q struct{ Data model.SettlementQuote }
	decode(t, resp, &q)
	assert.Equal(t, "950", q.Data.ProviderShare)
	assert.Equal(t, "50", q.Data.PlatformShare)
	assert.Equal(t, uint64(5), q.Data.FeePercent)

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/settlement/quote?price=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	h.upload([]int64{4, 6})
	owner := h.mock.Sender().Hex()
	resp = h.as(model.RoleReader, http.MethodGet, "/v1/providers/"+owner+"/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum struct{ Data model.ProviderSummary }
	decode(t, resp, &sum)
	assert.Len(t, sum.Data.Datasets, 1)
	assert.Equal(t, 0, sum.Data.TotalRevenue.Cmp(big.NewInt(0)))

	resp = h.as(model.RoleReader, http.MethodGet, "/v1/providers/alice/summary", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWorkflowsNeedDatabase(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp := h.as(model.RoleAdmin, http.MethodGet, "/v1/workflows", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnavailable, errorCode(t, resp))
}
