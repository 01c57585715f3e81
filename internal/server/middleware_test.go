package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/auth"
	"github.com/ashita-ai/himitsu/internal/ctxutil"
	"github.com/ashita-ai/himitsu/internal/model"
)

func withRole(r *http.Request, role model.ClientRole) *http.Request {
	claims := &auth.Claims{ClientID: "c-" + string(role), Role: role}
	return r.WithContext(ctxutil.WithClaims(r.Context(), claims))
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := requireRole(model.RoleProvider)(ok)

	cases := []struct {
		role model.ClientRole
		want int
	}{
		{model.RoleReader, http.StatusForbidden},
		{model.RoleBuyer, http.StatusForbidden},
		{model.RoleProvider, http.StatusNoContent},
		{model.RoleAdmin, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, withRole(httptest.NewRequest(http.MethodGet, "/", nil), tc.role))
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientKeyFuncExemptsAdmins(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/queries", nil)
	assert.Empty(t, clientKeyFunc(req))
	assert.Equal(t, "c-buyer", clientKeyFunc(withRole(req, model.RoleBuyer)))
	assert.Empty(t, clientKeyFunc(withRole(req, model.RoleAdmin)))
}

func TestDecodeJSONLimits(t *testing.T) {
	var target model.SetModeRequest

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/mode", strings.NewReader(`{"mode":"`+strings.Repeat("x", 100)+`"}`))
	err := decodeJSON(rec, req, &target, 16)
	require.ErrorIs(t, err, errBodyTooLarge)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/v1/mode", strings.NewReader(""))
	require.Error(t, decodeJSON(httptest.NewRecorder(), req, &target, 0))

	req = httptest.NewRequest(http.MethodPut, "/v1/mode", strings.NewReader(`{"mode":"mock","extra":1}`))
	require.Error(t, decodeJSON(httptest.NewRecorder(), req, &target, 0))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCode(model.ErrorCode(model.ErrInvalidInputSize)))
	assert.Equal(t, http.StatusNotFound, statusForCode(model.ErrorCode(model.ErrQueryNotFound)))
	assert.Equal(t, http.StatusConflict, statusForCode(model.ErrorCode(model.ErrNetworkMismatch)))
	assert.Equal(t, http.StatusGatewayTimeout, statusForCode(model.ErrorCode(model.ErrDecryptionTimeout)))
	assert.Equal(t, http.StatusBadGateway, statusForCode(model.ErrorCode(model.ErrTransactionReverted)))
	assert.Equal(t, http.StatusNotImplemented, statusForCode(model.ErrorCode(model.ErrUnsupported)))
	assert.Equal(t, http.StatusInternalServerError, statusForCode("SOMETHING_ELSE"))
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	h := requestIDMiddleware(securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestIDFromContext(r.Context())))
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Body.String())
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Body.String(), 36)
}
