package server

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

// QueryResponse is returned by the submit and wait endpoints. Error is set
// when the ledger accepted the payment but no completed result is available:
// the result is still pending, the query failed or was refunded, or the
// query id could not be read from the receipt.
type QueryResponse struct {
	Submission *lifecycle.Submission `json:"submission,omitempty"`
	Outcome    *lifecycle.Outcome    `json:"outcome,omitempty"`
	Error      *model.ErrorDetail    `json:"error,omitempty"`
}

// ResolvedQuery maps a submission transaction to its query id.
type ResolvedQuery struct {
	TxHash  string `json:"tx_hash"`
	QueryID uint64 `json:"query_id"`
}

// HandleSubmitQuery handles POST /v1/queries (buyer, rate limited).
// With wait=true the response carries the outcome; otherwise it returns
// 202 as soon as the ledger accepts the payment. A payment broadcast but not
// confirmed in time is also 202: the submission carries the transaction hash
// for GET /v1/transactions/{hash}/query and no query id.
func (h *Handlers) HandleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SubmitQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.ClientID, "POST:/v1/queries", req)
	if !proceed {
		return
	}

	qr := lifecycle.QueryRequest{
		ClientID:  claims.ClientID,
		DatasetID: req.DatasetID,
		Type:      req.QueryType,
		Parameter: req.Parameter,
	}
	var (
		sub *lifecycle.Submission
		out *lifecycle.Outcome
		err error
	)
	if req.Wait {
		sub, out, err = h.lifecycle.Execute(r.Context(), qr)
	} else {
		sub, err = h.lifecycle.SubmitQuery(r.Context(), qr)
	}
	if sub == nil {
		if !mayHaveSettled(err) {
			h.clearIdempotentWrite(r, idem)
		}
		h.writeServiceError(w, r, err)
		return
	}

	resp := QueryResponse{Submission: sub, Outcome: out}
	status := queryStatus(&resp, req.Wait, err)
	h.completeIdempotentWrite(r, idem, sub.Tx.Hash, status, resp)
	writeJSON(w, r, status, resp)
}

// HandleWaitQuery handles POST /v1/queries/{id}/wait (buyer).
func (h *Handlers) HandleWaitQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	out, err := h.lifecycle.WaitForResult(r.Context(), nil, id)
	if out == nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := QueryResponse{Outcome: out}
	writeJSON(w, r, queryStatus(&resp, true, err), resp)
}

// HandleGetQuery handles GET /v1/queries/{id}. It reads the ledger once.
func (h *Handlers) HandleGetQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q, err := h.lifecycle.Recheck(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

// HandleBuyerQueries handles GET /v1/buyers/{addr}/queries.
func (h *Handlers) HandleBuyerQueries(w http.ResponseWriter, r *http.Request) {
	qs, err := h.lifecycle.BuyerQueries(r.Context(), r.PathValue("addr"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if qs == nil {
		qs = []model.Query{}
	}
	writeJSON(w, r, http.StatusOK, qs)
}

// HandleResolveTransaction handles GET /v1/transactions/{hash}/query.
func (h *Handlers) HandleResolveTransaction(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if b, err := hexutil.Decode(hash); err != nil || len(b) != 32 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "hash must be a 0x-prefixed 32-byte hex string")
		return
	}
	id, err := h.lifecycle.ResolveQueryID(r.Context(), hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ResolvedQuery{TxHash: hash, QueryID: id})
}

// queryStatus fills resp.Error from err and picks the status code for a
// response whose payment the ledger accepted.
func queryStatus(resp *QueryResponse, waited bool, err error) int {
	if err != nil {
		resp.Error = &model.ErrorDetail{Code: model.ErrorCode(err), Message: model.Describe(err)}
	}
	switch {
	case err == nil && !waited:
		return http.StatusAccepted
	case err == nil:
		return http.StatusOK
	case errors.Is(err, model.ErrQueryFailed), errors.Is(err, model.ErrQueryRefunded):
		return http.StatusOK
	default:
		return http.StatusAccepted
	}
}
