package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/settlement"
)

// HandleListDatasets handles GET /v1/datasets.
func (h *Handlers) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.lifecycle.Datasets(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	writeJSON(w, r, http.StatusOK, datasets)
}

// HandleGetDataset handles GET /v1/datasets/{id}.
func (h *Handlers) HandleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ds, err := h.lifecycle.Dataset(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ds)
}

// HandleUploadDataset handles POST /v1/datasets (provider).
func (h *Handlers) HandleUploadDataset(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.UploadDatasetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	price, err := settlement.ParseWei(req.PriceWei)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "price_wei must be a non-negative decimal integer")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.ClientID, "POST:/v1/datasets", req)
	if !proceed {
		return
	}

	res, err := h.lifecycle.UploadDataset(r.Context(), lifecycle.UploadRequest{
		ClientID:    claims.ClientID,
		Name:        req.Name,
		Description: req.Description,
		Values:      req.Values,
		Price:       price,
	})
	if err != nil {
		if !mayHaveSettled(err) {
			h.clearIdempotentWrite(r, idem)
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.completeIdempotentWrite(r, idem, res.Tx.Hash, http.StatusCreated, res)
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleUpdateDataset handles PATCH /v1/datasets/{id} (provider).
func (h *Handlers) HandleUpdateDataset(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdateDatasetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	price, err := settlement.ParseWei(req.PriceWei)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "price_wei must be a non-negative decimal integer")
		return
	}

	tx, err := h.lifecycle.UpdateDataset(r.Context(), claims.ClientID, id, price, req.Active)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"dataset_id": id, "tx": tx})
}

// mayHaveSettled reports whether a failed write could still land on the
// ledger. Such idempotency keys stay reserved so a retry cannot pay twice.
func mayHaveSettled(err error) bool {
	return errors.Is(err, model.ErrTransactionTimeout)
}
