// Package lifecycle runs the upload and query workflows.
//
// Each workflow resolves its binding from the session exactly once and uses
// it throughout, validates before encrypting, encrypts before touching the
// ledger, and never resubmits a transaction on its own. Both the HTTP API
// and the MCP server delegate here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/integrity"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/poll"
	"github.com/ashita-ai/himitsu/internal/session"
	"github.com/ashita-ai/himitsu/internal/settlement"
	"github.com/ashita-ai/himitsu/internal/telemetry"
)

// Resolver hands out the binding for a new workflow. *session.Session implements it.
type Resolver interface {
	Resolve(ctx context.Context) (*session.Binding, error)
}

// Journal records workflow progress. It is advisory: journal failures are
// logged and never fail a workflow.
type Journal interface {
	RecordWorkflow(ctx context.Context, wf model.Workflow) error
	UpdateWorkflow(ctx context.Context, wf model.Workflow) error
	CompleteQueryWorkflows(ctx context.Context, mode model.Mode, queryID uint64, state model.WorkflowState, result, errMsg *string) (int64, error)
}

// Spender meters how fast a client commits funds. *ratelimit.SpendBudget
// implements it.
type Spender interface {
	Charge(ctx context.Context, clientID string, price *big.Int) error
}

// Config configures a Manager.
type Config struct {
	Resolver   Resolver
	Settlement *settlement.Calculator
	// Spend, when set, is charged each query's price before it is paid.
	Spend Spender
	// Poll bounds WaitForResult. Zero values use poll defaults (2s x 60).
	Poll    poll.Config
	Journal Journal
	Logger  *slog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	resolver Resolver
	calc     *settlement.Calculator
	poll     poll.Config
	journal  Journal
	spend    Spender
	logger   *slog.Logger
	now      func() time.Time

	tracer    trace.Tracer
	submitted metric.Int64Counter
	terminal  metric.Int64Counter
	waitMs    metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("lifecycle: resolver is required")
	}
	calc := cfg.Settlement
	if calc == nil {
		calc = settlement.Default()
	}
	pc := cfg.Poll
	if pc.Interval <= 0 {
		pc.Interval = poll.DefaultInterval
	}
	if pc.MaxAttempts <= 0 {
		pc.MaxAttempts = poll.DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("himitsu/lifecycle")
	submitted, _ := meter.Int64Counter("himitsu.queries.submitted",
		metric.WithDescription("Paid queries accepted by the ledger"),
	)
	terminal, _ := meter.Int64Counter("himitsu.queries.terminal",
		metric.WithDescription("Queries observed in a terminal status"),
	)
	waitMs, _ := meter.Float64Histogram("himitsu.query.wait_ms",
		metric.WithDescription("Time from first status read to terminal status (ms)"),
		metric.WithUnit("ms"),
	)
	return &Manager{
		resolver:  cfg.Resolver,
		calc:      calc,
		poll:      pc,
		journal:   cfg.Journal,
		spend:     cfg.Spend,
		logger:    logger,
		now:       time.Now,
		tracer:    telemetry.Tracer("himitsu/lifecycle"),
		submitted: submitted,
		terminal:  terminal,
		waitMs:    waitMs,
	}, nil
}

// Settlement returns the calculator used to validate prices.
func (m *Manager) Settlement() *settlement.Calculator { return m.calc }

// UploadRequest describes a dataset upload. Price is in wei.
type UploadRequest struct {
	ClientID    string
	Name        string
	Description string
	Values      []int64
	Price       *big.Int
}

// UploadResult is a confirmed upload.
type UploadResult struct {
	WorkflowID uuid.UUID   `json:"workflow_id"`
	DatasetID  uint64      `json:"dataset_id,omitempty"`
	Resolved   bool        `json:"resolved"`
	Tx         model.TxRef `json:"tx"`
	Mode       model.Mode  `json:"mode"`
	Fallback   bool        `json:"fallback"`
	// ValuesRoot commits to the uploaded values; see integrity.VerifyValues.
	ValuesRoot string `json:"values_root"`
}

// UploadDataset validates metadata, values and price, encrypts the values
// for the active backend and registers the dataset. Nothing reaches the
// ledger if any validation or encryption step fails.
func (m *Manager) UploadDataset(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.upload_dataset")
	defer span.End()

	if err := m.validateUpload(req); err != nil {
		return nil, spanErr(span, err)
	}
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("lifecycle: resolve binding: %w", err))
	}
	span.SetAttributes(attribute.String("himitsu.mode", string(b.Mode)), attribute.Int("himitsu.values", len(req.Values)))

	wf := m.startWorkflow(ctx, model.WorkflowUpload, b, req.ClientID)

	inputs, err := b.Encryption.PrepareUploadInputs(ctx, req.Values)
	if err != nil {
		m.failWorkflow(ctx, &wf, err)
		return nil, spanErr(span, err)
	}
	rcpt, err := b.Ledger.UploadDataset(ctx, ledger.UploadParams{
		Name:        req.Name,
		Description: req.Description,
		Inputs:      inputs,
		Price:       req.Price,
	})
	wf.TxHash = rcpt.Tx.Hash
	if err != nil {
		m.failWorkflow(ctx, &wf, err)
		return nil, spanErr(span, fmt.Errorf("lifecycle: upload: %w", err))
	}

	out := &UploadResult{
		WorkflowID: wf.ID,
		Resolved:   rcpt.Resolved,
		Tx:         rcpt.Tx,
		Mode:       b.Mode,
		Fallback:   b.Fallback,
		ValuesRoot: integrity.ValuesRoot(req.Values),
	}
	if rcpt.Resolved {
		out.DatasetID = rcpt.DatasetID
		wf.DatasetID = &rcpt.DatasetID
	} else {
		m.logger.Warn("lifecycle: dataset id not found in receipt", "tx", rcpt.Tx.Hash, "mode", b.Mode)
	}
	m.finishWorkflow(ctx, &wf, model.WorkflowCompleted, nil)
	m.logger.Info("lifecycle: dataset uploaded", "dataset_id", out.DatasetID, "tx", rcpt.Tx.Hash,
		"mode", b.Mode, "values", len(req.Values))
	return out, nil
}

func (m *Manager) validateUpload(req UploadRequest) error {
	if err := model.ValidateDatasetMetadata(req.Name, req.Description); err != nil {
		return err
	}
	if err := encryption.Validate(req.Values); err != nil {
		return err
	}
	return m.calc.ValidateUpload(req.Price, len(req.Values))
}

// QueryRequest describes a paid query. Parameter is required for the
// count query types and ignored otherwise.
type QueryRequest struct {
	ClientID  string
	DatasetID uint64
	Type      model.QueryType
	Parameter *int64
}

// Submission is a query the ledger has accepted. Binding is the snapshot the
// submission used; pass it to WaitForResult.
type Submission struct {
	WorkflowID uuid.UUID        `json:"workflow_id"`
	QueryID    uint64           `json:"query_id,omitempty"`
	Resolved   bool             `json:"resolved"`
	Tx         model.TxRef      `json:"tx"`
	Price      *big.Int         `json:"price_wei"`
	Mode       model.Mode       `json:"mode"`
	Fallback   bool             `json:"fallback"`
	Binding    *session.Binding `json:"-"`
}

// SubmitQuery checks the request and the dataset, charges the price to the
// client's spend budget, prepares the parameter and sends one transaction
// paying exactly the dataset's price.
//
// When the transaction was broadcast but not confirmed in time, SubmitQuery
// returns an unresolved Submission carrying the transaction together with
// ErrTransactionTimeout.
func (m *Manager) SubmitQuery(ctx context.Context, req QueryRequest) (*Submission, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.submit_query")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("himitsu.dataset_id", int64(req.DatasetID)), //nolint:gosec // ids are small
		attribute.String("himitsu.query_type", req.Type.Key()),
	)

	if err := validateQuery(req); err != nil {
		return nil, spanErr(span, err)
	}
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("lifecycle: resolve binding: %w", err))
	}
	span.SetAttributes(attribute.String("himitsu.mode", string(b.Mode)))

	ds, err := b.Ledger.GetDataset(ctx, req.DatasetID)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if !ds.Active {
		return nil, spanErr(span, fmt.Errorf("%w: %d", model.ErrDatasetInactive, req.DatasetID))
	}
	if m.spend != nil {
		if err := m.spend.Charge(ctx, req.ClientID, ds.PricePerQuery); err != nil {
			return nil, spanErr(span, err)
		}
	}

	wf := m.startWorkflow(ctx, model.WorkflowQuery, b, req.ClientID)
	wf.DatasetID = &req.DatasetID

	var threshold *int64
	if req.Type.NeedsThreshold() {
		threshold = req.Parameter
	}
	param, err := b.Encryption.PrepareQueryParameter(ctx, threshold)
	if err != nil {
		m.failWorkflow(ctx, &wf, err)
		return nil, spanErr(span, err)
	}

	rcpt, err := b.Ledger.SubmitQuery(ctx, ledger.QueryParams{
		DatasetID: req.DatasetID,
		Type:      req.Type,
		Parameter: param,
		Price:     ds.PricePerQuery,
	})
	wf.TxHash = rcpt.Tx.Hash
	if err != nil {
		err = spanErr(span, fmt.Errorf("lifecycle: submit query: %w", err))
		if errors.Is(err, model.ErrTransactionTimeout) && rcpt.Tx.Hash != "" {
			// Broadcast but unconfirmed: the payment may still land, so the
			// workflow stays submitted and the hash goes back for
			// ResolveQueryID instead of inviting a resubmit.
			msg := err.Error()
			m.finishWorkflow(ctx, &wf, model.WorkflowSubmitted, &msg)
			m.logger.Warn("lifecycle: query payment unconfirmed", "tx", rcpt.Tx.Hash, "dataset_id", req.DatasetID, "mode", b.Mode)
			return &Submission{
				WorkflowID: wf.ID,
				Tx:         rcpt.Tx,
				Price:      new(big.Int).Set(ds.PricePerQuery),
				Mode:       b.Mode,
				Fallback:   b.Fallback,
				Binding:    b,
			}, err
		}
		m.failWorkflow(ctx, &wf, err)
		return nil, err
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(b.Mode)),
		attribute.String("query_type", req.Type.Key()),
	))

	sub := &Submission{
		WorkflowID: wf.ID,
		Resolved:   rcpt.Resolved,
		Tx:         rcpt.Tx,
		Price:      new(big.Int).Set(ds.PricePerQuery),
		Mode:       b.Mode,
		Fallback:   b.Fallback,
		Binding:    b,
	}
	if rcpt.Resolved {
		sub.QueryID = rcpt.QueryID
		wf.QueryID = &rcpt.QueryID
	} else {
		m.logger.Warn("lifecycle: query id not found in receipt", "tx", rcpt.Tx.Hash, "mode", b.Mode)
	}
	m.finishWorkflow(ctx, &wf, model.WorkflowWaiting, nil)
	m.logger.Info("lifecycle: query submitted", "query_id", sub.QueryID, "dataset_id", req.DatasetID,
		"query_type", req.Type.Key(), "tx", rcpt.Tx.Hash, "mode", b.Mode)
	return sub, nil
}

func validateQuery(req QueryRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: %d", model.ErrInvalidQueryType, uint8(req.Type))
	}
	if req.DatasetID == 0 {
		return fmt.Errorf("%w: dataset id is required", model.ErrDatasetNotFound)
	}
	if !req.Type.NeedsThreshold() {
		return nil
	}
	if req.Parameter == nil {
		return fmt.Errorf("%w: %s", model.ErrMissingParameter, req.Type)
	}
	return encryption.ValidateValue(*req.Parameter)
}

// Outcome is the terminal (or last observed) state of a query.
type Outcome struct {
	QueryID  uint64            `json:"query_id"`
	Status   model.QueryStatus `json:"status"`
	Result   *big.Int          `json:"result,omitempty"`
	Query    model.Query       `json:"query"`
	Attempts int               `json:"attempts"`
}

// WaitForResult polls the binding's ledger until the query is terminal or
// the poll budget runs out. FAILED and REFUNDED return the outcome together
// with ErrQueryFailed or ErrQueryRefunded; exhaustion returns the last
// observed outcome with ErrDecryptionTimeout. Transient read errors consume
// attempts; an unknown query id stops immediately.
func (m *Manager) WaitForResult(ctx context.Context, b *session.Binding, queryID uint64) (*Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.wait_for_result")
	defer span.End()
	span.SetAttributes(attribute.Int64("himitsu.query_id", int64(queryID))) //nolint:gosec // ids are small

	if b == nil {
		var err error
		if b, err = m.resolver.Resolve(ctx); err != nil {
			return nil, spanErr(span, fmt.Errorf("lifecycle: resolve binding: %w", err))
		}
	}

	start := m.now()
	var last model.Query
	attempts := 0
	q, err := poll.Until[model.Query](ctx, m.poll,
		func(ctx context.Context, attempt int) (model.Query, bool, error) {
			attempts = attempt
			q, err := b.Ledger.GetQuery(ctx, queryID)
			if errors.Is(err, model.ErrQueryNotFound) {
				return model.Query{}, false, poll.Permanent(err)
			}
			if err != nil {
				return model.Query{}, false, err
			}
			last = q
			return q, q.Status.Terminal(), nil
		},
		func(attempt int, err error) {
			m.logger.Warn("lifecycle: status read failed", "query_id", queryID, "attempt", attempt, "error", err)
		},
	)
	out := &Outcome{QueryID: queryID, Status: last.Status, Query: last, Attempts: attempts}
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			m.logger.Warn("lifecycle: result not ready", "query_id", queryID, "attempts", attempts, "status", last.Status)
			return out, spanErr(span, fmt.Errorf("%w: query %d still %s after %s: %w",
				model.ErrDecryptionTimeout, queryID, last.Status, m.poll.Budget(), err))
		}
		return nil, spanErr(span, err)
	}

	out.Status, out.Query, out.Result = q.Status, q, q.Result
	m.waitMs.Record(ctx, float64(m.now().Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.String("mode", string(b.Mode))))
	m.terminal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(b.Mode)),
		attribute.String("status", q.Status.String()),
	))
	span.SetAttributes(attribute.String("himitsu.status", q.Status.String()))
	m.closeQuery(ctx, b.Mode, q)

	switch q.Status {
	case model.StatusFailed:
		return out, spanErr(span, fmt.Errorf("%w: query %d", model.ErrQueryFailed, queryID))
	case model.StatusRefunded:
		return out, spanErr(span, fmt.Errorf("%w: query %d", model.ErrQueryRefunded, queryID))
	}
	return out, nil
}

// Execute submits a query and waits for its result on the same binding.
// When the receipt carried no query id, one receipt re-read is attempted
// before giving up.
func (m *Manager) Execute(ctx context.Context, req QueryRequest) (*Submission, *Outcome, error) {
	sub, err := m.SubmitQuery(ctx, req)
	if err != nil {
		return sub, nil, err
	}
	if !sub.Resolved {
		id, ok, err := sub.Binding.Ledger.ResolveQueryID(ctx, common.HexToHash(sub.Tx.Hash))
		if err != nil || !ok {
			return sub, nil, fmt.Errorf("%w: no QueryExecuted event in %s", model.ErrQueryNotFound, sub.Tx.Hash)
		}
		sub.QueryID, sub.Resolved = id, true
	}
	out, err := m.WaitForResult(ctx, sub.Binding, sub.QueryID)
	return sub, out, err
}

// Recheck reads a query's status once from the current binding. It is the
// authoritative answer after WaitForResult timed out, and closes the
// journaled workflow once the query is terminal.
func (m *Manager) Recheck(ctx context.Context, queryID uint64) (model.Query, error) {
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return model.Query{}, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	q, err := b.Ledger.GetQuery(ctx, queryID)
	if err != nil {
		return model.Query{}, err
	}
	if q.Status.Terminal() {
		m.closeQuery(ctx, b.Mode, q)
	}
	return q, nil
}

// ResolveQueryID recovers a query id from a submission transaction hash,
// retrying briefly while the node indexes the receipt.
func (m *Manager) ResolveQueryID(ctx context.Context, txHash string) (uint64, error) {
	hash := common.HexToHash(txHash)
	if hash == (common.Hash{}) {
		return 0, fmt.Errorf("%w: invalid transaction hash %q", model.ErrQueryNotFound, txHash)
	}
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	cfg := poll.Config{Interval: m.poll.Interval, MaxAttempts: 3}
	id, err := poll.Until[uint64](ctx, cfg,
		func(ctx context.Context, _ int) (uint64, bool, error) {
			id, ok, err := b.Ledger.ResolveQueryID(ctx, hash)
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, poll.Permanent(fmt.Errorf("%w: no QueryExecuted event in %s", model.ErrQueryNotFound, hash.Hex()))
			}
			return id, true, nil
		}, nil)
	if errors.Is(err, poll.ErrExhausted) {
		return 0, fmt.Errorf("%w: receipt for %s unavailable: %w", model.ErrQueryNotFound, hash.Hex(), err)
	}
	return id, err
}

// UpdateDataset changes a dataset's price and active flag.
func (m *Manager) UpdateDataset(ctx context.Context, clientID string, datasetID uint64, price *big.Int, active bool) (model.TxRef, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.update_dataset")
	defer span.End()

	if err := m.calc.ValidatePrice(price); err != nil {
		return model.TxRef{}, spanErr(span, err)
	}
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return model.TxRef{}, spanErr(span, fmt.Errorf("lifecycle: resolve binding: %w", err))
	}
	wf := m.startWorkflow(ctx, model.WorkflowUpdate, b, clientID)
	wf.DatasetID = &datasetID

	ref, err := b.Ledger.UpdateDataset(ctx, datasetID, price, active)
	wf.TxHash = ref.Hash
	if err != nil {
		m.failWorkflow(ctx, &wf, err)
		return ref, spanErr(span, err)
	}
	m.finishWorkflow(ctx, &wf, model.WorkflowCompleted, nil)
	return ref, nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, model.ErrorCode(err))
	return err
}
