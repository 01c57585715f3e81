package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/session"
)

func (m *Manager) startWorkflow(ctx context.Context, kind model.WorkflowKind, b *session.Binding, clientID string) model.Workflow {
	now := m.now().UTC()
	wf := model.Workflow{
		ID:        uuid.New(),
		Kind:      kind,
		Mode:      b.Mode,
		Fallback:  b.Fallback,
		ClientID:  clientID,
		State:     model.WorkflowSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.journal != nil {
		if err := m.journal.RecordWorkflow(ctx, wf); err != nil {
			m.logger.Warn("lifecycle: journal record failed", "workflow_id", wf.ID, "kind", kind, "error", err)
		}
	}
	return wf
}

func (m *Manager) failWorkflow(ctx context.Context, wf *model.Workflow, cause error) {
	msg := cause.Error()
	m.finishWorkflow(ctx, wf, model.WorkflowFailed, &msg)
}

func (m *Manager) finishWorkflow(ctx context.Context, wf *model.Workflow, state model.WorkflowState, errMsg *string) {
	wf.State = state
	wf.Error = errMsg
	wf.UpdatedAt = m.now().UTC()
	if m.journal == nil {
		return
	}
	if err := m.journal.UpdateWorkflow(ctx, *wf); err != nil {
		m.logger.Warn("lifecycle: journal update failed", "workflow_id", wf.ID, "state", state, "error", err)
	}
}

// closeQuery records a terminal status on the waiting workflows for q.
func (m *Manager) closeQuery(ctx context.Context, mode model.Mode, q model.Query) {
	if m.journal == nil {
		return
	}
	state := model.WorkflowCompleted
	var result, errMsg *string
	if q.Status == model.StatusCompleted && q.Result != nil {
		r := q.Result.String()
		result = &r
	} else {
		state = model.WorkflowFailed
		e := q.Status.String()
		errMsg = &e
	}
	if _, err := m.journal.CompleteQueryWorkflows(ctx, mode, q.ID, state, result, errMsg); err != nil {
		m.logger.Warn("lifecycle: journal close failed", "query_id", q.ID, "error", err)
	}
}
