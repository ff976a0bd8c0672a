package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// Job is a status response for a tracked backend computation.
type Job struct {
	ID       string          `json:"job_id"`
	Phase    Phase           `json:"phase,omitempty"`
	Status   JobStatus       `json:"status"`
	Progress int             `json:"progress"`
	ErrorMsg string          `json:"error_msg,omitempty"`
	Result   json.RawMessage `json:"result_data,omitempty"`
}

// HasResult reports whether the response carries an inline result.
func (j Job) HasResult() bool {
	return Present(j.Result)
}

// CreateJobResponse is the body returned by a job-creation call.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// PhaseResult is the last completed output of one phase. RawJSON is opaque to
// the orchestration core.
type PhaseResult struct {
	RawJSON json.RawMessage `json:"raw_json"`
}

// ProjectState is the aggregate read model of a project as served by the backend.
type ProjectState struct {
	ProjectID    string                     `json:"project_id"`
	PhaseResults map[Phase]PhaseResult      `json:"phase_results"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Result returns the phase's raw result, or nil if the phase has none.
func (p *ProjectState) Result(phase Phase) json.RawMessage {
	if p == nil {
		return nil
	}
	r, ok := p.PhaseResults[phase]
	if !ok || !Present(r.RawJSON) {
		return nil
	}
	return r.RawJSON
}

// Snapshot is a cached ProjectState tagged with the cache epoch its fetch
// started in. Epochs only grow; every invalidation starts a new one.
type Snapshot struct {
	State     ProjectState
	Epoch     uint64
	FetchedAt time.Time
}

// State is the externally visible state of one phase orchestrator.
// Result is non-nil exactly when Status is StatusCompleted.
type State struct {
	ProjectID string             `json:"projectId"`
	Phase     Phase              `json:"phase"`
	JobID     string             `json:"jobId,omitempty"`
	Status    OrchestratorStatus `json:"status"`
	Progress  int                `json:"progress"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// IsTerminal reports whether the orchestrator has settled for its current job.
func (s State) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusTimeout
}

// PhaseInput is the phase-specific request body for a job-creation call.
// Required keys depend on the phase.
type PhaseInput map[string]interface{}

// Present reports whether raw holds a value other than JSON null.
func Present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
