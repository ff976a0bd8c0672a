// Package types defines the public domain types for the planrunner phase-job client.
package types

// JobStatus is the status of a phase job as reported by the backend.
type JobStatus string

// JobStatus values enumerate the states a backend job can report.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// IsTerminal reports whether the backend will no longer change this job.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimeout
}

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobTimeout:
		return true
	default:
		return false
	}
}

// OrchestratorStatus is the externally visible status of one phase orchestrator.
type OrchestratorStatus string

// OrchestratorStatus values represent the lifecycle states of a phase orchestrator.
const (
	StatusIdle      OrchestratorStatus = "idle"
	StatusRunning   OrchestratorStatus = "running"
	StatusQueued    OrchestratorStatus = "queued"
	StatusCompleted OrchestratorStatus = "completed"
	StatusFailed    OrchestratorStatus = "failed"
	StatusTimeout   OrchestratorStatus = "timeout"
)

// FailureCategory classifies why a backend call failed.
type FailureCategory string

const (
	FailureTransient FailureCategory = "TRANSIENT"
	FailurePermanent FailureCategory = "PERMANENT"
	FailureTimeout   FailureCategory = "TIMEOUT"
)

// Phase identifies one numbered stage of the plan-generation pipeline.
type Phase int

// Phase values for the stages the backend knows about.
const (
	PhaseMarketResearch     Phase = 1
	PhaseCompetitorAnalysis Phase = 2
	PhaseBusinessModel      Phase = 3
	PhaseGoToMarket         Phase = 4
	PhaseFinancialModel     Phase = 5
	PhasePlanDocument       Phase = 6
)

// AllPhases lists every phase in pipeline order.
func AllPhases() []Phase {
	return []Phase{
		PhaseMarketResearch,
		PhaseCompetitorAnalysis,
		PhaseBusinessModel,
		PhaseGoToMarket,
		PhaseFinancialModel,
		PhasePlanDocument,
	}
}
