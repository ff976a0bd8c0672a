// Package backendtest provides a scriptable in-memory backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/planrunner/internal/backend"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Compile-time interface satisfaction check.
var _ backend.API = (*Backend)(nil)

// CreateCall records one CreateJob invocation.
type CreateCall struct {
	ProjectID string
	Endpoint  string
	Body      types.PhaseInput
	JobID     string
}

// Backend is an in-memory backend. Job status responses are scripted per job
// id: each GetJob pops the next scripted response and the last one repeats.
type Backend struct {
	mu sync.Mutex

	nextIDs    []string
	createErrs []error
	creates    []CreateCall

	scripts   map[string][]types.Job
	jobErrs   map[string][]error
	jobGates  map[string]chan struct{}
	jobCalls  map[string]int
	projects  map[string]types.ProjectState
	stateErrs map[string][]error
	stateGate map[string]chan struct{}
	fetches   map[string]int
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		scripts:   make(map[string][]types.Job),
		jobErrs:   make(map[string][]error),
		jobGates:  make(map[string]chan struct{}),
		jobCalls:  make(map[string]int),
		projects:  make(map[string]types.ProjectState),
		stateErrs: make(map[string][]error),
		stateGate: make(map[string]chan struct{}),
		fetches:   make(map[string]int),
	}
}

// QueueJobIDs fixes the ids handed out by the next CreateJob calls.
func (b *Backend) QueueJobIDs(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextIDs = append(b.nextIDs, ids...)
}

// FailNextCreate makes the next CreateJob call return err.
func (b *Backend) FailNextCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErrs = append(b.createErrs, err)
}

// Script appends status responses for a job.
func (b *Backend) Script(jobID string, responses ...types.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range responses {
		if responses[i].ID == "" {
			responses[i].ID = jobID
		}
	}
	b.scripts[jobID] = append(b.scripts[jobID], responses...)
}

// FailNextGetJob makes the next GetJob for jobID return err without
// consuming a scripted response.
func (b *Backend) FailNextGetJob(jobID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobErrs[jobID] = append(b.jobErrs[jobID], err)
}

// HoldJob blocks every GetJob for jobID until the returned release func is
// called or the caller's context ends.
func (b *Backend) HoldJob(jobID string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.jobGates[jobID] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.jobGates, jobID)
			b.mu.Unlock()
			close(gate)
		})
	}
}

// SetPhaseResult stores a phase result in the project's state.
func (b *Backend) SetPhaseResult(projectID string, phase types.Phase, raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.projectLocked(projectID)
	ps.PhaseResults[phase] = types.PhaseResult{RawJSON: json.RawMessage(raw)}
	b.projects[projectID] = ps
}

// ClearPhaseResult removes a phase result from the project's state.
func (b *Backend) ClearPhaseResult(projectID string, phase types.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.projectLocked(projectID)
	delete(ps.PhaseResults, phase)
	b.projects[projectID] = ps
}

// FailNextStateFetch makes the next GetProjectState for projectID return err.
func (b *Backend) FailNextStateFetch(projectID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateErrs[projectID] = append(b.stateErrs[projectID], err)
}

// HoldState blocks GetProjectState for projectID until release is called.
func (b *Backend) HoldState(projectID string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.stateGate[projectID] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.stateGate, projectID)
			b.mu.Unlock()
			close(gate)
		})
	}
}

// CreateCalls returns a copy of every CreateJob invocation.
func (b *Backend) CreateCalls() []CreateCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CreateCall, len(b.creates))
	copy(out, b.creates)
	return out
}

// GetJobCalls returns how many status fetches reached jobID.
func (b *Backend) GetJobCalls(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobCalls[jobID]
}

// StateFetches returns how many snapshot fetches reached projectID.
func (b *Backend) StateFetches(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[projectID]
}

// CreateJob implements backend.API.
func (b *Backend) CreateJob(ctx context.Context, projectID, endpoint string, body types.PhaseInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		b.creates = append(b.creates, CreateCall{ProjectID: projectID, Endpoint: endpoint, Body: body})
		return "", err
	}

	id := ulid.Make().String()
	if len(b.nextIDs) > 0 {
		id = b.nextIDs[0]
		b.nextIDs = b.nextIDs[1:]
	}
	b.creates = append(b.creates, CreateCall{ProjectID: projectID, Endpoint: endpoint, Body: body, JobID: id})
	return id, nil
}

// GetJob implements backend.API.
func (b *Backend) GetJob(ctx context.Context, jobID string) (types.Job, error) {
	b.mu.Lock()
	gate := b.jobGates[jobID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobCalls[jobID]++

	if errs := b.jobErrs[jobID]; len(errs) > 0 {
		b.jobErrs[jobID] = errs[1:]
		return types.Job{}, errs[0]
	}

	script := b.scripts[jobID]
	switch len(script) {
	case 0:
		return types.Job{ID: jobID, Status: types.JobQueued}, nil
	case 1:
		return script[0], nil
	default:
		b.scripts[jobID] = script[1:]
		return script[0], nil
	}
}

// GetProjectState implements backend.API.
func (b *Backend) GetProjectState(ctx context.Context, projectID string) (types.ProjectState, error) {
	b.mu.Lock()
	gate := b.stateGate[projectID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.ProjectState{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches[projectID]++

	if errs := b.stateErrs[projectID]; len(errs) > 0 {
		b.stateErrs[projectID] = errs[1:]
		return types.ProjectState{}, errs[0]
	}

	ps := b.projectLocked(projectID)
	out := types.ProjectState{
		ProjectID:    ps.ProjectID,
		PhaseResults: make(map[types.Phase]types.PhaseResult, len(ps.PhaseResults)),
	}
	for k, v := range ps.PhaseResults {
		out.PhaseResults[k] = v
	}
	return out, nil
}

func (b *Backend) projectLocked(projectID string) types.ProjectState {
	ps, ok := b.projects[projectID]
	if !ok {
		ps = types.ProjectState{ProjectID: projectID, PhaseResults: map[types.Phase]types.PhaseResult{}}
	}
	return ps
}

// String summarizes the backend for test failure messages.
func (b *Backend) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("backendtest.Backend{creates:%d jobs:%v fetches:%v}", len(b.creates), b.jobCalls, b.fetches)
}
