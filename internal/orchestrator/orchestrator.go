// Package orchestrator owns the lifecycle of one phase job: it triggers the
// job, follows it through the poller and settles its result either inline or
// from the shared project snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/planrunner/internal/backend"
	"github.com/dwsmith1983/planrunner/internal/lifecycle"
	"github.com/dwsmith1983/planrunner/internal/metrics"
	"github.com/dwsmith1983/planrunner/internal/poller"
	"github.com/dwsmith1983/planrunner/internal/reconcile"
	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/internal/snapshot"
	"github.com/dwsmith1983/planrunner/internal/trigger"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrSuperseded is returned by a Trigger whose job creation finished
	// after a newer Trigger had started.
	ErrSuperseded = errors.New("trigger superseded by a newer trigger")
)

// Dispatcher creates phase jobs.
type Dispatcher interface {
	Execute(ctx context.Context, projectID string, phase types.Phase, body types.PhaseInput) (string, error)
}

// SnapshotStore is the shared project snapshot cache.
type SnapshotStore interface {
	Get(ctx context.Context, projectID string) (types.Snapshot, error)
	Refresh(ctx context.Context, projectID string) (types.Snapshot, error)
	Peek(projectID string) (types.Snapshot, bool)
	Invalidate(projectID string) uint64
	Subscribe(projectID string, fn snapshot.Listener) (unsubscribe func())
}

// Config identifies the phase an orchestrator drives.
type Config struct {
	ProjectID string
	Phase     types.Phase
	Policy    schedule.PollPolicy
}

// Deps are the collaborators shared between orchestrators.
type Deps struct {
	Dispatcher Dispatcher
	Fetcher    poller.StatusFetcher
	Store      SnapshotStore
	Logger     *slog.Logger
}

// Orchestrator drives one phase of one project. Every state change happens
// under mu and is applied in the order it was accepted.
type Orchestrator struct {
	projectID  string
	phase      types.Phase
	policy     schedule.PollPolicy
	dispatcher Dispatcher
	poller     *poller.Poller
	store      SnapshotStore
	guard      *reconcile.Guard
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       types.State
	generation  uint64
	task        *poller.Task
	jobCtx      context.Context
	cancelJob   context.CancelFunc
	rejections  int
	closed      bool
	done        chan struct{}
	watchers    map[int]chan struct{}
	nextWatcher int
	unsubscribe func()
}

// New creates an Orchestrator and subscribes it to the shared store.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if cfg.Phase <= 0 {
		return nil, fmt.Errorf("invalid phase %d", cfg.Phase)
	}
	if deps.Dispatcher == nil || deps.Fetcher == nil || deps.Store == nil {
		return nil, fmt.Errorf("dispatcher, fetcher and store are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("project", cfg.ProjectID, "phase", int(cfg.Phase))

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		projectID:  cfg.ProjectID,
		phase:      cfg.Phase,
		policy:     cfg.Policy,
		dispatcher: deps.Dispatcher,
		poller:     poller.New(deps.Fetcher, cfg.Policy, poller.WithLogger(logger), poller.WithPhase(cfg.Phase)),
		store:      deps.Store,
		guard:      reconcile.New(cfg.ProjectID, deps.Store),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		watchers:   make(map[int]chan struct{}),
		state: types.State{
			ProjectID: cfg.ProjectID,
			Phase:     cfg.Phase,
			Status:    types.StatusIdle,
			UpdatedAt: time.Now(),
		},
	}
	o.unsubscribe = deps.Store.Subscribe(cfg.ProjectID, o.onSnapshot)
	return o, nil
}

// Phase returns the phase this orchestrator drives.
func (o *Orchestrator) Phase() types.Phase { return o.phase }

// State returns a copy of the current state.
func (o *Orchestrator) State() types.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce; read State for the current value.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	id := o.nextWatcher
	o.nextWatcher++
	o.watchers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
		})
	}
}

// Trigger starts a new job for the phase. The state is reset to running
// before the creation call is made; any previous job is abandoned and its
// late responses are dropped.
func (o *Orchestrator) Trigger(ctx context.Context, body types.PhaseInput) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.stopJobLocked()
	o.generation++
	gen := o.generation
	o.applyLocked(types.StatusRunning, func(s *types.State) {
		s.JobID = ""
		s.Progress = 0
		s.Result = nil
		s.Error = ""
	})
	o.mu.Unlock()

	jobID, err := o.dispatcher.Execute(ctx, o.projectID, o.phase, body)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if gen != o.generation {
		metrics.Inc(o.ctx, metrics.StaleResponsesDropped, int(o.phase))
		o.logger.Info("discarding superseded job creation", "job", jobID, "error", err)
		return ErrSuperseded
	}
	if err != nil {
		o.applyLocked(types.StatusFailed, func(s *types.State) {
			s.Error = creationMessage(err)
		})
		return err
	}

	o.applyLocked(types.StatusQueued, func(s *types.State) {
		s.JobID = jobID
		s.Progress = 0
	})
	o.startJobLocked(jobID)
	return nil
}

// Track follows a job that was created elsewhere, such as by an earlier
// process. It replaces any tracked job the same way Trigger does.
func (o *Orchestrator) Track(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.stopJobLocked()
	o.generation++
	o.applyLocked(types.StatusRunning, func(s *types.State) {
		s.JobID = jobID
		s.Progress = 0
		s.Result = nil
		s.Error = ""
	})
	o.startJobLocked(jobID)
	return nil
}

// Wait blocks until the orchestrator settles in a terminal state, ctx ends
// or the orchestrator is closed.
func (o *Orchestrator) Wait(ctx context.Context) (types.State, error) {
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	for {
		st := o.State()
		if st.IsTerminal() {
			return st, nil
		}
		select {
		case <-ch:
		case <-o.done:
			return o.State(), ErrClosed
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close stops polling, leaves the snapshot store and waits for background
// work to exit. Responses that arrive afterwards are dropped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopJobLocked()
	close(o.done)
	unsubscribe := o.unsubscribe
	o.mu.Unlock()

	unsubscribe()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) startJobLocked(jobID string) {
	jobCtx, cancel := context.WithCancel(o.ctx)
	o.jobCtx = jobCtx
	o.cancelJob = cancel
	o.rejections = 0

	task := o.poller.Start(jobCtx, jobID,
		func(job types.Job) bool { return o.applyJob(jobID, job) },
		func(err error, consecutive int) bool { return o.onPollError(jobID, err, consecutive) },
	)
	o.task = task

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-task.Done()
	}()
}

func (o *Orchestrator) stopJobLocked() {
	if o.task != nil {
		o.task.Stop()
		o.task = nil
	}
	if o.cancelJob != nil {
		o.cancelJob()
		o.cancelJob = nil
		o.jobCtx = nil
	}
}

// applyJob applies one accepted status response. It reports whether the job
// should still be polled.
func (o *Orchestrator) applyJob(jobID string, job types.Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.state.JobID != jobID {
		metrics.Inc(o.ctx, metrics.StaleResponsesDropped, int(o.phase))
		o.logger.Debug("dropping status for superseded job", "job", jobID, "status", string(job.Status))
		return false
	}
	if lifecycle.IsTerminal(o.state.Status) || o.awaitingLocked() {
		// Already settled for this job, or waiting on the snapshot.
		return false
	}
	o.rejections = 0

	switch job.Status {
	case types.JobCompleted:
		o.completeLocked(jobID, job)
		return false

	case types.JobFailed, types.JobTimeout:
		msg := job.ErrorMsg
		if msg == "" {
			msg = defaultFailureMessage(job.Status)
		}
		o.applyLocked(lifecycle.FromJob(job.Status), func(s *types.State) {
			s.Progress = clampProgress(job.Progress)
			s.Error = msg
			s.Result = nil
		})
		metrics.IncStatus(o.ctx, metrics.JobsFinished, int(o.phase), string(job.Status))
		o.logger.Warn("phase job ended without a result", "job", jobID, "status", string(job.Status), "error", msg)
		return false

	default:
		o.applyLocked(types.StatusRunning, func(s *types.State) {
			s.Progress = clampProgress(job.Progress)
		})
		return true
	}
}

func (o *Orchestrator) completeLocked(jobID string, job types.Job) {
	if epoch, invalidated := o.guard.OnCompleted(jobID); invalidated {
		metrics.Inc(o.ctx, metrics.Invalidations, int(o.phase))
		o.logger.Debug("project snapshot invalidated", "job", jobID, "epoch", epoch)
	}

	if job.HasResult() {
		result := append([]byte(nil), job.Result...)
		o.applyLocked(types.StatusCompleted, func(s *types.State) {
			s.Progress = 100
			s.Result = result
			s.Error = ""
		})
		metrics.IncStatus(o.ctx, metrics.JobsFinished, int(o.phase), string(types.JobCompleted))
		o.logger.Info("phase job completed", "job", jobID)
		return
	}

	o.applyLocked(types.StatusRunning, func(s *types.State) {
		s.Progress = reconcile.AwaitingProgress
	})
	o.logger.Info("phase job completed without inline result, awaiting snapshot", "job", jobID)

	if snap, ok := o.store.Peek(o.projectID); ok && o.adoptLocked(snap) {
		return
	}
	o.wg.Add(1)
	go o.awaitSnapshot(o.jobCtx, jobID)
}

// awaitSnapshot reads the shared snapshot until the phase result is adopted
// or the job is superseded. Reads after the first bypass the cache so a
// snapshot that does not yet carry the result is fetched again.
func (o *Orchestrator) awaitSnapshot(ctx context.Context, jobID string) {
	defer o.wg.Done()

	read := o.store.Get
	attempt := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snap, err := read(ctx, o.projectID)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err != nil {
			attempt++
			delay = schedule.ErrorDelay(o.policy, attempt)
			o.logger.Warn("project snapshot read failed", "job", jobID, "error", err, "retryIn", delay)
		} else {
			attempt = 0
			if !o.applySnapshot(jobID, snap) {
				return
			}
			read = o.store.Refresh
			delay = schedule.ActiveInterval(o.policy)
		}
		timer.Reset(delay)
	}
}

// applySnapshot offers snap to the job's state and reports whether the job
// is still awaiting a result.
func (o *Orchestrator) applySnapshot(jobID string, snap types.Snapshot) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state.JobID != jobID {
		return false
	}
	o.adoptLocked(snap)
	return o.awaitingLocked()
}

func (o *Orchestrator) onSnapshot(snap types.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.adoptLocked(snap)
}

// adoptLocked completes the state from the snapshot's phase result when the
// guard allows it.
func (o *Orchestrator) adoptLocked(snap types.Snapshot) bool {
	raw := snap.State.Result(o.phase)
	if raw == nil || !o.guard.Adoptable(o.state, snap.Epoch) {
		return false
	}
	result := append([]byte(nil), raw...)
	o.applyLocked(types.StatusCompleted, func(s *types.State) {
		s.Progress = 100
		s.Result = result
		s.Error = ""
	})
	metrics.Inc(o.ctx, metrics.SnapshotAdoptions, int(o.phase))
	metrics.IncStatus(o.ctx, metrics.JobsFinished, int(o.phase), string(types.JobCompleted))
	o.logger.Info("phase result adopted from project snapshot", "job", o.state.JobID, "epoch", snap.Epoch)
	return true
}

func (o *Orchestrator) awaitingLocked() bool {
	return o.state.Status == types.StatusRunning &&
		o.state.Result == nil &&
		o.state.JobID != "" &&
		o.guard.Marker().JobID == o.state.JobID &&
		o.state.Progress >= reconcile.AwaitingProgress
}

// onPollError keeps polling through transient errors. Permanent errors, such
// as the backend not knowing the job, fail the job once they repeat
// RejectionLimit times in a row.
func (o *Orchestrator) onPollError(jobID string, err error, consecutive int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state.JobID != jobID {
		return false
	}
	if backend.IsTransient(err) {
		o.rejections = 0
		return true
	}

	o.rejections++
	limit := schedule.RejectionLimit(o.policy)
	if o.rejections < limit {
		o.logger.Error("job status fetch rejected", "job", jobID, "error", err, "rejections", o.rejections, "limit", limit)
		return true
	}

	msg := fmt.Sprintf("job status unavailable: %v", err)
	o.applyLocked(types.StatusFailed, func(s *types.State) {
		s.Error = msg
		s.Result = nil
	})
	metrics.IncStatus(o.ctx, metrics.JobsFinished, int(o.phase), string(types.JobFailed))
	o.logger.Error("giving up on job after repeated rejections", "job", jobID, "error", err, "consecutive", consecutive)
	return false
}

// applyLocked moves the state to status, applies mutate and notifies
// watchers. Invalid transitions are logged and skipped.
func (o *Orchestrator) applyLocked(status types.OrchestratorStatus, mutate func(*types.State)) {
	if err := lifecycle.Transition(o.state.Status, status); err != nil {
		o.logger.Warn("skipping state change", "job", o.state.JobID, "error", err)
		return
	}
	o.state.Status = status
	if mutate != nil {
		mutate(&o.state)
	}
	o.state.UpdatedAt = time.Now()

	for _, ch := range o.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) snapshotLocked() types.State {
	st := o.state
	if st.Result != nil {
		st.Result = append([]byte(nil), st.Result...)
	}
	return st
}

func creationMessage(err error) string {
	var ce *trigger.CreationError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}

func defaultFailureMessage(status types.JobStatus) string {
	if status == types.JobTimeout {
		return "job timed out"
	}
	return "job failed"
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
