package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/planrunner/internal/backend/backendtest"
	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastPolicy() schedule.PollPolicy {
	return schedule.PollPolicy{
		Interval:        5 * time.Millisecond,
		ErrorBackoff:    5 * time.Millisecond,
		MaxErrorBackoff: 20 * time.Millisecond,
		Multiplier:      2,
	}
}

type recorder struct {
	mu   sync.Mutex
	jobs []types.Job
	errs []error
}

func (r *recorder) onJob(job types.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return true
}

func (r *recorder) onErr(err error, _ int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	return true
}

func (r *recorder) statuses() []types.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.JobStatus, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = j.Status
	}
	return out
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll task did not exit")
	}
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	fake := backendtest.New()
	fake.Script("J1",
		types.Job{Status: types.JobQueued},
		types.Job{Status: types.JobRunning, Progress: 40},
		types.Job{Status: types.JobCompleted, Progress: 100},
	)

	rec := &recorder{}
	task := New(fake, fastPolicy()).Start(context.Background(), "J1", rec.onJob, rec.onErr)
	waitDone(t, task)

	assert.Equal(t, []types.JobStatus{types.JobQueued, types.JobRunning, types.JobCompleted}, rec.statuses())
	assert.Equal(t, 3, fake.GetJobCalls("J1"), "no fetch after a terminal status")
}

func TestPoller_StopsOnFailureStatuses(t *testing.T) {
	for _, status := range []types.JobStatus{types.JobFailed, types.JobTimeout} {
		t.Run(string(status), func(t *testing.T) {
			fake := backendtest.New()
			fake.Script("J1", types.Job{Status: status, ErrorMsg: "boom"})

			rec := &recorder{}
			task := New(fake, fastPolicy()).Start(context.Background(), "J1", rec.onJob, nil)
			waitDone(t, task)

			assert.Equal(t, []types.JobStatus{status}, rec.statuses())
			assert.Equal(t, 1, fake.GetJobCalls("J1"))
		})
	}
}

func TestPoller_HandlerCanStop(t *testing.T) {
	fake := backendtest.New()
	fake.Script("J1", types.Job{Status: types.JobRunning})

	calls := 0
	task := New(fake, fastPolicy()).Start(context.Background(), "J1", func(types.Job) bool {
		calls++
		return calls < 2
	}, nil)
	waitDone(t, task)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, fake.GetJobCalls("J1"))
}

func TestPoller_TransientErrorsRetry(t *testing.T) {
	fake := backendtest.New()
	fake.FailNextGetJob("J1", errors.New("network error"))
	fake.FailNextGetJob("J1", errors.New("network error"))
	fake.Script("J1", types.Job{Status: types.JobCompleted})

	rec := &recorder{}
	task := New(fake, fastPolicy()).Start(context.Background(), "J1", rec.onJob, rec.onErr)
	waitDone(t, task)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.errs, 2)
	require.Len(t, rec.jobs, 1)
	assert.Equal(t, types.JobCompleted, rec.jobs[0].Status)
}

func TestPoller_ErrorHandlerCanStop(t *testing.T) {
	fake := backendtest.New()
	fake.FailNextGetJob("J1", errors.New("gone"))

	var seen int
	task := New(fake, fastPolicy()).Start(context.Background(), "J1", func(types.Job) bool {
		t.Error("no job should be delivered")
		return true
	}, func(err error, consecutive int) bool {
		seen = consecutive
		return false
	})
	waitDone(t, task)
	assert.Equal(t, 1, seen)
}

func TestPoller_StopDiscardsInFlightResponse(t *testing.T) {
	fake := backendtest.New()
	fake.Script("J1", types.Job{Status: types.JobCompleted, Result: []byte(`{"late":true}`)})
	release := fake.HoldJob("J1")
	defer release()

	rec := &recorder{}
	task := New(fake, fastPolicy()).Start(context.Background(), "J1", rec.onJob, rec.onErr)

	time.Sleep(20 * time.Millisecond)
	task.Stop()
	release()
	waitDone(t, task)

	assert.Empty(t, rec.statuses(), "response for a stopped task must be discarded")
	assert.Empty(t, rec.errs)
}

func TestPoller_ParentContextCancels(t *testing.T) {
	fake := backendtest.New()
	fake.Script("J1", types.Job{Status: types.JobRunning})

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	task := New(fake, fastPolicy()).Start(ctx, "J1", rec.onJob, nil)

	require.Eventually(t, func() bool { return len(rec.statuses()) >= 2 }, time.Second, time.Millisecond)
	cancel()
	waitDone(t, task)

	n := fake.GetJobCalls("J1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fake.GetJobCalls("J1"), "no fetches after cancellation")
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	fake := backendtest.New()
	fake.Script("J1", types.Job{Status: types.JobRunning})

	task := New(fake, fastPolicy(), WithPhase(types.PhaseBusinessModel), WithLogger(nil)).
		Start(context.Background(), "J1", func(types.Job) bool { return true }, nil)
	task.Stop()
	task.Stop()
	waitDone(t, task)
}
