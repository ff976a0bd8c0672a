package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/planrunner/internal/backend"
	"github.com/dwsmith1983/planrunner/internal/backend/backendtest"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

func TestClientAgainstFakeBackend(t *testing.T) {
	fake := backendtest.New()
	fake.QueueJobIDs("J1")
	fake.Script("J1",
		types.Job{Status: types.JobRunning, Progress: 40},
		types.Job{Status: types.JobCompleted, Progress: 100, Result: []byte(`{"kpis":{"npv":12}}`)},
	)
	fake.SetPhaseResult("acme", types.PhaseMarketResearch, `{"tam":1000}`)
	srv := backendtest.NewServer(t, fake)

	c := backend.New(srv.URL)
	ctx := context.Background()

	id, err := c.CreateJob(ctx, "acme", "/phases/5/jobs", types.PhaseInput{"parameters": map[string]interface{}{"growth": 0.1}})
	require.NoError(t, err)
	assert.Equal(t, "J1", id)

	calls := fake.CreateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme", calls[0].ProjectID)
	assert.Equal(t, "/phases/5/jobs", calls[0].Endpoint)
	assert.Contains(t, calls[0].Body, "parameters")

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.False(t, job.HasResult())

	job, err = c.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.JSONEq(t, `{"kpis":{"npv":12}}`, string(job.Result))

	ps, err := c.GetProjectState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", ps.ProjectID)
	assert.JSONEq(t, `{"tam":1000}`, string(ps.Result(types.PhaseMarketResearch)))
	assert.Equal(t, 1, fake.StateFetches("acme"))
}

func TestClientAgainstFakeBackend_TransientStatusError(t *testing.T) {
	fake := backendtest.New()
	fake.FailNextGetJob("J1", assert.AnError)
	srv := backendtest.NewServer(t, fake)

	c := backend.New(srv.URL)
	_, err := c.GetJob(context.Background(), "J1")
	require.Error(t, err)
	assert.True(t, backend.IsTransient(err))

	job, err := c.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
}
