package schedule

import (
	"testing"
	"time"

	"github.com/dwsmith1983/planrunner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPoll(t *testing.T) {
	policy := PollPolicy{Interval: 2 * time.Second}

	tests := []struct {
		status   types.JobStatus
		wantOK   bool
		expected time.Duration
	}{
		{types.JobQueued, true, 2 * time.Second},
		{types.JobRunning, true, 2 * time.Second},
		{types.JobCompleted, false, 0},
		{types.JobFailed, false, 0},
		{types.JobTimeout, false, 0},
		{"provisioning", true, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			delay, ok := NextPoll(policy, types.Job{Status: tt.status})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.expected, delay)
		})
	}
}

func TestNextPoll_ZeroIntervalUsesDefault(t *testing.T) {
	delay, ok := NextPoll(PollPolicy{}, types.Job{Status: types.JobRunning})
	assert.True(t, ok)
	assert.Equal(t, defaultInterval, delay)
}

func TestNextPoll_CompletedWithResultStops(t *testing.T) {
	_, ok := NextPoll(DefaultPollPolicy(), types.Job{Status: types.JobCompleted, Result: []byte(`{"kpis":{}}`)})
	assert.False(t, ok)
}

func TestErrorDelay(t *testing.T) {
	policy := PollPolicy{
		ErrorBackoff:    time.Second,
		MaxErrorBackoff: 10 * time.Second,
		Multiplier:      2.0,
	}

	tests := []struct {
		consecutive int
		expected    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, ErrorDelay(policy, tc.consecutive), "consecutive %d", tc.consecutive)
	}
}

func TestErrorDelay_Defaults(t *testing.T) {
	assert.Equal(t, defaultErrorBackoff, ErrorDelay(PollPolicy{}, 1))
	assert.Equal(t, 2*defaultErrorBackoff, ErrorDelay(PollPolicy{}, 2))
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(types.PollingConfig{
		Interval:   "500ms",
		Multiplier: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, p.Interval)
	assert.Equal(t, defaultErrorBackoff, p.ErrorBackoff)
	assert.Equal(t, defaultMaxErrorBackoff, p.MaxErrorBackoff)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, defaultMaxRejections, p.MaxRejections)

	p, err = PolicyFromConfig(types.PollingConfig{MaxRejectedPolls: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxRejections)
}

func TestPolicyFromConfig_Invalid(t *testing.T) {
	_, err := PolicyFromConfig(types.PollingConfig{Interval: "soon"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "polling.interval")

	_, err = PolicyFromConfig(types.PollingConfig{ErrorBackoff: "-1s"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	_, err = PolicyFromConfig(types.PollingConfig{MaxRejectedPolls: -1})
	assert.ErrorContains(t, err, "polling.maxRejectedPolls")
}

func TestActiveInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second, ActiveInterval(PollPolicy{}))
	assert.Equal(t, 250*time.Millisecond, ActiveInterval(PollPolicy{Interval: 250 * time.Millisecond}))
}

func TestRejectionLimit(t *testing.T) {
	assert.Equal(t, 5, RejectionLimit(PollPolicy{}))
	assert.Equal(t, 1, RejectionLimit(PollPolicy{MaxRejections: 1}))
}
