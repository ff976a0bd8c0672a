package lifecycle

import (
	"testing"

	"github.com/dwsmith1983/planrunner/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from  types.OrchestratorStatus
		to    types.OrchestratorStatus
		valid bool
	}{
		{types.StatusIdle, types.StatusRunning, true},
		{types.StatusIdle, types.StatusQueued, false},
		{types.StatusIdle, types.StatusCompleted, false},
		{types.StatusRunning, types.StatusQueued, true},
		{types.StatusRunning, types.StatusRunning, true},
		{types.StatusRunning, types.StatusCompleted, true},
		{types.StatusRunning, types.StatusFailed, true},
		{types.StatusRunning, types.StatusTimeout, true},
		{types.StatusRunning, types.StatusIdle, false},
		{types.StatusQueued, types.StatusRunning, true},
		{types.StatusQueued, types.StatusCompleted, true},
		{types.StatusQueued, types.StatusFailed, true},
		{types.StatusQueued, types.StatusTimeout, true},
		{types.StatusCompleted, types.StatusRunning, true},
		{types.StatusCompleted, types.StatusFailed, false},
		{types.StatusFailed, types.StatusRunning, true},
		{types.StatusFailed, types.StatusCompleted, false},
		{types.StatusTimeout, types.StatusRunning, true},
		{types.StatusTimeout, types.StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, CanTransition(tt.from, tt.to))
			err := Transition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("bogus", types.StatusRunning))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(types.StatusCompleted))
	assert.True(t, IsTerminal(types.StatusFailed))
	assert.True(t, IsTerminal(types.StatusTimeout))
	assert.False(t, IsTerminal(types.StatusIdle))
	assert.False(t, IsTerminal(types.StatusRunning))
	assert.False(t, IsTerminal(types.StatusQueued))
}

func TestFromJob(t *testing.T) {
	assert.Equal(t, types.StatusRunning, FromJob(types.JobQueued))
	assert.Equal(t, types.StatusRunning, FromJob(types.JobRunning))
	assert.Equal(t, types.StatusRunning, FromJob(types.JobCompleted))
	assert.Equal(t, types.StatusFailed, FromJob(types.JobFailed))
	assert.Equal(t, types.StatusTimeout, FromJob(types.JobTimeout))
}
