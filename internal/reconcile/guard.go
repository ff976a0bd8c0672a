// Package reconcile decides when a phase result may be taken from the shared
// project snapshot instead of the job status response.
package reconcile

import (
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// AwaitingProgress is the progress reported while a completed job's result
// is being fetched through the project snapshot.
const AwaitingProgress = 95

// Invalidator marks a project's cached snapshot stale and returns the epoch
// that later fetches will be tagged with.
type Invalidator interface {
	Invalidate(projectID string) uint64
}

// Marker records the last job an invalidation was issued for.
type Marker struct {
	JobID string
	Epoch uint64
}

// Guard issues at most one snapshot invalidation per completed job and
// gates snapshot adoption on it. A Guard is owned by one orchestrator and is
// not safe for concurrent use.
type Guard struct {
	projectID string
	store     Invalidator
	marker    Marker
}

// New creates a Guard for projectID.
func New(projectID string, store Invalidator) *Guard {
	return &Guard{projectID: projectID, store: store}
}

// OnCompleted invalidates the project snapshot the first time jobID is seen
// completed. Repeated calls for the same job return the recorded epoch and
// false.
func (g *Guard) OnCompleted(jobID string) (epoch uint64, invalidated bool) {
	if jobID == "" {
		return 0, false
	}
	if g.marker.JobID == jobID {
		return g.marker.Epoch, false
	}
	epoch = g.store.Invalidate(g.projectID)
	g.marker = Marker{JobID: jobID, Epoch: epoch}
	return epoch, true
}

// Adoptable reports whether a phase result from a snapshot tagged with
// snapshotEpoch may complete state. The orchestrator must be awaiting the
// snapshot for the job the marker was set for, and the snapshot must have
// been fetched after that job's invalidation.
func (g *Guard) Adoptable(state types.State, snapshotEpoch uint64) bool {
	switch {
	case state.Status != types.StatusRunning:
		return false
	case state.Progress < AwaitingProgress:
		return false
	case state.Result != nil:
		return false
	case state.JobID == "" || state.JobID != g.marker.JobID:
		return false
	}
	return snapshotEpoch >= g.marker.Epoch
}

// Marker returns the current reconciliation marker.
func (g *Guard) Marker() Marker { return g.marker }
