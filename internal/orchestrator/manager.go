package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Manager runs one Orchestrator per phase of a project. All of them share
// the store passed in Deps.
type Manager struct {
	projectID     string
	phases        []types.Phase
	orchestrators map[types.Phase]*Orchestrator
}

// NewManager creates an orchestrator for each phase.
func NewManager(projectID string, phases []types.Phase, policy schedule.PollPolicy, deps Deps) (*Manager, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}
	m := &Manager{
		projectID:     projectID,
		orchestrators: make(map[types.Phase]*Orchestrator, len(phases)),
	}
	for _, phase := range phases {
		if _, dup := m.orchestrators[phase]; dup {
			m.Close()
			return nil, fmt.Errorf("phase %d listed twice", phase)
		}
		o, err := New(Config{ProjectID: projectID, Phase: phase, Policy: policy}, deps)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("phase %d: %w", phase, err)
		}
		m.orchestrators[phase] = o
		m.phases = append(m.phases, phase)
	}
	sort.Slice(m.phases, func(i, j int) bool { return m.phases[i] < m.phases[j] })
	return m, nil
}

// ProjectID returns the managed project.
func (m *Manager) ProjectID() string { return m.projectID }

// Orchestrator returns the orchestrator for phase.
func (m *Manager) Orchestrator(phase types.Phase) (*Orchestrator, error) {
	o, ok := m.orchestrators[phase]
	if !ok {
		return nil, fmt.Errorf("phase %d is not managed for project %s", phase, m.projectID)
	}
	return o, nil
}

// Trigger starts a job for phase.
func (m *Manager) Trigger(ctx context.Context, phase types.Phase, body types.PhaseInput) error {
	o, err := m.Orchestrator(phase)
	if err != nil {
		return err
	}
	return o.Trigger(ctx, body)
}

// States returns every phase's state in phase order.
func (m *Manager) States() []types.State {
	out := make([]types.State, 0, len(m.phases))
	for _, phase := range m.phases {
		out = append(out, m.orchestrators[phase].State())
	}
	return out
}

// Close closes every orchestrator.
func (m *Manager) Close() {
	for _, o := range m.orchestrators {
		o.Close()
	}
}
