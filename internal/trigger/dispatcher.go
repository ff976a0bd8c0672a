// Package trigger maps phase numbers to backend job-creation calls.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dwsmith1983/planrunner/internal/metrics"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Creator is the subset of the backend client used to create jobs.
type Creator interface {
	CreateJob(ctx context.Context, projectID, endpoint string, body types.PhaseInput) (string, error)
}

// PhaseSpec describes how a phase job is created.
type PhaseSpec struct {
	Phase    types.Phase
	Name     string
	Endpoint string
	Required []string
}

// Validate checks that body carries every required field.
func (s PhaseSpec) Validate(body types.PhaseInput) error {
	var missing []string
	for _, field := range s.Required {
		if v, ok := body[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required field(s): %s", s.Name, strings.Join(missing, ", "))
	}
	return nil
}

var defaultPhases = []PhaseSpec{
	{Phase: types.PhaseMarketResearch, Name: "market-research", Endpoint: "/phases/1/jobs", Required: []string{"idea"}},
	{Phase: types.PhaseCompetitorAnalysis, Name: "competitor-analysis", Endpoint: "/phases/2/jobs", Required: []string{"idea", "market"}},
	{Phase: types.PhaseBusinessModel, Name: "business-model", Endpoint: "/phases/3/jobs", Required: []string{"segments"}},
	{Phase: types.PhaseGoToMarket, Name: "go-to-market", Endpoint: "/phases/4/jobs", Required: []string{"channels"}},
	{Phase: types.PhaseFinancialModel, Name: "financial-model", Endpoint: "/phases/5/jobs", Required: []string{"parameters"}},
	{Phase: types.PhasePlanDocument, Name: "plan-document", Endpoint: "/phases/6/jobs", Required: []string{"format"}},
}

// DefaultPhases returns a copy of the built-in phase table.
func DefaultPhases() []PhaseSpec {
	out := make([]PhaseSpec, len(defaultPhases))
	for i, s := range defaultPhases {
		s.Required = append([]string(nil), s.Required...)
		out[i] = s
	}
	return out
}

// Dispatcher validates phase input and creates jobs through a Creator.
type Dispatcher struct {
	creator Creator
	phases  map[types.Phase]PhaseSpec
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPhaseOverrides replaces the endpoint or required fields of listed
// phases. A phase missing from the built-in table is added.
func WithPhaseOverrides(overrides []types.PhaseConfig) Option {
	return func(d *Dispatcher) {
		for _, o := range overrides {
			spec, ok := d.phases[o.Phase]
			if !ok {
				spec = PhaseSpec{
					Phase:    o.Phase,
					Name:     fmt.Sprintf("phase-%d", o.Phase),
					Endpoint: fmt.Sprintf("/phases/%d/jobs", o.Phase),
				}
			}
			if o.Endpoint != "" {
				spec.Endpoint = o.Endpoint
			}
			if o.Required != nil {
				spec.Required = append([]string(nil), o.Required...)
			}
			d.phases[o.Phase] = spec
		}
	}
}

// NewDispatcher creates a Dispatcher with the built-in phase table.
func NewDispatcher(creator Creator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		creator: creator,
		phases:  make(map[types.Phase]PhaseSpec, len(defaultPhases)),
		logger:  slog.Default(),
	}
	for _, s := range DefaultPhases() {
		d.phases[s.Phase] = s
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Lookup returns the PhaseSpec for phase.
func (d *Dispatcher) Lookup(phase types.Phase) (PhaseSpec, bool) {
	s, ok := d.phases[phase]
	return s, ok
}

// Phases returns the dispatcher's phase table in phase order.
func (d *Dispatcher) Phases() []PhaseSpec {
	out := make([]PhaseSpec, 0, len(d.phases))
	for _, s := range d.phases {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}

// Execute creates a job for phase and returns its id. Every failure is a
// *CreationError.
func (d *Dispatcher) Execute(ctx context.Context, projectID string, phase types.Phase, body types.PhaseInput) (string, error) {
	spec, ok := d.Lookup(phase)
	if !ok {
		return "", &CreationError{Phase: phase, Category: types.FailurePermanent, Err: fmt.Errorf("unknown phase %d", phase)}
	}
	if projectID == "" {
		return "", &CreationError{Phase: phase, Category: types.FailurePermanent, Err: fmt.Errorf("project id is required")}
	}
	if err := spec.Validate(body); err != nil {
		return "", &CreationError{Phase: phase, Category: types.FailurePermanent, Err: err}
	}

	metrics.Inc(ctx, metrics.TriggersTotal, int(phase))
	jobID, err := d.creator.CreateJob(ctx, projectID, spec.Endpoint, body)
	if err != nil {
		metrics.Inc(ctx, metrics.TriggersFailed, int(phase))
		category := ClassifyFailure(err)
		d.logger.Warn("phase job creation failed",
			"project", projectID, "phase", int(phase), "category", string(category), "error", err)
		return "", &CreationError{Phase: phase, Category: category, Err: err}
	}

	d.logger.Info("phase job created", "project", projectID, "phase", int(phase), "job", jobID)
	return jobID, nil
}
