package monitor

import (
	"context"

	"github.com/kastel/remedia/internal/engine"
	"github.com/kastel/remedia/internal/incidents"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/pkg/schema"
)

// CoordinatorRunner executes a resolution by seeding an ephemeral step
// sequence and driving a whole-sequence run over it. The same pre-flight
// and halt-on-error rules apply as for interactive runs.
type CoordinatorRunner struct {
	coordinator *engine.Coordinator
}

// NewCoordinatorRunner wraps the coordinator as a Runner.
func NewCoordinatorRunner(c *engine.Coordinator) *CoordinatorRunner {
	return &CoordinatorRunner{coordinator: c}
}

var _ Runner = (*CoordinatorRunner)(nil)

// Run executes the resolution's steps in order and returns their settled
// states. The error carries the halt reason when the batch stopped early.
func (r *CoordinatorRunner) Run(ctx context.Context, res *incidents.Resolution) ([]schema.Step, error) {
	seq := sequence.New("incident:" + res.Incident.Number)
	seq.Seed(res.Steps)
	return r.coordinator.ExecuteAll(ctx, seq)
}
