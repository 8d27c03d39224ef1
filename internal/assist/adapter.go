package assist

import (
	"context"
	"log/slog"

	"github.com/kastel/remedia/internal/logging"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/pkg/schema"
)

// MatchedTask is a confident catalog match for a step description,
// carrying the task's parameter specs so the step can be rebound in one
// mutation.
type MatchedTask struct {
	Ref    schema.TaskRef
	Params []schema.ParamSpec
}

// Matcher finds the best worker task for a step description.
// A nil result with nil error means no confident match.
type Matcher interface {
	Match(ctx context.Context, description string) (*MatchedTask, error)
}

// GenerateRequest carries the procedure context for task generation.
type GenerateRequest struct {
	Title               string   `json:"title"`
	Issue               string   `json:"issue"`
	AllStepDescriptions []string `json:"all_step_descriptions"`
	TargetDescription   string   `json:"target_description"`
}

// Generator produces a draft task definition for operator review.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*schema.DraftTask, error)
}

// Adapter wraps the asynchronous auto-match and auto-generate operations
// per step. It tracks busy state through the sequence and guards against
// stale results: every call captures the step's identity at dispatch and
// a result arriving after the step is gone is discarded silently.
type Adapter struct {
	matcher   Matcher
	generator Generator
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewAdapter creates an Adapter over the given capabilities.
func NewAdapter(matcher Matcher, generator Generator, hub streaming.EventHub, logger *slog.Logger) *Adapter {
	return &Adapter{matcher: matcher, generator: generator, hub: hub, logger: logger}
}

// Rematch re-derives the task binding for a step from its description.
// On a confident match the step's task is rebound, its specs replaced and
// previously bound values cleared. Returns nil, nil when the step was
// deleted while the matcher was in flight.
func (a *Adapter) Rematch(ctx context.Context, seq *sequence.Sequence, stepID string) (*schema.Step, error) {
	st, ok := seq.Get(stepID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no step with id %q", stepID)
	}
	if err := seq.BeginAssist(stepID, schema.BusyMatching); err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, a.logger).With(
		slog.String("sequence_id", seq.ID()),
		slog.String("step_id", stepID),
	)

	matched, err := a.matcher.Match(ctx, st.Description)
	if err != nil {
		if !seq.EndAssist(stepID, nil) {
			return a.discard(ctx, seq.ID(), stepID, log), nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeExternal,
			"matcher call failed: %s", err.Error()).WithStep(stepID).WithCause(err)
	}

	if matched == nil {
		if !seq.EndAssist(stepID, nil) {
			return a.discard(ctx, seq.ID(), stepID, log), nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no confident task match for %q", st.Description).WithStep(stepID)
	}

	applied := seq.EndAssist(stepID, func(s *schema.Step) {
		ref := matched.Ref
		s.Task = &ref
		s.Params = append([]schema.ParamSpec(nil), matched.Params...)
		// The new task's spec set may differ from the old one.
		s.Bound = nil
	})
	if !applied {
		return a.discard(ctx, seq.ID(), stepID, log), nil
	}

	a.publish(ctx, seq.ID(), stepID, schema.EventAssistMatched)
	log.Info("step rematched", slog.String("task", matched.Ref.Name))

	updated, _ := seq.Get(stepID)
	return &updated, nil
}

// Generate produces a draft task for the step. The draft is returned for
// review and never bound automatically; binding is a separate explicit
// confirmation elsewhere. Returns nil, nil when the step was deleted
// while the generator was in flight.
func (a *Adapter) Generate(ctx context.Context, seq *sequence.Sequence, stepID string, req GenerateRequest) (*schema.DraftTask, error) {
	if err := seq.BeginAssist(stepID, schema.BusyGenerating); err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, a.logger).With(
		slog.String("sequence_id", seq.ID()),
		slog.String("step_id", stepID),
	)

	draft, err := a.generator.Generate(ctx, req)
	// Busy is cleared in all cases; a vanished step discards the result.
	cleared := seq.EndAssist(stepID, nil)
	if !cleared {
		a.discard(ctx, seq.ID(), stepID, log)
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternal,
			"generator call failed: %s", err.Error()).WithStep(stepID).WithCause(err)
	}

	a.publish(ctx, seq.ID(), stepID, schema.EventAssistGenerated)
	log.Info("draft task generated", slog.String("task", draft.Name))
	return draft, nil
}

func (a *Adapter) discard(ctx context.Context, sequenceID, stepID string, log *slog.Logger) *schema.Step {
	a.publish(ctx, sequenceID, stepID, schema.EventAssistDiscarded)
	log.Debug("assist result discarded, step no longer exists")
	return nil
}

func (a *Adapter) publish(ctx context.Context, sequenceID, stepID, eventType string) {
	if a.hub == nil {
		return
	}
	_ = a.hub.Publish(ctx, streaming.StreamEvent{
		SequenceID: sequenceID,
		StepID:     stepID,
		EventType:  eventType,
	})
}
