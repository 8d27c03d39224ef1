package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kastel/remedia/internal/expressions"
	"github.com/kastel/remedia/internal/logging"
	"github.com/kastel/remedia/internal/params"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/pkg/schema"
)

// ExecRequest is handed to the Executor capability for one step.
type ExecRequest struct {
	TaskID     string            `json:"task_id"`
	TaskName   string            `json:"task_name"`
	Parameters map[string]string `json:"parameters"`
}

// ExecResult is the capability's verdict: a status of "success" or
// "error" plus the execution transcript.
type ExecResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

// Executor is the external execution capability. Opaque: unreachable
// capabilities surface as errors, task failures as ExecResult status
// "error".
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecStatusSuccess and ExecStatusError are the capability verdict values.
const (
	VerdictSuccess = "success"
	VerdictError   = "error"
)

// Coordinator drives single-step and whole-sequence execution.
//
// It owns the single-flight guard: at most one active run per sequence,
// enforced here rather than by any presentation affordance. Batch runs
// pre-flight every step before touching any step's status, execute
// strictly in order, and halt on the first error leaving later steps in
// their prior state.
type Coordinator struct {
	executor Executor
	fsm      *StepFSM
	hub      streaming.EventHub
	cel      *expressions.CELEngine
	guards   []string
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGuards installs CEL guard expressions evaluated over each step's
// resolved parameter map during pre-flight.
func WithGuards(cel *expressions.CELEngine, guards []string) Option {
	return func(c *Coordinator) {
		c.cel = cel
		c.guards = guards
	}
}

// NewCoordinator creates a Coordinator dispatching to the given executor.
func NewCoordinator(executor Executor, hub streaming.EventHub, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		executor: executor,
		fsm:      NewStepFSM(hub),
		hub:      hub,
		logger:   logger,
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ActiveRun returns the active run for a sequence, if any.
func (c *Coordinator) ActiveRun(sequenceID string) (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.runs[sequenceID]; ok {
		return *run, true
	}
	return Run{}, false
}

// ExecuteOne runs a single step. The step must be idle, bound to a task,
// and free of missing required parameters; settled steps need an explicit
// re-arm first.
func (c *Coordinator) ExecuteOne(ctx context.Context, seq *sequence.Sequence, stepID string) (schema.Step, error) {
	run, err := c.beginRun(seq.ID(), RunModeSingle, stepID)
	if err != nil {
		return schema.Step{}, err
	}
	defer c.endRun(seq.ID())

	st, err := c.preflightStep(ctx, seq, stepID)
	if err != nil {
		return schema.Step{}, err
	}

	return c.dispatch(ctx, seq, st, run)
}

// ExecuteAll runs every step of the sequence in order.
//
// Pre-flight is atomic: if any step fails validation the batch aborts
// before any status transition, reporting the offending step's position
// and parameter. Steps already succeeded are skipped; manual steps (no
// bound task) are left for the operator. The first error halts the batch,
// later steps keep their prior state.
func (c *Coordinator) ExecuteAll(ctx context.Context, seq *sequence.Sequence) ([]schema.Step, error) {
	run, err := c.beginRun(seq.ID(), RunModeBatch, "")
	if err != nil {
		return nil, err
	}
	defer c.endRun(seq.ID())

	snapshot := seq.Snapshot()
	if err := c.preflightBatch(ctx, snapshot); err != nil {
		return nil, err
	}

	c.publish(ctx, seq.ID(), "", schema.EventRunStarted)

	for _, st := range snapshot {
		// Re-read by identity: the step may have been edited or deleted
		// while earlier steps ran.
		current, ok := seq.Get(st.ID)
		if !ok {
			continue
		}
		if current.Status == schema.ExecStatusSuccess || current.Task == nil {
			continue
		}

		settled, err := c.dispatch(ctx, seq, current, run)
		if err != nil {
			c.publish(ctx, seq.ID(), current.ID, schema.EventRunHalted)
			return seq.Snapshot(), err
		}
		if settled.Status == schema.ExecStatusError {
			c.publish(ctx, seq.ID(), current.ID, schema.EventRunHalted)
			return seq.Snapshot(), schema.NewErrorf(schema.ErrCodeExecution,
				"batch halted at step %d: %s", seq.Position(current.ID)+1, settled.Output).
				WithStep(current.ID)
		}
	}

	c.publish(ctx, seq.ID(), "", schema.EventRunCompleted)
	return seq.Snapshot(), nil
}

// preflightStep applies the single-step execution guards without touching
// the step's status.
func (c *Coordinator) preflightStep(ctx context.Context, seq *sequence.Sequence, stepID string) (schema.Step, error) {
	st, ok := seq.Get(stepID)
	if !ok {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeNotFound, "no step with id %q", stepID)
	}
	if st.Status == schema.ExecStatusRunning {
		return schema.Step{}, schema.NewError(schema.ErrCodeConflict, "step is already running").WithStep(stepID)
	}
	if st.Status == schema.ExecStatusSuccess || st.Status == schema.ExecStatusError {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeConflict,
			"step already settled as %s; re-arm it to run again", st.Status).WithStep(stepID)
	}
	if st.Busy != schema.BusyNone {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeStepBusy,
			"step has a %s operation in flight", st.Busy).WithStep(stepID)
	}
	if st.Task == nil {
		return schema.Step{}, schema.NewError(schema.ErrCodeNoTaskBound,
			"step has no task bound; manual steps are not executable").WithStep(stepID)
	}
	if missing := params.FirstMissingRequired(st); missing != nil {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeValidation,
			"required parameter %q has no value", missing.Name).
			WithStep(stepID).
			WithDetails(map[string]any{"param": missing.Name, "position": seq.Position(stepID)})
	}
	if err := c.checkGuards(ctx, st); err != nil {
		return schema.Step{}, err
	}
	return st, nil
}

// preflightBatch validates every step before any status transition.
func (c *Coordinator) preflightBatch(ctx context.Context, snapshot []schema.Step) error {
	for i, st := range snapshot {
		if st.Task == nil || st.Status == schema.ExecStatusSuccess {
			continue
		}
		if st.Status == schema.ExecStatusRunning || st.Busy != schema.BusyNone {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step %d has an operation in flight", i+1).WithStep(st.ID)
		}
		if st.Status == schema.ExecStatusError {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step %d is settled as error; re-arm it before running the batch", i+1).WithStep(st.ID)
		}
		if missing := params.FirstMissingRequired(st); missing != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d: required parameter %q has no value", i+1, missing.Name).
				WithStep(st.ID).
				WithDetails(map[string]any{"param": missing.Name, "position": i})
		}
		if err := c.checkGuards(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// checkGuards evaluates configured CEL guard policies over the step's
// resolved parameter map.
func (c *Coordinator) checkGuards(ctx context.Context, st schema.Step) error {
	if c.cel == nil || len(c.guards) == 0 {
		return nil
	}
	paramEnv := make(map[string]any)
	for k, v := range params.Resolve(st) {
		paramEnv[k] = v
	}
	stepEnv := map[string]any{"description": st.Description}
	if st.Task != nil {
		stepEnv["task_name"] = st.Task.Name
	}
	env := map[string]any{"params": paramEnv, "step": stepEnv}
	for _, guard := range c.guards {
		ok, err := c.cel.EvaluateBool(ctx, guard, env)
		if err != nil {
			return err
		}
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"execution guard rejected step: %s", guard).WithStep(st.ID)
		}
	}
	return nil
}

// dispatch moves a validated step through running to a terminal state.
// Every dispatch has exactly one outcome: success, capability error, or
// discarded-as-stale when the step vanished mid-flight.
func (c *Coordinator) dispatch(ctx context.Context, seq *sequence.Sequence, st schema.Step, run *Run) (schema.Step, error) {
	log := logging.LogWith(ctx, c.logger).With(
		slog.String("sequence_id", seq.ID()),
		slog.String("step_id", st.ID),
		slog.String("task", st.Task.Name),
	)

	if err := c.fsm.Transition(ctx, seq.ID(), st.ID, st.Status, schema.ExecStatusRunning); err != nil {
		return schema.Step{}, err
	}
	if !seq.SetStatus(st.ID, schema.ExecStatusRunning, "") {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeNotFound, "step %q deleted before dispatch", st.ID)
	}
	c.setActive(run, st.ID)

	started := time.Now()
	res, err := c.executor.Execute(ctx, ExecRequest{
		TaskID:     st.Task.ID,
		TaskName:   st.Task.Name,
		Parameters: params.Resolve(st),
	})

	status := schema.ExecStatusSuccess
	output := res.Output
	if err != nil {
		status = schema.ExecStatusError
		output = err.Error()
	} else if res.Status != VerdictSuccess {
		status = schema.ExecStatusError
		if output == "" {
			output = "task execution failed"
		}
	}

	if ferr := c.fsm.Transition(ctx, seq.ID(), st.ID, schema.ExecStatusRunning, status); ferr != nil {
		return schema.Step{}, ferr
	}
	if !seq.SetStatus(st.ID, status, output) {
		// Step deleted while running: discard the result silently.
		log.Warn("step deleted mid-run, result discarded")
		return schema.Step{ID: st.ID, Status: status, Output: output}, nil
	}

	log.Info("step settled",
		slog.String("status", string(status)),
		slog.Duration("duration", time.Since(started)),
	)

	// A capability failure settles the step as error; it is not a
	// dispatch error.
	settled, _ := seq.Get(st.ID)
	return settled, nil
}

func (c *Coordinator) beginRun(sequenceID string, mode RunMode, stepID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, active := c.runs[sequenceID]; active {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"an execution run is already active for sequence %q", sequenceID)
	}
	run := &Run{
		SequenceID:   sequenceID,
		Mode:         mode,
		ActiveStepID: stepID,
		StartedAt:    time.Now(),
	}
	c.runs[sequenceID] = run
	return run, nil
}

func (c *Coordinator) endRun(sequenceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, sequenceID)
}

func (c *Coordinator) setActive(run *Run, stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.ActiveStepID = stepID
}

func (c *Coordinator) publish(ctx context.Context, sequenceID, stepID, eventType string) {
	if c.hub == nil {
		return
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		SequenceID: sequenceID,
		StepID:     stepID,
		EventType:  eventType,
	})
}
