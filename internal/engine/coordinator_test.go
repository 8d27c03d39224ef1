package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/internal/expressions"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/pkg/schema"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// scriptedExecutor returns a canned result per task name.
type scriptedExecutor struct {
	mu      sync.Mutex
	results map[string]ExecResult
	errs    map[string]error
	calls   []string
	block   chan struct{} // when set, Execute waits until closed
}

func (e *scriptedExecutor) Execute(_ context.Context, req ExecRequest) (ExecResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.TaskName)
	block := e.block
	e.mu.Unlock()
	if block != nil {
		<-block
	}
	if err, ok := e.errs[req.TaskName]; ok {
		return ExecResult{}, err
	}
	if res, ok := e.results[req.TaskName]; ok {
		return res, nil
	}
	return ExecResult{Status: VerdictSuccess, Output: "ok"}, nil
}

func (e *scriptedExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]string, len(e.calls))
	copy(cp, e.calls)
	return cp
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// boundStep binds a task to the step with the given id.
func bindTask(t *testing.T, seq *sequence.Sequence, id, taskName string, specs ...schema.ParamSpec) {
	t.Helper()
	_, ok := seq.Update(id, schema.StepPatch{
		Task:   &schema.TaskRef{ID: "1", Name: taskName},
		Params: specs,
	})
	require.True(t, ok)
}

func threeStepSequence(t *testing.T) (*sequence.Sequence, []string) {
	t.Helper()
	seq := sequence.New("seq-1")
	a := seq.Snapshot()[0]
	b := seq.Append()
	c := seq.Append()
	bindTask(t, seq, a.ID, "task_a")
	bindTask(t, seq, b.ID, "task_b")
	bindTask(t, seq, c.ID, "task_c")
	return seq, []string{a.ID, b.ID, c.ID}
}

func TestExecuteOne_Success(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "restart_service")

	exec := &scriptedExecutor{results: map[string]ExecResult{
		"restart_service": {Status: VerdictSuccess, Output: "service restarted"},
	}}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	settled, err := coord.ExecuteOne(context.Background(), seq, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecStatusSuccess, settled.Status)
	assert.Equal(t, "service restarted", settled.Output)

	_, active := coord.ActiveRun("seq-1")
	assert.False(t, active, "run must be released after settling")
}

func TestExecuteOne_CapabilityErrorSettlesAsError(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "flaky")

	exec := &scriptedExecutor{errs: map[string]error{"flaky": errors.New("capability unreachable")}}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	settled, err := coord.ExecuteOne(context.Background(), seq, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecStatusError, settled.Status)
	assert.Contains(t, settled.Output, "capability unreachable")
}

func TestExecuteOne_NoTaskBound(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID

	coord := NewCoordinator(&scriptedExecutor{}, streaming.NewMemoryHub(), testLogger())

	_, err := coord.ExecuteOne(context.Background(), seq, id)
	require.Error(t, err)
	rerr := err.(*schema.RemediaError)
	assert.Equal(t, schema.ErrCodeNoTaskBound, rerr.Code)

	st, _ := seq.Get(id)
	assert.Equal(t, schema.ExecStatusIdle, st.Status, "step must never enter running")
}

func TestExecuteOne_MissingRequiredParamRejectedBeforeDispatch(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "needs_host", schema.ParamSpec{Name: "host", Required: true})

	exec := &scriptedExecutor{}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	_, err := coord.ExecuteOne(context.Background(), seq, id)
	require.Error(t, err)
	rerr := err.(*schema.RemediaError)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	assert.Equal(t, "host", rerr.Details["param"])
	assert.Empty(t, exec.Calls(), "executor must not be invoked")
}

func TestExecuteOne_DefaultValueSatisfiesRequired(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "with_default", schema.ParamSpec{Name: "timeout", Required: true, DefaultValue: "30"})

	var got map[string]string
	exec := &capturingExecutor{capture: func(req ExecRequest) { got = req.Parameters }}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	settled, err := coord.ExecuteOne(context.Background(), seq, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecStatusSuccess, settled.Status)
	assert.Equal(t, "30", got["timeout"])
}

type capturingExecutor struct {
	capture func(ExecRequest)
}

func (e *capturingExecutor) Execute(_ context.Context, req ExecRequest) (ExecResult, error) {
	if e.capture != nil {
		e.capture(req)
	}
	return ExecResult{Status: VerdictSuccess, Output: "ok"}, nil
}

func TestExecuteOne_SettledStepNeedsRearm(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "task_a")

	coord := NewCoordinator(&scriptedExecutor{}, streaming.NewMemoryHub(), testLogger())
	_, err := coord.ExecuteOne(context.Background(), seq, id)
	require.NoError(t, err)

	_, err = coord.ExecuteOne(context.Background(), seq, id)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.RemediaError).Code)

	// Re-arm and run again.
	_, ok := seq.Update(id, schema.StepPatch{Rearm: true})
	require.True(t, ok)
	settled, err := coord.ExecuteOne(context.Background(), seq, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecStatusSuccess, settled.Status)
}

func TestExecuteOne_BusyStepRejected(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "task_a")
	require.NoError(t, seq.BeginAssist(id, schema.BusyMatching))

	coord := NewCoordinator(&scriptedExecutor{}, streaming.NewMemoryHub(), testLogger())
	_, err := coord.ExecuteOne(context.Background(), seq, id)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepBusy, err.(*schema.RemediaError).Code)
}

func TestExecuteAll_HaltOnError(t *testing.T) {
	seq, ids := threeStepSequence(t)
	exec := &scriptedExecutor{results: map[string]ExecResult{
		"task_b": {Status: VerdictError, Output: "exit status 1"},
	}}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	_, err := coord.ExecuteAll(context.Background(), seq)
	require.Error(t, err)

	a, _ := seq.Get(ids[0])
	b, _ := seq.Get(ids[1])
	c, _ := seq.Get(ids[2])
	assert.Equal(t, schema.ExecStatusSuccess, a.Status)
	assert.Equal(t, schema.ExecStatusError, b.Status)
	assert.Equal(t, schema.ExecStatusIdle, c.Status, "later steps keep their prior state")
	assert.Equal(t, []string{"task_a", "task_b"}, exec.Calls(), "step after the error is never dispatched")
}

func TestExecuteAll_PreflightAtomicity(t *testing.T) {
	seq, ids := threeStepSequence(t)
	// Give the middle step an unsatisfiable required parameter.
	bindTask(t, seq, ids[1], "task_b", schema.ParamSpec{Name: "host", Required: true})

	exec := &scriptedExecutor{}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	_, err := coord.ExecuteAll(context.Background(), seq)
	require.Error(t, err)
	rerr := err.(*schema.RemediaError)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	assert.Contains(t, rerr.Message, "step 2")
	assert.Contains(t, rerr.Message, "host")

	for _, id := range ids {
		st, _ := seq.Get(id)
		assert.Equal(t, schema.ExecStatusIdle, st.Status, "zero transitions on pre-flight failure")
	}
	assert.Empty(t, exec.Calls())
}

func TestExecuteAll_SkipsSucceededAndManualSteps(t *testing.T) {
	seq, ids := threeStepSequence(t)
	seq.SetStatus(ids[0], schema.ExecStatusSuccess, "done earlier")
	// Make the middle step manual.
	_, ok := seq.Update(ids[1], schema.StepPatch{ClearTask: true})
	require.True(t, ok)

	exec := &scriptedExecutor{}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	_, err := coord.ExecuteAll(context.Background(), seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_c"}, exec.Calls())

	a, _ := seq.Get(ids[0])
	assert.Equal(t, "done earlier", a.Output, "succeeded steps are never rolled back")
}

func TestExecuteAll_SingleFlight(t *testing.T) {
	seq, _ := threeStepSequence(t)
	block := make(chan struct{})
	exec := &scriptedExecutor{block: block}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = coord.ExecuteAll(context.Background(), seq)
	}()

	// Wait until the first dispatch is in flight.
	require.Eventually(t, func() bool { return len(exec.Calls()) > 0 }, testWait, testTick)

	_, err := coord.ExecuteAll(context.Background(), seq)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.RemediaError).Code)

	close(block)
	<-done

	// Once the run settles a new one is accepted (steps are all success,
	// so it is a no-op batch).
	_, err = coord.ExecuteAll(context.Background(), seq)
	require.NoError(t, err)
}

func TestExecuteAll_RunEvents(t *testing.T) {
	seq, _ := threeStepSequence(t)
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventRunStarted, schema.EventRunCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	coord := NewCoordinator(&scriptedExecutor{}, hub, testLogger())
	_, err = coord.ExecuteAll(context.Background(), seq)
	require.NoError(t, err)

	events := collect(t, ch, 2)
	assert.Equal(t, schema.EventRunStarted, events[0].EventType)
	assert.Equal(t, schema.EventRunCompleted, events[1].EventType)
}

func TestExecuteAll_GuardRejectsInPreflight(t *testing.T) {
	seq := sequence.New("seq-1")
	id := seq.Snapshot()[0].ID
	bindTask(t, seq, id, "drop_database", schema.ParamSpec{Name: "host", DefaultValue: "prod-db-01"})

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	exec := &scriptedExecutor{}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger(),
		WithGuards(cel, []string{`!("host" in params) || params.host != "prod-db-01"`}))

	_, err = coord.ExecuteAll(context.Background(), seq)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.RemediaError).Code)
	assert.Empty(t, exec.Calls())

	st, _ := seq.Get(id)
	assert.Equal(t, schema.ExecStatusIdle, st.Status)
}

func TestDispatch_StepDeletedMidRunDiscardsResult(t *testing.T) {
	seq := sequence.New("seq-1")
	target := seq.Append()
	bindTask(t, seq, target.ID, "slow_task")

	block := make(chan struct{})
	exec := &scriptedExecutor{block: block}
	coord := NewCoordinator(exec, streaming.NewMemoryHub(), testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := coord.ExecuteOne(context.Background(), seq, target.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(exec.Calls()) > 0 }, testWait, testTick)
	require.NoError(t, seq.Delete(target.ID))
	close(block)

	require.NoError(t, <-done)
	_, exists := seq.Get(target.ID)
	assert.False(t, exists)
	assert.Equal(t, 1, seq.Len())
}
