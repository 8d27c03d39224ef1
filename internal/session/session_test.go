package session

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/internal/validation"
	"github.com/kastel/remedia/pkg/schema"
)

type fakeProcedureStore struct {
	saved   []*store.Procedure
	saveErr error
}

func (f *fakeProcedureStore) SaveProcedure(_ context.Context, proc *store.Procedure) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, proc)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeProcedureStore) {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	procs := &fakeProcedureStore{}
	return NewManager(v, procs, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), procs
}

func TestSequenceEditsReachHubSubscribers(t *testing.T) {
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()
	m := NewManager(v, &fakeProcedureStore{}, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventSequenceChanged},
	})
	require.NoError(t, err)
	defer cancel()

	s := m.Get("op-1")
	s.Sequence().Append()

	ev := <-events
	require.Equal(t, "op-1", ev.SequenceID)
	require.Equal(t, schema.EventSequenceChanged, ev.EventType)
	require.Equal(t, map[string]any{"revision": int64(1)}, ev.Payload)

	s.Sequence().InsertHead()
	ev = <-events
	require.Equal(t, map[string]any{"revision": int64(2)}, ev.Payload)
}

func TestManagerGetCreatesOnce(t *testing.T) {
	m, _ := newTestManager(t)

	a := m.Get("op-1")
	b := m.Get("op-1")
	require.Same(t, a, b)

	c := m.Get("op-2")
	require.NotSame(t, a, c)
	require.Equal(t, []string{"op-1", "op-2"}, m.IDs())

	m.Remove("op-1")
	_, ok := m.Lookup("op-1")
	require.False(t, ok)
	require.Equal(t, []string{"op-2"}, m.IDs())
}

func TestGraphCachedPerRevision(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Get("op-1")

	first := s.Graph()
	require.Same(t, first, s.Graph())

	s.Sequence().Append()
	second := s.Graph()
	require.NotSame(t, first, second)
	require.Greater(t, second.Revision, first.Revision)
	// one step plus start/end, then two steps plus start/end
	require.Len(t, first.Nodes, 3)
	require.Len(t, second.Nodes, 4)
}

func TestMermaidReflectsSequence(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Get("op-1")

	steps := s.Sequence().Snapshot()
	_, changed := s.Sequence().Update(steps[0].ID, schema.StepPatch{
		Description: strPtr("Restart nginx"),
	})
	require.True(t, changed)

	out := s.Mermaid()
	require.Contains(t, out, "graph TD")
	require.Contains(t, out, "Restart nginx")
}

func TestUploadAssemblesAndResets(t *testing.T) {
	m, procs := newTestManager(t)
	s := m.Get("op-1")
	seq := s.Sequence()

	first := seq.Snapshot()[0]
	_, changed := seq.Update(first.ID, schema.StepPatch{
		Description: strPtr("Check disk usage"),
		Task:        &schema.TaskRef{ID: "4", Name: "disk-usage"},
		Bound:       map[string]string{"mount": "/var"},
	})
	require.True(t, changed)
	second := seq.Append()
	_, changed = seq.Update(second.ID, schema.StepPatch{
		Description: strPtr("Clear old logs"),
	})
	require.True(t, changed)

	proc, err := s.Upload(context.Background(), UploadRequest{
		Title: "Disk pressure on app hosts",
		Issue: "Root volume filling up",
		Tags:  []string{"disk"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, proc.ID)
	require.Len(t, proc.Steps, 2)
	require.Equal(t, "disk-usage", proc.Steps[0].TaskName)
	require.Equal(t, "4", proc.Steps[0].TaskID)
	require.Equal(t, map[string]string{"mount": "/var"}, proc.Steps[0].Bound)
	require.Equal(t, "Clear old logs", proc.Steps[1].Description)

	require.Len(t, procs.saved, 1)
	require.Equal(t, proc.ID, procs.saved[0].ID)

	// sequence is back to a single fresh step
	require.Equal(t, 1, seq.Len())
	require.Empty(t, seq.Snapshot()[0].Description)
}

func TestUploadKeepsExplicitID(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Get("op-1")
	seq := s.Sequence()
	_, changed := seq.Update(seq.Snapshot()[0].ID, schema.StepPatch{
		Description: strPtr("Rotate credentials"),
	})
	require.True(t, changed)

	proc, err := s.Upload(context.Background(), UploadRequest{
		ID:    "proc-cred-rotation",
		Title: "Credential rotation",
		Issue: "Leaked API key",
	})
	require.NoError(t, err)
	require.Equal(t, "proc-cred-rotation", proc.ID)
}

func TestUploadRejectsInvalidProcedure(t *testing.T) {
	m, procs := newTestManager(t)
	s := m.Get("op-1")
	seq := s.Sequence()
	_, changed := seq.Update(seq.Snapshot()[0].ID, schema.StepPatch{
		Description: strPtr("Do the thing"),
	})
	require.True(t, changed)

	_, err := s.Upload(context.Background(), UploadRequest{Title: "", Issue: "x"})

	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, schema.ErrCodeValidation, rerr.Code)
	require.Empty(t, procs.saved)
	// the sequence survives a rejected upload untouched
	require.Equal(t, "Do the thing", seq.Snapshot()[0].Description)
}

func TestUploadBlockedWhileStepBusy(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Get("op-1")
	seq := s.Sequence()
	stepID := seq.Snapshot()[0].ID
	require.NoError(t, seq.BeginAssist(stepID, schema.BusyMatching))

	_, err := s.Upload(context.Background(), UploadRequest{Title: "t", Issue: "i"})

	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, schema.ErrCodeStepBusy, rerr.Code)
	require.Equal(t, stepID, rerr.StepID)
}

func TestResetBlockedWhileRunning(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Get("op-1")
	seq := s.Sequence()
	stepID := seq.Snapshot()[0].ID
	require.True(t, seq.SetStatus(stepID, schema.ExecStatusRunning, ""))

	err := s.Reset()
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, schema.ErrCodeConflict, rerr.Code)

	require.True(t, seq.SetStatus(stepID, schema.ExecStatusSuccess, "done"))
	require.NoError(t, s.Reset())
	require.Equal(t, schema.ExecStatusIdle, seq.Snapshot()[0].Status)
}

func strPtr(s string) *string { return &s }
