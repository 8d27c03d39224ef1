package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/pkg/schema"
)

func TestNew_SeedsOneDefaultStep(t *testing.T) {
	seq := New("seq-1")

	require.Equal(t, 1, seq.Len())
	steps := seq.Snapshot()
	assert.NotEmpty(t, steps[0].ID)
	assert.Empty(t, steps[0].Description)
	assert.Nil(t, steps[0].Task)
	assert.Equal(t, schema.ExecStatusIdle, steps[0].Status)
}

func TestAppend_AddsDefaultStepAtTail(t *testing.T) {
	seq := New("seq-1")
	first := seq.Snapshot()[0]

	added := seq.Append()

	steps := seq.Snapshot()
	require.Len(t, steps, 2)
	assert.Equal(t, first.ID, steps[0].ID)
	assert.Equal(t, added.ID, steps[1].ID)
	assert.NotEqual(t, first.ID, added.ID)
}

func TestInsertAfter_PlacesStepImmediatelyAfterTarget(t *testing.T) {
	seq := New("seq-1")
	desc := "restart web server"
	first := seq.Snapshot()[0]
	_, ok := seq.Update(first.ID, schema.StepPatch{Description: &desc})
	require.True(t, ok)
	tail := seq.Append()

	inserted, err := seq.InsertAfter(first.ID)
	require.NoError(t, err)

	steps := seq.Snapshot()
	require.Len(t, steps, 3)
	assert.Equal(t, first.ID, steps[0].ID)
	assert.Equal(t, inserted.ID, steps[1].ID)
	assert.Equal(t, tail.ID, steps[2].ID)
	assert.Empty(t, inserted.Description)
	assert.Nil(t, inserted.Task)
}

func TestInsertAfter_UnknownID(t *testing.T) {
	seq := New("seq-1")

	_, err := seq.InsertAfter("missing")
	require.Error(t, err)
	rerr, ok := err.(*schema.RemediaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
	assert.Equal(t, 1, seq.Len())
}

func TestInsertThenDelete_RestoresPriorSequence(t *testing.T) {
	seq := New("seq-1")
	seq.Append()
	seq.Append()
	before := seq.Snapshot()

	inserted, err := seq.InsertAfter(before[1].ID)
	require.NoError(t, err)
	require.Equal(t, 4, seq.Len())

	require.NoError(t, seq.Delete(inserted.ID))

	after := seq.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Description, after[i].Description)
	}
}

func TestDelete_OnlyStepRejected(t *testing.T) {
	seq := New("seq-1")
	only := seq.Snapshot()[0]

	err := seq.Delete(only.ID)
	require.Error(t, err)
	rerr, ok := err.(*schema.RemediaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)

	steps := seq.Snapshot()
	require.Len(t, steps, 1)
	assert.Equal(t, only.ID, steps[0].ID)
}

func TestDelete_BusyStepRejected(t *testing.T) {
	seq := New("seq-1")
	target := seq.Append()
	require.NoError(t, seq.BeginAssist(target.ID, schema.BusyMatching))

	err := seq.Delete(target.ID)
	require.Error(t, err)
	rerr, ok := err.(*schema.RemediaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStepBusy, rerr.Code)
	assert.Equal(t, 2, seq.Len())
}

func TestUpdate_MissingIDIsNoOp(t *testing.T) {
	seq := New("seq-1")
	desc := "anything"

	_, applied := seq.Update("gone", schema.StepPatch{Description: &desc})
	assert.False(t, applied)
	assert.Equal(t, 1, seq.Len())
}

func TestUpdate_BindingTaskReplacesSpecsAndClearsBound(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID
	_, ok := seq.Update(id, schema.StepPatch{Bound: map[string]string{"host": "web-01"}})
	require.True(t, ok)

	updated, ok := seq.Update(id, schema.StepPatch{
		Task:   &schema.TaskRef{ID: "7", Name: "restart_service"},
		Params: []schema.ParamSpec{{Name: "service", Required: true}},
	})
	require.True(t, ok)

	require.NotNil(t, updated.Task)
	assert.Equal(t, "restart_service", updated.Task.Name)
	require.Len(t, updated.Params, 1)
	assert.Empty(t, updated.Bound, "bindings for the old spec set must be dropped")
}

func TestUpdate_BoundKeysLimitedToDeclaredParams(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID

	// No task means no declared parameters; nothing may bind.
	got, ok := seq.Update(id, schema.StepPatch{Bound: map[string]string{"host": "web-01"}})
	require.True(t, ok)
	assert.Empty(t, got.Bound)

	_, ok = seq.Update(id, schema.StepPatch{
		Task:   &schema.TaskRef{ID: "7", Name: "restart_service"},
		Params: []schema.ParamSpec{{Name: "service", Required: true}},
	})
	require.True(t, ok)

	got, ok = seq.Update(id, schema.StepPatch{Bound: map[string]string{
		"service": "nginx",
		"typo":    "dropped",
	}})
	require.True(t, ok)
	assert.Equal(t, map[string]string{"service": "nginx"}, got.Bound)
}

func TestUpdate_RearmOnlyFromTerminalStates(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID

	seq.SetStatus(id, schema.ExecStatusRunning, "")
	got, _ := seq.Update(id, schema.StepPatch{Rearm: true})
	assert.Equal(t, schema.ExecStatusRunning, got.Status)

	seq.SetStatus(id, schema.ExecStatusError, "boom")
	got, _ = seq.Update(id, schema.StepPatch{Rearm: true})
	assert.Equal(t, schema.ExecStatusIdle, got.Status)
	assert.Empty(t, got.Output)
}

func TestBeginAssist_ConflictsRejected(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID

	require.NoError(t, seq.BeginAssist(id, schema.BusyMatching))

	err := seq.BeginAssist(id, schema.BusyGenerating)
	require.Error(t, err)
	rerr := err.(*schema.RemediaError)
	assert.Equal(t, schema.ErrCodeStepBusy, rerr.Code)
}

func TestBeginAssist_RunningStepRejected(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID
	seq.SetStatus(id, schema.ExecStatusRunning, "")

	err := seq.BeginAssist(id, schema.BusyMatching)
	require.Error(t, err)
	rerr := err.(*schema.RemediaError)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestEndAssist_StaleResultDiscarded(t *testing.T) {
	seq := New("seq-1")
	target := seq.Append()
	require.NoError(t, seq.BeginAssist(target.ID, schema.BusyMatching))

	// Clear busy directly so the step can be deleted, then delete it
	// before the "response" arrives.
	require.True(t, seq.EndAssist(target.ID, nil))
	require.NoError(t, seq.Delete(target.ID))

	mutated := false
	applied := seq.EndAssist(target.ID, func(st *schema.Step) { mutated = true })
	assert.False(t, applied)
	assert.False(t, mutated)
	assert.Equal(t, 1, seq.Len())
}

func TestSeed_ReplacesContent(t *testing.T) {
	seq := New("seq-1")
	seq.Append()

	steps := seq.Seed([]schema.ResolvedStep{
		{Description: "check disk usage", Task: &schema.TaskRef{ID: "3", Name: "disk_usage"}, Bound: map[string]string{"host": "db-01"}},
		{Description: "manual follow-up"},
	})

	require.Len(t, steps, 2)
	assert.Equal(t, "check disk usage", steps[0].Description)
	require.NotNil(t, steps[0].Task)
	assert.Equal(t, "db-01", steps[0].Bound["host"])
	assert.Nil(t, steps[1].Task)

	seq.Seed(nil)
	assert.Equal(t, 1, seq.Len())
}

func TestOnChange_NotifiedWithRevision(t *testing.T) {
	seq := New("seq-1")
	var revs []int64
	seq.OnChange(func(rev int64) { revs = append(revs, rev) })

	seq.Append()
	first := seq.Snapshot()[0]
	desc := "x"
	seq.Update(first.ID, schema.StepPatch{Description: &desc})

	require.Len(t, revs, 2)
	assert.Equal(t, int64(1), revs[0])
	assert.Equal(t, int64(2), revs[1])
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	seq := New("seq-1")
	id := seq.Snapshot()[0].ID
	seq.Update(id, schema.StepPatch{Bound: map[string]string{"host": "a"}})

	snap := seq.Snapshot()
	snap[0].Bound["host"] = "tampered"

	fresh, _ := seq.Get(id)
	assert.Equal(t, "a", fresh.Bound["host"])
}
