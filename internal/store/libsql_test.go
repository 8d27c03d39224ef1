package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *LibSQLStore, name string) *Task {
	t.Helper()
	task := &Task{WorkerTask: schema.WorkerTask{
		Name:        name,
		Description: "restarts the " + name + " service",
		Tags:        []string{"service"},
		Content:     "#!/bin/sh\nsystemctl restart \"$1\"\n",
		Params: []schema.ParamSpec{
			{Name: "service", Type: schema.ParamTypeString, Required: true},
			{Name: "timeout", Type: schema.ParamTypeInt, DefaultValue: "30"},
		},
	}}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := seedTask(t, s, "restart-service")
	require.NotZero(t, created.ID)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "restart-service", got.Name)
	assert.Equal(t, []string{"service"}, got.Tags)
	assert.Equal(t, "shell", got.Type)

	// Declared parameter order must survive the round trip.
	require.Len(t, got.Params, 2)
	assert.Equal(t, "service", got.Params[0].Name)
	assert.True(t, got.Params[0].Required)
	assert.Equal(t, "timeout", got.Params[1].Name)
	assert.Equal(t, "30", got.Params[1].DefaultValue)

	byName, err := s.GetTaskByName(ctx, "restart-service")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
}

func TestCreateTask_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	seedTask(t, s, "restart-service")

	dup := &Task{WorkerTask: schema.WorkerTask{Name: "restart-service", Content: "true"}}
	err := s.CreateTask(context.Background(), dup)
	require.Error(t, err)
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), 9999)
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "restart-service")

	desc := "restarts a systemd unit"
	newParams := []schema.ParamSpec{
		{Name: "unit", Required: true},
	}
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{
		Description: &desc,
		Params:      &newParams,
	}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	require.Len(t, got.Params, 1)
	assert.Equal(t, "unit", got.Params[0].Name)
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	desc := "x"
	err := s.UpdateTask(context.Background(), 404, TaskUpdate{Description: &desc})
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestDeleteTask_CascadesParams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "restart-service")

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err := s.GetTask(ctx, task.ID)
	require.Error(t, err)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(1) FROM task_params WHERE task_id = ?`, task.ID).Scan(&count))
	assert.Zero(t, count)
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "restart-service")
	seedTask(t, s, "rotate-logs")

	disk := &Task{WorkerTask: schema.WorkerTask{
		Name: "clear-disk", Content: "true", Tags: []string{"disk"},
	}}
	require.NoError(t, s.CreateTask(ctx, disk))

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byQuery, err := s.ListTasks(ctx, TaskFilter{Query: "restart"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "restart-service", byQuery[0].Name)

	byTag, err := s.ListTasks(ctx, TaskFilter{Tag: "disk"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "clear-disk", byTag[0].Name)
}

func TestProcedureRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Procedure{Procedure: schema.Procedure{
		ID:    "proc-1",
		Title: "High CPU on web tier",
		Issue: "CPU above 90% on web hosts",
		Steps: []schema.ProcedureStep{
			{Description: "Identify the hot process", TaskName: "top-processes"},
			{Description: "Restart the service", TaskName: "restart-service", Bound: map[string]string{"service": "nginx"}},
		},
	}}
	require.NoError(t, s.SaveProcedure(ctx, p))

	got, err := s.GetProcedure(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, "High CPU on web tier", got.Title)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "nginx", got.Steps[1].Bound["service"])

	// Saving again with the same id overwrites.
	p.Title = "High CPU on web tier (v2)"
	require.NoError(t, s.SaveProcedure(ctx, p))
	got, err = s.GetProcedure(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, "High CPU on web tier (v2)", got.Title)

	list, err := s.ListProcedures(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProcedure(ctx, "proc-1"))
	_, err = s.GetProcedure(ctx, "proc-1")
	require.Error(t, err)
}

func TestIncidentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := &schema.Incident{
		Number:           "INC0010001",
		ShortDescription: "nginx down on web-01",
		Description:      "The nginx service on web-01 is not responding.",
		CmdbCI:           "web-01",
		Extra:            map[string]any{"priority": "1"},
	}
	require.NoError(t, s.CreateIncident(ctx, inc))
	require.NotZero(t, inc.ID)
	assert.Equal(t, schema.IncidentStatusNew, inc.Status)

	got, err := s.GetIncident(ctx, "INC0010001")
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.CmdbCI)
	assert.Equal(t, "1", got.Extra["priority"])

	require.NoError(t, s.UpdateIncidentStatus(ctx, "INC0010001", schema.IncidentStatusResolved, "restarted nginx"))
	got, err = s.GetIncident(ctx, "INC0010001")
	require.NoError(t, err)
	assert.Equal(t, schema.IncidentStatusResolved, got.Status)
	assert.Equal(t, "restarted nginx", got.Notes)

	err = s.UpdateIncidentStatus(ctx, "INC-missing", schema.IncidentStatusResolved, "")
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestCreateIncident_DuplicateNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateIncident(ctx, &schema.Incident{Number: "INC1"}))

	err := s.CreateIncident(ctx, &schema.Incident{Number: "INC1"})
	var rerr *schema.RemediaError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestListIncidents_ByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIncident(ctx, &schema.Incident{Number: "INC1"}))
	require.NoError(t, s.CreateIncident(ctx, &schema.Incident{Number: "INC2"}))
	require.NoError(t, s.CreateIncident(ctx, &schema.Incident{Number: "INC3", Status: schema.IncidentStatusResolved}))

	unresolved, err := s.ListIncidents(ctx, IncidentFilter{Status: schema.IncidentStatusNew})
	require.NoError(t, err)
	require.Len(t, unresolved, 2)
	// Oldest first.
	assert.Equal(t, "INC1", unresolved[0].Number)
	assert.Equal(t, "INC2", unresolved[1].Number)
}

func TestHistoryAttemptNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plan, _ := json.Marshal([]schema.PlannedStep{{Description: "restart nginx", Tool: "restart-service"}})
	for i := 0; i < 3; i++ {
		e := &HistoryEntry{
			IncidentNumber: "INC1",
			ProcedureTitle: "High CPU on web tier",
			Plan:           plan,
			Outcome:        schema.IncidentStatusResolved,
		}
		require.NoError(t, s.AppendHistory(ctx, e))
		assert.Equal(t, int64(i+1), e.Attempt)
	}
	// A different incident gets its own numbering.
	other := &HistoryEntry{IncidentNumber: "INC2", Outcome: schema.IncidentStatusError}
	require.NoError(t, s.AppendHistory(ctx, other))
	assert.Equal(t, int64(1), other.Attempt)

	entries, err := s.GetHistory(ctx, "INC1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Attempt)
	assert.JSONEq(t, string(plan), string(entries[0].Plan))
}
