package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/kastel/remedia/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Task catalog ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	tags, err := nullableJSONSlice(task.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (name, description, tags, content, type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.Name, task.Description, tags, task.Content, taskTypeOrDefault(task.Type),
		timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.Name)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	task.ID = id

	if err := insertTaskParams(ctx, tx, id, task.Params); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	return s.getTask(ctx, `WHERE id = ?`, id)
}

func (s *LibSQLStore) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	return s.getTask(ctx, `WHERE name = ?`, name)
}

func (s *LibSQLStore) getTask(ctx context.Context, where string, arg any) (*Task, error) {
	t := &Task{}
	var tags sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, tags, content, type, created_at, updated_at FROM tasks `+where, arg,
	).Scan(&t.ID, &t.Name, &t.Description, &tags, &t.Content, &t.Type, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, err
	}
	t.Tags = stringSliceOrNil(tags)
	if t.Params, err = s.taskParams(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *LibSQLStore) taskParams(ctx context.Context, taskID int64) ([]schema.ParamSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, required, default_value, extract
		 FROM task_params WHERE task_id = ? ORDER BY position ASC`, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []schema.ParamSpec
	for rows.Next() {
		var p schema.ParamSpec
		var ptype string
		var required int
		var def, extract sql.NullString
		if err := rows.Scan(&p.Name, &ptype, &required, &def, &extract); err != nil {
			return nil, err
		}
		p.Type = schema.ParamType(ptype)
		p.Required = required != 0
		p.DefaultValue = def.String
		p.Extract = extract.String
		params = append(params, p)
	}
	return params, rows.Err()
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id int64, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *update.Content)
	}
	if update.Type != nil {
		sets = append(sets, "type = ?")
		args = append(args, *update.Type)
	}
	if update.Tags != nil {
		tags, err := nullableJSONSlice(*update.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if len(sets) == 0 && update.Params == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
		args = append(args, id)
		query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "task", fmt.Sprint(id)); err != nil {
			return err
		}
	} else {
		// Params-only update still requires the task row to exist.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("task", fmt.Sprint(id))
		}
	}

	if update.Params != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_params WHERE task_id = ?`, id); err != nil {
			return err
		}
		if err := insertTaskParams(ctx, tx, id, *update.Params); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.Query != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like)
	}
	if filter.Tag != "" {
		// Tags are a JSON array; a quoted-substring match is enough for
		// the catalog sizes this serves.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	query := `SELECT id, name, description, tags, content, type, created_at, updated_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var tags sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &tags, &t.Content, &t.Type, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Tags = stringSliceOrNil(tags)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Params, err = s.taskParams(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *LibSQLStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", fmt.Sprint(id))
}

func insertTaskParams(ctx context.Context, tx *sql.Tx, taskID int64, params []schema.ParamSpec) error {
	for i, p := range params {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_params (task_id, position, name, type, required, default_value, extract)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskID, i, p.Name, paramTypeOrDefault(p.Type), boolInt(p.Required),
			nullStr(p.DefaultValue), nullStr(p.Extract),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeValidation, "duplicate parameter %q", p.Name)
			}
			return fmt.Errorf("insert param %q: %w", p.Name, err)
		}
	}
	return nil
}

// --- Procedures ---

func (s *LibSQLStore) SaveProcedure(ctx context.Context, proc *Procedure) error {
	steps, err := json.Marshal(proc.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	tags, err := nullableJSONSlice(proc.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO procedures (id, title, issue, tags, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, issue=excluded.issue, tags=excluded.tags,
		   steps=excluded.steps, updated_at=CURRENT_TIMESTAMP`,
		proc.ID, proc.Title, proc.Issue, tags, string(steps),
		timeOrNow(proc.CreatedAt), timeOrNow(proc.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetProcedure(ctx context.Context, id string) (*Procedure, error) {
	p := &Procedure{}
	var tags sql.NullString
	var stepsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, issue, tags, steps, created_at, updated_at FROM procedures WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Issue, &tags, &stepsJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("procedure", id)
	}
	if err != nil {
		return nil, err
	}
	p.Tags = stringSliceOrNil(tags)
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal procedure steps: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListProcedures(ctx context.Context) ([]*Procedure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, issue, tags, steps, created_at, updated_at FROM procedures ORDER BY title ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*Procedure
	for rows.Next() {
		p := &Procedure{}
		var tags sql.NullString
		var stepsJSON string
		if err := rows.Scan(&p.ID, &p.Title, &p.Issue, &tags, &stepsJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Tags = stringSliceOrNil(tags)
		if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal procedure steps: %w", err)
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

func (s *LibSQLStore) DeleteProcedure(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM procedures WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "procedure", id)
}

// --- Incidents ---

func (s *LibSQLStore) CreateIncident(ctx context.Context, inc *schema.Incident) error {
	extra, err := nullableJSONMap(inc.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}
	if inc.Status == "" {
		inc.Status = schema.IncidentStatusNew
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (number, short_description, description, cmdb_ci, business_service, notes, status, extra)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Number, inc.ShortDescription, inc.Description,
		nullStr(inc.CmdbCI), nullStr(inc.BusinessService), nullStr(inc.Notes),
		inc.Status, extra,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "incident %q already exists", inc.Number)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("incident id: %w", err)
	}
	inc.ID = id
	return nil
}

func (s *LibSQLStore) GetIncident(ctx context.Context, number string) (*schema.Incident, error) {
	inc := &schema.Incident{}
	var cmdbCI, bizSvc, notes, extra sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, number, short_description, description, cmdb_ci, business_service, notes, status, extra
		 FROM incidents WHERE number = ?`, number,
	).Scan(&inc.ID, &inc.Number, &inc.ShortDescription, &inc.Description,
		&cmdbCI, &bizSvc, &notes, &inc.Status, &extra)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("incident", number)
	}
	if err != nil {
		return nil, err
	}
	inc.CmdbCI = cmdbCI.String
	inc.BusinessService = bizSvc.String
	inc.Notes = notes.String
	if extra.Valid && extra.String != "" {
		_ = json.Unmarshal([]byte(extra.String), &inc.Extra)
	}
	return inc, nil
}

func (s *LibSQLStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*schema.Incident, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, number, short_description, description, cmdb_ci, business_service, notes, status, extra FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Oldest first so the monitor works through the backlog in order.
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*schema.Incident
	for rows.Next() {
		inc := &schema.Incident{}
		var cmdbCI, bizSvc, notes, extra sql.NullString
		if err := rows.Scan(&inc.ID, &inc.Number, &inc.ShortDescription, &inc.Description,
			&cmdbCI, &bizSvc, &notes, &inc.Status, &extra); err != nil {
			return nil, err
		}
		inc.CmdbCI = cmdbCI.String
		inc.BusinessService = bizSvc.String
		inc.Notes = notes.String
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &inc.Extra)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *LibSQLStore) UpdateIncidentStatus(ctx context.Context, number, status, notes string) error {
	var res sql.Result
	var err error
	if notes != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE incidents SET status = ?, notes = ?, updated_at = CURRENT_TIMESTAMP WHERE number = ?`,
			status, notes, number,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE incidents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE number = ?`,
			status, number,
		)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "incident", number)
}

// --- Resolution history ---

// AppendHistory records one resolution attempt with a monotonically
// increasing per-incident attempt number.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempt int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) + 1 FROM incident_history WHERE incident_number = ?`,
		entry.IncidentNumber,
	).Scan(&attempt)
	if err != nil {
		return fmt.Errorf("get next attempt: %w", err)
	}
	entry.Attempt = attempt

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incident_history (incident_number, attempt, procedure_title, plan, steps, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.IncidentNumber, attempt, nullStr(entry.ProcedureTitle),
		nullRaw(entry.Plan), nullRaw(entry.Steps), entry.Outcome, timeOrNow(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetHistory(ctx context.Context, incidentNumber string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_number, attempt, procedure_title, plan, steps, outcome, created_at
		 FROM incident_history WHERE incident_number = ? ORDER BY attempt ASC`, incidentNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var procTitle, plan, steps sql.NullString
		if err := rows.Scan(&e.ID, &e.IncidentNumber, &e.Attempt, &procTitle, &plan, &steps, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ProcedureTitle = procTitle.String
		e.Plan = rawOrNil(plan)
		e.Steps = rawOrNil(steps)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RemediaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSONSlice(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func stringSliceOrNil(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func taskTypeOrDefault(t string) string {
	if t == "" {
		return "shell"
	}
	return t
}

func paramTypeOrDefault(t schema.ParamType) string {
	if t == "" {
		return string(schema.ParamTypeString)
	}
	return string(t)
}
