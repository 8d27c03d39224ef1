package schema

// ExecStatus is the execution state of a single step.
type ExecStatus string

const (
	ExecStatusIdle    ExecStatus = "idle"
	ExecStatusRunning ExecStatus = "running"
	ExecStatusSuccess ExecStatus = "success"
	ExecStatusError   ExecStatus = "error"
)

// BusyState marks an in-flight AI-assist operation on a step.
// At most one assist operation per step at a time.
type BusyState string

const (
	BusyNone       BusyState = ""
	BusyMatching   BusyState = "matching"
	BusyGenerating BusyState = "generating"
)

// ParamType is advisory at this layer: all values are carried as strings
// and coercion is the executor's concern.
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeInt    ParamType = "int"
	ParamTypeBool   ParamType = "bool"
	ParamTypeFloat  ParamType = "float"
	ParamTypeFile   ParamType = "file"
	ParamTypeEnum   ParamType = "enum"
)

// ParamSpec describes one parameter of a worker task.
type ParamSpec struct {
	Name         string    `json:"name"`
	Type         ParamType `json:"type,omitempty"`
	Required     bool      `json:"required"`
	DefaultValue string    `json:"default_value,omitempty"`
	// Extract is an optional extraction expression evaluated against
	// incident data when resolving a step ("jq:" or "expr:" prefixed).
	Extract string `json:"extract,omitempty"`
}

// TaskRef points a step at a worker task. Nil means a manual step,
// never eligible for automated execution.
type TaskRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Step is one entry in a procedure's ordered sequence.
// ID is the stable identity token: assigned at creation, never reused or
// renumbered. Positional index is derived only for display.
type Step struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Task        *TaskRef          `json:"task,omitempty"`
	Params      []ParamSpec       `json:"params,omitempty"`
	Bound       map[string]string `json:"bound,omitempty"`
	Status      ExecStatus        `json:"status"`
	Output      string            `json:"output,omitempty"`
	Busy        BusyState         `json:"busy,omitempty"`
}

// StepPatch is a partial update merged into a step.
// Nil fields are left untouched. Setting Task replaces the param specs
// and clears previously bound values (the spec set may have changed).
type StepPatch struct {
	Description *string           `json:"description,omitempty"`
	Task        *TaskRef          `json:"task,omitempty"`
	ClearTask   bool              `json:"clear_task,omitempty"`
	Params      []ParamSpec       `json:"params,omitempty"`
	Bound       map[string]string `json:"bound,omitempty"`
	// Rearm returns a settled step to idle so it can run again.
	Rearm bool `json:"rearm,omitempty"`
}

// WorkerTask is a reusable executable action definition from the catalog.
type WorkerTask struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Tags        []string    `json:"tags,omitempty"`
	Content     string      `json:"content"`
	Type        string      `json:"type,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// DraftTask is a generated task definition awaiting operator review.
// It is never bound automatically.
type DraftTask struct {
	Name    string      `json:"name"`
	Content string      `json:"content"`
	Params  []ParamSpec `json:"params,omitempty"`
}

// ProcedureStep is the stored form of a step inside a procedure document.
type ProcedureStep struct {
	Description string            `json:"description"`
	TaskID      string            `json:"task_id,omitempty"`
	TaskName    string            `json:"task_name,omitempty"`
	Bound       map[string]string `json:"bound,omitempty"`
}

// Procedure is a full named remediation document (SOP).
type Procedure struct {
	ID    string          `json:"id,omitempty"`
	Title string          `json:"title"`
	Issue string          `json:"issue"`
	Tags  []string        `json:"tags,omitempty"`
	Steps []ProcedureStep `json:"steps"`
}

// Incident is the ticket a procedure run is being applied against.
type Incident struct {
	ID               int64          `json:"id"`
	Number           string         `json:"number"`
	ShortDescription string         `json:"short_description"`
	Description      string         `json:"description"`
	CmdbCI           string         `json:"cmdb_ci,omitempty"`
	BusinessService  string         `json:"business_service,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	Status           string         `json:"status"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Incident lifecycle statuses.
const (
	IncidentStatusNew         = "New"
	IncidentStatusInProgress  = "In Progress"
	IncidentStatusResolved    = "Resolved"
	IncidentStatusError       = "Error"
	IncidentStatusSOPNotFound = "SOP not found"
)

// ResolvedStep is a planned step instantiated against a specific incident,
// with bound values pre-extracted from incident data where possible.
type ResolvedStep struct {
	Description string            `json:"description"`
	Task        *TaskRef          `json:"task,omitempty"`
	Params      []ParamSpec       `json:"params,omitempty"`
	Bound       map[string]string `json:"bound,omitempty"`
}

// PlannedStep is one entry of a generated remediation plan before its
// tool name has been resolved against the catalog.
type PlannedStep struct {
	Description string `json:"description"`
	Tool        string `json:"tool,omitempty"`
}

// ParsedDocument is the structured result of parsing raw SOP text.
type ParsedDocument struct {
	Title string        `json:"title"`
	Issue string        `json:"issue"`
	Steps []PlannedStep `json:"steps"`
}

// GenerationResult is returned by the procedure generator: either a set of
// clarification questions or a generated procedure outline.
type GenerationResult struct {
	ClarificationNeeded bool          `json:"clarification_needed,omitempty"`
	Questions           []string      `json:"questions,omitempty"`
	Generated           bool          `json:"generated,omitempty"`
	Title               string        `json:"title,omitempty"`
	Issue               string        `json:"issue,omitempty"`
	Steps               []PlannedStep `json:"steps,omitempty"`
}
