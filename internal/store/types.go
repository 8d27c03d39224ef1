package store

import (
	"encoding/json"
	"time"

	"github.com/kastel/remedia/pkg/schema"
)

// Task is the persisted form of a worker task catalog entry.
type Task struct {
	schema.WorkerTask
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskUpdate is a partial in-place update of a catalog entry.
// Nil fields are left untouched. Params, when set, replaces the whole
// declared parameter list.
type TaskUpdate struct {
	Description *string             `json:"description,omitempty"`
	Content     *string             `json:"content,omitempty"`
	Type        *string             `json:"type,omitempty"`
	Tags        *[]string           `json:"tags,omitempty"`
	Params      *[]schema.ParamSpec `json:"params,omitempty"`
}

// TaskFilter narrows catalog listings.
type TaskFilter struct {
	Query  string `json:"query,omitempty"` // substring over name + description
	Tag    string `json:"tag,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Procedure is the persisted form of a remediation document.
type Procedure struct {
	schema.Procedure
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// HistoryEntry is one resolution attempt recorded against an incident:
// the plan that was produced and the steps that actually ran.
type HistoryEntry struct {
	ID             int64           `json:"id"`
	IncidentNumber string          `json:"incident_number"`
	Attempt        int64           `json:"attempt"`
	ProcedureTitle string          `json:"procedure_title,omitempty"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	Steps          json.RawMessage `json:"steps,omitempty"`
	Outcome        string          `json:"outcome"`
	CreatedAt      time.Time       `json:"created_at"`
}
