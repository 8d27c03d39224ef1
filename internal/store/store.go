package store

import (
	"context"

	"github.com/kastel/remedia/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Task catalog
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	UpdateTask(ctx context.Context, id int64, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	DeleteTask(ctx context.Context, id int64) error

	// Procedures
	SaveProcedure(ctx context.Context, proc *Procedure) error
	GetProcedure(ctx context.Context, id string) (*Procedure, error)
	ListProcedures(ctx context.Context) ([]*Procedure, error)
	DeleteProcedure(ctx context.Context, id string) error

	// Incidents
	CreateIncident(ctx context.Context, inc *schema.Incident) error
	GetIncident(ctx context.Context, number string) (*schema.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*schema.Incident, error)
	UpdateIncidentStatus(ctx context.Context, number, status, notes string) error

	// Resolution history (append-only)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	GetHistory(ctx context.Context, incidentNumber string) ([]*HistoryEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
