package engine

import "time"

// RunMode distinguishes single-step runs from whole-sequence runs.
type RunMode string

const (
	RunModeSingle RunMode = "single"
	RunModeBatch  RunMode = "batch"
)

// Run is the transient record of an active execution: at most one per
// sequence. It is discarded when the run settles; nothing survives a
// process restart.
type Run struct {
	SequenceID   string    `json:"sequence_id"`
	Mode         RunMode   `json:"mode"`
	ActiveStepID string    `json:"active_step_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}
