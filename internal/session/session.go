package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kastel/remedia/internal/graph"
	"github.com/kastel/remedia/internal/sequence"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/internal/validation"
	"github.com/kastel/remedia/pkg/schema"
)

// ProcedureStore is the slice of the persistence layer a session needs to
// publish finished procedures.
type ProcedureStore interface {
	SaveProcedure(ctx context.Context, proc *store.Procedure) error
}

// Session owns the editing state of one connected operator: a step sequence
// plus a lazily rebuilt graph projection of it.
type Session struct {
	id  string
	seq *sequence.Sequence

	validator  validation.Validator
	procedures ProcedureStore
	logger     *slog.Logger

	mu     sync.Mutex
	cached *graph.Projection
}

func newSession(id string, validator validation.Validator, procedures ProcedureStore, hub streaming.EventHub, logger *slog.Logger) *Session {
	s := &Session{
		id:         id,
		seq:        sequence.New(id),
		validator:  validator,
		procedures: procedures,
		logger:     logger.With("session_id", id),
	}
	if hub != nil {
		// Every committed edit reaches stream subscribers, so presentation
		// layers can re-pull the graph projection without polling.
		s.seq.OnChange(func(rev int64) {
			_ = hub.Publish(context.Background(), streaming.StreamEvent{
				SequenceID: id,
				EventType:  schema.EventSequenceChanged,
				Payload:    map[string]any{"revision": rev},
			})
		})
	}
	return s
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// Sequence returns the step sequence this session edits.
func (s *Session) Sequence() *sequence.Sequence { return s.seq }

// Graph returns the graph projection of the current sequence state.
// The projection is cached per revision; repeated reads between edits
// reuse the same value.
func (s *Session) Graph() *graph.Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.seq.Revision()
	if s.cached != nil && s.cached.Revision == rev {
		return s.cached
	}
	s.cached = graph.Build(s.seq.ID(), rev, s.seq.Snapshot())
	return s.cached
}

// Mermaid renders the current graph projection as Mermaid flowchart text.
func (s *Session) Mermaid() string {
	return graph.RenderMermaid(s.Graph())
}

// Reset discards the sequence content and returns it to a single idle step.
// Fails while any step has work in flight.
func (s *Session) Reset() error {
	if err := s.checkQuiescent(); err != nil {
		return err
	}
	s.seq.Reset()
	s.logger.Info("session reset")
	return nil
}

// UploadRequest names the procedure assembled from the session's sequence.
type UploadRequest struct {
	ID    string   `json:"id,omitempty"`
	Title string   `json:"title"`
	Issue string   `json:"issue"`
	Tags  []string `json:"tags,omitempty"`
}

// Upload assembles the current sequence into a procedure document,
// validates it, persists it and resets the sequence for the next edit.
// Steps still marked busy or running block the upload.
func (s *Session) Upload(ctx context.Context, req UploadRequest) (*schema.Procedure, error) {
	if err := s.checkQuiescent(); err != nil {
		return nil, err
	}

	proc := &schema.Procedure{
		ID:    strings.TrimSpace(req.ID),
		Title: req.Title,
		Issue: req.Issue,
		Tags:  req.Tags,
	}
	if proc.ID == "" {
		proc.ID = uuid.New().String()
	}
	for _, st := range s.seq.Snapshot() {
		ps := schema.ProcedureStep{
			Description: st.Description,
			Bound:       st.Bound,
		}
		if st.Task != nil {
			ps.TaskID = st.Task.ID
			ps.TaskName = st.Task.Name
		}
		proc.Steps = append(proc.Steps, ps)
	}

	if err := s.validator.ValidateProcedure(proc); err != nil {
		return nil, err
	}
	if err := s.procedures.SaveProcedure(ctx, &store.Procedure{Procedure: *proc}); err != nil {
		return nil, err
	}

	s.seq.Reset()
	s.logger.Info("procedure uploaded",
		"procedure_id", proc.ID,
		"title", proc.Title,
		"steps", len(proc.Steps))
	return proc, nil
}

// checkQuiescent rejects state-destroying operations while any step is
// running or has an assist operation in flight.
func (s *Session) checkQuiescent() error {
	for _, st := range s.seq.Snapshot() {
		if st.Status == schema.ExecStatusRunning {
			return schema.NewError(schema.ErrCodeConflict, "step is still running").WithStep(st.ID)
		}
		if st.Busy != schema.BusyNone {
			return schema.NewError(schema.ErrCodeStepBusy, "step has an assist operation in flight").WithStep(st.ID)
		}
	}
	return nil
}
