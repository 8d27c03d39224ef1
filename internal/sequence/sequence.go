package sequence

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kastel/remedia/pkg/schema"
)

// ChangeListener is notified after every committed mutation with the new
// revision number. Listeners run outside the sequence lock.
type ChangeListener func(rev int64)

// Sequence owns the ordered, mutable list of steps of one editing session.
//
// Steps are keyed by their stable identity token, never by positional index:
// indices shift under insert and delete and must not be used to correlate
// asynchronous results. The sequence never drops below length one.
type Sequence struct {
	mu        sync.Mutex
	id        string
	steps     []*schema.Step
	rev       int64
	listeners []ChangeListener
}

// New creates a sequence seeded with one default step.
func New(id string) *Sequence {
	s := &Sequence{id: id}
	s.steps = []*schema.Step{defaultStep()}
	return s
}

func defaultStep() *schema.Step {
	return &schema.Step{
		ID:     uuid.New().String(),
		Status: schema.ExecStatusIdle,
	}
}

// ID returns the sequence identity.
func (s *Sequence) ID() string { return s.id }

// OnChange registers a listener invoked after every mutation.
func (s *Sequence) OnChange(fn ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Len returns the number of steps.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Revision returns the current revision counter.
func (s *Sequence) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Snapshot returns a deep copy of all steps in order.
func (s *Sequence) Snapshot() []schema.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Step, len(s.steps))
	for i, st := range s.steps {
		out[i] = copyStep(st)
	}
	return out
}

// Get returns a copy of the step with the given identity.
func (s *Sequence) Get(id string) (schema.Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.find(id); st != nil {
		return copyStep(st), true
	}
	return schema.Step{}, false
}

// Position returns the zero-based display index of a step, or -1.
func (s *Sequence) Position(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(id)
}

// Append adds a default step at the tail. Always succeeds.
func (s *Sequence) Append() schema.Step {
	s.mu.Lock()
	st := defaultStep()
	s.steps = append(s.steps, st)
	out := copyStep(st)
	s.commit()
	return out
}

// InsertHead inserts a default step at the head of the sequence. Backs the
// insert affordance on the edge leaving the virtual start node, which has
// no step identity of its own.
func (s *Sequence) InsertHead() schema.Step {
	s.mu.Lock()
	st := defaultStep()
	s.steps = append([]*schema.Step{st}, s.steps...)
	out := copyStep(st)
	s.commit()
	return out
}

// InsertAfter inserts a default step immediately after the step with the
// given identity.
func (s *Sequence) InsertAfter(id string) (schema.Step, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeNotFound, "no step with id %q", id)
	}
	st := defaultStep()
	s.steps = append(s.steps, nil)
	copy(s.steps[idx+2:], s.steps[idx+1:])
	s.steps[idx+1] = st
	out := copyStep(st)
	s.commit()
	return out, nil
}

// Delete removes the step with the given identity. The sequence never
// shrinks below one step, and a step with an assist operation in flight
// cannot be removed.
func (s *Sequence) Delete(id string) error {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no step with id %q", id)
	}
	if len(s.steps) == 1 {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "cannot delete the only step").WithStep(id)
	}
	if s.steps[idx].Busy != schema.BusyNone {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeStepBusy, "step has a %s operation in flight", s.steps[idx].Busy).WithStep(id)
	}
	s.steps = append(s.steps[:idx], s.steps[idx+1:]...)
	s.commit()
	return nil
}

// Update merges a partial patch into the step with the given identity.
// A missing id is a no-op: the step was already deleted and the edit is
// simply dropped. Returns the updated step and whether it was applied.
func (s *Sequence) Update(id string, patch schema.StepPatch) (schema.Step, bool) {
	s.mu.Lock()
	st := s.find(id)
	if st == nil {
		s.mu.Unlock()
		return schema.Step{}, false
	}
	applyPatch(st, patch)
	out := copyStep(st)
	s.commit()
	return out, true
}

// Reset clears the sequence back to a single default step.
func (s *Sequence) Reset() {
	s.mu.Lock()
	s.steps = []*schema.Step{defaultStep()}
	s.commit()
}

// Seed replaces the sequence content with steps resolved against an
// incident. An empty slice seeds one default step.
func (s *Sequence) Seed(resolved []schema.ResolvedStep) []schema.Step {
	s.mu.Lock()
	if len(resolved) == 0 {
		s.steps = []*schema.Step{defaultStep()}
	} else {
		steps := make([]*schema.Step, 0, len(resolved))
		for _, r := range resolved {
			st := defaultStep()
			st.Description = r.Description
			st.Task = copyTaskRef(r.Task)
			st.Params = copyParams(r.Params)
			st.Bound = copyBound(r.Bound)
			steps = append(steps, st)
		}
		s.steps = steps
	}
	out := make([]schema.Step, len(s.steps))
	for i, st := range s.steps {
		out[i] = copyStep(st)
	}
	s.commit()
	return out
}

// SetStatus records an execution status transition and its output.
// The coordinator validates the transition before calling; here only
// existence is checked so stale results are discarded, never applied.
func (s *Sequence) SetStatus(id string, status schema.ExecStatus, output string) bool {
	s.mu.Lock()
	st := s.find(id)
	if st == nil {
		s.mu.Unlock()
		return false
	}
	st.Status = status
	st.Output = output
	s.commit()
	return true
}

// BeginAssist marks an assist operation in flight on a step. Conflicting
// operations on the same step are rejected before dispatch.
func (s *Sequence) BeginAssist(id string, busy schema.BusyState) error {
	s.mu.Lock()
	st := s.find(id)
	if st == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no step with id %q", id)
	}
	if st.Busy != schema.BusyNone {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeStepBusy, "step has a %s operation in flight", st.Busy).WithStep(id)
	}
	if st.Status == schema.ExecStatusRunning {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "step is running").WithStep(id)
	}
	st.Busy = busy
	s.commit()
	return nil
}

// EndAssist clears the busy flag and, when apply is non-nil, mutates the
// step under the lock. If the step no longer exists the result is
// discarded silently and false is returned (stale-result guard).
func (s *Sequence) EndAssist(id string, apply func(*schema.Step)) bool {
	s.mu.Lock()
	st := s.find(id)
	if st == nil {
		s.mu.Unlock()
		return false
	}
	st.Busy = schema.BusyNone
	if apply != nil {
		apply(st)
	}
	s.commit()
	return true
}

// commit bumps the revision, releases the lock, and notifies listeners.
// Callers must hold s.mu.
func (s *Sequence) commit() {
	s.rev++
	rev := s.rev
	listeners := s.listeners
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(rev)
	}
}

func (s *Sequence) find(id string) *schema.Step {
	if idx := s.indexOf(id); idx >= 0 {
		return s.steps[idx]
	}
	return nil
}

func (s *Sequence) indexOf(id string) int {
	for i, st := range s.steps {
		if st.ID == id {
			return i
		}
	}
	return -1
}

func applyPatch(st *schema.Step, patch schema.StepPatch) {
	if patch.Description != nil {
		st.Description = *patch.Description
	}
	if patch.ClearTask {
		st.Task = nil
		st.Params = nil
		st.Bound = nil
	}
	if patch.Task != nil {
		ref := *patch.Task
		st.Task = &ref
		st.Params = copyParams(patch.Params)
		// The new task's spec set may differ, so stale bindings are dropped.
		st.Bound = nil
	}
	if len(patch.Bound) > 0 {
		declared := make(map[string]bool, len(st.Params))
		for _, spec := range st.Params {
			declared[spec.Name] = true
		}
		for k, v := range patch.Bound {
			// Bindings stay a subset of the declared parameter names.
			if !declared[k] {
				continue
			}
			if st.Bound == nil {
				st.Bound = make(map[string]string, len(patch.Bound))
			}
			st.Bound[k] = v
		}
	}
	if patch.Rearm && (st.Status == schema.ExecStatusSuccess || st.Status == schema.ExecStatusError) {
		st.Status = schema.ExecStatusIdle
		st.Output = ""
	}
}

func copyStep(st *schema.Step) schema.Step {
	out := *st
	out.Task = copyTaskRef(st.Task)
	out.Params = copyParams(st.Params)
	out.Bound = copyBound(st.Bound)
	return out
}

func copyTaskRef(ref *schema.TaskRef) *schema.TaskRef {
	if ref == nil {
		return nil
	}
	cp := *ref
	return &cp
}

func copyParams(params []schema.ParamSpec) []schema.ParamSpec {
	if params == nil {
		return nil
	}
	out := make([]schema.ParamSpec, len(params))
	copy(out, params)
	return out
}

func copyBound(bound map[string]string) map[string]string {
	if bound == nil {
		return nil
	}
	out := make(map[string]string, len(bound))
	for k, v := range bound {
		out[k] = v
	}
	return out
}
