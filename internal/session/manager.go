package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/internal/validation"
)

// Manager hands out editing sessions keyed by session id. Sessions are
// created on first use and live until removed.
type Manager struct {
	validator  validation.Validator
	procedures ProcedureStore
	hub        streaming.EventHub
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by the given validator and
// procedure store. Sequence edits of every session are announced on the
// hub; a nil hub disables the announcements.
func NewManager(validator validation.Validator, procedures ProcedureStore, hub streaming.EventHub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		validator:  validator,
		procedures: procedures,
		hub:        hub,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Get returns the session for the given id, creating it on first use.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(id, m.validator, m.procedures, m.hub, m.logger)
	m.sessions[id] = s
	m.logger.Info("session created", "session_id", id)
	return s
}

// Lookup returns the session for the given id without creating one.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops the session for the given id. Removing an unknown id is a
// no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.logger.Info("session removed", "session_id", id)
	}
}

// IDs returns the ids of all live sessions, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
