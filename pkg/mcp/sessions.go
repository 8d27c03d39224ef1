package mcp

import "sync"

// SessionRegistry maps MCP client session IDs to editing session IDs.
// Populated automatically when clients call any tool that carries a
// session_id, so notifications can be routed back to the right client.
type SessionRegistry struct {
	mu      sync.RWMutex
	editing map[string]string // clientID → editing session ID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{editing: make(map[string]string)}
}

// Bind associates a client with an editing session. A client switching
// sessions overwrites its previous binding.
func (r *SessionRegistry) Bind(clientID, editingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editing[clientID] = editingID
}

// EditingFor returns the editing session the given client works in.
func (r *SessionRegistry) EditingFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eid, ok := r.editing[clientID]
	return eid, ok
}

// ClientFor returns a client bound to the given editing session.
func (r *SessionRegistry) ClientFor(editingID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, eid := range r.editing {
		if eid == editingID {
			return cid, true
		}
	}
	return "", false
}

// Remove deletes the binding for the given client ID.
// Called when a client disconnects.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.editing, clientID)
}
