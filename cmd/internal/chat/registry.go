package chat

import (
	"log/slog"
	"sync"
)

// Registry maps a bound identity to its active connection handle.
//
// At most one handle is tracked per identity: registering an identity that is
// already present overwrites the prior mapping (last connection wins).
// Message fan-out does not go through the registry (rooms broadcast instead);
// it exists for direct-addressing a specific identity outside its room.
//
// The registry is created at process start and injected into the gateway,
// which removes entries on disconnect.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register associates identity with the connection handle, overwriting any
// prior mapping for that identity.
func (r *Registry) Register(identity Identity, client *Client) {
	if r == nil || client == nil || identity.Zero() {
		return
	}

	key := identity.Key()

	r.mu.Lock()
	prev := r.clients[key]
	r.clients[key] = client
	r.mu.Unlock()

	if prev != nil && prev != client {
		r.log.Info("registry.replace", "identity", key, "prev_session", prev.SessionID, "session_id", client.SessionID)
		return
	}
	r.log.Info("registry.register", "identity", key, "session_id", client.SessionID)
}

// Unregister removes the mapping for identity if client still owns it.
// No-op when the identity is absent or a newer connection replaced it.
func (r *Registry) Unregister(identity Identity, client *Client) {
	if r == nil || identity.Zero() {
		return
	}

	key := identity.Key()

	r.mu.Lock()
	cur, ok := r.clients[key]
	if ok && (client == nil || cur == client) {
		delete(r.clients, key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("registry.unregister", "identity", key)
	}
}

// Lookup returns the active connection handle for identity, if any.
func (r *Registry) Lookup(identity Identity) (*Client, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[identity.Key()]
	return c, ok
}

// Len returns the number of tracked identities.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
