package registry

// SessionInfo is a point-in-time copy of a session's bookkeeping.
type SessionInfo struct {
	ID         string
	Host       string
	AllowRelay bool
	Clients    []ClientConnection
}

// Session returns a snapshot of the named session.
func (r *Registry) Session(id string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}

	info := SessionInfo{ID: s.id, Host: s.host.ID(), AllowRelay: s.allowRelay}
	for _, cid := range s.clientIDs() {
		c := s.clients[cid]
		info.Clients = append(info.Clients, ClientConnection{ID: c.ID, Relay: c.Relay, State: c.State})
	}
	return info, true
}

// Counts returns the number of live sessions and clients.
func (r *Registry) Counts() (sessions, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		clients += len(s.clients)
	}
	return len(r.sessions), clients
}
