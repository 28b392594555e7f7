package signaling

import "sync"

// Session is a connected peer's attachment, the subset of spec's Peer
// data model owned by the hub: {name, deviceType, browserInfo} plus the
// opaque peer id issued at join.
type Session struct {
	PeerID      string
	Name        string
	DeviceType  string
	BrowserInfo string

	client *client
}

// Room is a coordination container keyed by a 6-character room code. It
// owns the password hash (immutable once set) and the current membership.
type Room struct {
	Code string

	mu           sync.RWMutex
	passwordHash string
	hasPassword  bool
	sessions     map[string]*Session
}

func newRoom(code string) *Room {
	return &Room{
		Code:     code,
		sessions: make(map[string]*Session),
	}
}

// HasPassword reports whether a password hash has been set for this room.
func (r *Room) HasPassword() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasPassword
}

// CheckPassword compares hash against the stored password hash. It
// returns true if the room has no password set, or if hash matches.
func (r *Room) CheckPassword(hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasPassword {
		return true
	}
	return r.passwordHash == hash
}

// SetPasswordHash sets the room's password hash if none is set yet.
// Returns false without mutating state if a hash is already present: a
// room's password is immutable for its lifetime once set.
func (r *Room) SetPasswordHash(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasPassword {
		return false
	}
	r.passwordHash = hash
	r.hasPassword = true
	return true
}

func (r *Room) addSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.PeerID] = s
}

func (r *Room) removeSession(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, peerID)
}

func (r *Room) session(peerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peerID]
	return s, ok
}

func (r *Room) otherSessions(excludePeerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != excludePeerID {
			out = append(out, s)
		}
	}
	return out
}

func (r *Room) memberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Room) summaries(excludePeerID string) []PeerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerSummary, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == excludePeerID {
			continue
		}
		out = append(out, PeerSummary{
			PeerID:      s.PeerID,
			Name:        s.Name,
			DeviceType:  s.DeviceType,
			BrowserInfo: s.BrowserInfo,
		})
	}
	return out
}
