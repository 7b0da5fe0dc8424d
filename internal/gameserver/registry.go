package gameserver

// registry is the FIFO of connected sessions awaiting (or having finished) a
// game. Index 0 is the front of the queue and the next session in line.
// Sessions bound into the active match are not in the registry.
//
// The registry has no lock of its own: every read and mutation happens on
// the server's event goroutine, which is the single serialization domain
// for all matchmaking state.
type registry struct {
	sessions []*session
}

// add appends sess to the back of the queue. It reports false and leaves
// the queue untouched when sess is already present.
func (r *registry) add(sess *session) bool {
	if r.index(sess) >= 0 {
		return false
	}
	r.sessions = append(r.sessions, sess)
	return true
}

// remove deletes the first occurrence of sess, reporting whether it was
// present. Order of the remaining sessions is preserved.
func (r *registry) remove(sess *session) bool {
	i := r.index(sess)
	if i < 0 {
		return false
	}
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	return true
}

// index returns the queue position of sess, or -1 when absent.
func (r *registry) index(sess *session) int {
	for i, queued := range r.sessions {
		if queued.id == sess.id {
			return i
		}
	}
	return -1
}

// at returns the session at queue position i, or nil when out of range.
func (r *registry) at(i int) *session {
	if i < 0 || i >= len(r.sessions) {
		return nil
	}
	return r.sessions[i]
}

func (r *registry) len() int {
	return len(r.sessions)
}
