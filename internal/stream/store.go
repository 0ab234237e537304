package stream

// Store is the persistence abstraction for session state.
// The Registry uses Store for all reads and writes; callers of Registry
// do not need to know which Store is used.
type Store interface {
	Get(id SessionID) (*Session, bool)
	Set(s *Session)
	Delete(id SessionID)
	List() []*Session
}

// InMemoryStore is an in-memory implementation of Store.
// It is not safe for concurrent use on its own; the Registry holds the lock.
type InMemoryStore struct {
	sessions map[SessionID]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[SessionID]*Session),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(sess *Session) {
	s.sessions[sess.ID] = sess
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id SessionID) {
	delete(s.sessions, id)
}

// List implements Store.List.
func (s *InMemoryStore) List() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
