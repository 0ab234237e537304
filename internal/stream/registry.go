package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher receives an event for every successful transition. It is
// invoked with the registry lock held so that per-session event order
// matches transition order; implementations must not block and must
// not call back into the registry. The progress bus satisfies both; a
// nil publisher disables notifications (e.g. in tests).
type Publisher interface {
	Publish(ev Event)
}

// Registry is the authoritative store of all known sessions. It is the
// only piece of shared mutable state in the system: every component
// reads and mutates sessions exclusively through its API, and all
// mutation is serialized through the compare-and-swap Transition call.
type Registry struct {
	mu    sync.RWMutex
	store Store
	pub   Publisher

	now func() time.Time // injectable clock for tests
}

// NewRegistry constructs a registry with a default in-memory store.
// pub may be nil to disable transition notifications.
func NewRegistry(pub Publisher) *Registry {
	return NewRegistryWithStore(NewInMemoryStore(), pub)
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store, pub Publisher) *Registry {
	return &Registry{store: store, pub: pub, now: time.Now}
}

// Create registers a new session for the given source, or returns the
// existing one if a non-terminal session for an equivalent source is
// already known. The second return value reports whether a new session
// was created.
func (r *Registry) Create(sourceURL string, platform Platform, streamKey string) (Session, bool) {
	key := normalizeSourceURL(sourceURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.store.List() {
		if !sess.State.Terminal() && normalizeSourceURL(sess.SourceURL) == key {
			return *sess, false
		}
	}

	sess := &Session{
		ID:        SessionID(uuid.NewString()),
		SourceURL: sourceURL,
		Platform:  platform,
		StreamKey: streamKey,
		State:     StatePending,
		CreatedAt: r.now().UTC(),
	}
	r.store.Set(sess)

	return *sess, true
}

// Restore inserts a session rebuilt from on-disk metadata, used by the
// boot reconcile pass. It fails if the id is already known.
func (r *Registry) Restore(sess Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.store.Get(sess.ID); ok {
		return Session{}, fmt.Errorf("restore %s: %w", sess.ID, ErrConflict)
	}
	if err := checkProcessInvariant(&sess); err != nil {
		return Session{}, fmt.Errorf("restore %s: %w", sess.ID, err)
	}

	cp := sess
	r.store.Set(&cp)
	return cp, nil
}

// Get returns a snapshot of the session, or ErrNotFound.
func (r *Registry) Get(id SessionID) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.store.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// List returns snapshots of all sessions in the given state. An empty
// filter returns every session. Order is unspecified.
func (r *Registry) List(filter State) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, sess := range r.store.List() {
		if filter == "" || sess.State == filter {
			out = append(out, *sess)
		}
	}
	return out
}

// Transition performs a compare-and-swap state change: it succeeds only
// if the session is currently in expected, applies mutate (which may
// adjust session fields but not State or ID), moves the session to
// next, and publishes the transition. A concurrent transition that got
// there first surfaces as ErrConflict; an edge missing from the state
// machine surfaces as IllegalTransitionError. mutate may be nil.
func (r *Registry) Transition(id SessionID, expected, next State, mutate func(*Session)) (Session, error) {
	r.mu.Lock()

	sess, ok := r.store.Get(id)
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if sess.State != expected {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("transition %s: expected %s, found %s: %w", id, expected, sess.State, ErrConflict)
	}
	if !CanTransition(expected, next) {
		r.mu.Unlock()
		return Session{}, &IllegalTransitionError{From: expected, To: next}
	}

	if mutate != nil {
		mutate(sess)
	}
	sess.State = next
	if next.Terminal() {
		sess.Process = nil
		sess.EndedAt = r.now().UTC()
	}
	if err := checkProcessInvariant(sess); err != nil {
		// Restore the previous state rather than persist a session that
		// violates the process-ownership invariant.
		sess.State = expected
		r.mu.Unlock()
		return Session{}, fmt.Errorf("transition %s -> %s: %w", expected, next, err)
	}

	snapshot := *sess

	// Published before the lock is released: unlocking first would let
	// a later transition's event overtake this one.
	if r.pub != nil {
		r.pub.Publish(Event{
			StreamID:  snapshot.ID,
			State:     snapshot.State,
			Progress:  ProgressHint(snapshot.State),
			Message:   transitionMessage(snapshot),
			Timestamp: r.now().UTC(),
		})
	}

	r.mu.Unlock()
	return snapshot, nil
}

// Heartbeat records capture process liveness evidence (a new segment
// file on disk). It is the one mutation outside Transition: it never
// changes state and is a no-op unless the session currently owns a
// process.
func (r *Registry) Heartbeat(id SessionID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(id)
	if !ok || sess.Process == nil {
		return
	}
	sess.LastHeartbeatAt = at.UTC()
}

// checkProcessInvariant enforces process ownership per state: Capturing
// and Live require a process, Pending/Resolving and the terminal states
// forbid one. Stopping allows either, because a stop issued before the
// capture spawned has no process to reap.
func checkProcessInvariant(sess *Session) error {
	switch sess.State {
	case StateCapturing, StateLive:
		if sess.Process == nil {
			return fmt.Errorf("state %s requires a capture process", sess.State)
		}
	case StateStopping:
		// either
	default:
		if sess.Process != nil {
			return fmt.Errorf("state %s must not hold a capture process", sess.State)
		}
	}
	return nil
}

// Remove deletes a session from the registry. Only terminal sessions
// may be removed; the retention sweep is the sole caller.
func (r *Registry) Remove(id SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !sess.State.Terminal() {
		return fmt.Errorf("remove %s: session still %s: %w", id, sess.State, ErrConflict)
	}
	r.store.Delete(id)
	return nil
}

// ActiveCount returns the number of non-terminal sessions, for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sess := range r.store.List() {
		if !sess.State.Terminal() {
			n++
		}
	}
	return n
}

func transitionMessage(sess Session) string {
	switch sess.State {
	case StatePending:
		if sess.RetryCount > 0 {
			return fmt.Sprintf("waiting to retry (attempt %d)", sess.RetryCount)
		}
		return "waiting to start"
	case StateResolving:
		return "resolving stream source"
	case StateCapturing:
		return "capture started, waiting for first segment"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping capture"
	case StateStopped:
		return "stopped"
	case StateFailed:
		if sess.LastError != "" {
			return "failed: " + sess.LastError
		}
		return "failed"
	default:
		return string(sess.State)
	}
}

// normalizeSourceURL is the idempotency key for Create: two starts of
// the same source while one is in flight reuse the existing session.
func normalizeSourceURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}
