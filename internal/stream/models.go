package stream

import (
	"time"
)

// SessionID uniquely identifies a capture session.
type SessionID string

// Platform identifies the source platform of a live stream.
type Platform string

const (
	PlatformYouTube  Platform = "youtube"
	PlatformFacebook Platform = "facebook"
	PlatformTwitch   Platform = "twitch"
	PlatformOther    Platform = "other"
)

// State represents the lifecycle state of a capture session.
type State string

const (
	// StatePending is the initial state; also re-entered after a
	// recoverable failure (distinguished only by RetryCount).
	StatePending State = "pending"

	// StateResolving means the source URL is being resolved to a
	// playable media URL.
	StateResolving State = "resolving"

	// StateCapturing means the capture process is running but has not
	// yet produced a segment.
	StateCapturing State = "capturing"

	// StateLive means at least one segment has been observed on disk.
	StateLive State = "live"

	// StateStopping means a stop was requested and the capture process
	// is being terminated.
	StateStopping State = "stopping"

	// StateStopped is terminal: the session ended by explicit request.
	StateStopped State = "stopped"

	// StateFailed is terminal: retries were exhausted or the failure
	// was classified as unrecoverable.
	StateFailed State = "failed"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// Terminal reports whether the state is one of the two terminal states.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// HasProcess reports whether a capture process must exist in this state.
// The registry enforces this as an invariant on every transition.
func (s State) HasProcess() bool {
	switch s {
	case StateCapturing, StateLive, StateStopping:
		return true
	default:
		return false
	}
}

// transitions is the complete edge set of the session state machine.
// Anything not listed here is an illegal transition and is rejected.
var transitions = map[State][]State{
	StatePending:   {StateResolving, StateFailed, StateStopping},
	StateResolving: {StateCapturing, StatePending, StateFailed, StateStopping},
	StateCapturing: {StateLive, StatePending, StateFailed, StateStopping},
	StateLive:      {StatePending, StateFailed, StateStopping},
	StateStopping:  {StateStopped},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessRef is the registry's view of a capture process. The concrete
// handle lives in the supervisor package, which exclusively owns
// spawning and signalling; the registry only tracks presence and PID.
type ProcessRef interface {
	PID() int
}

// Session is the central entity: one logical capture attempt of one
// live source. All mutation goes through Registry.Transition; callers
// receive copies and never share the registry's internal pointer.
type Session struct {
	ID        SessionID `json:"id"`
	SourceURL string    `json:"sourceURL"`
	Platform  Platform  `json:"platform"`
	StreamKey string    `json:"-"` // platform-specific id (video id, channel name)
	Title     string    `json:"title,omitempty"`
	State     State     `json:"state"`

	// ResolvedMediaRef is the playable media URL obtained during
	// resolution. Never exposed to viewers.
	ResolvedMediaRef string `json:"-"`

	// Process is non-nil iff State.HasProcess().
	Process ProcessRef `json:"-"`

	// OutputDir is where the capture process writes the HLS manifest
	// and segments. Owned by the session, reclaimed on cleanup.
	OutputDir string `json:"-"`

	// RecordingPath is the durable recording artifact, if any.
	RecordingPath string `json:"-"`

	// LastAttemptAt marks the start of the most recent resolve/start
	// attempt; the recovery backoff is computed from it.
	LastAttemptAt time.Time `json:"-"`

	RetryCount      int       `json:"retryCount"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	StartedAt       time.Time `json:"startedAt,omitzero"`
	LastHeartbeatAt time.Time `json:"-"`

	// EndedAt is set when the session reaches a terminal state; the
	// retention sweep keys off it.
	EndedAt time.Time `json:"-"`
}

// Event is a client-facing progress notification mirroring a state
// transition, published on the progress bus.
type Event struct {
	StreamID  SessionID `json:"streamId"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// progressHints maps states to coarse completion percentages for the
// progress channel.
var progressHints = map[State]float64{
	StatePending:   0,
	StateResolving: 20,
	StateCapturing: 50,
	StateLive:      70,
	StateStopping:  90,
	StateStopped:   100,
	StateFailed:    100,
}

// ProgressHint returns the progress percentage associated with a state.
func ProgressHint(s State) float64 { return progressHints[s] }
