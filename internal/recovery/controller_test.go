package recovery

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamgate/internal/resolver"
	"streamgate/internal/stream"
	"streamgate/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResolver returns queued outcomes in order, repeating the last one.
type fakeResolver struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    int
}

type outcome struct {
	res resolver.Result
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, _ stream.Platform) (resolver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	o := f.outcomes[len(f.outcomes)-1]
	if f.calls <= len(f.outcomes) {
		o = f.outcomes[f.calls-1]
	}
	return o.res, o.err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSupervisor records starts and kill requests. On a successful
// start it performs the Resolving -> Capturing transition the real
// supervisor would, attaching a fake process ref.
type fakeSupervisor struct {
	reg        *stream.Registry
	maxRetries int

	mu       sync.Mutex
	startErr error
	starts   []string // media URLs
	kills    []stream.SessionID
}

type fakeRef struct{}

func (fakeRef) PID() int { return 12345 }

func (f *fakeSupervisor) Start(_ context.Context, id stream.SessionID, mediaURL, title string) error {
	f.mu.Lock()
	err := f.startErr
	f.starts = append(f.starts, mediaURL)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, terr := f.reg.Transition(id, stream.StateResolving, stream.StateCapturing, func(s *stream.Session) {
		s.Title = title
		s.Process = fakeRef{}
		s.ResolvedMediaRef = mediaURL
	})
	return terr
}

func (f *fakeSupervisor) KillStale(id stream.SessionID, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
}

func (f *fakeSupervisor) MaxRetries() int { return f.maxRetries }

func (f *fakeSupervisor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSupervisor) killedIDs() []stream.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.SessionID(nil), f.kills...)
}

func newController(reg *stream.Registry, res resolver.Resolver, sup CaptureSupervisor, cfg Config) *Controller {
	return New(reg, res, sup, cfg, testLogger(), nil)
}

func TestController_attempt_success(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{
		{res: resolver.Result{MediaURL: "https://cdn.example.com/x.m3u8", Title: "Show"}},
	}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{})

	sess, _ := reg.Create("https://youtube.com/watch?v=a", stream.PlatformYouTube, "a")
	ctrl.attempt(context.Background(), sess.ID)

	got, _ := reg.Get(sess.ID)
	if got.State != stream.StateCapturing {
		t.Fatalf("state: %s", got.State)
	}
	if got.Title != "Show" {
		t.Errorf("title: %q", got.Title)
	}
	if got.LastAttemptAt.IsZero() {
		t.Error("LastAttemptAt must be stamped on the attempt")
	}
	if sup.startCount() != 1 {
		t.Errorf("starts: %d", sup.startCount())
	}
}

func TestController_attempt_retryableThenSuccess(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{
		{err: &resolver.Error{Kind: resolver.KindUnavailable, Msg: "stream is not live"}},
		{err: &resolver.Error{Kind: resolver.KindUnavailable, Msg: "stream is not live"}},
		{err: &resolver.Error{Kind: resolver.KindRateLimited, Msg: "429"}},
		{res: resolver.Result{MediaURL: "https://cdn.example.com/x.m3u8"}},
	}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{})

	sess, _ := reg.Create("https://youtube.com/watch?v=b", stream.PlatformYouTube, "b")

	for i := 1; i <= 3; i++ {
		ctrl.attempt(context.Background(), sess.ID)
		got, _ := reg.Get(sess.ID)
		if got.State != stream.StatePending {
			t.Fatalf("attempt %d: state %s", i, got.State)
		}
		if got.RetryCount != i {
			t.Fatalf("attempt %d: retryCount %d", i, got.RetryCount)
		}
	}

	ctrl.attempt(context.Background(), sess.ID)
	got, _ := reg.Get(sess.ID)
	if got.State != stream.StateCapturing {
		t.Fatalf("final state: %s", got.State)
	}
	if got.RetryCount != 3 {
		t.Errorf("retryCount carried through: %d", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("LastError from the previous failures should remain for inspection")
	}
}

func TestController_attempt_unsupportedFailsImmediately(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{
		{err: &resolver.Error{Kind: resolver.KindUnsupported, Msg: "Unsupported URL"}},
	}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{})

	sess, _ := reg.Create("https://example.com/notastream", stream.PlatformOther, "")
	ctrl.attempt(context.Background(), sess.ID)

	got, _ := reg.Get(sess.ID)
	if got.State != stream.StateFailed {
		t.Fatalf("state: %s", got.State)
	}
	if sup.startCount() != 0 {
		t.Error("capture must never start for an unsupported source")
	}
}

func TestController_attempt_spawnFailureExhaustsRetries(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{
		{res: resolver.Result{MediaURL: "https://cdn.example.com/x.m3u8"}},
	}}
	sup := &fakeSupervisor{
		reg:        reg,
		maxRetries: 2,
		startErr:   &supervisor.ProcessError{Kind: supervisor.KindSpawnFailed, Msg: "ffmpeg"},
	}
	ctrl := newController(reg, res, sup, Config{})

	sess, _ := reg.Create("https://twitch.tv/spawnfail", stream.PlatformTwitch, "spawnfail")

	ctrl.attempt(context.Background(), sess.ID)
	got, _ := reg.Get(sess.ID)
	if got.State != stream.StatePending || got.RetryCount != 1 {
		t.Fatalf("after first attempt: %s retryCount=%d", got.State, got.RetryCount)
	}

	ctrl.attempt(context.Background(), sess.ID)
	got, _ = reg.Get(sess.ID)
	if got.State != stream.StateFailed {
		t.Fatalf("after second attempt: %s", got.State)
	}
	if got.RetryCount != 2 {
		t.Errorf("retryCount: %d", got.RetryCount)
	}
}

func TestController_attempt_skipsNonPending(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{})

	sess, _ := reg.Create("https://twitch.tv/busy", stream.PlatformTwitch, "busy")
	_, err := reg.Transition(sess.ID, stream.StatePending, stream.StateResolving, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctrl.attempt(context.Background(), sess.ID)
	if res.callCount() != 0 {
		t.Error("a session already being attempted must not be resolved again")
	}
}

func TestController_backoffGating(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{
		{err: &resolver.Error{Kind: resolver.KindUnavailable, Msg: "offline"}},
	}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{BackoffBase: 2 * time.Second, BackoffCap: time.Minute})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	ctrl.now = func() time.Time { return now }

	sess, _ := reg.Create("https://twitch.tv/backoff", stream.PlatformTwitch, "backoff")

	// First attempt fails and records LastAttemptAt = base.
	ctrl.attempt(context.Background(), sess.ID)
	got, _ := reg.Get(sess.ID)
	if got.RetryCount != 1 {
		t.Fatalf("retryCount: %d", got.RetryCount)
	}

	cases := []struct {
		name     string
		offset   time.Duration
		eligible bool
	}{
		{"inside_backoff_window", time.Second, false},
		{"at_boundary", 2 * time.Second, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now = base.Add(tc.offset)
			got, _ := reg.Get(sess.ID)
			eligible := !now.Before(ctrl.nextAttemptAt(got))
			if eligible != tc.eligible {
				t.Errorf("eligible at +%s: got %v, want %v", tc.offset, eligible, tc.eligible)
			}
		})
	}

	t.Run("delay_doubles_per_retry", func(t *testing.T) {
		got, _ := reg.Get(sess.ID)
		got.RetryCount = 3
		next := ctrl.nextAttemptAt(got)
		if want := got.LastAttemptAt.Add(8 * time.Second); !next.Equal(want) {
			t.Errorf("retry 3: next attempt at %v, want %v", next, want)
		}
	})

	t.Run("delay_is_capped", func(t *testing.T) {
		got, _ := reg.Get(sess.ID)
		got.RetryCount = 50
		next := ctrl.nextAttemptAt(got)
		if want := got.LastAttemptAt.Add(time.Minute); !next.Equal(want) {
			t.Errorf("capped: next attempt at %v, want %v", next, want)
		}
	})

	t.Run("fresh_session_is_immediate", func(t *testing.T) {
		fresh, _ := reg.Create("https://twitch.tv/fresh", stream.PlatformTwitch, "fresh")
		if !ctrl.nextAttemptAt(fresh).IsZero() {
			t.Error("a session that never failed must be eligible immediately")
		}
	})
}

func TestController_scanStale(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{HeartbeatTimeout: 30 * time.Second})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctrl.now = func() time.Time { return base }

	mkLive := func(key string, heartbeat time.Time) stream.SessionID {
		sess, _ := reg.Create("https://twitch.tv/"+key, stream.PlatformTwitch, key)
		mustStep(t, reg, sess.ID, stream.StatePending, stream.StateResolving, nil)
		mustStep(t, reg, sess.ID, stream.StateResolving, stream.StateCapturing, func(s *stream.Session) {
			s.Process = fakeRef{}
		})
		mustStep(t, reg, sess.ID, stream.StateCapturing, stream.StateLive, nil)
		reg.Heartbeat(sess.ID, heartbeat)
		return sess.ID
	}

	staleID := mkLive("stale", base.Add(-time.Minute))
	freshID := mkLive("fresh", base.Add(-time.Second))

	ctrl.scanStale()

	kills := sup.killedIDs()
	if len(kills) != 1 || kills[0] != staleID {
		t.Errorf("kills: %v (stale=%s fresh=%s)", kills, staleID, freshID)
	}
}

func TestController_sweepTerminal(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{Retention: 10 * time.Minute})

	outputDir := filepath.Join(t.TempDir(), "live_sweep")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sess, _ := reg.Create("https://twitch.tv/sweep", stream.PlatformTwitch, "sweep")
	mustStep(t, reg, sess.ID, stream.StatePending, stream.StateStopping, func(s *stream.Session) {
		s.OutputDir = outputDir
	})
	mustStep(t, reg, sess.ID, stream.StateStopping, stream.StateStopped, nil)

	ended, _ := reg.Get(sess.ID)

	// Inside the retention window: nothing happens.
	ctrl.now = func() time.Time { return ended.EndedAt.Add(time.Minute) }
	ctrl.sweepTerminal()
	if _, err := os.Stat(outputDir); err != nil {
		t.Fatal("output dir reclaimed too early")
	}

	// Past the window: directory and session both go.
	ctrl.now = func() time.Time { return ended.EndedAt.Add(11 * time.Minute) }
	ctrl.sweepTerminal()
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Error("output dir should be reclaimed")
	}
	if _, err := reg.Get(sess.ID); err != stream.ErrNotFound {
		t.Errorf("session should be removed, got %v", err)
	}
}

func TestController_Reconcile(t *testing.T) {
	root := t.TempDir()

	adopted := filepath.Join(root, "live_adopt-1")
	if err := os.MkdirAll(adopted, 0o755); err != nil {
		t.Fatal(err)
	}
	err := supervisor.WriteMeta(adopted, supervisor.Meta{
		ID:        stream.SessionID("adopt-1"),
		SourceURL: "https://twitch.tv/adopted",
		Platform:  stream.PlatformTwitch,
		StreamKey: "adopted",
		Title:     "Old Title",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	orphan := filepath.Join(root, "live_orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}

	unrelated := filepath.Join(root, "not-a-session")
	if err := os.MkdirAll(unrelated, 0o755); err != nil {
		t.Fatal(err)
	}

	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{HLSRoot: root})

	ctrl.Reconcile()

	t.Run("metadata_dir_adopted_as_pending", func(t *testing.T) {
		sess, err := reg.Get(stream.SessionID("adopt-1"))
		if err != nil {
			t.Fatalf("adopted session missing: %v", err)
		}
		if sess.State != stream.StatePending {
			t.Errorf("state: %s", sess.State)
		}
		if sess.SourceURL != "https://twitch.tv/adopted" || sess.OutputDir != adopted {
			t.Errorf("restored fields wrong: %+v", sess)
		}
	})

	t.Run("orphan_dir_reaped", func(t *testing.T) {
		if _, err := os.Stat(orphan); !os.IsNotExist(err) {
			t.Error("orphan dir should be removed")
		}
	})

	t.Run("unrelated_dir_untouched", func(t *testing.T) {
		if _, err := os.Stat(unrelated); err != nil {
			t.Error("non-session dirs must be left alone")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		ctrl.Reconcile()
		if got := len(reg.List("")); got != 1 {
			t.Errorf("sessions after second reconcile: %d", got)
		}
	})

	t.Run("missing_root_is_fine", func(t *testing.T) {
		c2 := newController(reg, res, sup, Config{HLSRoot: filepath.Join(root, "does-not-exist")})
		c2.Reconcile() // must not panic
	})
}

func TestController_Reconcile_salvagesPartialRecording(t *testing.T) {
	root := t.TempDir()
	recordings := t.TempDir()

	dir := filepath.Join(root, "live_salvage-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	// An empty partial is what a capture killed right after spawn leaves
	// behind; the salvage pass discards it rather than remuxing.
	partial := filepath.Join(recordings, "salvaged_20260301_120000.mp4")
	if err := os.WriteFile(partial, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := supervisor.WriteMeta(dir, supervisor.Meta{
		ID:            stream.SessionID("salvage-1"),
		SourceURL:     "https://twitch.tv/salvaged",
		Platform:      stream.PlatformTwitch,
		StreamKey:     "salvaged",
		RecordingPath: partial,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 5}
	ctrl := newController(reg, res, sup, Config{HLSRoot: root, FFmpegBin: "/bin/false"})

	ctrl.Reconcile()

	sess, err := reg.Get(stream.SessionID("salvage-1"))
	if err != nil {
		t.Fatalf("adopted session missing: %v", err)
	}
	if sess.RecordingPath != partial {
		t.Errorf("recording path not carried through adoption: %q", sess.RecordingPath)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(partial); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty partial recording was not discarded by the salvage pass")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestController_Scan_restoredExhaustedSessionFails(t *testing.T) {
	reg := stream.NewRegistry(nil)
	res := &fakeResolver{outcomes: []outcome{{res: resolver.Result{MediaURL: "x"}}}}
	sup := &fakeSupervisor{reg: reg, maxRetries: 2}
	ctrl := newController(reg, res, sup, Config{})

	restored, err := reg.Restore(stream.Session{
		ID:         stream.SessionID("exhausted-1"),
		SourceURL:  "https://twitch.tv/exhausted",
		Platform:   stream.PlatformTwitch,
		State:      stream.StatePending,
		RetryCount: 2,
		LastError:  "capture process exited with code 137",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctrl.Scan(context.Background())

	got, _ := reg.Get(restored.ID)
	if got.State != stream.StateFailed {
		t.Fatalf("state: %s", got.State)
	}
	if res.callCount() != 0 {
		t.Error("an exhausted session must not be resolved again")
	}
}

func mustStep(t *testing.T, reg *stream.Registry, id stream.SessionID, from, to stream.State, mutate func(*stream.Session)) {
	t.Helper()
	if _, err := reg.Transition(id, from, to, mutate); err != nil {
		t.Fatalf("transition %s -> %s: %v", from, to, err)
	}
}
