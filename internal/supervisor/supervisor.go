package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"streamgate/internal/platform/metrics"
	"streamgate/internal/stream"
)

// Config holds the supervisor tuning knobs. All durations and limits
// are operational parameters and come from configuration, not code.
type Config struct {
	FFmpegBin     string
	HLSRoot       string
	RecordingsDir string
	StopGrace     time.Duration // SIGTERM to SIGKILL escalation window
	KillTimeout   time.Duration // SIGKILL to reap-failure window
	MaxRetries    int

	// Command overrides the capture command, for tests.
	Command CommandBuilder
}

func (c *Config) defaults() {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Command == nil {
		c.Command = FFmpegCommand(c.FFmpegBin)
	}
}

// Supervisor owns every capture process: it is the only component that
// spawns, signals, or reaps them. One monitor goroutine per active
// session watches output freshness and the process exit, and drives the
// resulting registry transitions.
type Supervisor struct {
	reg *stream.Registry
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	// onRecording is invoked asynchronously when a session reaches
	// Stopped with a usable recording (e.g. to enqueue transcription).
	onRecording func(stream.Session)
}

// New constructs a Supervisor. met may be nil to disable metrics,
// onRecording may be nil if nothing consumes finished recordings.
func New(reg *stream.Registry, cfg Config, log *slog.Logger, met *metrics.Metrics, onRecording func(stream.Session)) *Supervisor {
	cfg.defaults()
	return &Supervisor{reg: reg, cfg: cfg, log: log, met: met, onRecording: onRecording}
}

// MaxRetries exposes the configured retry limit for the recovery loop.
func (s *Supervisor) MaxRetries() int { return s.cfg.MaxRetries }

// OutputDir returns the canonical output directory for a session id.
func (s *Supervisor) OutputDir(id stream.SessionID) string {
	return filepath.Join(s.cfg.HLSRoot, "live_"+string(id))
}

// Start spawns the capture process for a session currently in
// Resolving and moves it to Capturing. The compare-and-swap transition
// is the at-most-one-capture guarantee: if a concurrent stop (or
// another start) got there first, the freshly spawned process is torn
// down again and Start reports the conflict.
func (s *Supervisor) Start(ctx context.Context, id stream.SessionID, mediaURL, title string) error {
	sess, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if sess.State != stream.StateResolving {
		// A stop (or a concurrent attempt) got there first; do no
		// filesystem work for a session that is already off the path.
		return fmt.Errorf("start %s: session is %s: %w", id, sess.State, stream.ErrConflict)
	}
	if title != "" {
		sess.Title = title
	}

	outputDir := sess.OutputDir
	if outputDir == "" {
		outputDir = s.OutputDir(id)
	}
	createdDir := false
	if _, err := os.Stat(outputDir); os.IsNotExist(err) {
		createdDir = true
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &ProcessError{Kind: KindSpawnFailed, Msg: "create output dir", Err: err}
	}
	if err := os.MkdirAll(s.cfg.RecordingsDir, 0o755); err != nil {
		return &ProcessError{Kind: KindSpawnFailed, Msg: "create recordings dir", Err: err}
	}

	// A directory this call created is not yet recorded on the session;
	// if the start does not go through, it must be taken back out here,
	// or nothing would ever reclaim it.
	cleanup := func() {
		if createdDir {
			_ = os.RemoveAll(outputDir)
		}
	}

	recordingPath := filepath.Join(s.cfg.RecordingsDir, RecordingFilename(sess, time.Now()))

	argv := s.cfg.Command(mediaURL, outputDir, recordingPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = newTailBuffer(4 * 1024)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		cleanup()
		return &ProcessError{Kind: KindSpawnFailed, Msg: argv[0], Err: err}
	}
	h := newHandle(cmd)
	go h.wait()

	now := time.Now().UTC()

	// Written after the spawn so the descriptor carries the capture
	// pid; reconciliation needs it to kill survivors of a daemon crash.
	if err := WriteMeta(outputDir, Meta{
		ID:            sess.ID,
		SourceURL:     sess.SourceURL,
		Platform:      sess.Platform,
		StreamKey:     sess.StreamKey,
		Title:         sess.Title,
		RecordingPath: recordingPath,
		CreatedAt:     sess.CreatedAt,
		PID:           h.PID(),
		StartedAt:     now,
	}); err != nil {
		go func() {
			_ = s.terminate(h)
			cleanup()
		}()
		return &ProcessError{Kind: KindSpawnFailed, Msg: "write session metadata", Err: err}
	}

	_, err = s.reg.Transition(id, stream.StateResolving, stream.StateCapturing, func(sess *stream.Session) {
		if title != "" {
			sess.Title = title
		}
		sess.Process = h
		sess.OutputDir = outputDir
		sess.RecordingPath = recordingPath
		sess.ResolvedMediaRef = mediaURL
		sess.LastHeartbeatAt = now
		if sess.StartedAt.IsZero() {
			sess.StartedAt = now
		}
	})
	if err != nil {
		// Lost the race (stop or concurrent recovery); the process we
		// spawned must not outlive the failed transition, and the
		// directory it wrote into must not survive to be re-adopted.
		s.log.Warn("capture transition lost, reaping process",
			slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		go func() {
			_ = s.terminate(h)
			cleanup()
		}()
		return err
	}

	if s.met != nil {
		s.met.IncCaptureStarts()
	}
	s.log.Info("capture started",
		slog.String("stream_id", string(id)),
		slog.Int("pid", h.PID()),
		slog.String("output_dir", outputDir))

	go s.monitor(ctx, id, h, outputDir, recordingPath)
	return nil
}

// Stop moves a session toward Stopped. Sessions without a capture
// process are finalized immediately; otherwise the process is signalled
// and the monitor goroutine completes the Stopping -> Stopped edge once
// it has been reaped. Stop is idempotent and returns once termination
// is underway, not once it is complete.
func (s *Supervisor) Stop(id stream.SessionID) error {
	for {
		sess, err := s.reg.Get(id)
		if err != nil {
			return err
		}
		if sess.State.Terminal() || sess.State == stream.StateStopping {
			return nil
		}

		if _, err := s.reg.Transition(id, sess.State, stream.StateStopping, nil); err != nil {
			if stream.CanTransition(sess.State, stream.StateStopping) {
				// Concurrent transition; re-read and retry.
				continue
			}
			return err
		}

		if sess.Process == nil {
			// Never spawned; nothing to reap.
			_, err := s.reg.Transition(id, stream.StateStopping, stream.StateStopped, nil)
			return err
		}

		h, ok := sess.Process.(*Handle)
		if !ok {
			return fmt.Errorf("stop %s: foreign process handle %T", id, sess.Process)
		}
		go func() {
			if err := s.terminate(h); err != nil {
				s.log.Error("capture process did not die",
					slog.String("stream_id", string(id)),
					slog.Int("pid", h.PID()),
					slog.String("error", err.Error()))
			}
		}()
		return nil
	}
}

// KillStale force-terminates the capture process of a session whose
// heartbeat went stale. The monitor's exit path then performs the
// retry accounting with the recorded reason.
func (s *Supervisor) KillStale(id stream.SessionID, lastHeartbeat time.Time) {
	sess, err := s.reg.Get(id)
	if err != nil || sess.Process == nil {
		return
	}
	h, ok := sess.Process.(*Handle)
	if !ok {
		return
	}
	h.setReason(fmt.Sprintf("no new output since %s", lastHeartbeat.UTC().Format(time.RFC3339)))
	s.log.Warn("heartbeat stale, killing capture process",
		slog.String("stream_id", string(id)), slog.Int("pid", h.PID()))
	go func() { _ = s.terminate(h) }()
}

// ReapOrphan force-kills a capture process group recorded by a previous
// run of the daemon. There is no handle to wait on (the process was
// never our child), so this is a one-shot SIGKILL; already-dead pids
// are tolerated.
func ReapOrphan(pid int) {
	_ = killSignal(pid)
}

// terminate escalates SIGTERM -> grace -> SIGKILL against the whole
// process group and waits for the reap.
func (s *Supervisor) terminate(h *Handle) error {
	if h.Exited() {
		return nil
	}
	_ = terminateSignal(h.PID())

	select {
	case <-h.Done():
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	_ = killSignal(h.PID())
	select {
	case <-h.Done():
		return nil
	case <-time.After(s.cfg.KillTimeout):
		return &ProcessError{Kind: KindKillTimeout, Msg: fmt.Sprintf("pid %d", h.PID())}
	}
}

// monitor is the per-session supervision task: it feeds heartbeats from
// new output files, promotes Capturing -> Live on the first segment,
// and resolves the session's fate when the process exits.
func (s *Supervisor) monitor(ctx context.Context, id stream.SessionID, h *Handle, outputDir, recordingPath string) {
	stopWatch := s.watchOutput(id, outputDir, h.Done())
	<-h.Done()
	stopWatch()

	code := h.ExitCode()
	if s.met != nil {
		s.met.IncCaptureExits()
	}
	s.log.Info("capture process exited",
		slog.String("stream_id", string(id)),
		slog.Int("pid", h.PID()),
		slog.Int("exit_code", code))

	cur, err := s.reg.Get(id)
	if err != nil {
		return // session removed while process was dying
	}

	usable := false
	if recordingPath != "" {
		if code == 0 {
			usable = recordingUsable(recordingPath)
		} else {
			// Unclean exit: the MP4 index is likely missing; remux.
			usable = RepairRecording(ctx, s.cfg.FFmpegBin, recordingPath, s.log)
		}
	}

	if cur.State == stream.StateStopping {
		s.finalizeStop(id, usable)
		return
	}

	if code == 0 {
		// The source ended upstream: a clean end, not a failure.
		if _, err := s.reg.Transition(id, cur.State, stream.StateStopping, nil); err == nil {
			s.finalizeStop(id, usable)
		} else {
			s.retryOrFail(ctx, id, cur, "capture ended but session state moved concurrently")
		}
		return
	}

	reason := h.killReason()
	if reason == "" {
		reason = fmt.Sprintf("capture process exited with code %d", code)
		if tail := stderrTail(h.cmd.Stderr); tail != "" {
			reason += ": " + tail
		}
	}
	s.retryOrFail(ctx, id, cur, reason)
}

// finalizeStop completes Stopping -> Stopped and hands a usable
// recording to the consumer callback.
func (s *Supervisor) finalizeStop(id stream.SessionID, usable bool) {
	fin, err := s.reg.Transition(id, stream.StateStopping, stream.StateStopped, func(sess *stream.Session) {
		if !usable {
			sess.RecordingPath = ""
		}
	})
	if err != nil {
		s.log.Error("finalizing stop failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		return
	}
	if usable && s.onRecording != nil {
		go s.onRecording(fin)
	}
}

// retryOrFail applies the retry accounting for a dead capture: back to
// Pending for the recovery loop, or Failed once retries are exhausted.
func (s *Supervisor) retryOrFail(ctx context.Context, id stream.SessionID, cur stream.Session, reason string) {
	next := stream.StatePending
	if cur.RetryCount+1 >= s.cfg.MaxRetries {
		next = stream.StateFailed
	}

	_, err := s.reg.Transition(id, cur.State, next, func(sess *stream.Session) {
		sess.RetryCount++
		sess.LastError = reason
		sess.Process = nil
		sess.ResolvedMediaRef = ""
	})
	if err == nil {
		if s.met != nil {
			if next == stream.StateFailed {
				s.met.IncSessionsFailed()
			} else {
				s.met.IncCaptureRestarts()
			}
		}
		return
	}

	// A stop raced the crash; if the session is Stopping now, finish it.
	if latest, gerr := s.reg.Get(id); gerr == nil && latest.State == stream.StateStopping {
		s.finalizeStop(id, recordingUsable(latest.RecordingPath))
		return
	}
	s.log.Error("retry transition failed",
		slog.String("stream_id", string(id)), slog.String("error", err.Error()))
}

// watchOutput feeds the session heartbeat from filesystem events in the
// output directory and promotes the session to Live when the first
// media segment appears. Returns a function that stops the watch.
func (s *Supervisor) watchOutput(id stream.SessionID, outputDir string, done <-chan struct{}) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Error("segment watcher unavailable, heartbeat degraded",
			slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		return func() {}
	}
	if err := watcher.Add(outputDir); err != nil {
		s.log.Error("cannot watch output dir",
			slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		_ = watcher.Close()
		return func() {}
	}

	go func() {
		sawSegment := false
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
					continue
				}
				if !isOutputArtifact(ev.Name) {
					continue
				}
				s.reg.Heartbeat(id, time.Now())
				if !sawSegment && isMediaSegment(ev.Name) {
					sawSegment = true
					// Conflicts are fine: the session may already be
					// Live, or a stop may be in flight.
					if _, err := s.reg.Transition(id, stream.StateCapturing, stream.StateLive, nil); err == nil {
						s.log.Info("first segment observed, session live",
							slog.String("stream_id", string(id)),
							slog.String("segment", filepath.Base(ev.Name)))
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("segment watcher error",
					slog.String("stream_id", string(id)), slog.String("error", werr.Error()))
			case <-done:
				return
			}
		}
	}()

	return func() { _ = watcher.Close() }
}

func isMediaSegment(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts", ".m4s":
		return true
	default:
		return false
	}
}

func isOutputArtifact(name string) bool {
	if isMediaSegment(name) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ".m3u8")
}

func recordingUsable(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
