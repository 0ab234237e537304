// Package recovery hosts the single periodic control loop that drives
// every unattended session transition: retry scheduling with backoff,
// heartbeat staleness detection, retention cleanup, and boot
// reconciliation. Centralizing this in one loop avoids races between
// independent watchers; the registry's compare-and-swap transitions
// guarantee that at most one recovery action wins per session.
package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamgate/internal/platform/metrics"
	"streamgate/internal/resolver"
	"streamgate/internal/stream"
	"streamgate/internal/supervisor"
)

// CaptureSupervisor is the slice of the supervisor the controller needs.
type CaptureSupervisor interface {
	Start(ctx context.Context, id stream.SessionID, mediaURL, title string) error
	KillStale(id stream.SessionID, lastHeartbeat time.Time)
	MaxRetries() int
}

// Config holds the controller's tuning knobs; all operational, all fed
// from configuration.
type Config struct {
	Interval         time.Duration // scan period
	BackoffBase      time.Duration // first retry delay, doubled per retry
	BackoffCap       time.Duration
	HeartbeatTimeout time.Duration // staleness threshold for Capturing/Live
	Retention        time.Duration // terminal session lifetime before reclaim
	HLSRoot          string        // scanned during boot reconciliation
	FFmpegBin        string        // used to repair recordings salvaged at boot
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
}

// Controller is the recovery loop.
type Controller struct {
	reg *stream.Registry
	res resolver.Resolver
	sup CaptureSupervisor
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	now func() time.Time
}

// New constructs a Controller. met may be nil.
func New(reg *stream.Registry, res resolver.Resolver, sup CaptureSupervisor, cfg Config, log *slog.Logger, met *metrics.Metrics) *Controller {
	cfg.defaults()
	return &Controller{reg: reg, res: res, sup: sup, cfg: cfg, log: log, met: met, now: time.Now}
}

// Run scans until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Scan(ctx)
		}
	}
}

// Scan performs one pass over all sessions. Exported so tests can step
// the controller without real time.
func (c *Controller) Scan(ctx context.Context) {
	c.scanPending(ctx)
	c.scanStale()
	c.sweepTerminal()
}

// scanPending schedules resolve+start for sessions whose backoff window
// has elapsed. The Pending -> Resolving compare-and-swap makes each
// session the subject of at most one attempt at a time, even if a scan
// overlaps a slow attempt.
func (c *Controller) scanPending(ctx context.Context) {
	now := c.now()
	for _, sess := range c.reg.List(stream.StatePending) {
		if sess.RetryCount >= c.sup.MaxRetries() {
			// Exhausted sessions should already be Failed, but a
			// restored session may arrive here; finalize it.
			c.failSession(sess.ID, stream.StatePending, sess.LastError)
			continue
		}
		if now.Before(c.nextAttemptAt(sess)) {
			continue
		}
		go c.attempt(ctx, sess.ID)
	}
}

// nextAttemptAt applies exponential backoff keyed by retry count.
func (c *Controller) nextAttemptAt(sess stream.Session) time.Time {
	if sess.RetryCount == 0 || sess.LastAttemptAt.IsZero() {
		return time.Time{} // immediate
	}
	delay := c.cfg.BackoffBase << (sess.RetryCount - 1)
	if delay > c.cfg.BackoffCap || delay <= 0 {
		delay = c.cfg.BackoffCap
	}
	return sess.LastAttemptAt.Add(delay)
}

// attempt drives one session through resolve and capture start.
func (c *Controller) attempt(ctx context.Context, id stream.SessionID) {
	now := c.now().UTC()
	sess, err := c.reg.Transition(id, stream.StatePending, stream.StateResolving, func(s *stream.Session) {
		s.LastAttemptAt = now
	})
	if err != nil {
		return // another actor got there first
	}

	res, err := c.res.Resolve(ctx, sess.SourceURL, sess.Platform)
	if err != nil {
		kind := resolver.KindOf(err)
		c.log.Warn("resolution failed",
			slog.String("stream_id", string(id)),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))

		if kind == resolver.KindUnsupported {
			c.failSession(id, stream.StateResolving, err.Error())
			return
		}
		c.retryFromResolving(sess, err.Error())
		return
	}

	if err := c.sup.Start(ctx, id, res.MediaURL, res.Title); err != nil {
		if kind := supervisor.ProcessKindOf(err); kind == supervisor.KindSpawnFailed {
			c.log.Error("capture spawn failed",
				slog.String("stream_id", string(id)), slog.String("error", err.Error()))
			c.retryFromResolving(sess, err.Error())
			return
		}
		// Transition conflict: a stop raced the start; nothing to do.
		c.log.Debug("capture start superseded",
			slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	}
}

// retryFromResolving pushes a failed attempt back to Pending with the
// retry counter bumped, or to Failed once retries are exhausted.
func (c *Controller) retryFromResolving(sess stream.Session, reason string) {
	if sess.RetryCount+1 >= c.sup.MaxRetries() {
		c.failSession(sess.ID, stream.StateResolving, reason)
		return
	}
	_, err := c.reg.Transition(sess.ID, stream.StateResolving, stream.StatePending, func(s *stream.Session) {
		s.RetryCount++
		s.LastError = reason
	})
	if err != nil {
		c.log.Debug("retry transition superseded",
			slog.String("stream_id", string(sess.ID)), slog.String("error", err.Error()))
	}
}

func (c *Controller) failSession(id stream.SessionID, from stream.State, reason string) {
	_, err := c.reg.Transition(id, from, stream.StateFailed, func(s *stream.Session) {
		if from == stream.StateResolving {
			s.RetryCount++
		}
		if reason != "" {
			s.LastError = reason
		}
	})
	if err != nil {
		c.log.Debug("fail transition superseded",
			slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		return
	}
	if c.met != nil {
		c.met.IncSessionsFailed()
	}
	c.log.Warn("session failed permanently",
		slog.String("stream_id", string(id)), slog.String("error", reason))
}

// scanStale kills capture processes that stopped producing output. The
// supervisor's exit path then performs the stop-and-restart cycle with
// the usual retry accounting.
func (c *Controller) scanStale() {
	now := c.now()
	for _, state := range []stream.State{stream.StateCapturing, stream.StateLive} {
		for _, sess := range c.reg.List(state) {
			if sess.LastHeartbeatAt.IsZero() {
				continue
			}
			if now.Sub(sess.LastHeartbeatAt) > c.cfg.HeartbeatTimeout {
				c.sup.KillStale(sess.ID, sess.LastHeartbeatAt)
			}
		}
	}
}

// sweepTerminal reclaims output directories of terminal sessions past
// the retention window and drops them from the registry. Recordings
// live outside the output dir and are kept.
func (c *Controller) sweepTerminal() {
	now := c.now()
	for _, state := range []stream.State{stream.StateStopped, stream.StateFailed} {
		for _, sess := range c.reg.List(state) {
			if sess.EndedAt.IsZero() || now.Sub(sess.EndedAt) < c.cfg.Retention {
				continue
			}
			if sess.OutputDir != "" {
				if err := os.RemoveAll(sess.OutputDir); err != nil {
					c.log.Warn("reclaiming output dir failed",
						slog.String("stream_id", string(sess.ID)),
						slog.String("dir", sess.OutputDir),
						slog.String("error", err.Error()))
					continue // retry next sweep
				}
			}
			if err := c.reg.Remove(sess.ID); err != nil {
				c.log.Warn("removing session failed",
					slog.String("stream_id", string(sess.ID)), slog.String("error", err.Error()))
				continue
			}
			c.log.Info("session reclaimed",
				slog.String("stream_id", string(sess.ID)), slog.String("state", string(state)))
		}
	}
}

// Reconcile scans the HLS root for output directories left behind by a
// previous run. Directories with readable session metadata are adopted
// as Pending sessions so the loop restarts their capture; directories
// without metadata are reaped. Call once at boot, before Run.
func (c *Controller) Reconcile() {
	entries, err := os.ReadDir(c.cfg.HLSRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("reconcile: cannot read hls root",
				slog.String("dir", c.cfg.HLSRoot), slog.String("error", err.Error()))
		}
		return
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "live_") {
			continue
		}
		dir := filepath.Join(c.cfg.HLSRoot, e.Name())

		meta, err := supervisor.ReadMeta(dir)
		if err != nil {
			c.log.Warn("reconcile: reaping orphan output dir",
				slog.String("dir", dir), slog.String("error", err.Error()))
			_ = os.RemoveAll(dir)
			continue
		}

		if _, err := c.reg.Get(meta.ID); err == nil {
			continue // already tracked
		}

		// A crashed daemon leaves its capture process alive in its own
		// group; it must die before anything re-captures into this
		// directory, or two writers corrupt the same playlist.
		if meta.PID > 0 {
			c.log.Warn("reconcile: killing orphan capture process",
				slog.String("stream_id", string(meta.ID)), slog.Int("pid", meta.PID))
			supervisor.ReapOrphan(meta.PID)
		}

		// The previous run's recording stopped mid-write; remux it in
		// the background so the partial stays playable. Empty partials
		// are discarded outright.
		if meta.RecordingPath != "" {
			if _, statErr := os.Stat(meta.RecordingPath); statErr == nil {
				go func(path string) {
					supervisor.RepairRecording(context.Background(), c.cfg.FFmpegBin, path, c.log)
				}(meta.RecordingPath)
			}
		}

		_, err = c.reg.Restore(stream.Session{
			ID:            meta.ID,
			SourceURL:     meta.SourceURL,
			Platform:      meta.Platform,
			StreamKey:     meta.StreamKey,
			Title:         meta.Title,
			State:         stream.StatePending,
			OutputDir:     dir,
			RecordingPath: meta.RecordingPath,
			CreatedAt:     meta.CreatedAt,
		})
		if err != nil {
			c.log.Warn("reconcile: adopt failed",
				slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		c.log.Info("reconcile: adopted session from disk",
			slog.String("stream_id", string(meta.ID)),
			slog.String("source_url", meta.SourceURL))
	}
}
