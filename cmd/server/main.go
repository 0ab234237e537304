package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/api"
	"streamgate/internal/platform/config"
	"streamgate/internal/platform/logger"
	"streamgate/internal/platform/metrics"
	"streamgate/internal/progress"
	"streamgate/internal/recovery"
	"streamgate/internal/relay"
	"streamgate/internal/resolver"
	"streamgate/internal/stream"
	"streamgate/internal/supervisor"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	hlsRoot := config.GetEnv("HLS_ROOT", "hls")
	recordingsDir := config.GetEnv("RECORDINGS_DIR", "recordings")
	ffmpegBin := config.GetEnv("FFMPEG_BIN", "ffmpeg")
	ytdlpBin := config.GetEnv("YTDLP_BIN", "yt-dlp")
	transcribeCmd := config.GetEnv("TRANSCRIBE_CMD", "")

	maxRetries := config.GetEnvInt("MAX_RETRIES", 5)
	resolveTimeout := config.GetEnvDuration("RESOLVE_TIMEOUT", 30*time.Second)
	heartbeatTimeout := config.GetEnvDuration("HEARTBEAT_TIMEOUT", 30*time.Second)
	stopGrace := config.GetEnvDuration("STOP_GRACE", 10*time.Second)
	killTimeout := config.GetEnvDuration("KILL_TIMEOUT", 5*time.Second)
	scanInterval := config.GetEnvDuration("RECOVERY_INTERVAL", 3*time.Second)
	backoffBase := config.GetEnvDuration("RETRY_BACKOFF_BASE", 2*time.Second)
	backoffCap := config.GetEnvDuration("RETRY_BACKOFF_CAP", time.Minute)
	retention := config.GetEnvDuration("SESSION_RETENTION", 10*time.Minute)
	hlsRateLimit := config.GetEnvInt("HLS_RATE_LIMIT", 300)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	bus := progress.NewBus(log, met)
	reg := stream.NewRegistry(bus)
	res := resolver.NewYTDLP(ytdlpBin, resolveTimeout, log)

	sup := supervisor.New(reg, supervisor.Config{
		FFmpegBin:     ffmpegBin,
		HLSRoot:       hlsRoot,
		RecordingsDir: recordingsDir,
		StopGrace:     stopGrace,
		KillTimeout:   killTimeout,
		MaxRetries:    maxRetries,
	}, log, met, recordingHook(log, transcribeCmd))

	ctrl := recovery.New(reg, res, sup, recovery.Config{
		Interval:         scanInterval,
		BackoffBase:      backoffBase,
		BackoffCap:       backoffCap,
		HeartbeatTimeout: heartbeatTimeout,
		Retention:        retention,
		HLSRoot:          hlsRoot,
		FFmpegBin:        ffmpegBin,
	}, log, met)

	rl := relay.New(reg, log, met)
	h := api.NewHandler(reg, sup, log, met)
	ws := progress.NewHandler(bus, reg, log)

	// Re-adopt sessions whose output directories survived a restart,
	// before the recovery loop starts acting on them.
	ctrl.Reconcile()

	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(logger.RequestLogger(log))
		r.Use(metrics.RequestMiddleware(met))

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() { met.SetActiveSessions(reg.ActiveCount()) }).ServeHTTP(w, r)
		})

		r.Route("/streams", func(r chi.Router) {
			r.Post("/", h.CreateStream)
			r.Get("/", h.ListStreams)
			r.Route("/{stream_id}", func(r chi.Router) {
				r.Get("/", h.GetStream)
				r.Delete("/", h.StopStream)
			})
		})

		r.Route("/hls/{stream_id}", func(r chi.Router) {
			r.Use(httprate.LimitByIP(hlsRateLimit, time.Minute))
			r.Get("/index.m3u8", rl.Manifest)
			r.Get("/{segment}", rl.Segment)
		})
	})

	// The WebSocket route stays outside the wrapping middlewares so the
	// upgrader can hijack the raw connection.
	r.Get("/ws/{connection_id}", ws.Serve)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			slog.String("port", port),
			slog.String("hls_root", hlsRoot),
			slog.String("recordings_dir", recordingsDir),
			slog.Int("max_retries", maxRetries))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := ctrl.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		// Stop every in-flight capture before the process exits so no
		// ffmpeg child is orphaned.
		for _, sess := range reg.List("") {
			if !sess.State.Terminal() {
				_ = sup.Stop(sess.ID)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server stopped")
}

// recordingHook returns the callback invoked when a session stops with
// a usable recording. With TRANSCRIBE_CMD set, the command is launched
// fire-and-forget with the recording path as its argument; the capture
// control loop never waits on it.
func recordingHook(log *slog.Logger, transcribeCmd string) func(stream.Session) {
	return func(sess stream.Session) {
		log.Info("recording ready",
			slog.String("stream_id", string(sess.ID)),
			slog.String("path", sess.RecordingPath))
		if transcribeCmd == "" {
			return
		}
		cmd := exec.Command(transcribeCmd, sess.RecordingPath)
		if err := cmd.Start(); err != nil {
			log.Error("transcription launch failed",
				slog.String("path", sess.RecordingPath),
				slog.String("error", err.Error()))
			return
		}
		go func() { _ = cmd.Wait() }()
	}
}
