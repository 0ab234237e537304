// Package relay serves HLS manifests and segments for live sessions.
// It only ever reads the capture process's own output directory, never
// the upstream platform URL, so viewer load stays decoupled from the
// origin and resolved media URLs never leak to clients.
package relay

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamgate/internal/platform/metrics"
	"streamgate/internal/stream"
	"streamgate/internal/supervisor"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

var (
	// ErrNotReady means the session exists but has not produced a
	// servable manifest yet. Mapped to 425, never to a 5xx.
	ErrNotReady = errors.New("stream not ready")

	// ErrNotFound covers unknown sessions, terminal sessions, and
	// segment names outside the manifest's segment set.
	ErrNotFound = errors.New("not found")
)

// Relay gates HLS file serving on session state.
type Relay struct {
	reg *stream.Registry
	log *slog.Logger
	met *metrics.Metrics
}

// New returns a Relay. met may be nil to disable metric recording.
func New(reg *stream.Registry, log *slog.Logger, met *metrics.Metrics) *Relay {
	return &Relay{reg: reg, log: log, met: met}
}

// Manifest handles GET /hls/{stream_id}/index.m3u8.
func (rl *Relay) Manifest(w http.ResponseWriter, r *http.Request) {
	id := stream.SessionID(chi.URLParam(r, "stream_id"))

	data, err := rl.manifestBytes(id)
	switch {
	case errors.Is(err, ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case errors.Is(err, ErrNotReady):
		w.WriteHeader(http.StatusTooEarly)
		return
	case err != nil:
		rl.log.Error("serve manifest failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	if rl.met != nil {
		rl.met.IncManifestsServed()
	}
}

// Segment handles GET /hls/{stream_id}/{segment}. Segment names are
// validated against the manifest's current segment set; anything else
// is NotFound rather than a directory lookup, closing off traversal and
// stale-id probing.
func (rl *Relay) Segment(w http.ResponseWriter, r *http.Request) {
	id := stream.SessionID(chi.URLParam(r, "stream_id"))
	name := chi.URLParam(r, "segment")

	sess, err := rl.session(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if !validSegmentName(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := rl.manifestBytes(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !segmentSet(data)[name] {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	seg, err := os.ReadFile(filepath.Join(sess.OutputDir, name))
	if err != nil {
		// Listed in the manifest but already rotated out by the capture
		// process; HLS clients retry on the next playlist reload.
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg)
	if rl.met != nil {
		rl.met.IncSegmentsServed()
	}
}

// session returns the session if it is in a servable lifecycle phase.
func (rl *Relay) session(id stream.SessionID) (stream.Session, error) {
	sess, err := rl.reg.Get(id)
	if err != nil {
		return stream.Session{}, ErrNotFound
	}
	switch sess.State {
	case stream.StateLive, stream.StateStopping:
		return sess, nil
	case stream.StatePending, stream.StateResolving, stream.StateCapturing:
		return sess, ErrNotReady
	default: // terminal
		return stream.Session{}, ErrNotFound
	}
}

func (rl *Relay) manifestBytes(id stream.SessionID) ([]byte, error) {
	sess, err := rl.session(id)
	if err != nil {
		return nil, err
	}
	if sess.OutputDir == "" {
		return nil, ErrNotReady
	}

	data, err := os.ReadFile(filepath.Join(sess.OutputDir, supervisor.ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotReady
		}
		return nil, err
	}
	if len(segmentSet(data)) == 0 {
		// ffmpeg writes the header before the first segment entry; an
		// empty playlist would park players in an error state.
		return nil, ErrNotReady
	}
	return data, nil
}

// segmentSet extracts the segment filenames referenced by a manifest.
func segmentSet(manifest []byte) map[string]bool {
	set := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(manifest))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[filepath.Base(line)] = true
	}
	return set
}

// validSegmentName rejects anything that could escape the output dir.
func validSegmentName(name string) bool {
	if name == "" || name == supervisor.ManifestName || name == supervisor.MetaFilename {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}
