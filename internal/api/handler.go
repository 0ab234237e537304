// Package api exposes the stream lifecycle over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamgate/internal/platform/metrics"
	"streamgate/internal/resolver"
	"streamgate/internal/stream"
)

// Stopper is the slice of the supervisor the API needs: switching a
// session onto the stop path. Termination itself stays asynchronous.
type Stopper interface {
	Stop(id stream.SessionID) error
}

// Handler exposes the stream endpoints using go-chi.
type Handler struct {
	reg     *stream.Registry
	stopper Stopper
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(reg *stream.Registry, stopper Stopper, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{reg: reg, stopper: stopper, log: log, metrics: m}
}

// createRequest is the POST /streams body.
type createRequest struct {
	SourceURL string          `json:"sourceURL"`
	Platform  stream.Platform `json:"platform,omitempty"`
}

// createResponse is the POST /streams reply.
type createResponse struct {
	ID    stream.SessionID `json:"id"`
	State stream.State     `json:"state"`
}

// CreateStream handles POST /streams. Re-posting a source that already
// has a non-terminal session returns that session with 200 instead of
// creating a duplicate.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if !validSourceURL(req.SourceURL) {
		writeError(w, http.StatusBadRequest, "sourceURL must be a valid http(s) URL")
		return
	}

	platform, key := resolver.DetectPlatform(req.SourceURL)
	if req.Platform != "" {
		if !validPlatform(req.Platform) {
			writeError(w, http.StatusBadRequest, "unknown platform")
			return
		}
		platform = req.Platform
	}

	sess, created := h.reg.Create(req.SourceURL, platform, key)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if h.metrics != nil {
			h.metrics.IncSessionsCreated()
		}
		h.log.Info("session created",
			slog.String("stream_id", string(sess.ID)),
			slog.String("platform", string(sess.Platform)),
			slog.String("source_url", sess.SourceURL))
	}

	writeJSON(w, status, createResponse{ID: sess.ID, State: sess.State})
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := stream.SessionID(chi.URLParam(r, "stream_id"))

	sess, err := h.reg.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListStreams handles GET /streams with an optional ?state= filter.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	filter := stream.State(r.URL.Query().Get("state"))
	if filter != "" && !validState(filter) {
		writeError(w, http.StatusBadRequest, "unknown state filter")
		return
	}

	sessions := h.reg.List(filter)
	if sessions == nil {
		sessions = []stream.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// StopStream handles DELETE /streams/{stream_id}. The stop is
// asynchronous: 202 means termination is underway; callers poll GET
// until the session reports Stopped.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := stream.SessionID(chi.URLParam(r, "stream_id"))

	if err := h.stopper.Stop(id); err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		h.log.Error("stop failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}

	h.log.Info("stop requested", slog.String("stream_id", string(id)))
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func validSourceURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validPlatform(p stream.Platform) bool {
	switch p {
	case stream.PlatformYouTube, stream.PlatformFacebook, stream.PlatformTwitch, stream.PlatformOther:
		return true
	default:
		return false
	}
}

func validState(s stream.State) bool {
	switch s {
	case stream.StatePending, stream.StateResolving, stream.StateCapturing,
		stream.StateLive, stream.StateStopping, stream.StateStopped, stream.StateFailed:
		return true
	default:
		return false
	}
}
