package progress

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"streamgate/internal/stream"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// message is the wire format pushed to progress clients.
type message struct {
	Progress  float64   `json:"progress"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler upgrades progress connections to WebSocket and streams
// session events. The connection id is client-chosen; the stream id
// comes from the query string. No client messages are expected after
// the subscription is established.
type Handler struct {
	bus      *Bus
	reg      *stream.Registry
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a progress WebSocket handler.
func NewHandler(bus *Bus, reg *stream.Registry, log *slog.Logger) *Handler {
	return &Handler{
		bus: bus,
		reg: reg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The progress channel carries no credentials and no
			// client input; cross-origin viewers are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws/{connection_id}?stream={stream_id}.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connection_id")
	streamID := stream.SessionID(r.URL.Query().Get("stream"))
	if connID == "" || streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.reg.Get(streamID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed",
			slog.String("connection_id", connID), slog.String("error", err.Error()))
		return
	}

	sub := h.bus.Subscribe(connID, streamID)
	defer sub.Close()
	defer conn.Close()

	h.log.Info("progress connection established",
		slog.String("connection_id", connID), slog.String("stream_id", string(streamID)))

	// Drain client frames so pings/pongs and close frames are
	// processed; client disconnection surfaces as a read error.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current state immediately so late subscribers do not
	// wait for the next transition.
	if err := writeEvent(conn, stream.Event{
		StreamID:  sess.ID,
		State:     sess.State,
		Progress:  stream.ProgressHint(sess.State),
		Message:   string(sess.State),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				h.log.Debug("progress write failed, dropping connection",
					slog.String("connection_id", connID), slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev stream.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(message{
		Progress:  ev.Progress,
		Status:    ev.Message,
		State:     string(ev.State),
		Timestamp: ev.Timestamp,
	})
}
