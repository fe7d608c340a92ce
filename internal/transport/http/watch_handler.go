package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rogkeys/internal/domain"
	"rogkeys/internal/store"
)

// WatchHandler streams live key-set snapshots to the dashboard over a
// websocket. Each message is the full reconciled key list; the dashboard
// applies last-write-wins per document, so missed intermediate snapshots
// are harmless.
type WatchHandler struct {
	store    store.KeyStore
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWatchHandler creates the websocket handler.
func NewWatchHandler(s store.KeyStore, logger *slog.Logger) *WatchHandler {
	return &WatchHandler{
		store:  s,
		logger: logger.With(slog.String("handler", "watch")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The route sits behind AdminAuth; origin policy is handled
			// by the CORS layer on the router.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type watchMessage struct {
	Keys  []domain.LicenseKey `json:"keys"`
	Count int                 `json:"count"`
	At    string              `json:"at"`
}

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
)

// Handle upgrades the connection and relays store snapshots until the
// client disconnects or the request context ends.
func (h *WatchHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates, err := h.store.Watch(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "watch subscription failed",
			slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch unavailable"),
			time.Now().Add(watchWriteTimeout))
		return
	}

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice close frames and surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case keys, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "watch closed"),
					time.Now().Add(watchWriteTimeout))
				return
			}
			if keys == nil {
				keys = []domain.LicenseKey{}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(watchMessage{
				Keys:  keys,
				Count: len(keys),
				At:    time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				h.logger.DebugContext(ctx, "watch write failed",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}
