package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"hardwire/internal/server/apperr"
)

// liveWriteTimeout bounds a single websocket frame write.
const liveWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin SPA and the API share an origin; token auth covers the rest.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleLiveUpdate handles GET /admin/live_update?token=<jwt>.
// Upgrades to a websocket and forwards progress bus events as JSON frames
// until the client disconnects. Client-to-server messages are ignored.
func (h *Handler) HandleLiveUpdate(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return apperr.AuthMissing()
	}
	user, err := h.auth.Authenticate(c.Request().Context(), token)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}
	defer conn.Close()

	subID, events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(subID)

	slog.Info("live update subscriber connected", "user_id", user.ID, "ip", c.RealIP())

	// Drain inbound frames so pings are answered and disconnects surface.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("live update write failed", "user_id", user.ID, "error", err)
				return nil
			}
		case <-disconnected:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
