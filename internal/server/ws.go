package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/facegate/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from the LAN without an Origin header.
		return true
	},
}

// HandleWS upgrades a request to a websocket session and runs its
// pumps. The read pump dispatches frames sequentially, so per-session
// command ordering is the connection's own ordering.
func (r *Router) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err, "ip", c.ClientIP())
		return
	}

	s := session.New(conn, c.ClientIP())
	slog.Debug("ws session opened", "session", s.ID, "addr", s.RemoteAddr)

	go s.WritePump()
	go s.ReadPump(
		func(raw []byte) {
			r.Dispatch(context.Background(), s, raw)
		},
		func() {
			r.registry.Unregister(s)
		},
	)
}
