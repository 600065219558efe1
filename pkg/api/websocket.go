package api

import (
	"log/slog"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// handleWebSocket upgrades the connection and hands it to the connection
// manager, which blocks until the client disconnects.
func (s *Server) handleWebSocket(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The dashboard is same-host; cross-origin checks are relaxed.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	s.conns.HandleConnection(c.Request().Context(), conn)
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
