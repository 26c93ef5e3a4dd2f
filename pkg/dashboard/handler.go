package dashboard

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// Handler upgrades GET /api/dashboard/ws to a WebSocket connection and blocks
// for the connection's lifetime registered against hub.
func Handler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			// Origin verification is disabled: upgrades are accepted from
			// any Origin, and access is gated only by the admin auth
			// middleware in front of this route. This gateway has no
			// per-deployment origin allowlist configuration surface.
			InsecureSkipVerify: true,
		})
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		hub.HandleConnection(c.Request.Context(), conn)
	}
}
