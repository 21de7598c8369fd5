package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
)

// upgrader accepts any origin: the route already sits behind the panel
// password, and browser clients connect from arbitrary hosts.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// LogStream upgrades to WebSocket and streams log entries: recent
// history first, then live lines as the hub publishes them.
func (h *Handler) LogStream(c *gin.Context) {
	if h.hub == nil {
		common.WriteError(c, apperrors.Transient(http.StatusServiceUnavailable, "log hub not running"), apperrors.FormatOpenAI)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		log.WithError(err).Debug("log stream upgrade failed")
		return
	}

	if err := h.hub.Add(conn); err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		conn.Close()
		return
	}

	// Reads are only needed to observe the close handshake.
	go func() {
		defer h.hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
