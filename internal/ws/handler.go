// Package ws is the default client-facing transport: a WebSocket upgrade
// serving the bidirectional text-frame stream of spec §6.4. It adapts a
// *websocket.Conn to fanout.Sender and otherwise carries no protocol logic
// of its own — every inbound control frame is translated into a call on
// the Coordinator the Router resolves for the connection's channel_uuid.
package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"ptt/server/internal/coordinator"
	"ptt/server/internal/identity"
	"ptt/server/internal/protocol"
	"ptt/server/internal/router"
)

const (
	writeTimeout = 5 * time.Second
	heartbeatMS  = 30_000
	readDeadline = 3 * heartbeatMS * time.Millisecond
	maxReadBytes = 1 << 20
	controlBurst = 20

	// defaultControlPerSec is used when NewHandler is given a
	// non-positive rate, matching SPEC_FULL §6.5's CONTROL_RATE_PER_SEC
	// default.
	defaultControlPerSec = 20
)

// Handler owns the WebSocket upgrade route.
type Handler struct {
	router        *router.Router
	identities    identity.Resolver
	upgrader      websocket.Upgrader
	controlPerSec int
}

// NewHandler constructs a Handler bound to r, resolving each connection's
// principal via resolver at handshake time (SPEC_FULL §4.H).
// controlPerSec bounds inbound control frames per connection; a
// non-positive value falls back to defaultControlPerSec.
func NewHandler(r *router.Router, resolver identity.Resolver, controlPerSec int) *Handler {
	if controlPerSec <= 0 {
		controlPerSec = defaultControlPerSec
	}
	return &Handler{
		router:        r,
		identities:    resolver,
		controlPerSec: controlPerSec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the upgrade route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/:channel_uuid", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	channelUUID := c.Param("channel_uuid")
	deviceToken := strings.TrimSpace(c.QueryParam("device_token"))
	token := strings.TrimSpace(c.QueryParam("token"))
	remoteAddr := c.RealIP()

	if deviceToken == "" || token == "" {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{
			Success: false, Error: "device_token and token are required", Code: protocol.CodeUnauthorized,
		})
	}
	if _, err := h.identities.Resolve(token); err != nil {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{
			Success: false, Error: "invalid or expired token", Code: protocol.CodeUnauthorized,
		})
	}

	coord, err := h.router.Resolve(c.Request().Context(), channelUUID)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.ErrorResponse{
			Success: false, Error: "channel not found", Code: protocol.CodeChannelNotFound,
		})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Debug("ws upgrade failed", "remote", remoteAddr, "err", err)
		return nil
	}
	h.serveConn(conn, coord, deviceToken, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, coord *coordinator.Coordinator, deviceToken, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	if err := coord.AttachSocket(deviceToken, &wsSender{conn: conn}); err != nil {
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.TypeError, Error: err.Error(), Code: "unauthorized"})
		return
	}
	slog.Debug("ws connected", "channel_uuid", coord.ChannelUUID(), "device_token", deviceToken, "remote", remoteAddr)

	limiter := rate.NewLimiter(rate.Limit(h.controlPerSec), controlBurst)

	for {
		var in protocol.Frame
		if err := conn.ReadJSON(&in); err != nil {
			_ = coord.Leave(deviceToken)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		if !limiter.Allow() {
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypeError, Error: "rate limited", Code: protocol.CodeRateLimited})
			continue
		}

		switch in.Type {
		case protocol.TypePing:
			coord.Touch(deviceToken)
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypePong, Timestamp: in.Timestamp})
		case protocol.TypeLeave:
			_ = coord.Leave(deviceToken)
			return
		default:
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypeError, Error: "unsupported message type", Code: protocol.CodeInvalidChunk})
		}
	}
}

// wsSender adapts a *websocket.Conn to fanout.Sender. Only one goroutine
// (the Listener's writer) ever calls WriteMessage for a given instance, so
// no additional write lock is needed beyond gorilla's own per-conn rule of
// "no concurrent writes", which the Fan-out Engine already guarantees.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) WriteMessage(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}
