// Package httpapi is the REST surface (spec §6.4 "Inbound via REST"):
// join, leave, start_transmission, submit_chunk and end_transmission, all
// calling straight into the Coordinator the Router resolves for the
// request's channel_uuid. There is no separate code path for REST vs.
// stream-originated operations (SPEC_FULL §6).
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ptt/server/internal/clock"
	"ptt/server/internal/coordinator"
	"ptt/server/internal/identity"
	"ptt/server/internal/protocol"
	"ptt/server/internal/registry"
	"ptt/server/internal/router"
	"ptt/server/internal/ws"
)

// Server is the Echo application exposing the REST surface and mounting
// the WebSocket upgrade route.
type Server struct {
	echo       *echo.Echo
	router     *router.Router
	identities identity.Resolver
	ws         *ws.Handler

	mu       sync.Mutex
	sessions map[string]string // session_id -> channel_uuid, for the chunk/end REST calls
}

// New constructs an Echo app wired to r, resolving every request's
// principal via resolver and serving the WebSocket upgrade through wsh.
func New(r *router.Router, resolver identity.Resolver, wsh *ws.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:       e,
		router:     r,
		identities: resolver,
		ws:         wsh,
		sessions:   make(map[string]string),
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("httpapi request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	authed := s.echo.Group("", identityMiddleware(s.identities))
	authed.POST("/channels/:uuid/join", s.handleJoin)
	authed.POST("/channels/:uuid/leave", s.handleLeave)
	authed.POST("/transmissions/start", s.handleStartTransmission)
	authed.POST("/transmissions/:session_id/chunk", s.handleChunk)
	authed.POST("/transmissions/:session_id/end", s.handleEndTransmission)

	if s.ws != nil {
		s.ws.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx is cancelled or startup fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("httpapi: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleJoin(c echo.Context) error {
	channelUUID := c.Param("uuid")
	principal := principalFrom(c)

	var req protocol.JoinRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "malformed request body", "invalid_chunk")
	}
	if err := clock.ValidateDeviceToken(req.DeviceToken); err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error(), "invalid_chunk")
	}

	coord, err := s.router.Resolve(c.Request().Context(), channelUUID)
	if err != nil {
		return s.routerError(c, err)
	}

	result, err := coord.Join(principal.UserID, req.Username, req.DeviceToken, registry.Descriptor{
		OS:         req.DeviceInfo.OS,
		OSVersion:  req.DeviceInfo.OSVersion,
		AppVersion: req.DeviceInfo.AppVersion,
	})
	if err != nil {
		return s.coordinatorError(c, err)
	}

	resp := protocol.JoinResponse{
		Participant: protocol.ParticipantInfo{
			UserID:      result.Participant.UserID,
			Username:    result.Participant.Username,
			DeviceToken: result.Participant.DeviceToken,
			JoinedAt:    result.Participant.JoinedAt,
		},
	}
	if result.ActiveTransmission != nil {
		resp.ActiveTransmission = toTransmissionSummary(*result.ActiveTransmission)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLeave(c echo.Context) error {
	channelUUID := c.Param("uuid")
	var req protocol.LeaveRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "malformed request body", "invalid_chunk")
	}

	coord, ok := s.router.Peek(channelUUID)
	if !ok {
		return errorResponse(c, http.StatusNotFound, "channel not found", protocol.CodeChannelNotFound)
	}
	if err := coord.Leave(req.DeviceToken); err != nil {
		return s.coordinatorError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStartTransmission(c echo.Context) error {
	principal := principalFrom(c)

	var req protocol.StartTransmissionRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "malformed request body", "invalid_chunk")
	}

	coord, err := s.router.Resolve(c.Request().Context(), req.ChannelUUID)
	if err != nil {
		return s.routerError(c, err)
	}

	sessionID, err := coord.StartTransmission(principal.UserID, req.DeviceToken, principal, coordinator.StartParams{
		AudioFormat:      req.AudioFormat,
		SampleRate:       req.SampleRate,
		Bitrate:          req.Bitrate,
		NetworkQuality:   req.NetworkQuality,
		IsEmergency:      req.IsEmergency,
		ExpectedDuration: req.ExpectedDuration,
	})
	if err != nil {
		return s.coordinatorError(c, err)
	}

	maxDuration := int64(coordinator.DefaultMaxTransmissionMS)
	if req.IsEmergency {
		maxDuration = coordinator.DefaultMaxEmergencyTransmissionMS
	}

	s.mu.Lock()
	s.sessions[sessionID] = req.ChannelUUID
	s.mu.Unlock()

	return c.JSON(http.StatusOK, protocol.StartTransmissionResponse{
		SessionID:     sessionID,
		MaxDurationMS: maxDuration,
		WebSocketURL:  "/ws/" + req.ChannelUUID,
	})
}

func (s *Server) handleChunk(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req protocol.ChunkRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "malformed request body", protocol.CodeInvalidChunk)
	}

	coord, ok := s.coordinatorForSession(c, sessionID)
	if !ok {
		return errorResponse(c, http.StatusNotFound, "unknown session_id", protocol.CodeNoSession)
	}

	result, err := coord.SubmitChunk(req.DeviceToken, req.ChunkSequence, req.AudioData, req.ChunkSizeBytes)
	if err != nil {
		return s.coordinatorError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.ChunkResponse{
		ChunkReceived:        true,
		NextExpectedSequence: result.NextExpected,
	})
}

func (s *Server) handleEndTransmission(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req protocol.EndTransmissionRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "malformed request body", protocol.CodeInvalidChunk)
	}

	coord, ok := s.coordinatorForSession(c, sessionID)
	if !ok {
		return errorResponse(c, http.StatusNotFound, "unknown session_id", protocol.CodeNoSession)
	}

	summary, err := coord.EndTransmission(req.DeviceToken, req.TotalDurationMS)
	if err != nil {
		return s.coordinatorError(c, err)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, protocol.EndTransmissionResponse{
		SessionSummary: *toTransmissionSummary(summary),
	})
}

func (s *Server) coordinatorForSession(c echo.Context, sessionID string) (*coordinator.Coordinator, bool) {
	s.mu.Lock()
	channelUUID, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	coord, ok := s.router.Peek(channelUUID)
	return coord, ok
}

func (s *Server) routerError(c echo.Context, err error) error {
	if errors.Is(err, router.ErrChannelNotFound) {
		return errorResponse(c, http.StatusNotFound, "channel not found", protocol.CodeChannelNotFound)
	}
	return errorResponse(c, http.StatusInternalServerError, "internal error", "internal_error")
}

func (s *Server) coordinatorError(c echo.Context, err error) error {
	code := coordinator.ErrorCode(err)
	status := http.StatusConflict
	switch code {
	case protocol.CodeChannelNotFound:
		status = http.StatusNotFound
	case protocol.CodeInvalidChunk:
		status = http.StatusBadRequest
	case protocol.CodeUnauthorized:
		status = http.StatusUnauthorized
	case "internal_error":
		status = http.StatusInternalServerError
	}
	return errorResponse(c, status, err.Error(), code)
}

func errorResponse(c echo.Context, status int, message, code string) error {
	return c.JSON(status, protocol.ErrorResponse{Success: false, Error: message, Code: code})
}
