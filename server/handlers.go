package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/orvane/skein/agent"
	skeinerr "github.com/orvane/skein/internal/errors"
)

type createSessionRequest struct {
	AgentType string              `json:"agent_type"`
	Config    agent.SessionConfig `json:"config"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sendMessageRequest struct {
	Text         string `json:"text"`
	ToolsEnabled *bool  `json:"tools_enabled,omitempty"`
}

// POST /api/v1/sessions
func (s *Server) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(skeinerr.InvalidConfiguration("malformed request body")))
	}
	if req.AgentType == "" {
		req.AgentType = "default"
	}

	id, err := s.manager.CreateSession(req.AgentType, req.Config)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionID: id})
}

// GET /api/v1/sessions
func (s *Server) listSessions(c echo.Context) error {
	ids := s.manager.ListSessions()
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"sessions": ids})
}

// GET /api/v1/sessions/:id
func (s *Server) getSession(c echo.Context) error {
	session, ok := s.manager.GetSession(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody(skeinerr.SessionNotFound(c.Param("id"))))
	}
	return c.JSON(http.StatusOK, session)
}

// DELETE /api/v1/sessions/:id
func (s *Server) destroySession(c echo.Context) error {
	if err := s.manager.DestroySession(c.Param("id")); err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /api/v1/sessions/:id/messages
func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(skeinerr.InvalidConfiguration("malformed request body")))
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, errorBody(skeinerr.InvalidConfiguration("text is required")))
	}
	toolsEnabled := true
	if req.ToolsEnabled != nil {
		toolsEnabled = *req.ToolsEnabled
	}

	result, err := s.manager.SendMessage(c.Request().Context(), c.Param("id"), req.Text, toolsEnabled)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, result)
}

// GET /api/v1/sessions/:id/history
func (s *Server) getHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorBody(skeinerr.InvalidConfiguration("invalid limit")))
		}
		limit = n
	}

	return c.JSON(http.StatusOK, map[string]any{
		"messages": s.manager.GetHistory(c.Param("id"), limit),
	})
}

// GET /api/v1/sessions/:id/memory
func (s *Server) getMemoryStats(c echo.Context) error {
	stats, err := s.manager.MemoryStats(c.Param("id"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, stats)
}

// GET /api/v1/tools
func (s *Server) listTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tools": s.registry.Definitions(),
		"stats": s.registry.ListStats(),
	})
}

// GET /api/v1/metrics
func (s *Server) getAllMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// GET /api/v1/metrics/:agent
func (s *Server) getAgentMetrics(c echo.Context) error {
	stats, ok := s.metrics.AgentStats(c.Param("agent"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no metrics for agent"})
	}
	return c.JSON(http.StatusOK, stats)
}

func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if code := skeinerr.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	return body
}

func statusFor(err error) int {
	switch skeinerr.CodeOf(err) {
	case skeinerr.ErrCodeSessionNotFound, skeinerr.ErrCodeToolNotFound:
		return http.StatusNotFound
	case skeinerr.ErrCodeInvalidConfiguration, skeinerr.ErrCodeInvalidArguments:
		return http.StatusBadRequest
	case skeinerr.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
