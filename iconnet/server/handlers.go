package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// TurnRequest is the body of POST /api/v1/threads/:thread_id/turns.
type TurnRequest struct {
	Message     string            `json:"message"`
	UserContext ports.UserContext `json:"user_context"`
}

// ThreadResponse is returned by GET /api/v1/threads/:thread_id.
type ThreadResponse struct {
	ThreadID   string       `json:"thread_id"`
	History    []ports.Turn `json:"history"`
	RetryCount int          `json:"retry_count"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code, message string) errorResponse {
	var r errorResponse
	r.Error.Code = code
	r.Error.Message = message
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postTurn(c *gin.Context) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "body must be JSON with a message field"))
		return
	}

	res, err := s.engine.ProcessTurn(c.Request.Context(), c.Param("thread_id"), req.Message, req.UserContext)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getThread(c *gin.Context) {
	state, found, err := s.engine.Thread(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorBody("not_found", "thread not found"))
		return
	}
	c.JSON(http.StatusOK, ThreadResponse{
		ThreadID:   state.ThreadID,
		History:    state.History,
		RetryCount: state.RetryCount,
		UpdatedAt:  state.UpdatedAt,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	var storeErr *agent.SessionStoreError
	switch {
	case errors.Is(err, agent.ErrEmptyThreadID), errors.Is(err, agent.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
	case errors.As(err, &storeErr):
		c.JSON(http.StatusServiceUnavailable, errorBody(storeErr.Code(), "conversation storage is unavailable, please retry"))
	default:
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}
