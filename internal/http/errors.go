package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy to an HTTP status and a message that
// is safe to show a client.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	var ve *knowledge.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, knowledge.ErrValidation),
		errors.Is(err, embeddings.ErrUnknownProfile),
		errors.Is(err, embeddings.ErrInvalidProfile):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, knowledge.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, jobs.ErrRunnerBusy):
		return http.StatusServiceUnavailable, "import queue is full"
	case errors.Is(err, knowledge.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "dependency unavailable"
	case errors.Is(err, knowledge.ErrDimensionConflict):
		return http.StatusConflict, "collection dimension conflict"
	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{Error: msg})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
