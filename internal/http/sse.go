package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleNotificationStream streams job notifications as Server-Sent Events.
//
//	event: progress
//	data: {"job_id":"...","type":"progress","progress":{...}}
//
// A comment line is written every heartbeat interval so proxies keep the
// connection open. The stream ends when the client disconnects. With
// ?job_id= only that job's notifications are sent.
func (s *Server) handleNotificationStream(c echo.Context) error {
	ctx := c.Request().Context()
	jobID := c.QueryParam("job_id")

	ch, err := s.deps.Jobs.Subscribe(ctx)
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if jobID != "" && n.JobID != jobID {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.Warn(ctx, "encoding notification", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", n.Type)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

		case <-ticker.C:
			fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-ctx.Done():
			return nil
		}
	}
}
