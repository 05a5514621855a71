package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

// SSE event names.
const (
	eventProgress = "progress"
	eventError    = "error"
)

// handleEvents forwards a progress subscription as server-sent events. The
// stream ends after the terminal event, on a subscription error (sent as an
// "error" event), or when the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")

	events := make(chan vps.ProgressEvent, eventBuffer)

	sub, err := s.svc.TrackProgress(ctx, jobID, func(ev vps.ProgressEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	seq := 0

	send := func(ev vps.ProgressEvent) bool {
		seq++
		c.Render(-1, sse.Event{Id: strconv.Itoa(seq), Event: eventProgress, Data: ev})

		if s.recorder != nil {
			s.recorder.Observed(ctx, ev)
		}

		return !ev.Status.Terminal()
	}

	c.Stream(func(io.Writer) bool {
		select {
		case ev := <-events:
			return send(ev)
		case <-sub.Done():
			// Events delivered before the subscription ended are still
			// buffered.
			for {
				select {
				case ev := <-events:
					if !send(ev) {
						return false
					}
				default:
					if err := sub.Err(); err != nil {
						s.logger.Warn("progress stream ended with error",
							slog.String("job_id", jobID),
							slog.String("error", err.Error()),
						)
						c.Render(-1, sse.Event{Event: eventError, Data: errorBody(err)})
					}

					return false
				}
			}
		case <-ctx.Done():
			return false
		}
	})
}
