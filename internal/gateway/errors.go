package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

// Kind names used in error bodies.
const (
	kindValidation     = "validation"
	kindAuthentication = "authentication"
	kindNotFound       = "not_found"
	kindTimeout        = "timeout"
	kindNetwork        = "network"
	kindProtocol       = "protocol"
	kindInternal       = "internal"
)

// classify maps an error to the HTTP status and kind name the gateway
// answers with. Upstream failures are reported as gateway errors.
func classify(err error) (int, string) {
	switch vps.Kind(err) {
	case vps.ErrValidation:
		return http.StatusBadRequest, kindValidation
	case vps.ErrAuthentication:
		return http.StatusUnauthorized, kindAuthentication
	case vps.ErrNotFound:
		return http.StatusNotFound, kindNotFound
	case vps.ErrTimeout:
		return http.StatusGatewayTimeout, kindTimeout
	case vps.ErrNetwork:
		return http.StatusBadGateway, kindNetwork
	case vps.ErrProtocol:
		return http.StatusBadGateway, kindProtocol
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, kindTimeout
	}

	return http.StatusInternalServerError, kindInternal
}

func errorBody(err error) gin.H {
	_, kind := classify(err)

	return gin.H{"error": err.Error(), "kind": kind}
}

func (s *Server) writeError(c *gin.Context, err error) {
	code, kind := classify(err)

	if code >= http.StatusInternalServerError {
		s.logger.Warn("gateway upstream failure",
			slog.String("path", c.FullPath()),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(code, gin.H{"error": err.Error(), "kind": kind})
}
