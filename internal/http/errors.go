package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/relay"
	log "github.com/sirupsen/logrus"
)

// StatusForKind maps a relay error kind to its HTTP status.
func StatusForKind(kind relay.Kind) int {
	switch kind {
	case relay.KindUnauthorized:
		return http.StatusUnauthorized
	case relay.KindInactive:
		return http.StatusForbidden
	case relay.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case relay.KindRateLimited:
		return http.StatusTooManyRequests
	case relay.KindValidation:
		return http.StatusBadRequest
	case relay.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes err as {"error", "code"} and aborts the chain.
// Errors that are not relay errors are logged and hidden behind a generic message.
func AbortWithError(c *gin.Context, err error) {
	var message string
	kind := relay.KindOf(err)
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		message = relayErr.Message
	}
	if kind == relay.KindInternal {
		log.WithError(err).WithField("request_id", c.GetString(RequestIDKey)).Error("request failed")
		message = "Internal server error"
	}
	c.AbortWithStatusJSON(StatusForKind(kind), gin.H{"error": message, "code": kind.String()})
}
