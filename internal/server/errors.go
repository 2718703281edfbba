package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps a reservation error kind to an HTTP status. Booking an
// unavailable table reports 404, the same as a missing table.
func statusFor(err error, bookingRequest bool) int {
	switch {
	case bookingRequest && errors.Is(err, reservations.ErrTableUnavailable):
		return http.StatusNotFound
	case errors.Is(err, reservations.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reservations.ErrConflict), errors.Is(err, reservations.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, reservations.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	h.writeErrorWithStatus(c, err, statusFor(err, false))
}

func (h *httpHandler) writeErrorWithStatus(c *gin.Context, err error, status int) {
	code := reservations.Code(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": reservations.Reason(err), "code": code})
}

// pathID parses a positive numeric path parameter. Malformed identifiers
// cannot name an existing record and are reported as not found.
func pathID(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return 0, false
	}
	return value, true
}
