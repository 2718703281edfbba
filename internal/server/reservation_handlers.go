package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/sweep"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tablePayload struct {
	ID                 int64 `json:"id"`
	TableNumber        int   `json:"table_number"`
	Capacity           int   `json:"capacity"`
	AvailabilityStatus bool  `json:"availability_status"`
}

type createTableRequestPayload struct {
	TableNumber int `json:"table_number"`
	Capacity    int `json:"capacity"`
}

type bookingRequestPayload struct {
	Date  string          `json:"date"`
	Time  string          `json:"time"`
	Table json.RawMessage `json:"table"`
}

type waitlistRequestPayload struct {
	Date string `json:"date"`
}

func newTablePayloads(tables []reservations.Table) []tablePayload {
	payloads := make([]tablePayload, 0, len(tables))
	for _, table := range tables {
		payloads = append(payloads, newTablePayload(table))
	}
	return payloads
}

func newTablePayload(table reservations.Table) tablePayload {
	return tablePayload{
		ID:                 table.ID,
		TableNumber:        table.Number,
		Capacity:           table.Capacity,
		AvailabilityStatus: table.Available,
	}
}

func (h *httpHandler) handleListAvailableTables(c *gin.Context) {
	tables, err := h.reservations.ListAvailableTables(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTablePayloads(tables))
}

func (h *httpHandler) handleListTables(c *gin.Context) {
	tables, err := h.reservations.ListTables(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTablePayloads(tables))
}

func (h *httpHandler) handleCreateTable(c *gin.Context) {
	var request createTableRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	table, err := h.reservations.CreateTable(c.Request.Context(), principalFrom(c), request.TableNumber, request.Capacity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTablePayload(table))
}

func (h *httpHandler) handleDeleteTable(c *gin.Context) {
	tableID, ok := pathID(c, "table_id")
	if !ok {
		return
	}
	if err := h.reservations.DeleteTable(c.Request.Context(), principalFrom(c), tableID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Table deleted successfully."})
}

func (h *httpHandler) handleBook(c *gin.Context) {
	tableID, ok := pathID(c, "table_id")
	if !ok {
		return
	}
	var request bookingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	summary, err := h.reservations.Book(c.Request.Context(), principalFrom(c), tableID, reservations.BookingRequest{
		Date:          request.Date,
		Time:          request.Time,
		TableFieldSet: len(request.Table) > 0,
	})
	if err != nil {
		h.writeErrorWithStatus(c, err, statusFor(err, true))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":     "Reservation created successfully.",
		"reservation": summary,
	})
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	reservationID, ok := pathID(c, "reservation_id")
	if !ok {
		return
	}
	if err := h.reservations.Cancel(c.Request.Context(), principalFrom(c), reservationID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Reservation cancelled successfully."})
}

func (h *httpHandler) handleListReservations(c *gin.Context) {
	views, err := h.reservations.ListReservations(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *httpHandler) handleJoinWaitlist(c *gin.Context) {
	tableID, ok := pathID(c, "table_id")
	if !ok {
		return
	}
	var request waitlistRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entry, err := h.reservations.JoinWaitlist(c.Request.Context(), principalFrom(c), tableID, request.Date)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":        "You have been added to the waitlist.",
		"waitlist_entry": entry,
	})
}

func (h *httpHandler) handleListWaitlist(c *gin.Context) {
	views, err := h.reservations.ListWaitlist(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *httpHandler) handleConfirmEntry(c *gin.Context) {
	entryID, ok := pathID(c, "entry_id")
	if !ok {
		return
	}
	if err := h.reservations.ConfirmEntry(c.Request.Context(), principalFrom(c), entryID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Waitlist entry confirmed."})
}

func (h *httpHandler) handleLeaveWaitlist(c *gin.Context) {
	entryID, ok := pathID(c, "entry_id")
	if !ok {
		return
	}
	if err := h.reservations.LeaveWaitlist(c.Request.Context(), principalFrom(c), entryID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "You have left the waitlist."})
}

func (h *httpHandler) handleInsights(c *gin.Context) {
	insights, err := h.reservations.Insights(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, insights)
}

func (h *httpHandler) handleRunSweep(c *gin.Context) {
	if !principalFrom(c).Staff {
		c.JSON(http.StatusForbidden, gin.H{"error": reservations.Reason(reservations.ErrStaffOnly)})
		return
	}
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweep_disabled"})
		return
	}

	report, err := h.sweeper.RunOnce(c.Request.Context())
	switch {
	case errors.Is(err, sweep.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress"})
		return
	case err != nil:
		h.logger.Error("manual sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
