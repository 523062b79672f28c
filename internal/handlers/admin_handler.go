package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/sirupsen/logrus"

	"queue-server/internal/services"
	"queue-server/internal/store"
)

// DispatchAPI is the part of the dispatcher exposed to operators.
type DispatchAPI interface {
	Registered() []services.DispatcherInfo
	Tick(ctx context.Context, rideID int64) (services.TickReport, error)
}

type AdminHandler struct {
	dispatcher DispatchAPI
	store      store.Store
	logger     *logrus.Logger
}

func NewAdminHandler(dispatcher DispatchAPI, st store.Store, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{dispatcher: dispatcher, store: st, logger: logger}
}

// ListDispatchers handles GET /api/admin/dispatchers.
func (h *AdminHandler) ListDispatchers(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{"dispatchers": h.dispatcher.Registered()})
}

// Dispatch handles POST /api/admin/rides/{rideId}/dispatch, running one tick
// outside the ride's schedule.
func (h *AdminHandler) Dispatch(e *core.RequestEvent) error {
	rideID, err := positiveID(e.Request.PathValue("rideId"), "rideId")
	if err != nil {
		return err
	}

	report, err := h.dispatcher.Tick(e.Request.Context(), rideID)
	if err != nil {
		return apiError(h.logger, err)
	}
	h.logger.WithFields(logrus.Fields{
		"ride_id": rideID,
		"tick_id": report.TickID,
		"remote":  e.Request.RemoteAddr,
	}).Info("manual dispatch")
	return e.JSON(http.StatusOK, report)
}

// Health handles GET /health.
func (h *AdminHandler) Health(e *core.RequestEvent) error {
	if err := h.store.Ping(e.Request.Context()); err != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
