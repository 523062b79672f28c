package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/sirupsen/logrus"

	"queue-server/models"
)

// QueueAPI is the queue service as seen by the HTTP layer.
type QueueAPI interface {
	Enqueue(ctx context.Context, userID, rideID int64, ticketType string) (models.EnqueueResult, error)
	GetStatus(ctx context.Context, userID, rideID int64, ticketType string) (models.EnqueueResult, error)
	GetAllStatus(ctx context.Context, userID int64) (models.QueueStatusList, error)
	Cancel(ctx context.Context, userID, rideID int64, ticketType string) error
	GetRideQueueInfo(ctx context.Context, rideID int64) (models.RideQueueInfo, error)
	GetAllRidesQueueInfo(ctx context.Context) (models.RideQueueInfoList, error)
}

type QueueHandler struct {
	queue  QueueAPI
	logger *logrus.Logger
}

func NewQueueHandler(queue QueueAPI, logger *logrus.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, logger: logger}
}

type enrollmentRequest struct {
	UserID     int64  `json:"userId"`
	RideID     int64  `json:"rideId"`
	TicketType string `json:"ticketType"`
}

func (r enrollmentRequest) validate() error {
	if r.UserID <= 0 {
		return apis.NewBadRequestError("userId must be a positive integer.", nil)
	}
	if r.RideID <= 0 {
		return apis.NewBadRequestError("rideId must be a positive integer.", nil)
	}
	return nil
}

// Enqueue handles POST /api/queue/enqueue.
func (h *QueueHandler) Enqueue(e *core.RequestEvent) error {
	var req enrollmentRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body.", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	res, err := h.queue.Enqueue(e.Request.Context(), req.UserID, req.RideID, req.TicketType)
	if err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// GetStatus handles GET /api/queue/status?userId=&rideId=&ticketType=.
func (h *QueueHandler) GetStatus(e *core.RequestEvent) error {
	q := e.Request.URL.Query()
	userID, err := positiveID(q.Get("userId"), "userId")
	if err != nil {
		return err
	}
	rideID, err := positiveID(q.Get("rideId"), "rideId")
	if err != nil {
		return err
	}

	res, err := h.queue.GetStatus(e.Request.Context(), userID, rideID, q.Get("ticketType"))
	if err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// GetAllStatus handles GET /api/queue/status/all?userId=.
func (h *QueueHandler) GetAllStatus(e *core.RequestEvent) error {
	userID, err := positiveID(e.Request.URL.Query().Get("userId"), "userId")
	if err != nil {
		return err
	}

	res, err := h.queue.GetAllStatus(e.Request.Context(), userID)
	if err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// Cancel handles POST /api/queue/cancel. Cancelling an absent enrollment
// still succeeds.
func (h *QueueHandler) Cancel(e *core.RequestEvent) error {
	var req enrollmentRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body.", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	if err := h.queue.Cancel(e.Request.Context(), req.UserID, req.RideID, req.TicketType); err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Queue cancelled"})
}

// GetRideInfo handles GET /api/queue/rides/{rideId}/info.
func (h *QueueHandler) GetRideInfo(e *core.RequestEvent) error {
	rideID, err := positiveID(e.Request.PathValue("rideId"), "rideId")
	if err != nil {
		return err
	}

	res, err := h.queue.GetRideQueueInfo(e.Request.Context(), rideID)
	if err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// GetAllRidesInfo handles GET /api/queue/rides/info.
func (h *QueueHandler) GetAllRidesInfo(e *core.RequestEvent) error {
	res, err := h.queue.GetAllRidesQueueInfo(e.Request.Context())
	if err != nil {
		return apiError(h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

func positiveID(raw, name string) (int64, error) {
	if raw == "" {
		return 0, apis.NewBadRequestError(name+" is required.", nil)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apis.NewBadRequestError(name+" must be a positive integer.", nil)
	}
	return id, nil
}
