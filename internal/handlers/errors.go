package handlers

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/sirupsen/logrus"

	"queue-server/internal/status"
)

// apiError maps a service error onto the PocketBase error response.
// Unclassified errors are logged and hidden behind a 500.
func apiError(logger logrus.FieldLogger, err error) error {
	switch {
	case errors.Is(err, status.ErrUserLimitExceeded):
		return apis.NewApiError(http.StatusConflict, "User is already queued for the maximum number of rides.", nil)
	case errors.Is(err, status.ErrTickInProgress):
		return apis.NewApiError(http.StatusConflict, "A dispatch for this ride is already running.", nil)
	case errors.Is(err, status.ErrMetaMissing):
		return apis.NewNotFoundError("Ride not found.", nil)
	case errors.Is(err, status.ErrNotInQueue):
		return apis.NewNotFoundError("User is not in this queue.", nil)
	case errors.Is(err, status.ErrQueueStateInconsistent):
		return apis.NewApiError(http.StatusServiceUnavailable, "Queue is busy, please retry.", nil)
	case errors.Is(err, status.ErrInvalidMeta):
		return apis.NewBadRequestError("Invalid ride configuration.", nil)
	}
	logger.WithError(err).Error("request failed")
	return apis.NewInternalServerError("Something went wrong while processing your request.", nil)
}
