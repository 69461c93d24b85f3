package handler

import (
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/bagmarket/internal/domain/order"
)

// errorStatus maps service errors to an HTTP status and client message.
// stateStatus is used for InvalidStateError, which is a validation failure
// on create and a conflict everywhere else.
func errorStatus(err error, stateStatus int) (int, string) {
	var (
		invalid  *order.InvalidOrderError
		notFound *order.NotFoundError
		state    *order.InvalidStateError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &state):
		return stateStatus, state.Error()
	case errors.Is(err, order.ErrPaymentGateway):
		return http.StatusBadGateway, "payment service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
