package server

import (
	"net/http"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeGitNotLatest:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound, errors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case errors.ErrCodeWorkflow, errors.ErrCodeInFlight, errors.ErrCodeDataIntegrity:
		return http.StatusConflict
	case errors.ErrCodeTransport:
		return http.StatusBadGateway
	case errors.ErrCodeCommandTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorStatus is the structured body sent for a failed request.
func errorStatus(err error) *models.StatusResponse {
	code := errors.GetCode(err)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	return &models.StatusResponse{
		Status:  models.StatusError,
		Code:    string(code),
		Message: errors.UserMessage(err),
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorStatus(err))
}
