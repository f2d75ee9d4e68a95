package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/account"
	"github.com/ethpandaops/warehouse/pkg/download"
	"github.com/ethpandaops/warehouse/pkg/site"
	"github.com/ethpandaops/warehouse/pkg/subscription"
	"github.com/ethpandaops/warehouse/pkg/transmission"
)

// Messages shown for authorization failures. They never reveal the
// internal cause.
const (
	msgInvalidOrigin = "Invalid request origin."
	msgLoginRequired = "You need to be logged in to perform this operation."
	msgAdminRequired = "Only administrators may perform this operation."
	msgInternal      = "Internal server error."
)

// authError rejects a request for lack of authorization. The cause is
// logged, the message is returned.
type authError struct {
	msg   string
	cause string
}

func (e *authError) Error() string {
	return e.msg
}

var (
	errInvalidOrigin = &authError{msg: msgInvalidOrigin, cause: "origin mismatch"}
	errAdminRequired = &authError{msg: msgAdminRequired, cause: "not an administrator"}
)

func loginRequired(cause string) error {
	return &authError{msg: msgLoginRequired, cause: cause}
}

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an operation error onto an HTTP status and the message
// returned to the client.
func statusFor(err error) (int, string) {
	var (
		authErr  *authError
		validErr *validationError
	)

	switch {
	case errors.As(err, &authErr):
		return http.StatusForbidden, authErr.msg
	case errors.Is(err, download.ErrSizeLimitExceeded):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &validErr),
		errors.Is(err, subscription.ErrInvalidPattern),
		errors.Is(err, subscription.ErrPatternTooBroad),
		errors.Is(err, account.ErrPasswordTooShort):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, site.ErrUnknownSite),
		errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, download.ErrAlreadyQueued):
		return http.StatusConflict, err.Error()
	case errors.Is(err, site.ErrUnexpectedResponse),
		errors.Is(err, transmission.ErrRPC),
		errors.Is(err, transmission.ErrTagMismatch):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// writeError logs err and writes it as an error response.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	log := s.log.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	})

	var authErr *authError

	switch {
	case errors.As(err, &authErr):
		log.WithField("cause", authErr.cause).Debug("Request rejected")
	case status >= http.StatusInternalServerError:
		log.Error("Request failed")
	default:
		log.Debug("Request failed")
	}

	writeJSON(w, status, errorResponse{Error: msg})
}
