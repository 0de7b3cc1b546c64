// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrRoleUnknown):
		Problem(w, http.StatusBadRequest, "Unknown Role", err.Error())
	case errors.Is(err, shared.ErrInvalidExpiry):
		Problem(w, http.StatusBadRequest, "Invalid Expiry", err.Error())
	case errors.Is(err, shared.ErrActorMissing):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
