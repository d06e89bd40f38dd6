package server

import (
	"net/http"

	apperrors "github.com/pincer-org/restgate/internal/errors"
)

// HandleError is the single responder for handler errors.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
