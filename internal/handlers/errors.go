package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/maneesh/chestbox/internal/chest"
	"github.com/maneesh/chestbox/internal/logging"
)

// errorResponse is the JSON body written for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a chest.Error's taxonomy Kind to the §7 status code and
// writes a JSON error body. Any non-nil error that isn't a *chest.Error (such
// as a failure to open an uploaded form file) is treated as Internal.
func writeError(w http.ResponseWriter, err error) {
	cErr, ok := chest.AsError(err)
	if !ok {
		cErr = &chest.Error{Kind: chest.KindInternal, Msg: err.Error()}
	}

	status := statusFor(cErr.Kind)
	if status >= http.StatusInternalServerError {
		logging.S.Errorw("request failed", "kind", cErr.Kind, "error", err)
	}

	writeJSON(w, status, errorResponse{Error: cErr.Msg})
}

func statusFor(kind chest.Kind) int {
	switch kind {
	case chest.KindBadRequest:
		return http.StatusBadRequest
	case chest.KindUnauthorized:
		return http.StatusUnauthorized
	case chest.KindForbidden:
		return http.StatusForbidden
	case chest.KindNotFound:
		return http.StatusNotFound
	case chest.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as the response body with status, matching the
// teacher's inline json.NewEncoder convention.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// badRequestBody reports a malformed JSON request body as BadRequest,
// per the §9 open-question decision (the source treats this as Internal).
func badRequestBody(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
}
