package httpapi

import (
	"net/http"

	json "github.com/goccy/go-json"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.DependencyViolation:
		return http.StatusConflict
	case errs.CapacityExceeded:
		return http.StatusInsufficientStorage
	case errs.Closed:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
