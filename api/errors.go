package api

import (
	"encoding/json"
	"net/http"

	"github.com/jmcleod/pkidesk/certerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// statusForKind maps an error kind to its HTTP status code.
func statusForKind(kind string) int {
	switch kind {
	case certerr.KindNotFound:
		return http.StatusNotFound
	case certerr.KindConflict:
		return http.StatusConflict
	case certerr.KindInvalid:
		return http.StatusBadRequest
	case certerr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapError(w http.ResponseWriter, err error) {
	kind := certerr.KindOf(err)
	writeError(w, statusForKind(kind), kind, err.Error())
}
