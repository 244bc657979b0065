package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/partsearch/partsearch/pkg/auth"
	"github.com/partsearch/partsearch/pkg/parser"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
	"github.com/partsearch/partsearch/pkg/upload"
)

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, postgres.ErrNotFound), errors.Is(err, upload.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, postgres.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sendDomainError(w http.ResponseWriter, err error) {
	sendError(w, errorStatus(err), err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
