package server

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/allisson/fastpubsub/internal/auth"
	"github.com/allisson/fastpubsub/internal/store"

	"github.com/google/uuid"
)

// genericError mirrors the error body shape of every endpoint.
type genericError struct {
	Detail string `json:"detail"`
}

// listResponse wraps paginated collections.
type listResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps store/auth error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidArgument):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidClient):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrInsufficientScope):
		status = http.StatusForbidden
	case errors.Is(err, driver.ErrBadConn):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, genericError{Detail: err.Error()})
}

// pagination reads offset/limit query parameters with the API defaults.
func pagination(r *http.Request) (offset, limit int, err error) {
	offset, err = queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", store.ErrInvalidArgument)
	}
	limit, err = queryInt(r, "limit", 10)
	if err != nil || limit < 1 || limit > 100 {
		return 0, 0, fmt.Errorf("%w: limit must be between 1 and 100", store.ErrInvalidArgument)
	}
	return offset, limit, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// decodeMessageIDs parses an ack/nack/reprocess body: a JSON array of UUIDs.
func decodeMessageIDs(r *http.Request) ([]uuid.UUID, error) {
	var raw []string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON array of message ids", store.ErrInvalidArgument)
	}
	ids := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a valid message id", store.ErrInvalidArgument, s)
		}
		ids[i] = id
	}
	return ids, nil
}

func pathClientID(r *http.Request, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: client %s", store.ErrNotFound, raw)
	}
	return id, nil
}
