package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
)

// errInvalidParam marks malformed path or query parameters.
var errInvalidParam = errors.New("invalid parameter")

// MaxListLimit caps the limit query parameter.
const MaxListLimit = 1000

// getPathUUID parses a UUID path parameter.
func getPathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errInvalidParam, name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", errInvalidParam, name)
	}
	return id, nil
}

// queryLimit parses ?limit=, returning 0 (store default) when absent.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > MaxListLimit {
		return 0, fmt.Errorf("%w: limit must be between 0 and %d", errInvalidParam, MaxListLimit)
	}
	return n, nil
}

// queryTaskStates parses ?state=a,b or repeated ?state= values.
func queryTaskStates(r *http.Request) []domain.TaskState {
	var states []domain.TaskState
	for _, v := range r.URL.Query()["state"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				states = append(states, domain.TaskState(s))
			}
		}
	}
	return states
}

// queryDuration parses a Go duration query parameter, returning def when absent.
func queryDuration(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative duration", errInvalidParam, name)
	}
	return d, nil
}
