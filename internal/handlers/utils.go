package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/internal/validation"
	"github.com/trackserver/trackserver/types"
)

const maxJSONBody = 1 << 20

type contextKey string

const contextPrincipalKey contextKey = "principal"

// Principal is the authenticated caller of a management request.
type Principal struct {
	UserID      int64
	Permissions types.PermissionSet
}

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextPrincipalKey, p)
}

// PrincipalFromContext returns the caller injected by RequireAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextPrincipalKey).(Principal)
	if !ok || p.UserID < 1 {
		return Principal{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps a service or store error to a response. what names
// the operation for the 500 message and the log line.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrMergeNeedsTwo):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, services.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg(what + " failed")
		writeError(w, http.StatusInternalServerError, "failed to "+what)
	}
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", services.ErrValidation)
	}
	if err := validation.ValidateStruct(dst); err != nil {
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return nil
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: invalid %s", services.ErrValidation, name)
	}
	return id, nil
}

// parseIDList parses a comma separated list of positive ids.
func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("%w: invalid id %q", services.ErrValidation, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
