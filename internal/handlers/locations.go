package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

// LocationHandler edits single track vertices.
type LocationHandler struct {
	tracks *services.TrackService
}

func NewLocationHandler(tracks *services.TrackService) *LocationHandler {
	return &LocationHandler{tracks: tracks}
}

func LocationRouter(r chi.Router, handler *LocationHandler) {
	r.With(RequirePermission(types.PermWrite)).Patch("/{locationID}", handler.Move)
	r.With(RequirePermission(types.PermDelete)).Delete("/{locationID}", handler.Delete)
}

// Move sets new coordinates and recomputes the track distance.
func (h *LocationHandler) Move(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.ownedLocation(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "move location")
		return
	}
	moved, err := h.tracks.MoveLocation(r.Context(), loc.ID, req.Latitude, req.Longitude)
	if err != nil {
		writeServiceError(w, r, err, "move location")
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

func (h *LocationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.ownedLocation(w, r)
	if !ok {
		return
	}
	if err := h.tracks.DeleteLocation(r.Context(), loc.ID); err != nil {
		writeServiceError(w, r, err, "delete location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LocationHandler) ownedLocation(w http.ResponseWriter, r *http.Request) (types.Location, bool) {
	ctx := r.Context()
	principal, _ := PrincipalFromContext(ctx)
	id, err := parseIDParam(r, "locationID")
	if err != nil {
		writeServiceError(w, r, err, "load location")
		return types.Location{}, false
	}
	loc, err := h.tracks.GetLocation(ctx, id)
	if err != nil {
		writeServiceError(w, r, err, "load location")
		return types.Location{}, false
	}
	if _, err := h.tracks.OwnedTrack(ctx, loc.TrackID, principal.UserID); err != nil {
		writeServiceError(w, r, err, "load location")
		return types.Location{}, false
	}
	return loc, true
}

type MoveRequest struct {
	Latitude  float64 `json:"lat" validate:"latitude"`
	Longitude float64 `json:"lon" validate:"longitude"`
}
