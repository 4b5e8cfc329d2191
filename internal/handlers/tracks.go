package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/trackserver/trackserver/internal/encoder"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

const defaultLiveMaxAge = 24 * time.Hour

// TrackHandler serves track listing, export and editing.
type TrackHandler struct {
	tracks *services.TrackService
	live   *services.LiveService
	users  *services.UserService
}

func NewTrackHandler(tracks *services.TrackService, live *services.LiveService, users *services.UserService) *TrackHandler {
	return &TrackHandler{tracks: tracks, live: live, users: users}
}

// TrackRouter registers track routes. The router must already run behind
// RequireAuth.
func TrackRouter(r chi.Router, handler *TrackHandler) {
	read := RequirePermission(types.PermRead)
	write := RequirePermission(types.PermWrite)

	r.With(read).Get("/", handler.ListTracks)
	r.With(cors.AllowAll().Handler, read).Get("/export", handler.Export)
	r.With(write, RequirePermission(types.PermDelete)).Post("/merge", handler.Merge)
	r.Route("/{trackID}", func(r chi.Router) {
		r.With(write).Patch("/", handler.UpdateTrack)
		r.With(RequirePermission(types.PermDelete)).Delete("/", handler.DeleteTrack)
		r.With(write).Post("/split", handler.Split)
		r.With(write).Post("/recalculate", handler.Recalculate)
	})
}

func (h *TrackHandler) ListTracks(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	tracks, err := h.tracks.ListTracks(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "list tracks")
		return
	}
	writeJSON(w, http.StatusOK, TrackListResponse{Items: tracks})
}

// Export renders the requested tracks. ids names tracks directly; live names
// logins whose most recent track is included when it has a point newer than
// maxage.
func (h *TrackHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := PrincipalFromContext(ctx)
	query := r.URL.Query()

	format, err := encoder.ParseFormat(query.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := parseIDList(query.Get("ids"))
	if err != nil {
		writeServiceError(w, r, err, "export tracks")
		return
	}
	maxAge := defaultLiveMaxAge
	if raw := query.Get("maxage"); raw != "" {
		if maxAge, err = time.ParseDuration(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid maxage")
			return
		}
	}

	requester, err := h.users.GetByID(ctx, principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load user")
		return
	}

	for _, id := range ids {
		if _, err := h.tracks.FindTrackByID(ctx, id, requester); err != nil {
			writeServiceError(w, r, err, "export tracks")
			return
		}
	}

	if logins := splitList(query.Get("live")); len(logins) > 0 {
		liveIDs, err := h.liveTracks(r, requester, logins, maxAge)
		if err != nil {
			writeServiceError(w, r, err, "export tracks")
			return
		}
		ids = append(ids, liveIDs...)
	}

	points, err := h.tracks.ListPoints(ctx, ids, requester.ID)
	if err != nil {
		writeServiceError(w, r, err, "export tracks")
		return
	}

	var buf bytes.Buffer
	if err := encoder.Encode(&buf, format, points, h.tracks.Zone()); err != nil {
		writeServiceError(w, r, err, "encode tracks")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format == encoder.FormatGPX {
		w.Header().Set("Content-Disposition", `attachment; filename="tracks.gpx"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// liveTracks resolves logins to their latest track ids. A login is allowed
// when it is the requester, a friend, or the requester may publish others.
func (h *TrackHandler) liveTracks(r *http.Request, requester types.User, logins []string, maxAge time.Duration) ([]int64, error) {
	ctx := r.Context()
	friends, err := h.live.Friends(ctx, requester)
	if err != nil {
		return nil, err
	}

	userIDs := make([]int64, 0, len(logins))
	for _, login := range logins {
		switch {
		case login == requester.Login:
			userIDs = append(userIDs, requester.ID)
			continue
		case requester.Can(types.CapPublishOthers):
		default:
			idx := slices.IndexFunc(friends, func(u types.User) bool { return u.Login == login })
			if idx < 0 {
				return nil, fmt.Errorf("%w: not allowed to follow %s", services.ErrForbidden, login)
			}
			userIDs = append(userIDs, friends[idx].ID)
			continue
		}
		user, err := h.users.GetByLogin(ctx, login)
		if err != nil {
			return nil, err
		}
		userIDs = append(userIDs, user.ID)
	}

	latest, err := h.live.LatestTrackPerUser(ctx, userIDs, maxAge)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(latest))
	for _, id := range userIDs {
		if trackID, ok := latest[id]; ok {
			out = append(out, trackID)
		}
	}
	return out, nil
}

func (h *TrackHandler) UpdateTrack(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	var req TrackUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "update track")
		return
	}
	if req.Name != nil {
		track.Name = strings.TrimSpace(*req.Name)
	}
	if req.Comment != nil {
		track.Comment = *req.Comment
	}
	updated, err := h.tracks.UpdateTrack(r.Context(), track)
	if err != nil {
		writeServiceError(w, r, err, "update track")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TrackHandler) DeleteTrack(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	if err := h.tracks.DeleteTrack(r.Context(), track.ID); err != nil {
		writeServiceError(w, r, err, "delete track")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TrackHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := PrincipalFromContext(ctx)
	var req MergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "merge tracks")
		return
	}
	for _, id := range req.IDs {
		if _, err := h.tracks.OwnedTrack(ctx, id, principal.UserID); err != nil {
			writeServiceError(w, r, err, "merge tracks")
			return
		}
	}
	merged, err := h.tracks.MergeTracks(ctx, req.IDs, req.Name)
	if err != nil {
		writeServiceError(w, r, err, "merge tracks")
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *TrackHandler) Split(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	var req SplitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "split track")
		return
	}
	created, err := h.tracks.SplitTrack(r.Context(), track.ID, req.Vertex)
	if err != nil {
		writeServiceError(w, r, err, "split track")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *TrackHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	distance, err := h.tracks.RecomputeDistanceAndSpeed(r.Context(), track.ID)
	if err != nil {
		writeServiceError(w, r, err, "recalculate track")
		return
	}
	writeJSON(w, http.StatusOK, RecalculateResponse{ID: track.ID, Distance: distance})
}

// ownedTrack loads the track named in the URL, answering 404 unless the
// caller owns it.
func (h *TrackHandler) ownedTrack(w http.ResponseWriter, r *http.Request) (types.Track, bool) {
	principal, _ := PrincipalFromContext(r.Context())
	id, err := parseIDParam(r, "trackID")
	if err != nil {
		writeServiceError(w, r, err, "load track")
		return types.Track{}, false
	}
	track, err := h.tracks.OwnedTrack(r.Context(), id, principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load track")
		return types.Track{}, false
	}
	return track, true
}

type TrackListResponse struct {
	Items []types.Track `json:"items"`
}

type TrackUpdateRequest struct {
	Name    *string `json:"name" validate:"omitempty,max=255"`
	Comment *string `json:"comment" validate:"omitempty,max=1024"`
}

type MergeRequest struct {
	IDs  []int64 `json:"ids" validate:"min=2"`
	Name string  `json:"name" validate:"required"`
}

type SplitRequest struct {
	Vertex int `json:"vertex" validate:"gte=0"`
}

type RecalculateResponse struct {
	ID       int64 `json:"id"`
	Distance int64 `json:"distance"`
}
