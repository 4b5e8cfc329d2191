package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

// SettingsHandler serves the per-user tracker settings. Every route needs an
// account-level token, i.e. all permissions.
type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func SettingsRouter(r chi.Router, handler *SettingsHandler) {
	r.Use(RequirePermission(types.AllPermissions()...))

	r.Get("/app-passwords", handler.ListAppPasswords)
	r.Post("/app-passwords", handler.AddAppPassword)
	r.Delete("/app-passwords/{passwordID}", handler.DeleteAppPassword)
	r.Get("/geofences", handler.Geofences)
	r.Put("/geofences", handler.SetGeofences)
	r.Get("/profile", handler.Profile)
	r.Put("/profile", handler.SetProfile)
}

func (h *SettingsHandler) ListAppPasswords(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	passwords, err := h.settings.AppPasswords(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "list app passwords")
		return
	}
	if passwords == nil {
		passwords = []types.AppPassword{}
	}
	writeJSON(w, http.StatusOK, passwords)
}

// AddAppPassword creates an app password. The secret is generated when the
// request leaves it empty and is returned once in the response.
func (h *SettingsHandler) AddAppPassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req AppPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "add app password")
		return
	}
	perms, err := types.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pw, err := h.settings.AddAppPassword(r.Context(), principal.UserID, req.Password, perms)
	if err != nil {
		writeServiceError(w, r, err, "add app password")
		return
	}
	writeJSON(w, http.StatusCreated, pw)
}

func (h *SettingsHandler) DeleteAppPassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if err := h.settings.DeleteAppPassword(r.Context(), principal.UserID, chi.URLParam(r, "passwordID")); err != nil {
		writeServiceError(w, r, err, "delete app password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SettingsHandler) Geofences(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	fences, err := h.settings.Geofences(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load geofences")
		return
	}
	if fences == nil {
		fences = []types.Geofence{}
	}
	writeJSON(w, http.StatusOK, fences)
}

func (h *SettingsHandler) SetGeofences(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req GeofencesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "save geofences")
		return
	}
	if err := h.settings.SetGeofences(r.Context(), principal.UserID, req.Geofences); err != nil {
		writeServiceError(w, r, err, "save geofences")
		return
	}
	writeJSON(w, http.StatusOK, req.Geofences)
}

func (h *SettingsHandler) Profile(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	profile, err := h.settings.Profile(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *SettingsHandler) SetProfile(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var profile types.Profile
	if err := decodeJSON(r, &profile); err != nil {
		writeServiceError(w, r, err, "save profile")
		return
	}
	if err := h.settings.SetProfile(r.Context(), principal.UserID, profile); err != nil {
		writeServiceError(w, r, err, "save profile")
		return
	}
	saved, err := h.settings.Profile(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, r, err, "load profile")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type AppPasswordRequest struct {
	Password    string   `json:"password" validate:"omitempty,min=8,max=128"`
	Permissions []string `json:"permissions" validate:"min=1"`
}

// GeofencesRequest replaces the whole fence list. The settings service
// validates each fence.
type GeofencesRequest struct {
	Geofences []types.Geofence `json:"geofences"`
}
