package protocols

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

const (
	uloggerCookie = "ulogger"
	uloggerSource = "μlogger"
)

type ulAction int

const (
	ulAuth ulAction = iota + 1
	ulAddTrack
	ulAddPos
)

func parseULAction(raw string) (ulAction, bool) {
	switch raw {
	case "auth":
		return ulAuth, true
	case "addtrack":
		return ulAddTrack, true
	case "addpos":
		return ulAddPos, true
	default:
		return 0, false
	}
}

type ulSession struct {
	identity services.Identity
	expires  time.Time
}

// ulResponse is the reply body of every action. Error is set exactly when
// Message is.
type ulResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	TrackID int64  `json:"trackid,omitempty"`
}

// ULogger serves the μlogger Android client. The client logs in once and
// then presents a session cookie.
type ULogger struct {
	deps     Deps
	ttl      time.Duration
	sessions cmap.ConcurrentMap[string, ulSession]
	now      func() time.Time
}

func NewULogger(deps Deps, ttl time.Duration) *ULogger {
	return &ULogger{
		deps:     deps,
		ttl:      ttl,
		sessions: cmap.New[ulSession](),
		now:      time.Now,
	}
}

func ulReply(w http.ResponseWriter, status int, resp ulResponse) {
	resp.Error = resp.Message != ""
	writeJSON(w, status, resp)
}

func (a *ULogger) Serve(w http.ResponseWriter, r *http.Request, _ Match) {
	action, ok := parseULAction(formValue(r, "action"))
	if !ok {
		ulReply(w, http.StatusBadRequest, ulResponse{Message: "Unknown command"})
		return
	}

	if action == ulAuth {
		a.auth(w, r)
		return
	}

	identity, ok := a.session(r)
	if !ok {
		recordFailure(r.Context(), ProtocolULogger, errMissingCredentials)
		ulReply(w, http.StatusUnauthorized, ulResponse{Message: "Unauthorized"})
		return
	}
	switch action {
	case ulAddTrack:
		a.addTrack(w, r, identity)
	case ulAddPos:
		a.addPos(w, r, identity)
	}
}

func (a *ULogger) auth(w http.ResponseWriter, r *http.Request) {
	identity, err := a.deps.authenticate(r.Context(), formValue(r, "user"), r.FormValue("pass"), services.AppPasswordsOnly, types.PermWrite)
	if err != nil {
		recordFailure(r.Context(), ProtocolULogger, err)
		if statusFor(err) == http.StatusInternalServerError {
			ulReply(w, http.StatusInternalServerError, ulResponse{Message: "Server error"})
			return
		}
		ulReply(w, http.StatusUnauthorized, ulResponse{Message: "Unauthorized"})
		return
	}

	id := uuid.NewString()
	expires := a.now().Add(a.ttl)
	a.sessions.Set(id, ulSession{identity: identity, expires: expires})
	http.SetCookie(w, &http.Cookie{
		Name:     uloggerCookie,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
	})
	ulReply(w, http.StatusOK, ulResponse{})
}

// session returns the identity behind the request cookie. Expired sessions
// are dropped on access.
func (a *ULogger) session(r *http.Request) (services.Identity, bool) {
	cookie, err := r.Cookie(uloggerCookie)
	if err != nil {
		return services.Identity{}, false
	}
	s, ok := a.sessions.Get(cookie.Value)
	if !ok {
		return services.Identity{}, false
	}
	if !a.now().Before(s.expires) {
		a.sessions.Remove(cookie.Value)
		return services.Identity{}, false
	}
	return s.identity, true
}

func (a *ULogger) addTrack(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	name := formValue(r, "track")
	if name == "" {
		ulReply(w, http.StatusBadRequest, ulResponse{Message: "Missing required parameter"})
		return
	}
	track, err := a.deps.Tracks.CreateTrack(r.Context(), types.Track{
		UserID: identity.User.ID,
		Name:   name,
		Source: uloggerSource,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ulReply(w, http.StatusOK, ulResponse{TrackID: track.ID})
}

func (a *ULogger) addPos(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	ctx := r.Context()
	trackID, err := strconv.ParseInt(formValue(r, "trackid"), 10, 64)
	if err != nil {
		ulReply(w, http.StatusBadRequest, ulResponse{Message: "Missing required parameter"})
		return
	}
	track, err := a.deps.Tracks.OwnedTrack(ctx, trackID, identity.User.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	f, err := a.parseFix(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if _, _, err := a.deps.record(ctx, identity, track, f, ProtocolULogger); err != nil {
		a.fail(w, r, err)
		return
	}
	ulReply(w, http.StatusOK, ulResponse{})
}

func (a *ULogger) parseFix(r *http.Request) (fixInput, error) {
	var f fixInput
	var err error
	if formValue(r, "time") == "" {
		return f, fmt.Errorf("%w: missing time", services.ErrValidation)
	}
	if f.Occurred, _, err = epochToNaive(a.deps.Tracks, formValue(r, "time")); err != nil {
		return f, err
	}
	if f.Latitude, err = requiredFloat(r, "lat"); err != nil {
		return f, err
	}
	if f.Longitude, err = requiredFloat(r, "lon"); err != nil {
		return f, err
	}
	if f.Altitude, err = floatParam(r, "altitude"); err != nil {
		return f, err
	}
	if f.Speed, err = floatParam(r, "speed"); err != nil {
		return f, err
	}
	if f.Heading, err = floatParam(r, "bearing"); err != nil {
		return f, err
	}
	f.Comment = formValue(r, "comment")
	return f, f.validate()
}

func (a *ULogger) fail(w http.ResponseWriter, r *http.Request, err error) {
	recordFailure(r.Context(), ProtocolULogger, err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ulReply(w, http.StatusOK, ulResponse{Message: "Unknown track ID"})
	case errors.Is(err, services.ErrValidation):
		ulReply(w, http.StatusBadRequest, ulResponse{Message: "Missing required parameter"})
	case statusFor(err) == http.StatusForbidden:
		ulReply(w, http.StatusUnauthorized, ulResponse{Message: "Unauthorized"})
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("ulogger request failed")
		ulReply(w, http.StatusInternalServerError, ulResponse{Message: "Server error"})
	}
}
